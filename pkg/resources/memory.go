package resources

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/permissions"
)

// MemoryStore keeps resources in process. Grants live in the given
// permission store so creation and deletion stay atomic with them.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*Resource
	grants    *permissions.MemoryStore
	unique    UniqueResolver
}

// NewMemoryStore creates an empty store. unique may be nil when no kind
// declares unique properties.
func NewMemoryStore(grants *permissions.MemoryStore, unique UniqueResolver) *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]*Resource),
		grants:    grants,
		unique:    unique,
	}
}

func (m *MemoryStore) uniqueProps(ctx context.Context, kind string) ([]string, error) {
	if m.unique == nil {
		return nil, nil
	}
	return m.unique.UniqueProperties(ctx, kind)
}

// checkUnique must be called with the lock held
func (m *MemoryStore) checkUnique(r *Resource, props []string) error {
	for _, prop := range props {
		want, ok := uniqueValue(r.Data, prop)
		if !ok {
			continue
		}
		for _, other := range m.resources {
			if other.ID == r.ID || other.Kind != r.Kind {
				continue
			}
			if got, ok := uniqueValue(other.Data, prop); ok && got == want {
				return apperr.Conflict("a %s resource with %s %q already exists", r.Kind, prop, want)
			}
		}
	}
	return nil
}

func (m *MemoryStore) Create(ctx context.Context, r *Resource, grants []Share) error {
	props, err := m.uniqueProps(ctx, r.Kind)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.resources[r.ID]; ok {
		return apperr.Conflict("resource %s already exists", r.ID)
	}
	for _, parent := range []string{r.ParentID, r.PermissionParentID} {
		if parent == "" {
			continue
		}
		if _, ok := m.resources[parent]; !ok {
			return apperr.NotFound("resource %s not found", parent)
		}
	}
	if err := m.checkUnique(r, props); err != nil {
		return err
	}

	for _, g := range grants {
		if _, err := m.grants.Grant(ctx, r.ID, g.PrincipalID, g.Actions); err != nil {
			_ = m.grants.RevokeAll(ctx, r.ID)
			return err
		}
	}
	m.resources[r.ID] = r.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.resources[id]
	if !ok {
		return nil, apperr.NotFound("resource %s not found", id)
	}
	return r.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*Resource) error) (*Resource, error) {
	m.mu.RLock()
	current, ok := m.resources[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("resource %s not found", id)
	}
	props, err := m.uniqueProps(ctx, current.Kind)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok = m.resources[id]
	if !ok {
		return nil, apperr.NotFound("resource %s not found", id)
	}
	updated := current.clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	if err := m.checkUnique(updated, props); err != nil {
		return nil, err
	}
	m.resources[id] = updated
	return updated.clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[id]
	if !ok {
		return nil, apperr.NotFound("resource %s not found", id)
	}
	for _, other := range m.resources {
		if other.ParentID == id || other.PermissionParentID == id {
			return nil, apperr.Conflict("resource %s is the parent of %s", id, other.ID)
		}
	}

	delete(m.resources, id)
	if err := m.grants.RevokeAll(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *MemoryStore) matches(r *Resource, filter Filter, match interface{}, query string) bool {
	if filter.Kind != "" && r.Kind != filter.Kind {
		return false
	}
	if !labelsMatch(r.Labels, filter.Labels) {
		return false
	}
	if match == nil && query == "" {
		return true
	}
	doc, ok := decodeJSON(r.Data)
	if !ok {
		return false
	}
	if match != nil && !contains(doc, match) {
		return false
	}
	return query == "" || containsText(doc, query)
}

func (m *MemoryStore) List(ctx context.Context, filter Filter, fn func(*Resource) error) error {
	var match interface{}
	if filter.Match != "" {
		doc, ok := decodeJSON(filter.Match)
		if !ok {
			return apperr.Validation("filter must be a JSON document")
		}
		match = doc
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))

	m.mu.RLock()
	var out []*Resource
	for _, r := range m.resources {
		if m.matches(r, filter, match, query) {
			out = append(out, r.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	for _, r := range out {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) PermissionParent(ctx context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.resources[id]
	if !ok {
		return "", apperr.NotFound("resource %s not found", id)
	}
	return r.PermissionParentID, nil
}
