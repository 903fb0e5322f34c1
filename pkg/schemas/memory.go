package schemas

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/platinummonkey/keel/pkg/apperr"
)

// MemoryStore keeps schemas in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Schema
	byKind map[string]string
}

// NewMemoryStore creates an empty in-memory schema store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Schema),
		byKind: make(map[string]string),
	}
}

func clone(s *Schema) *Schema {
	c := *s
	return &c
}

func (m *MemoryStore) Create(ctx context.Context, schema *Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byKind[schema.Kind]; exists {
		return apperr.Conflict("schema for kind %q already exists", schema.Kind)
	}
	m.byID[schema.ID] = clone(schema)
	m.byKind[schema.Kind] = schema.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, apperr.NotFound("schema %s not found", id)
	}
	return clone(s), nil
}

func (m *MemoryStore) GetByKind(ctx context.Context, kind string) (*Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKind[kind]
	if !ok {
		return nil, apperr.NotFound("schema for kind %q not found", kind)
	}
	return clone(m.byID[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*Schema) error) (*Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, apperr.NotFound("schema %s not found", id)
	}
	updated := clone(s)
	if err := fn(updated); err != nil {
		return nil, err
	}
	m.byID[id] = updated
	return clone(updated), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (*Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, apperr.NotFound("schema %s not found", id)
	}
	delete(m.byID, id)
	delete(m.byKind, s.Kind)
	return s, nil
}

func (m *MemoryStore) List(ctx context.Context, filter string, offset, limit int, fn func(*Schema) error) error {
	m.mu.RLock()
	var matched []*Schema
	for _, s := range m.byID {
		if strings.Contains(s.Kind, filter) {
			matched = append(matched, clone(s))
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Kind < matched[j].Kind })
	if offset >= len(matched) {
		return nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	for _, s := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}
