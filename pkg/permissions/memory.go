package permissions

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps grants in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]map[string]map[string]bool // resource -> principal -> action
}

// NewMemoryStore creates an empty grant store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]map[string]map[string]bool)}
}

func sortedActions(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryStore) info(resourceID, principalID string) *PermissionInfo {
	return &PermissionInfo{
		ResourceID:  resourceID,
		PrincipalID: principalID,
		Actions:     sortedActions(m.grants[resourceID][principalID]),
	}
}

func (m *MemoryStore) Grant(ctx context.Context, resourceID, principalID string, actions []string) (*PermissionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPrincipal, ok := m.grants[resourceID]
	if !ok {
		byPrincipal = make(map[string]map[string]bool)
		m.grants[resourceID] = byPrincipal
	}
	set, ok := byPrincipal[principalID]
	if !ok {
		set = make(map[string]bool)
		byPrincipal[principalID] = set
	}
	for _, a := range actions {
		set[a] = true
	}
	return m.info(resourceID, principalID), nil
}

func (m *MemoryStore) Revoke(ctx context.Context, resourceID, principalID string, actions []string) (*PermissionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.grants[resourceID][principalID]; ok {
		for _, a := range actions {
			delete(set, a)
		}
		if len(set) == 0 {
			delete(m.grants[resourceID], principalID)
		}
		if len(m.grants[resourceID]) == 0 {
			delete(m.grants, resourceID)
		}
	}
	return m.info(resourceID, principalID), nil
}

func (m *MemoryStore) Get(ctx context.Context, resourceID, principalID string) (*PermissionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info(resourceID, principalID), nil
}

func (m *MemoryStore) List(ctx context.Context, resourceID string, fn func(*PermissionInfo) error) error {
	m.mu.RLock()
	principals := make([]string, 0, len(m.grants[resourceID]))
	for p := range m.grants[resourceID] {
		principals = append(principals, p)
	}
	sort.Strings(principals)
	infos := make([]*PermissionInfo, 0, len(principals))
	for _, p := range principals {
		infos = append(infos, m.info(resourceID, p))
	}
	m.mu.RUnlock()

	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) HasAny(ctx context.Context, resourceID string, principals []string, action string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range principals {
		if m.grants[resourceID][p][action] {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) RevokeAll(ctx context.Context, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, resourceID)
	return nil
}
