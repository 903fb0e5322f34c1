package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/keel/pkg/apperr"
)

type memberKey struct {
	group, user string
}

// MemoryStore keeps identities in process
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	accounts map[string]*ServiceAccount
	groups   map[string]*Group
	members  map[memberKey]*GroupMember
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*User),
		accounts: make(map[string]*ServiceAccount),
		groups:   make(map[string]*Group),
		members:  make(map[memberKey]*GroupMember),
	}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; ok {
		return apperr.Conflict("user %s already exists", u.ID)
	}
	if u.ExternalID != "" {
		for _, other := range m.users {
			if other.ExternalID == u.ExternalID {
				return apperr.Conflict("user with external id %q already exists", u.ExternalID)
			}
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user %s not found", id)
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.ExternalID != "" && u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("user with external id %q not found", externalID)
}

func (m *MemoryStore) UpdateUser(ctx context.Context, id string, fn func(*User) error) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user %s not found", id)
	}
	cp := *u
	if err := fn(&cp); err != nil {
		return nil, err
	}
	m.users[id] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user %s not found", id)
	}
	delete(m.users, id)
	for key := range m.members {
		if key.user == id {
			delete(m.members, key)
		}
	}
	return u, nil
}

func (m *MemoryStore) ListUsers(ctx context.Context, fn func(*User) error) error {
	m.mu.RLock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name || (out[i].Name == out[j].Name && out[i].ID < out[j].ID)
	})
	for _, u := range out {
		if err := fn(u); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) CreateServiceAccount(ctx context.Context, sa *ServiceAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[sa.ID]; ok {
		return apperr.Conflict("service account %q already exists", sa.Name)
	}
	cp := *sa
	m.accounts[sa.ID] = &cp
	return nil
}

func (m *MemoryStore) GetServiceAccount(ctx context.Context, id string) (*ServiceAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sa, ok := m.accounts[id]
	if !ok {
		return nil, apperr.NotFound("service account %s not found", id)
	}
	cp := *sa
	return &cp, nil
}

func (m *MemoryStore) UpdateServiceAccount(ctx context.Context, id string, fn func(*ServiceAccount) error) (*ServiceAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sa, ok := m.accounts[id]
	if !ok {
		return nil, apperr.NotFound("service account %s not found", id)
	}
	cp := *sa
	if err := fn(&cp); err != nil {
		return nil, err
	}
	m.accounts[id] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) DeleteServiceAccount(ctx context.Context, id string) (*ServiceAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sa, ok := m.accounts[id]
	if !ok {
		return nil, apperr.NotFound("service account %s not found", id)
	}
	delete(m.accounts, id)
	return sa, nil
}

func (m *MemoryStore) ListServiceAccounts(ctx context.Context, fn func(*ServiceAccount) error) error {
	m.mu.RLock()
	out := make([]*ServiceAccount, 0, len(m.accounts))
	for _, sa := range m.accounts {
		cp := *sa
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for _, sa := range out {
		if err := fn(sa); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) CreateGroup(ctx context.Context, g *Group, admin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[g.ID]; ok {
		return apperr.Conflict("group %q already exists", g.Name)
	}
	if admin != "" {
		if _, ok := m.users[admin]; !ok {
			return apperr.NotFound("user %s not found", admin)
		}
	}
	cp := *g
	m.groups[g.ID] = &cp
	if admin != "" {
		m.members[memberKey{g.ID, admin}] = &GroupMember{GroupID: g.ID, UserID: admin, IsAdmin: true, JoinedAt: g.CreatedAt}
	}
	return nil
}

func (m *MemoryStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, apperr.NotFound("group %s not found", id)
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) UpdateGroup(ctx context.Context, id string, fn func(*Group) error) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, apperr.NotFound("group %s not found", id)
	}
	cp := *g
	if err := fn(&cp); err != nil {
		return nil, err
	}
	for otherID, other := range m.groups {
		if otherID != id && other.Name == cp.Name {
			return nil, apperr.Conflict("group %q already exists", cp.Name)
		}
	}
	m.groups[id] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) DeleteGroup(ctx context.Context, id string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, apperr.NotFound("group %s not found", id)
	}
	delete(m.groups, id)
	for key := range m.members {
		if key.group == id {
			delete(m.members, key)
		}
	}
	return g, nil
}

func (m *MemoryStore) ListGroups(ctx context.Context, userID string, fn func(*Group) error) error {
	m.mu.RLock()
	out := make([]*Group, 0, len(m.groups))
	for id, g := range m.groups {
		if userID != "" {
			if _, ok := m.members[memberKey{id, userID}]; !ok {
				continue
			}
		}
		cp := *g
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for _, g := range out {
		if err := fn(g); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) AddMember(ctx context.Context, groupID, userID string, isAdmin bool, joinedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[groupID]; !ok {
		return apperr.NotFound("group %s not found", groupID)
	}
	if _, ok := m.users[userID]; !ok {
		return apperr.NotFound("user %s not found", userID)
	}
	key := memberKey{groupID, userID}
	if existing, ok := m.members[key]; ok {
		existing.IsAdmin = isAdmin
		return nil
	}
	m.members[key] = &GroupMember{GroupID: groupID, UserID: userID, IsAdmin: isAdmin, JoinedAt: joinedAt}
	return nil
}

func (m *MemoryStore) RemoveMember(ctx context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memberKey{groupID, userID}
	if _, ok := m.members[key]; !ok {
		return apperr.NotFound("user %s is not a member of group %s", userID, groupID)
	}
	delete(m.members, key)
	return nil
}

// member must be called with the lock held
func (m *MemoryStore) member(key memberKey) *GroupMember {
	gm, ok := m.members[key]
	if !ok {
		return nil
	}
	cp := *gm
	if u, ok := m.users[key.user]; ok {
		cp.UserName = u.Name
		cp.UserExternalID = u.ExternalID
	}
	return &cp
}

func (m *MemoryStore) Member(ctx context.Context, groupID, userID string) (*GroupMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gm := m.member(memberKey{groupID, userID})
	if gm == nil {
		return nil, apperr.NotFound("user %s is not a member of group %s", userID, groupID)
	}
	return gm, nil
}

func (m *MemoryStore) ListMembers(ctx context.Context, groupID string, fn func(*GroupMember) error) error {
	m.mu.RLock()
	if _, ok := m.groups[groupID]; !ok {
		m.mu.RUnlock()
		return apperr.NotFound("group %s not found", groupID)
	}
	var out []*GroupMember
	for key := range m.members {
		if key.group == groupID {
			out = append(out, m.member(key))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	for _, gm := range out {
		if err := fn(gm); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for key := range m.members {
		if key.user == userID {
			out = append(out, key.group)
		}
	}
	sort.Strings(out)
	return out, nil
}
