package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/permissions"
)

type harness struct {
	store    *MemoryStore
	users    *Users
	accounts *ServiceAccounts
	groups   *Groups
	authn    *Authenticator
	tokens   *auth.TokenIssuer
}

type fakeOIDC map[string]string

func (f fakeOIDC) Verify(ctx context.Context, raw string) (string, error) {
	sub, ok := f[raw]
	if !ok {
		return "", apperr.Auth("invalid OIDC token")
	}
	return sub, nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := observability.NewNopLogger()
	store := NewMemoryStore()
	tokens := auth.NewTokenIssuer(auth.TokenConfig{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Issuer: "keel-test",
	}, auth.NewMemorySessionStore())

	return &harness{
		store:    store,
		users:    NewUsers(store, nil, logger),
		accounts: NewServiceAccounts(store, nil, logger),
		groups:   NewGroups(store, nil, logger),
		authn:    NewAuthenticator(store, tokens, auth.NewDIDVerifier(time.Minute, auth.NewMemorySessionStore()), fakeOIDC{"good-token": "oidc|alice"}, nil, logger),
		tokens:   tokens,
	}
}

func adminCtx() context.Context {
	return auth.WithClaims(context.Background(), auth.SystemClaims())
}

func as(sub string) context.Context {
	return auth.WithClaims(context.Background(), &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: sub}})
}

func boolPtr(b bool) *bool { return &b }

func (h *harness) user(t *testing.T, name, password string) *User {
	t.Helper()
	u, err := h.users.Create(adminCtx(), &CreateUserRequest{Name: name, ExternalID: name + "@example.com", Password: password})
	require.NoError(t, err)
	return u
}

func TestAuthenticator_PasswordLoginAndRefreshRotation(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", "correct horse")
	ctx := context.Background()

	_, err := h.authn.Login(ctx, &LoginRequest{ExternalID: "alice@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, apperr.ErrAuth)
	_, err = h.authn.Login(ctx, &LoginRequest{ExternalID: "nobody@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, apperr.ErrAuth)

	pair, err := h.authn.Login(ctx, &LoginRequest{ExternalID: "alice@example.com", Password: "correct horse"})
	require.NoError(t, err)

	next, err := h.authn.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	_, err = h.authn.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrAuth)

	_, err = h.authn.Refresh(ctx, next.AccessToken)
	assert.ErrorIs(t, err, apperr.ErrAuth)
}

func TestAuthenticator_RefreshReloadsGroups(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice", "pw")
	ctx := context.Background()

	pair, err := h.authn.Login(ctx, &LoginRequest{ExternalID: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	claims, err := h.tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Empty(t, claims.Groups)

	g, err := h.groups.Create(adminCtx(), "ops")
	require.NoError(t, err)
	require.NoError(t, h.groups.AddUser(adminCtx(), &MembershipRequest{GroupID: g.ID, UserID: alice.ID}))

	next, err := h.authn.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	claims, err = h.tokens.VerifyAccess(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{g.ID}, claims.Groups)
}

func TestAuthenticator_RefreshAfterDeleteFails(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice", "pw")
	ctx := context.Background()

	pair, err := h.authn.Login(ctx, &LoginRequest{ExternalID: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	_, err = h.users.Delete(adminCtx(), alice.ID)
	require.NoError(t, err)

	_, err = h.authn.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrAuth)
}

func TestAuthenticator_ServiceAccountLogin(t *testing.T) {
	h := newHarness(t)
	created, err := h.accounts.Create(adminCtx(), &CreateServiceAccountRequest{Name: "ci", IsAdmin: true})
	require.NoError(t, err)
	assert.Len(t, created.SecretKey, auth.SecretLength)
	assert.Equal(t, permissions.NormalizePrincipal("ci"), created.ServiceAccount.ID)

	ctx := context.Background()
	for _, ref := range []string{"ci", created.ServiceAccount.ID} {
		pair, err := h.authn.Login(ctx, &LoginRequest{ServiceAccountID: ref, Password: created.SecretKey})
		require.NoError(t, err, ref)
		claims, err := h.tokens.VerifyAccess(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, created.ServiceAccount.ID, claims.Subject)
		assert.True(t, claims.IsAdmin)
		assert.Empty(t, claims.Groups)
	}

	rotated, err := h.accounts.Update(adminCtx(), &UpdateServiceAccountRequest{ID: "ci"})
	require.NoError(t, err)
	assert.NotEqual(t, created.SecretKey, rotated.SecretKey)

	_, err = h.authn.Login(ctx, &LoginRequest{ServiceAccountID: "ci", Password: created.SecretKey})
	assert.ErrorIs(t, err, apperr.ErrAuth)
	pair, err := h.authn.Login(ctx, &LoginRequest{ServiceAccountID: "ci", Password: rotated.SecretKey})
	require.NoError(t, err)

	_, err = h.authn.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
}

func TestAuthenticator_DIDLoginRegistersUser(t *testing.T) {
	h := newHarness(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	did := auth.EncodeDIDKey(pub)
	ctx := context.Background()

	msg, sig := auth.SignChallenge(priv, did, time.Now())
	pair, err := h.authn.Login(ctx, &LoginRequest{ExternalID: did, DIDLogin: &DIDLogin{Message: msg, Signature: sig}})
	require.NoError(t, err)

	u, err := h.store.GetUserByExternalID(ctx, did)
	require.NoError(t, err)
	claims, err := h.tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.Subject)

	// a challenge logs in once
	_, err = h.authn.Login(ctx, &LoginRequest{ExternalID: did, DIDLogin: &DIDLogin{Message: msg, Signature: sig}})
	assert.ErrorIs(t, err, apperr.ErrAuth)

	// a second login reuses the registration
	msg, sig = auth.SignChallenge(priv, did, time.Now().Add(time.Second))
	_, err = h.authn.Login(ctx, &LoginRequest{ExternalID: did, DIDLogin: &DIDLogin{Message: msg, Signature: sig}})
	require.NoError(t, err)
	var count int
	require.NoError(t, h.store.ListUsers(ctx, func(*User) error { count++; return nil }))
	assert.Equal(t, 1, count)

	stale, sig := auth.SignChallenge(priv, did, time.Now().Add(-time.Hour))
	_, err = h.authn.Login(ctx, &LoginRequest{ExternalID: did, DIDLogin: &DIDLogin{Message: stale, Signature: sig}})
	assert.ErrorIs(t, err, apperr.ErrAuth)
}

func TestAuthenticator_OIDCLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.authn.Login(ctx, &LoginRequest{OIDCToken: "forged"})
	assert.ErrorIs(t, err, apperr.ErrAuth)

	_, err = h.authn.Login(ctx, &LoginRequest{OIDCToken: "good-token"})
	require.NoError(t, err)
	u, err := h.store.GetUserByExternalID(ctx, "oidc|alice")
	require.NoError(t, err)
	assert.False(t, u.IsAdmin)
}

func TestAuthenticator_RequiresCredentials(t *testing.T) {
	h := newHarness(t)
	_, err := h.authn.Login(context.Background(), &LoginRequest{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.authn.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, apperr.ErrAuth)
}

func TestUsers_Permissions(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice", "pw")
	bob := h.user(t, "bob", "pw")

	_, err := h.users.Create(as(alice.ID), &CreateUserRequest{Name: "mallory"})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = h.users.Create(context.Background(), &CreateUserRequest{Name: "mallory"})
	assert.ErrorIs(t, err, apperr.ErrAuth)
	_, err = h.users.Create(adminCtx(), &CreateUserRequest{Name: " "})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.users.Create(adminCtx(), &CreateUserRequest{Name: "alice2", ExternalID: "alice@example.com"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := h.users.Get(as(alice.ID), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	got, err = h.users.Get(as(alice.ID), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)

	_, err = h.users.Get(as(alice.ID), bob.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = h.users.Get(as(alice.ID), "ghost")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = h.users.Get(adminCtx(), "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = h.users.List(as(alice.ID), func(*User) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	var names []string
	require.NoError(t, h.users.List(adminCtx(), func(u *User) error { names = append(names, u.Name); return nil }))
	assert.Equal(t, []string{"alice", "bob"}, names)
}

func TestUsers_Update(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice", "old")
	bob := h.user(t, "bob", "pw")

	_, err := h.users.Update(as(alice.ID), &UpdateUserRequest{ID: bob.ID, Name: "robert"})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = h.users.Update(as(alice.ID), &UpdateUserRequest{ID: alice.ID, IsAdmin: boolPtr(true)})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	updated, err := h.users.Update(as(alice.ID), &UpdateUserRequest{ID: alice.ID, Password: "new"})
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.Name)
	assert.Equal(t, "alice@example.com", updated.ExternalID)

	_, err = h.authn.Login(context.Background(), &LoginRequest{ExternalID: "alice@example.com", Password: "old"})
	assert.ErrorIs(t, err, apperr.ErrAuth)
	_, err = h.authn.Login(context.Background(), &LoginRequest{ExternalID: "alice@example.com", Password: "new"})
	require.NoError(t, err)

	promoted, err := h.users.Update(adminCtx(), &UpdateUserRequest{ID: bob.ID, IsAdmin: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, promoted.IsAdmin)

	_, err = h.users.Update(adminCtx(), &UpdateUserRequest{ID: "00000000-0000-0000-0000-000000000000", Name: "x"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestServiceAccounts_AdminOnly(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice", "pw")

	_, err := h.accounts.Create(as(alice.ID), &CreateServiceAccountRequest{Name: "ci"})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = h.accounts.Create(adminCtx(), &CreateServiceAccountRequest{Name: "00000000-0000-0000-0000-000000000001"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.accounts.Create(adminCtx(), &CreateServiceAccountRequest{Name: "ci"})
	require.NoError(t, err)
	_, err = h.accounts.Create(adminCtx(), &CreateServiceAccountRequest{Name: "ci"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	sa, err := h.accounts.Get(adminCtx(), "ci")
	require.NoError(t, err)
	assert.False(t, sa.IsAdmin)

	var count int
	require.NoError(t, h.accounts.List(adminCtx(), func(*ServiceAccount) error { count++; return nil }))
	assert.Equal(t, 1, count)

	_, err = h.accounts.Delete(adminCtx(), "ci")
	require.NoError(t, err)
	_, err = h.accounts.Get(adminCtx(), "ci")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestServiceAccounts_Bootstrap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	secret, err := h.accounts.Bootstrap(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, secret, auth.SecretLength)

	again, err := h.accounts.Bootstrap(ctx, "root")
	require.NoError(t, err)
	assert.Empty(t, again)

	pair, err := h.authn.Login(ctx, &LoginRequest{ServiceAccountID: "root", Password: secret})
	require.NoError(t, err)
	claims, err := h.tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin)
}

func TestGroups_Membership(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice", "pw")
	bob := h.user(t, "bob", "pw")
	carol := h.user(t, "carol", "pw")

	g, err := h.groups.Create(as(alice.ID), "eng")
	require.NoError(t, err)
	assert.Equal(t, permissions.NormalizePrincipal("eng"), g.ID)
	_, err = h.groups.Create(as(bob.ID), "eng")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// the creator is the group admin
	m, err := h.store.Member(context.Background(), g.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, m.IsAdmin)

	err = h.groups.AddUser(as(bob.ID), &MembershipRequest{GroupID: g.ID, UserID: bob.ID})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	require.NoError(t, h.groups.AddUser(as(alice.ID), &MembershipRequest{GroupID: "eng", UserID: bob.ID}))

	// plain members can read but not manage
	_, err = h.groups.Get(as(bob.ID), g.ID)
	require.NoError(t, err)
	err = h.groups.AddUser(as(bob.ID), &MembershipRequest{GroupID: g.ID, UserID: carol.ID})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = h.groups.Get(as(carol.ID), g.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	err = h.groups.AddUser(as(alice.ID), &MembershipRequest{GroupID: g.ID, UserID: "00000000-0000-0000-0000-000000000000"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	var members []string
	require.NoError(t, h.groups.ListMembers(as(bob.ID), g.ID, func(m *GroupMember) error {
		members = append(members, m.UserName)
		return nil
	}))
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	groups, err := h.groups.GroupsOf(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{g.ID}, groups)

	require.NoError(t, h.groups.DelUser(as(alice.ID), &MembershipRequest{GroupID: g.ID, UserID: bob.ID}))
	err = h.groups.DelUser(as(alice.ID), &MembershipRequest{GroupID: g.ID, UserID: bob.ID})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.groups.Get(as(bob.ID), g.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestGroups_ListUpdateDelete(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice", "pw")
	bob := h.user(t, "bob", "pw")

	eng, err := h.groups.Create(as(alice.ID), "eng")
	require.NoError(t, err)
	_, err = h.groups.Create(as(bob.ID), "ops")
	require.NoError(t, err)
	// service accounts create groups without joining them
	_, err = h.groups.Create(adminCtx(), "sre")
	require.NoError(t, err)

	list := func(ctx context.Context) []string {
		var out []string
		require.NoError(t, h.groups.List(ctx, func(g *Group) error { out = append(out, g.Name); return nil }))
		return out
	}
	assert.Equal(t, []string{"eng"}, list(as(alice.ID)))
	assert.Equal(t, []string{"eng", "ops", "sre"}, list(adminCtx()))

	_, err = h.groups.Update(as(bob.ID), &UpdateGroupRequest{ID: eng.ID, Name: "platform"})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	renamed, err := h.groups.Update(as(alice.ID), &UpdateGroupRequest{ID: eng.ID, Name: "platform"})
	require.NoError(t, err)
	assert.Equal(t, eng.ID, renamed.ID)
	_, err = h.groups.Update(as(alice.ID), &UpdateGroupRequest{ID: eng.ID, Name: "ops"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = h.groups.Delete(as(bob.ID), eng.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = h.groups.Delete(as(alice.ID), eng.ID)
	require.NoError(t, err)
	assert.Empty(t, list(as(alice.ID)))

	groups, err := h.store.GroupsOf(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestGroups_GrantsFlowThroughPermissionEngine(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice", "pw")
	g, err := h.groups.Create(adminCtx(), "readers")
	require.NoError(t, err)
	require.NoError(t, h.groups.AddUser(adminCtx(), &MembershipRequest{GroupID: g.ID, UserID: alice.ID}))

	grants := permissions.NewMemoryStore()
	engine := permissions.NewEngine(grants, noParents{}, h.groups, nil, nil, observability.NewNopLogger())
	_, err = grants.Grant(context.Background(), "r1", g.ID, []string{permissions.ActionRead})
	require.NoError(t, err)

	ok, err := engine.Check(adminCtx(), "r1", alice.ID, permissions.ActionRead)
	require.NoError(t, err)
	assert.True(t, ok)
}

type noParents struct{}

func (noParents) PermissionParent(ctx context.Context, id string) (string, error) { return "", nil }
