package resources

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/async"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/events"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/permissions"
	"github.com/platinummonkey/keel/pkg/schemas"
)

const (
	alice = "00000000-0000-0000-0000-00000000000a"
	bob   = "00000000-0000-0000-0000-00000000000b"
)

const todoSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "x-unique": true},
		"done": {"type": "boolean"}
	},
	"required": ["title"]
}`

type harness struct {
	svc     *Service
	bus     *events.Bus
	grants  *permissions.MemoryStore
	schemas *schemas.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := observability.NewNopLogger()
	locks := async.NewKeyedMutex()

	schemaStore := schemas.NewMemoryStore()
	validator := schemas.NewSchemaValidator(schemaStore, 16, time.Minute, nil)
	grants := permissions.NewMemoryStore()
	store := NewMemoryStore(grants, validator)
	engine := permissions.NewEngine(grants, store, nil, locks, nil, logger)
	bus := events.NewBus(engine, logger)

	return &harness{
		svc:     NewService(store, validator, engine, bus, locks, nil, logger),
		bus:     bus,
		grants:  grants,
		schemas: schemas.NewService(schemaStore, validator, logger),
	}
}

func as(sub string) context.Context {
	return auth.WithClaims(context.Background(), &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: sub}})
}

func adminCtx() context.Context {
	return auth.WithClaims(context.Background(), auth.SystemClaims())
}

func strPtr(s string) *string { return &s }

func TestService_TodoScenario(t *testing.T) {
	h := newHarness(t)
	_, err := h.schemas.Create(adminCtx(), "todo", todoSchema)
	require.NoError(t, err)

	ctx := as(alice)
	r1, err := h.svc.Create(ctx, &CreateRequest{Kind: "todo", Data: `{"title":"milk","done":false}`})
	require.NoError(t, err)
	assert.Equal(t, alice, r1.CreatorID)

	_, err = h.svc.Create(ctx, &CreateRequest{Kind: "todo", Data: `{"done":"nope"}`})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	var count int
	require.NoError(t, h.svc.List(ctx, &ListRequest{Kind: "todo"}, func(*Resource) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count, "the invalid create left nothing behind")

	updated, err := h.svc.Update(ctx, &UpdateRequest{ID: r1.ID, Data: strPtr(`{"done":true}`)})
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(r1.UpdatedAt))
	assert.JSONEq(t, `{"title":"milk","done":true}`, updated.Data)

	_, err = h.svc.Delete(ctx, r1.ID)
	require.NoError(t, err)
	_, err = h.svc.Get(ctx, r1.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	info, err := h.grants.Get(context.Background(), r1.ID, alice)
	require.NoError(t, err)
	assert.Empty(t, info.Actions, "grants are revoked with the resource")
}

func TestService_CreateGrantsCreatorAndShares(t *testing.T) {
	h := newHarness(t)

	r, err := h.svc.Create(as(alice), &CreateRequest{
		Kind:   "doc",
		Data:   "plain text",
		Shares: []Share{{PrincipalID: bob, Actions: []string{"read", "read"}}},
	})
	require.NoError(t, err)

	info, err := h.grants.Get(context.Background(), r.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, permissions.AllActions, info.Actions)

	info, err = h.grants.Get(context.Background(), r.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, info.Actions)

	_, err = h.svc.Get(as(bob), r.ID)
	assert.NoError(t, err)
	_, err = h.svc.Update(as(bob), &UpdateRequest{ID: r.ID, Data: strPtr("x")})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestService_CreateValidatesParents(t *testing.T) {
	h := newHarness(t)
	ctx := as(alice)

	_, err := h.svc.Create(ctx, &CreateRequest{Kind: "doc", ParentID: "00000000-0000-0000-0000-000000000999"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.svc.Create(ctx, &CreateRequest{Kind: "doc", PermissionParentID: "00000000-0000-0000-0000-000000000999"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	folder, err := h.svc.Create(ctx, &CreateRequest{Kind: "folder"})
	require.NoError(t, err)
	_, err = h.svc.Create(as(bob), &CreateRequest{Kind: "doc", PermissionParentID: folder.ID})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	doc, err := h.svc.Create(ctx, &CreateRequest{Kind: "doc", ParentID: folder.ID, PermissionParentID: folder.ID})
	require.NoError(t, err)

	info, err := h.grants.Get(context.Background(), doc.ID, alice)
	require.NoError(t, err)
	assert.Empty(t, info.Actions, "access to a child comes from its permission parent")
	_, err = h.svc.Get(ctx, doc.ID)
	assert.NoError(t, err)
}

func TestService_DeleteRejectsParents(t *testing.T) {
	h := newHarness(t)
	ctx := as(alice)

	folder, err := h.svc.Create(ctx, &CreateRequest{Kind: "folder"})
	require.NoError(t, err)
	doc, err := h.svc.Create(ctx, &CreateRequest{Kind: "doc", ParentID: folder.ID})
	require.NoError(t, err)

	_, err = h.svc.Delete(ctx, folder.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = h.svc.Delete(ctx, doc.ID)
	require.NoError(t, err)
	_, err = h.svc.Delete(ctx, folder.ID)
	assert.NoError(t, err)
}

func TestService_UpdateSemantics(t *testing.T) {
	h := newHarness(t)
	ctx := as(alice)

	r, err := h.svc.Create(ctx, &CreateRequest{Kind: "note", Data: `{"a":1,"b":2}`, Labels: map[string]string{"env": "dev"}})
	require.NoError(t, err)

	// nil data and nil labels leave both alone
	same, err := h.svc.Update(ctx, &UpdateRequest{ID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, r.Data, same.Data)
	assert.Equal(t, r.Labels, same.Labels)
	assert.True(t, same.UpdatedAt.After(r.UpdatedAt))

	merged, err := h.svc.Update(ctx, &UpdateRequest{ID: r.ID, Data: strPtr(`{"b":null,"c":3}`), Labels: map[string]string{"team": "x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"c":3}`, merged.Data)
	assert.Equal(t, map[string]string{"team": "x"}, merged.Labels)

	replaced, err := h.svc.Update(ctx, &UpdateRequest{ID: r.ID, Data: strPtr("free text"), Labels: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, "free text", replaced.Data)
	assert.Empty(t, replaced.Labels)

	_, err = h.svc.Update(ctx, &UpdateRequest{ID: "00000000-0000-0000-0000-000000000999"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestService_UpdatedAtStrictlyIncreases(t *testing.T) {
	h := newHarness(t)
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time { return frozen }

	ctx := as(alice)
	r, err := h.svc.Create(ctx, &CreateRequest{Kind: "note"})
	require.NoError(t, err)

	prev := r.UpdatedAt
	for i := 0; i < 3; i++ {
		u, err := h.svc.Update(ctx, &UpdateRequest{ID: r.ID, Data: strPtr("v")})
		require.NoError(t, err)
		assert.True(t, u.UpdatedAt.After(prev))
		prev = u.UpdatedAt
	}
}

func TestService_UniqueProperties(t *testing.T) {
	h := newHarness(t)
	_, err := h.schemas.Create(adminCtx(), "todo", todoSchema)
	require.NoError(t, err)
	ctx := as(alice)

	first, err := h.svc.Create(ctx, &CreateRequest{Kind: "todo", Data: `{"title":"milk"}`})
	require.NoError(t, err)
	_, err = h.svc.Create(ctx, &CreateRequest{Kind: "todo", Data: `{"title":"milk"}`})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	second, err := h.svc.Create(ctx, &CreateRequest{Kind: "todo", Data: `{"title":"eggs"}`})
	require.NoError(t, err)
	_, err = h.svc.Update(ctx, &UpdateRequest{ID: second.ID, Data: strPtr(`{"title":"milk"}`)})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = h.svc.Update(ctx, &UpdateRequest{ID: first.ID, Data: strPtr(`{"done":true}`)})
	assert.NoError(t, err, "updating a resource does not conflict with itself")
}

func TestService_ListFiltersAndPermissions(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	h.svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	create := func(ctx context.Context, data string, labels map[string]string) *Resource {
		r, err := h.svc.Create(ctx, &CreateRequest{Kind: "todo", Data: data, Labels: labels})
		require.NoError(t, err)
		return r
	}
	a1 := create(as(alice), `{"title":"Buy Milk","tags":["home","errand"]}`, map[string]string{"env": "home"})
	a2 := create(as(alice), `{"title":"write report","tags":["work"]}`, map[string]string{"env": "work"})
	b1 := create(as(bob), `{"title":"milk the cow"}`, nil)

	ids := func(ctx context.Context, req *ListRequest) []string {
		var out []string
		require.NoError(t, h.svc.List(ctx, req, func(r *Resource) error {
			out = append(out, r.ID)
			return nil
		}))
		return out
	}

	assert.Equal(t, []string{a2.ID, a1.ID}, ids(as(alice), &ListRequest{}), "newest first, only readable")
	assert.Equal(t, []string{b1.ID, a2.ID, a1.ID}, ids(adminCtx(), &ListRequest{}))
	assert.Equal(t, []string{a1.ID}, ids(as(alice), &ListRequest{Labels: map[string]string{"env": "home"}}))
	assert.Equal(t, []string{a1.ID}, ids(as(alice), &ListRequest{Filter: `{"tags":["errand"]}`}))
	assert.Equal(t, []string{a1.ID}, ids(as(alice), &ListRequest{Query: "MILK"}))
	assert.Equal(t, []string{b1.ID, a1.ID}, ids(adminCtx(), &ListRequest{Query: "milk"}))
	assert.Equal(t, []string{a1.ID}, ids(as(alice), &ListRequest{Skip: 1}), "skip counts visible resources only")

	err := h.svc.List(as(alice), &ListRequest{Filter: `[1]`}, func(*Resource) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestService_PublishesEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(as(alice))
	defer cancel()

	got := make(chan *events.Event, 8)
	go func() {
		_ = h.bus.Subscribe(ctx, &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: alice}}, events.Filter{ResourceKind: "todo"},
			func(ev *events.Event) error {
				got <- ev
				return nil
			})
	}()
	require.Eventually(t, func() bool { return h.bus.Subscribers() == 1 }, time.Second, time.Millisecond)

	expect := func(typ events.EventType, id, data string) {
		t.Helper()
		select {
		case ev := <-got:
			assert.Equal(t, typ, ev.EventType)
			assert.Equal(t, data, ev.Data)
			assert.Equal(t, id, ev.ResourceID)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}

	// each event is awaited before the next mutation; delivery re-checks
	// read access, which a later delete would revoke
	r, err := h.svc.Create(ctx, &CreateRequest{Kind: "todo", Data: "a"})
	require.NoError(t, err)
	expect(events.EventCreate, r.ID, "a")

	_, err = h.svc.Update(ctx, &UpdateRequest{ID: r.ID, Data: strPtr("b")})
	require.NoError(t, err)
	expect(events.EventUpdate, r.ID, "b")

	_, err = h.svc.Delete(ctx, r.ID)
	require.NoError(t, err)
	expect(events.EventDelete, r.ID, "b")
}

// pausingStore stops Create after the row is stored until resume is closed
type pausingStore struct {
	Store
	created chan string
	resume  chan struct{}
}

func (p *pausingStore) Create(ctx context.Context, r *Resource, grants []Share) error {
	if err := p.Store.Create(ctx, r, grants); err != nil {
		return err
	}
	p.created <- r.ID
	<-p.resume
	return nil
}

func TestService_CreateEventPrecedesUpdates(t *testing.T) {
	logger := observability.NewNopLogger()
	locks := async.NewKeyedMutex()
	grants := permissions.NewMemoryStore()
	validator := schemas.NewSchemaValidator(schemas.NewMemoryStore(), 16, time.Minute, nil)
	store := &pausingStore{
		Store:   NewMemoryStore(grants, validator),
		created: make(chan string, 1),
		resume:  make(chan struct{}),
	}
	engine := permissions.NewEngine(grants, store, nil, locks, nil, logger)
	bus := events.NewBus(engine, logger)
	svc := NewService(store, validator, engine, bus, locks, nil, logger)

	ctx, cancel := context.WithCancel(as(alice))
	defer cancel()
	got := make(chan *events.Event, 8)
	go func() {
		_ = bus.Subscribe(ctx, &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: alice}}, events.Filter{},
			func(ev *events.Event) error {
				got <- ev
				return nil
			})
	}()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)

	createDone := make(chan error, 1)
	go func() {
		_, err := svc.Create(ctx, &CreateRequest{Kind: "note", Data: "a"})
		createDone <- err
	}()
	id := <-store.created

	updateDone := make(chan error, 1)
	go func() {
		_, err := svc.Update(ctx, &UpdateRequest{ID: id, Data: strPtr("b")})
		updateDone <- err
	}()
	// give the update every chance to overtake the pending CREATE
	time.Sleep(50 * time.Millisecond)
	close(store.resume)
	require.NoError(t, <-createDone)
	require.NoError(t, <-updateDone)

	var order []events.EventType
	for len(order) < 2 {
		select {
		case ev := <-got:
			order = append(order, ev.EventType)
		case <-time.After(time.Second):
			t.Fatalf("got %v, want two events", order)
		}
	}
	assert.Equal(t, []events.EventType{events.EventCreate, events.EventUpdate}, order)
}

func TestService_RequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), &CreateRequest{Kind: "doc"})
	assert.ErrorIs(t, err, apperr.ErrAuth)
}
