package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/contextkeys"
	"github.com/platinummonkey/keel/pkg/observability"
)

type memoryLogger struct {
	mu     sync.Mutex
	events []*Event
	closed bool
}

func (m *memoryLogger) Log(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memoryLogger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryLogger) snapshot() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, EventStatusSuccess, StatusOf(nil))
	assert.Equal(t, EventStatusDenied, StatusOf(apperr.PermissionDenied("no")))
	assert.Equal(t, EventStatusFailure, StatusOf(apperr.Auth("bad password")))
	assert.Equal(t, EventStatusFailure, StatusOf(errors.New("boom")))
}

func TestRecord_UsesContextLogger(t *testing.T) {
	// without a logger nothing happens
	require.NoError(t, Record(context.Background(), EventTypeUserCreate, "u1", nil))

	sink := &memoryLogger{}
	ctx := WithLogger(context.Background(), sink)
	ctx = contextkeys.WithRequestID(ctx, "req-1")
	ctx = auth.WithClaims(ctx, &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})

	require.NoError(t, Record(ctx, EventTypeUserCreate, "u1", nil))
	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].PrincipalID)
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.Equal(t, "u1", events[0].Target)
	assert.Equal(t, EventStatusSuccess, events[0].Status)
}

type loginReq struct{ id string }

func (r loginReq) AuditTarget() string { return r.id }

func TestUnaryServerInterceptor(t *testing.T) {
	sink := &memoryLogger{}
	interceptor := UnaryServerInterceptor(sink, map[string]EventType{
		"/keel.idp.Authentication/Login": EventTypeLogin,
	})

	failing := func(ctx context.Context, req interface{}) (interface{}, error) {
		assert.Equal(t, sink, FromContext(ctx))
		return nil, apperr.Auth("invalid credentials")
	}
	_, err := interceptor(context.Background(), loginReq{id: "ci"},
		&grpc.UnaryServerInfo{FullMethod: "/keel.idp.Authentication/Login"}, failing)
	assert.ErrorIs(t, err, apperr.ErrAuth)

	ok := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }
	resp, err := interceptor(context.Background(), loginReq{id: "x"},
		&grpc.UnaryServerInfo{FullMethod: "/keel.catalog.Resources/Get"}, ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeLogin, events[0].EventType)
	assert.Equal(t, EventStatusFailure, events[0].Status)
	assert.Equal(t, "ci", events[0].Target)
	assert.Equal(t, "/keel.idp.Authentication/Login", events[0].Method)
	assert.Contains(t, events[0].Error, "invalid credentials")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(observability.NewLogger(observability.InfoLevel, &buf))

	require.NoError(t, sink.Log(context.Background(), &Event{
		EventType:   EventTypeGroupCreate,
		Status:      EventStatusSuccess,
		PrincipalID: "alice",
		Metadata:    map[string]interface{}{"name": "eng"},
	}))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "admin.group_create", entry["event_type"])
	assert.Equal(t, "alice", entry["principal_id"])
	assert.Equal(t, "eng", entry["meta_name"])
	assert.NotContains(t, entry, "target")
}

func TestAsyncLogger_DrainsOnClose(t *testing.T) {
	sink := &memoryLogger{}
	logger := NewAsyncLogger(context.Background(), sink, 2, observability.NewNopLogger())

	for i := 0; i < 50; i++ {
		require.NoError(t, logger.Log(context.Background(), &Event{EventType: EventTypeLogin}))
	}
	require.NoError(t, logger.Close())

	assert.Len(t, sink.snapshot(), 50)
	assert.True(t, sink.closed)
	assert.Error(t, logger.Log(context.Background(), &Event{}))
}

func TestSQLLogger_SQLite(t *testing.T) {
	ctx := context.Background()
	logger, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer logger.Close()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []*Event{
		{Timestamp: base, EventType: EventTypeLogin, Status: EventStatusFailure, PrincipalID: "alice", Error: "bad password"},
		{Timestamp: base.Add(time.Minute), EventType: EventTypeLogin, Status: EventStatusSuccess, PrincipalID: "alice"},
		{Timestamp: base.Add(2 * time.Minute), EventType: EventTypeGroupCreate, Status: EventStatusSuccess, PrincipalID: "bob",
			Metadata: map[string]interface{}{"name": "eng"}},
	}
	for _, e := range entries {
		require.NoError(t, logger.Log(ctx, e))
		assert.NotZero(t, e.ID)
	}

	all, err := logger.Search(ctx, SearchFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventTypeGroupCreate, all[0].EventType)
	assert.Equal(t, "eng", all[0].Metadata["name"])
	assert.True(t, all[2].Timestamp.Equal(base))

	logins, err := logger.Search(ctx, SearchFilter{PrincipalID: "alice", EventTypes: []EventType{EventTypeLogin}, Status: EventStatusFailure})
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.Equal(t, "bad password", logins[0].Error)

	page, err := logger.Search(ctx, SearchFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, EventStatusSuccess, page[0].Status)
	assert.Equal(t, EventTypeLogin, page[0].EventType)

	n, err := logger.Prune(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rest, err := logger.Search(ctx, SearchFilter{Since: base})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestSQLLogger_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_logs")).WillReturnResult(sqlmock.NewResult(0, 0))
	logger, err := NewSQLLogger(context.Background(), db, DialectPostgres)
	require.NoError(t, err)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WithArgs(at, "authz.permission_grant", "denied", "bob", "r1", "req-9", "/keel.catalog.Permissions/Share", "", "no grant", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, logger.Log(context.Background(), &Event{
		Timestamp: at, EventType: EventTypePermissionGrant, Status: EventStatusDenied, PrincipalID: "bob",
		Target: "r1", RequestID: "req-9", Method: "/keel.catalog.Permissions/Share", Error: "no grant",
	}))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM audit_logs WHERE timestamp < $1")).
		WithArgs(at).
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := logger.Prune(context.Background(), at)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	// the caller owns db
	require.NoError(t, logger.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSQLLogger_RejectsUnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLLogger(context.Background(), db, Dialect("mysql"))
	assert.Error(t, err)
}
