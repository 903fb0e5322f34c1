package events

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/permissions"
)

func TestService_PublishRequiresUpdate(t *testing.T) {
	grants := permissions.NewMemoryStore()
	_, err := grants.Grant(context.Background(), "r1", wsAlice, []string{permissions.ActionRead})
	require.NoError(t, err)
	engine := permissions.NewEngine(grants, flatParents{"r1": true}, nil, nil, nil, observability.NewNopLogger())
	svc := NewService(NewBus(engine, observability.NewNopLogger()), engine)

	ctx := auth.WithClaims(context.Background(), &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: wsAlice}})
	_, err = svc.Publish(ctx, &Event{ResourceID: "r1", EventType: EventUpdate})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = grants.Grant(context.Background(), "r1", wsAlice, []string{permissions.ActionUpdate})
	require.NoError(t, err)
	ev, err := svc.Publish(ctx, &Event{ID: "spoofed", ResourceID: "r1", EventType: EventUpdate, Readers: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "1", ev.ID)
	assert.Nil(t, ev.Readers)

	_, err = svc.Publish(ctx, &Event{ResourceID: "missing", EventType: EventUpdate})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Publish(context.Background(), &Event{ResourceID: "r1"})
	assert.ErrorIs(t, err, apperr.ErrAuth)
}
