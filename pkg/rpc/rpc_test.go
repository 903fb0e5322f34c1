package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/events"
	"github.com/platinummonkey/keel/pkg/resources"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"not found", apperr.NotFound("resource %s not found", "x"), codes.NotFound},
		{"validation", apperr.Validation("bad"), codes.InvalidArgument},
		{"permission denied", apperr.PermissionDenied("no"), codes.PermissionDenied},
		{"auth", apperr.Auth("who"), codes.Unauthenticated},
		{"conflict", apperr.Conflict("held"), codes.AlreadyExists},
		{"slow subscriber", apperr.Unavailable("slow"), codes.ResourceExhausted},
		{"internal", apperr.Internal(nil, "boom"), codes.Internal},
		{"canceled", context.Canceled, codes.Canceled},
		{"status passes through", status.Error(codes.Aborted, "x"), codes.Aborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(ToStatus(tt.err)))
		})
	}
	assert.NoError(t, ToStatus(nil))
}

func TestToStatus_HidesInternalDetail(t *testing.T) {
	err := ToStatus(apperr.Internal(nil, "pq: password authentication failed"))
	assert.Equal(t, "internal error", status.Convert(err).Message())
}

func TestFromStatus_RoundTrip(t *testing.T) {
	for _, err := range []error{
		apperr.NotFound("a"), apperr.Validation("b"), apperr.PermissionDenied("c"),
		apperr.Auth("d"), apperr.Conflict("e"), apperr.Unavailable("f"),
	} {
		back := FromStatus(ToStatus(err))
		assert.Equal(t, apperr.KindOf(err), apperr.KindOf(back), err.Error())
	}
	assert.NoError(t, FromStatus(nil))
}

func TestJSONCodec(t *testing.T) {
	c := jsonCodec{}
	raw, err := c.Marshal(&events.Filter{ResourceKind: "todo", EventType: events.EventCreate})
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceKind":"todo","eventType":"CREATE"}`, string(raw))

	var f events.Filter
	require.NoError(t, c.Unmarshal(raw, &f))
	assert.Equal(t, events.EventCreate, f.EventType)

	var empty Empty
	assert.NoError(t, c.Unmarshal(nil, &empty))
}

func TestJSONCodec_KeepsEmptyLabels(t *testing.T) {
	c := jsonCodec{}
	raw, err := c.Marshal(&resources.UpdateRequest{ID: "x", Labels: map[string]string{}})
	require.NoError(t, err)

	var cleared resources.UpdateRequest
	require.NoError(t, c.Unmarshal(raw, &cleared))
	assert.NotNil(t, cleared.Labels)
	assert.Empty(t, cleared.Labels)

	raw, err = c.Marshal(&resources.UpdateRequest{ID: "x"})
	require.NoError(t, err)
	var untouched resources.UpdateRequest
	require.NoError(t, c.Unmarshal(raw, &untouched))
	assert.Nil(t, untouched.Labels)
}

func TestKeepalive_DetectsSilentPeersWithinLiveness(t *testing.T) {
	for _, liveness := range []time.Duration{3 * time.Second, 30 * time.Second, 2 * time.Minute} {
		params, policy := ServerKeepalive(liveness)
		assert.LessOrEqual(t, params.Time+params.Timeout, liveness, liveness.String())
		assert.True(t, policy.PermitWithoutStream)

		// a client configured for any liveness must not be treated as abusive
		for _, clientLiveness := range []time.Duration{0, time.Second, liveness, 10 * time.Minute} {
			client := ClientKeepalive(clientLiveness)
			assert.GreaterOrEqual(t, client.Time, policy.MinTime)
		}
	}

	params, _ := ServerKeepalive(0)
	assert.Equal(t, DefaultLiveness/3, params.Time)
}

func TestBearerToken(t *testing.T) {
	incoming := func(v string) context.Context {
		return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", v))
	}

	token, err := bearerToken(incoming("Bearer abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	for _, bad := range []string{"abc", "Basic abc", "Bearer "} {
		_, err := bearerToken(incoming(bad))
		assert.ErrorIs(t, err, apperr.ErrAuth, bad)
	}
	_, err = bearerToken(context.Background())
	assert.ErrorIs(t, err, apperr.ErrAuth)
}

func TestMemoryLimiter_Refills(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewMemoryLimiter(RateLimit{Requests: 2, Window: time.Second, Burst: 1})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i)
	}
	ok, _ := l.Allow(ctx, "k")
	assert.False(t, ok, "bucket drained")

	ok, _ = l.Allow(ctx, "other")
	assert.True(t, ok, "keys have separate buckets")

	now = now.Add(500 * time.Millisecond)
	ok, _ = l.Allow(ctx, "k")
	assert.True(t, ok, "half a window refills one token")

	now = now.Add(time.Hour)
	l.Cleanup()
	assert.Empty(t, l.buckets)
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLimiter(client, RateLimit{Requests: 2, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "principal:a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "principal:a")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = l.Allow(ctx, "principal:a")
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts after expiry")

	mr.Close()
	ok, err = l.Allow(ctx, "principal:a")
	assert.Error(t, err)
	assert.True(t, ok, "fails open")
}
