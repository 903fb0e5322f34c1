package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/keel/pkg/observability"
)

func TestEncodeNotify_SmallPayload(t *testing.T) {
	msg := &RelayMessage{Origin: "a", Event: &Event{ID: "1", ResourceID: "r1", Data: "hello"}}
	payload, err := encodeNotify(msg)
	require.NoError(t, err)

	var decoded RelayMessage
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, "hello", decoded.Event.Data)
	assert.False(t, decoded.Truncated)
}

func TestEncodeNotify_TruncatesLargeData(t *testing.T) {
	msg := &RelayMessage{Origin: "a", Event: &Event{ID: "1", ResourceID: "r1", Data: strings.Repeat("x", 10000)}}
	payload, err := encodeNotify(msg)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), maxNotifyPayload)

	var decoded RelayMessage
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.True(t, decoded.Truncated)
	assert.Empty(t, decoded.Event.Data)
	assert.Equal(t, "r1", decoded.Event.ResourceID)
	assert.Len(t, msg.Event.Data, 10000, "the caller's event is untouched")
}

func TestRelayMessage_CBORRoundTrip(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	msg := &RelayMessage{
		Origin:  "node-a",
		Event:   &Event{ID: "9", ResourceID: "r1", ResourceKind: "doc", EventType: EventDelete, CreatedAt: created},
		Readers: []string{"alice"},
	}
	data, err := EncodeRelayMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeRelayMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Origin, decoded.Origin)
	assert.Equal(t, EventDelete, decoded.Event.EventType)
	assert.True(t, created.Equal(decoded.Event.CreatedAt))
	assert.Equal(t, []string{"alice"}, decoded.Readers)
}

func TestRedisRelay_PublishAndRun(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	relay := NewRedisRelay(client, observability.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *RelayMessage, 1)
	done := make(chan error, 1)
	go func() {
		done <- relay.Run(ctx, func(msg *RelayMessage) { got <- msg })
	}()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(RedisChannel)[RedisChannel] == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, relay.Publish(ctx, &RelayMessage{Origin: "b", Event: &Event{ID: "3", ResourceID: "r1"}}))

	select {
	case msg := <-got:
		assert.Equal(t, "b", msg.Origin)
		assert.Equal(t, "r1", msg.Event.ResourceID)
	case <-time.After(time.Second):
		t.Fatal("relay did not deliver")
	}

	cancel()
	assert.NoError(t, <-done)
	assert.NoError(t, relay.Close())
}
