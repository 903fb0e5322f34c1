package events

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/keel/pkg/observability"
)

// RedisChannel is the pub/sub channel used by RedisRelay
const RedisChannel = "keel:events"

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// RedisRelay fans events across instances over redis pub/sub, encoded as
// CBOR.
type RedisRelay struct {
	client *redis.Client
	logger *observability.Logger
}

// NewRedisRelay creates a relay over client
func NewRedisRelay(client *redis.Client, logger *observability.Logger) *RedisRelay {
	return &RedisRelay{client: client, logger: logger.WithComponent("redis-relay")}
}

// EncodeRelayMessage renders msg as CBOR
func EncodeRelayMessage(msg *RelayMessage) ([]byte, error) {
	return cborEnc.Marshal(msg)
}

// DecodeRelayMessage parses a CBOR relay message
func DecodeRelayMessage(data []byte) (*RelayMessage, error) {
	var msg RelayMessage
	if err := cborDec.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *RedisRelay) Publish(ctx context.Context, msg *RelayMessage) error {
	payload, err := EncodeRelayMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode relay message: %w", err)
	}
	if err := r.client.Publish(ctx, RedisChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (r *RedisRelay) Run(ctx context.Context, deliver func(*RelayMessage)) error {
	pubsub := r.client.Subscribe(ctx, RedisChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", RedisChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := DecodeRelayMessage([]byte(m.Payload))
			if err != nil {
				r.logger.WithError(err).Warn("Dropping malformed relay message")
				continue
			}
			deliver(msg)
		}
	}
}

// Close is a no-op; the redis client is owned by the caller
func (r *RedisRelay) Close() error {
	return nil
}
