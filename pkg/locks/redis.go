package locks

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/observability"
)

const redisKeyPrefix = "keel:lock:"

// acquireScript sets the owner key and bumps the fencing counter in one
// step so a token is only issued to the holder.
var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return redis.call("INCR", KEYS[2])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend shares locks between instances through Redis. A holder
// refreshes its key every liveness/3; one that stops is released when the
// key expires.
type RedisBackend struct {
	client   *redis.Client
	liveness time.Duration
	poll     time.Duration
	logger   *observability.Logger
}

// NewRedisBackend creates a Redis lock backend
func NewRedisBackend(client *redis.Client, liveness time.Duration, logger *observability.Logger) *RedisBackend {
	if liveness <= 0 {
		liveness = 30 * time.Second
	}
	return &RedisBackend{
		client:   client,
		liveness: liveness,
		poll:     50 * time.Millisecond,
		logger:   logger.WithComponent("redis-locks"),
	}
}

func lockKeys(id string) []string {
	return []string{redisKeyPrefix + id, redisKeyPrefix + id + ":token"}
}

func (r *RedisBackend) tryAcquire(ctx context.Context, id, owner string) (int64, error) {
	token, err := acquireScript.Run(ctx, r.client, lockKeys(id), owner, r.liveness.Milliseconds()).Int64()
	if err != nil {
		return 0, apperr.Internal(err, "failed to acquire lock %s", id)
	}
	return token, nil
}

func (r *RedisBackend) Acquire(ctx context.Context, id string, wait bool) (*Held, error) {
	owner := uuid.NewString()
	backoff := r.poll

	for {
		token, err := r.tryAcquire(ctx, id, owner)
		if err != nil {
			return nil, err
		}
		if token > 0 {
			return r.hold(id, owner, token), nil
		}
		if !wait {
			return nil, apperr.Conflict("lock %s is held", id)
		}

		jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff < 10*r.poll {
			backoff *= 2
		}
	}
}

func (r *RedisBackend) hold(id, owner string, token int64) *Held {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	keys := lockKeys(id)

	var held *Held
	held = newHeld(id, token, func() {
		cancel()
		<-stopped
		releaseCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := releaseScript.Run(releaseCtx, r.client, keys[:1], owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger.WithError(err).WithField("lock_id", id).Warn("Failed to release lock; it expires with the liveness timeout")
		}
	})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.liveness / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := refreshScript.Run(ctx, r.client, keys[:1], owner, r.liveness.Milliseconds()).Int64()
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					// a transient error is retried until the key expires
					r.logger.WithError(err).WithField("lock_id", id).Warn("Failed to refresh lock")
					continue
				}
				if ok == 0 {
					r.logger.WithField("lock_id", id).Warn("Lock expired while held")
					held.markLost()
					return
				}
			}
		}
	}()
	return held
}
