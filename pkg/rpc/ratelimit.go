package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
)

// RateLimit is the per-caller budget. A zero Requests disables limiting.
type RateLimit struct {
	// Requests allowed per Window
	Requests int
	Window   time.Duration
	// Burst allows temporary bursts above the rate
	Burst int
}

// Limiter decides whether the caller identified by key may make a call
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter is a per-process token bucket limiter
type MemoryLimiter struct {
	limit RateLimit
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewMemoryLimiter creates a token bucket limiter
func NewMemoryLimiter(limit RateLimit) *MemoryLimiter {
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	return &MemoryLimiter{limit: limit, now: time.Now, buckets: make(map[string]*bucket)}
}

func (l *MemoryLimiter) capacity() float64 {
	return float64(l.limit.Requests + l.limit.Burst)
}

// Allow takes one token from key's bucket
func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity(), lastUpdate: now}
		l.buckets[key] = b
	}

	// refill for the time since the last call
	elapsed := now.Sub(b.lastUpdate)
	b.tokens += elapsed.Seconds() * float64(l.limit.Requests) / l.limit.Window.Seconds()
	if b.tokens > l.capacity() {
		b.tokens = l.capacity()
	}
	b.lastUpdate = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Cleanup drops buckets idle for two windows
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > l.limit.Window*2 {
			delete(l.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (l *MemoryLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.limit.Window)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RedisLimiter shares a fixed-window counter across server instances
type RedisLimiter struct {
	client *redis.Client
	limit  RateLimit
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, limit RateLimit) *RedisLimiter {
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	return &RedisLimiter{client: client, limit: limit, prefix: "keel:ratelimit"}
}

// Allow counts the call in the current window. On a Redis error it allows
// the call and returns the error.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	if count == 1 {
		// first call of the window starts its clock
		if err := l.client.Expire(ctx, redisKey, l.limit.Window).Err(); err != nil {
			return true, fmt.Errorf("redis error: %w", err)
		}
	}
	return count <= int64(l.limit.Requests+l.limit.Burst), nil
}

// limiterKey identifies the caller: the principal when authenticated,
// otherwise the peer address
func limiterKey(ctx context.Context) string {
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		return "principal:" + claims.Subject
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return "peer:" + p.Addr.String()
	}
	return "peer:unknown"
}

func allow(ctx context.Context, limiter Limiter, logger *observability.Logger) error {
	ok, err := limiter.Allow(ctx, limiterKey(ctx))
	if err != nil {
		logger.ForContext(ctx).WithError(err).Warn("Rate limiter failed, allowing call")
		return nil
	}
	if !ok {
		return apperr.Unavailable("rate limit exceeded")
	}
	return nil
}

// UnaryRateLimitInterceptor rejects calls over the caller's budget with
// ResourceExhausted
func UnaryRateLimitInterceptor(limiter Limiter, logger *observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := allow(ctx, limiter, logger); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamRateLimitInterceptor counts opening a stream as one call
func StreamRateLimitInterceptor(limiter Limiter, logger *observability.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := allow(ss.Context(), limiter, logger); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
