package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/keel/pkg/storage/postgres"
)

// SessionStore records outstanding refresh tokens by their jti
type SessionStore interface {
	// Save records a refresh session valid until expiresAt
	Save(ctx context.Context, id, subject string, expiresAt time.Time) error
	// Consume deletes the session and reports whether it existed and had
	// not expired at now
	Consume(ctx context.Context, id string, now time.Time) (bool, error)
	// Sweep removes sessions that expired before now
	Sweep(ctx context.Context, now time.Time) (int64, error)
	// Claim is Save that leaves an existing id alone and reports whether
	// it recorded anything
	Claim(ctx context.Context, id, subject string, expiresAt time.Time) (bool, error)
}

type memorySession struct {
	subject   string
	expiresAt time.Time
}

// MemorySessionStore keeps refresh sessions in process memory
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]memorySession
}

// NewMemorySessionStore creates an empty in-memory session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]memorySession)}
}

func (s *MemorySessionStore) Save(ctx context.Context, id, subject string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = memorySession{subject: subject, expiresAt: expiresAt}
	return nil
}

func (s *MemorySessionStore) Consume(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	delete(s.sessions, id)
	return now.Before(sess.expiresAt), nil
}

func (s *MemorySessionStore) Claim(ctx context.Context, id, subject string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return false, nil
	}
	s.sessions[id] = memorySession{subject: subject, expiresAt: expiresAt}
	return true, nil
}

func (s *MemorySessionStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if !now.Before(sess.expiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// PostgresSessionStore keeps refresh sessions in the refresh_sessions table
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore creates a session store over db
func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

func (s *PostgresSessionStore) Save(ctx context.Context, id, subject string, expiresAt time.Time) error {
	return postgres.Retry(ctx, postgres.DefaultRetries, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO refresh_sessions (id, subject, expires_at) VALUES ($1, $2, $3)`,
			id, subject, expiresAt.UTC())
		return postgres.MapError(err, "refresh session")
	})
}

func (s *PostgresSessionStore) Consume(ctx context.Context, id string, now time.Time) (bool, error) {
	var affected int64
	err := postgres.Retry(ctx, postgres.DefaultRetries, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM refresh_sessions WHERE id = $1 AND expires_at > $2`,
			id, now.UTC())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, postgres.MapError(err, "refresh session")
	}
	return affected == 1, nil
}

func (s *PostgresSessionStore) Claim(ctx context.Context, id, subject string, expiresAt time.Time) (bool, error) {
	var affected int64
	err := postgres.Retry(ctx, postgres.DefaultRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO refresh_sessions (id, subject, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, id, subject, expiresAt.UTC())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, postgres.MapError(err, "refresh session")
	}
	return affected == 1, nil
}

func (s *PostgresSessionStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep refresh sessions: %w", err)
	}
	return res.RowsAffected()
}

// RedisSessionStore keeps refresh sessions as expiring redis keys
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStore creates a session store over client
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client, prefix: "keel:session:"}
}

func (s *RedisSessionStore) Save(ctx context.Context, id, subject string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.prefix+id, subject, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Consume(ctx context.Context, id string, now time.Time) (bool, error) {
	err := s.client.GetDel(ctx, s.prefix+id).Err()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("redis getdel failed: %w", err)
	}
	return true, nil
}

func (s *RedisSessionStore) Claim(ctx context.Context, id, subject string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return false, nil
	}
	ok, err := s.client.SetNX(ctx, s.prefix+id, subject, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// Sweep is a no-op: redis expires the keys itself
func (s *RedisSessionStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
