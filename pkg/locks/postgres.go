package locks

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"time"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/observability"
)

// PostgresBackend holds session advisory locks on dedicated connections.
// The server drops the lock when the connection dies.
type PostgresBackend struct {
	db       *sql.DB
	liveness time.Duration
	slots    chan struct{}
	logger   *observability.Logger
}

// NewPostgresBackend creates a Postgres lock backend. Every held or
// waiting lock occupies one connection of db, so db should be a pool of its
// own. At most maxConns locks are held or waited on at once; further
// callers fail with Unavailable. The connection of a held lock is pinged
// every liveness/3.
func NewPostgresBackend(db *sql.DB, liveness time.Duration, maxConns int, logger *observability.Logger) *PostgresBackend {
	if liveness <= 0 {
		liveness = 30 * time.Second
	}
	p := &PostgresBackend{db: db, liveness: liveness, logger: logger.WithComponent("pg-locks")}
	if maxConns > 0 {
		p.slots = make(chan struct{}, maxConns)
	}
	return p
}

func (p *PostgresBackend) takeSlot(id string) error {
	if p.slots == nil {
		return nil
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
		return apperr.Unavailable("too many locks held or waiting, cannot lock %s", id)
	}
}

func (p *PostgresBackend) freeSlot() {
	if p.slots != nil {
		<-p.slots
	}
}

// discard closes conn without returning it to the pool, dropping any
// session lock it still holds
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	_ = conn.Close()
}

func (p *PostgresBackend) Acquire(ctx context.Context, id string, wait bool) (held *Held, err error) {
	if err := p.takeSlot(id); err != nil {
		return nil, err
	}
	defer func() {
		if held == nil {
			p.freeSlot()
		}
	}()

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, apperr.Internal(err, "failed to get a connection for lock %s", id)
	}

	if wait {
		_, err = conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, id)
	} else {
		var ok bool
		err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, id).Scan(&ok)
		if err == nil && !ok {
			_ = conn.Close()
			return nil, apperr.Conflict("lock %s is held", id)
		}
	}
	if err != nil {
		discard(conn)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Internal(err, "failed to acquire lock %s", id)
	}

	var token int64
	err = conn.QueryRowContext(ctx, `
		INSERT INTO locks (id, fencing_token) VALUES ($1, 1)
		ON CONFLICT (id) DO UPDATE SET fencing_token = locks.fencing_token + 1, updated_at = NOW()
		RETURNING fencing_token
	`, id).Scan(&token)
	if err != nil {
		discard(conn)
		return nil, apperr.Internal(err, "failed to issue fencing token for lock %s", id)
	}

	return p.hold(conn, id, token), nil
}

func (p *PostgresBackend) hold(conn *sql.Conn, id string, token int64) *Held {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	var held *Held
	held = newHeld(id, token, func() {
		cancel()
		<-stopped
		unlockCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		defer p.freeSlot()
		if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, id); err != nil {
			p.logger.WithError(err).WithField("lock_id", id).Warn("Failed to unlock; dropping the connection")
			discard(conn)
			return
		}
		_ = conn.Close()
	})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.liveness / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.PingContext(ctx); err != nil && ctx.Err() == nil {
					p.logger.WithError(err).WithField("lock_id", id).Warn("Lock connection lost")
					held.markLost()
					return
				}
			}
		}
	}()
	return held
}
