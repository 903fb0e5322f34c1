package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/keel/pkg/storage/postgres"
)

// PostgresStore keeps events in the events table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an event store over db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, ev *Event) error {
	labels, err := json.Marshal(ev.ResourceLabels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	if ev.ResourceLabels == nil {
		labels = []byte("{}")
	}

	var id int64
	err = postgres.Retry(ctx, postgres.DefaultRetries, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO events (resource_id, resource_kind, resource_labels, event_type, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, ev.ResourceID, ev.ResourceKind, string(labels), int(ev.EventType), ev.Data, ev.CreatedAt).Scan(&id)
	})
	if err != nil {
		return postgres.MapError(err, "event")
	}
	ev.ID = strconv.FormatInt(id, 10)
	return nil
}

func (s *PostgresStore) Range(ctx context.Context, before time.Time, fn func(*Event) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, resource_kind, resource_labels, event_type, data, created_at
		FROM events WHERE created_at < $1 ORDER BY id
	`, before)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev     Event
			id     int64
			labels []byte
			typ    int
		)
		if err := rows.Scan(&id, &ev.ResourceID, &ev.ResourceKind, &labels, &typ, &ev.Data, &ev.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(labels, &ev.ResourceLabels); err != nil {
			return fmt.Errorf("failed to unmarshal labels: %w", err)
		}
		ev.ID = strconv.FormatInt(id, 10)
		ev.EventType = EventType(typ)
		if err := fn(&ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
