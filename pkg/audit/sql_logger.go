package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavor of an SQLLogger
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

var schemas = map[Dialect]string{
	DialectPostgres: `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			principal_id TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			metadata JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_principal ON audit_logs(principal_id);
	`,
	DialectSQLite: `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			principal_id TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			metadata TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_principal ON audit_logs(principal_id);
	`,
}

// SQLLogger writes audit events to an audit_logs table in Postgres or
// SQLite
type SQLLogger struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

// NewSQLLogger creates the audit_logs table if needed. db stays owned by
// the caller.
func NewSQLLogger(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	ddl, ok := schemas[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported audit dialect %q", dialect)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}
	return &SQLLogger{db: db, dialect: dialect}, nil
}

// OpenSQLite opens (creating if needed) an SQLite audit database at path
func OpenSQLite(ctx context.Context, path string) (*SQLLogger, error) {
	db, err := sql.Open(string(DialectSQLite), path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// sqlite serializes writers
	db.SetMaxOpenConns(1)

	logger, err := NewSQLLogger(ctx, db, DialectSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.owned = true
	return logger, nil
}

// bind returns the n-th (1-based) placeholder
func (l *SQLLogger) bind(n int) string {
	if l.dialect == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func (l *SQLLogger) Log(ctx context.Context, event *Event) error {
	var metadata interface{}
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(b)
	}

	placeholders := make([]string, 10)
	for i := range placeholders {
		placeholders[i] = l.bind(i + 1)
	}
	query := `INSERT INTO audit_logs (timestamp, event_type, status, principal_id, target, request_id, method, message, error, metadata)
		VALUES (` + strings.Join(placeholders, ", ") + `)`

	res, err := l.db.ExecContext(ctx, query,
		event.Timestamp.UTC(), string(event.EventType), string(event.Status), event.PrincipalID, event.Target,
		event.RequestID, event.Method, event.Message, event.Error, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	if l.dialect == DialectSQLite {
		if id, err := res.LastInsertId(); err == nil {
			event.ID = id
		}
	}
	return nil
}

// Search returns matching events, newest first
func (l *SQLLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, l.bind(len(args))))
	}

	if !filter.Since.IsZero() {
		add("timestamp >= %s", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("timestamp < %s", filter.Until.UTC())
	}
	if filter.PrincipalID != "" {
		add("principal_id = %s", filter.PrincipalID)
	}
	if filter.Status != "" {
		add("status = %s", string(filter.Status))
	}
	if len(filter.EventTypes) > 0 {
		in := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			args = append(args, string(et))
			in[i] = l.bind(len(args))
		}
		where = append(where, "event_type IN ("+strings.Join(in, ", ")+")")
	}

	query := `SELECT id, timestamp, event_type, status, principal_id, target, request_id, method, message, error, metadata FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT " + l.bind(len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += " OFFSET " + l.bind(len(args))
		}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			e        Event
			typ, st  string
			metadata sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &typ, &st, &e.PrincipalID, &e.Target,
			&e.RequestID, &e.Method, &e.Message, &e.Error, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		e.EventType = EventType(typ)
		e.Status = EventStatus(st)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than before
func (l *SQLLogger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < `+l.bind(1), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit logs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database when the logger opened it
func (l *SQLLogger) Close() error {
	if l.owned {
		return l.db.Close()
	}
	return nil
}
