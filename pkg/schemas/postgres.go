package schemas

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/keel/pkg/storage/postgres"
)

// PostgresStore keeps schemas in the schemas table and maintains one
// partial unique index on resources per x-unique property.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a schema store over db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schemaColumns = `id, kind, data, created_at, updated_at`

func scanSchema(row interface{ Scan(...interface{}) error }) (*Schema, error) {
	var s Schema
	if err := row.Scan(&s.ID, &s.Kind, &s.Data, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// uniqueIndexName is deterministic so indexes can be dropped on update
func uniqueIndexName(kind, property string) string {
	sum := sha1.Sum([]byte(kind + "\x00" + property))
	return "resources_unique_" + hex.EncodeToString(sum[:8])
}

func syncUniqueIndexes(ctx context.Context, tx *sql.Tx, kind string, before, after []string) error {
	keep := make(map[string]bool, len(after))
	for _, p := range after {
		keep[p] = true
	}
	for _, p := range before {
		if keep[p] {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DROP INDEX IF EXISTS "+pq.QuoteIdentifier(uniqueIndexName(kind, p))); err != nil {
			return fmt.Errorf("failed to drop unique index on %s.%s: %w", kind, p, err)
		}
	}
	for _, p := range after {
		stmt := fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON resources ((data_json->>%s)) WHERE kind = %s",
			pq.QuoteIdentifier(uniqueIndexName(kind, p)), pq.QuoteLiteral(p), pq.QuoteLiteral(kind),
		)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return postgres.MapError(err, fmt.Sprintf("unique values of %s.%s", kind, p))
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, schema *Schema) error {
	unique, err := UniqueProperties(schema.Data)
	if err != nil {
		return err
	}

	return postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schemas (`+schemaColumns+`) VALUES ($1, $2, $3, $4, $5)`,
			schema.ID, schema.Kind, schema.Data, schema.CreatedAt, schema.UpdatedAt)
		if err != nil {
			return postgres.MapError(err, fmt.Sprintf("schema for kind %q", schema.Kind))
		}
		return syncUniqueIndexes(ctx, tx, schema.Kind, nil, unique)
	})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Schema, error) {
	schema, err := scanSchema(s.db.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM schemas WHERE id = $1`, id))
	if err != nil {
		return nil, postgres.MapError(err, "schema "+id)
	}
	return schema, nil
}

func (s *PostgresStore) GetByKind(ctx context.Context, kind string) (*Schema, error) {
	schema, err := scanSchema(s.db.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM schemas WHERE kind = $1`, kind))
	if err != nil {
		return nil, postgres.MapError(err, fmt.Sprintf("schema for kind %q", kind))
	}
	return schema, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*Schema) error) (*Schema, error) {
	var updated *Schema
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := scanSchema(tx.QueryRowContext(ctx,
			`SELECT `+schemaColumns+` FROM schemas WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return postgres.MapError(err, "schema "+id)
		}
		before, err := UniqueProperties(current.Data)
		if err != nil {
			return err
		}

		next := *current
		if err := fn(&next); err != nil {
			return err
		}
		after, err := UniqueProperties(next.Data)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE schemas SET data = $2, updated_at = $3 WHERE id = $1`,
			id, next.Data, next.UpdatedAt); err != nil {
			return postgres.MapError(err, "schema "+id)
		}
		if err := syncUniqueIndexes(ctx, tx, next.Kind, before, after); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (*Schema, error) {
	var deleted *Schema
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := scanSchema(tx.QueryRowContext(ctx,
			`DELETE FROM schemas WHERE id = $1 RETURNING `+schemaColumns, id))
		if err != nil {
			return postgres.MapError(err, "schema "+id)
		}
		unique, err := UniqueProperties(current.Data)
		if err != nil {
			return err
		}
		if err := syncUniqueIndexes(ctx, tx, current.Kind, unique, nil); err != nil {
			return err
		}
		deleted = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *PostgresStore) List(ctx context.Context, filter string, offset, limit int, fn func(*Schema) error) error {
	query := `SELECT ` + schemaColumns + ` FROM schemas WHERE strpos(kind, $1) > 0 ORDER BY kind OFFSET $2`
	args := []interface{}{filter, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to list schemas: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		schema, err := scanSchema(rows)
		if err != nil {
			return fmt.Errorf("failed to scan schema: %w", err)
		}
		if err := fn(schema); err != nil {
			return err
		}
	}
	return rows.Err()
}
