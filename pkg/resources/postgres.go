package resources

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/permissions"
	"github.com/platinummonkey/keel/pkg/storage/postgres"
)

// PostgresStore keeps resources in the resources table. Unique properties
// are enforced by the partial indexes the schema store maintains.
type PostgresStore struct {
	db       *sql.DB
	pageSize int
}

// defaultPageSize is how many rows List reads per query
const defaultPageSize = 200

// NewPostgresStore creates a resource store over db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, pageSize: defaultPageSize}
}

const resourceColumns = `id, kind, parent_id, permission_parent_id, creator_id, data, labels, created_at, updated_at`

func scanResource(row interface{ Scan(...interface{}) error }) (*Resource, error) {
	var (
		r                  Resource
		parent, permParent sql.NullString
		labels             []byte
	)
	if err := row.Scan(&r.ID, &r.Kind, &parent, &permParent, &r.CreatorID, &r.Data, &labels, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.ParentID = parent.String
	r.PermissionParentID = permParent.String
	if err := json.Unmarshal(labels, &r.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	if len(r.Labels) == 0 {
		r.Labels = nil
	}
	return &r, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonColumn returns data for the data_json column, or nil when the
// payload is not JSON
func jsonColumn(data string) interface{} {
	if json.Valid([]byte(data)) {
		return data
	}
	return nil
}

func labelsColumn(labels map[string]string) (string, error) {
	if len(labels) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("failed to marshal labels: %w", err)
	}
	return string(b), nil
}

func (s *PostgresStore) Create(ctx context.Context, r *Resource, grants []Share) error {
	labels, err := labelsColumn(r.Labels)
	if err != nil {
		return err
	}

	err = postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO resources (id, kind, parent_id, permission_parent_id, creator_id, data, data_json, labels, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10)
		`, r.ID, r.Kind, nullable(r.ParentID), nullable(r.PermissionParentID), r.CreatorID,
			r.Data, jsonColumn(r.Data), labels, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return err
		}
		for _, g := range grants {
			if err := permissions.GrantTx(ctx, tx, r.ID, g.PrincipalID, g.Actions); err != nil {
				return err
			}
		}
		return nil
	})
	return postgres.MapError(err, "resource")
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Resource, error) {
	r, err := scanResource(s.db.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE id = $1`, id))
	if err != nil {
		return nil, postgres.MapError(err, "resource "+id)
	}
	return r, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*Resource) error) (*Resource, error) {
	var updated *Resource
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := scanResource(tx.QueryRowContext(ctx,
			`SELECT `+resourceColumns+` FROM resources WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		labels, err := labelsColumn(r.Labels)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE resources SET data = $2, data_json = $3::jsonb, labels = $4::jsonb, updated_at = $5
			WHERE id = $1
		`, id, r.Data, jsonColumn(r.Data), labels, r.UpdatedAt)
		if err != nil {
			return err
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, postgres.MapError(err, "resource "+id)
	}
	return updated, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (*Resource, error) {
	var deleted *Resource
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var child string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM resources WHERE parent_id = $1 OR permission_parent_id = $1 LIMIT 1
		`, id).Scan(&child)
		if err == nil {
			return apperr.Conflict("resource %s is the parent of %s", id, child)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		// grants go with the row through ON DELETE CASCADE
		r, err := scanResource(tx.QueryRowContext(ctx,
			`DELETE FROM resources WHERE id = $1 RETURNING `+resourceColumns, id))
		if err != nil {
			return err
		}
		deleted = r
		return nil
	})
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
		// a child was inserted concurrently
		return nil, apperr.Wrap(apperr.KindConflict, err, "resource %s has children", id)
	}
	if err != nil {
		return nil, postgres.MapError(err, "resource "+id)
	}
	return deleted, nil
}

// buildListQuery renders one page of the List query for filter. Pages are
// keyset ordered by (created_at, id) descending; after is the last row of
// the previous page, or nil for the first one.
func buildListQuery(filter Filter, after *Resource, limit int) (string, []interface{}, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}
	if len(filter.Labels) > 0 {
		labels, err := labelsColumn(filter.Labels)
		if err != nil {
			return "", nil, err
		}
		add("labels @> $%d::jsonb", labels)
	}
	if filter.Match != "" {
		if !json.Valid([]byte(filter.Match)) {
			return "", nil, apperr.Validation("filter must be a JSON document")
		}
		add("data_json @> $%d::jsonb", filter.Match)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		add("data_vec @@ websearch_to_tsquery('english', $%d)", q)
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + resourceColumns + ` FROM resources`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return query, args, nil
}

// listPage reads one page into memory so the connection is back in the
// pool before the caller sees any row
func (s *PostgresStore) listPage(ctx context.Context, filter Filter, after *Resource) ([]*Resource, error) {
	query, args, err := buildListQuery(filter, after, s.pageSize)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var page []*Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		page = append(page, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter, fn func(*Resource) error) error {
	var after *Resource
	for {
		page, err := s.listPage(ctx, filter, after)
		if err != nil {
			return err
		}
		for _, r := range page {
			if err := fn(r); err != nil {
				return err
			}
		}
		if len(page) < s.pageSize {
			return nil
		}
		after = page[len(page)-1]
	}
}

func (s *PostgresStore) PermissionParent(ctx context.Context, id string) (string, error) {
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT permission_parent_id FROM resources WHERE id = $1`, id).Scan(&parent)
	if err != nil {
		return "", postgres.MapError(err, "resource "+id)
	}
	return parent.String, nil
}
