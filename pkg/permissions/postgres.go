package permissions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/keel/pkg/storage/postgres"
)

// PostgresStore keeps grants in the permissions table, one row per action
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a grant store over db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GrantTx inserts grant rows through q, ignoring ones that already exist.
// Resource creation uses it to apply initial shares in its own transaction.
func GrantTx(ctx context.Context, q postgres.Querier, resourceID, principalID string, actions []string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO permissions (resource_id, principal_id, action)
		SELECT $1, $2, unnest($3::text[])
		ON CONFLICT DO NOTHING
	`, resourceID, principalID, pq.Array(actions))
	return postgres.MapError(err, "resource "+resourceID)
}

func (s *PostgresStore) Grant(ctx context.Context, resourceID, principalID string, actions []string) (*PermissionInfo, error) {
	err := postgres.Retry(ctx, postgres.DefaultRetries, func() error {
		return GrantTx(ctx, s.db, resourceID, principalID, actions)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, resourceID, principalID)
}

func (s *PostgresStore) Revoke(ctx context.Context, resourceID, principalID string, actions []string) (*PermissionInfo, error) {
	err := postgres.Retry(ctx, postgres.DefaultRetries, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM permissions WHERE resource_id = $1 AND principal_id = $2 AND action = ANY($3)`,
			resourceID, principalID, pq.Array(actions))
		return err
	})
	if err != nil {
		return nil, postgres.MapError(err, "resource "+resourceID)
	}
	return s.Get(ctx, resourceID, principalID)
}

func (s *PostgresStore) Get(ctx context.Context, resourceID, principalID string) (*PermissionInfo, error) {
	var actions []string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(array_agg(action ORDER BY action), '{}')
		FROM permissions WHERE resource_id = $1 AND principal_id = $2
	`, resourceID, principalID).Scan(pq.Array(&actions))
	if err != nil {
		return nil, postgres.MapError(err, "resource "+resourceID)
	}
	return &PermissionInfo{ResourceID: resourceID, PrincipalID: principalID, Actions: actions}, nil
}

func (s *PostgresStore) List(ctx context.Context, resourceID string, fn func(*PermissionInfo) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principal_id, array_agg(action ORDER BY action)
		FROM permissions WHERE resource_id = $1
		GROUP BY principal_id ORDER BY principal_id
	`, resourceID)
	if err != nil {
		return postgres.MapError(err, "resource "+resourceID)
	}
	defer rows.Close()

	for rows.Next() {
		info := &PermissionInfo{ResourceID: resourceID}
		if err := rows.Scan(&info.PrincipalID, pq.Array(&info.Actions)); err != nil {
			return fmt.Errorf("failed to scan permission: %w", err)
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) HasAny(ctx context.Context, resourceID string, principals []string, action string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM permissions
			WHERE resource_id = $1 AND principal_id = ANY($2) AND action = $3
		)
	`, resourceID, pq.Array(principals), action).Scan(&ok)
	if err != nil {
		return false, postgres.MapError(err, "resource "+resourceID)
	}
	return ok, nil
}

func (s *PostgresStore) RevokeAll(ctx context.Context, resourceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM permissions WHERE resource_id = $1`, resourceID)
	return postgres.MapError(err, "resource "+resourceID)
}
