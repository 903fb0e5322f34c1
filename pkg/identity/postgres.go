package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/storage/postgres"
)

// PostgresStore keeps identities in the users, service_accounts, groups
// and group_members tables
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an identity store over db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type scanner interface {
	Scan(...interface{}) error
}

const userColumns = `id, name, external_id, is_admin, password_hash, created_at, updated_at`

func scanUser(row scanner) (*User, error) {
	var (
		u        User
		external sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Name, &external, &u.IsAdmin, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.ExternalID = external.String
	return &u, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	err := postgres.Retry(ctx, postgres.DefaultRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, name, external_id, is_admin, password_hash, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, u.ID, u.Name, nullable(u.ExternalID), u.IsAdmin, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
		return err
	})
	return postgres.MapError(err, "user")
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, postgres.MapError(err, "user "+id)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, postgres.MapError(err, fmt.Sprintf("user with external id %q", externalID))
	}
	return u, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, id string, fn func(*User) error) (*User, error) {
	var updated *User
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		u, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET name = $2, external_id = $3, is_admin = $4, password_hash = $5, updated_at = $6
			WHERE id = $1
		`, id, u.Name, nullable(u.ExternalID), u.IsAdmin, u.PasswordHash, u.UpdatedAt)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, postgres.MapError(err, "user "+id)
	}
	return updated, nil
}

// DeleteUser relies on ON DELETE CASCADE to drop memberships
func (s *PostgresStore) DeleteUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `DELETE FROM users WHERE id = $1 RETURNING `+userColumns, id))
	if err != nil {
		return nil, postgres.MapError(err, "user "+id)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, fn func(*User) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY name, id`)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return fmt.Errorf("failed to scan user: %w", err)
		}
		if err := fn(u); err != nil {
			return err
		}
	}
	return rows.Err()
}

const accountColumns = `id, name, is_admin, secret_key_hash, created_at, updated_at`

func scanAccount(row scanner) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := row.Scan(&sa.ID, &sa.Name, &sa.IsAdmin, &sa.SecretKeyHash, &sa.CreatedAt, &sa.UpdatedAt); err != nil {
		return nil, err
	}
	return &sa, nil
}

func (s *PostgresStore) CreateServiceAccount(ctx context.Context, sa *ServiceAccount) error {
	err := postgres.Retry(ctx, postgres.DefaultRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO service_accounts (id, name, is_admin, secret_key_hash, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, sa.ID, sa.Name, sa.IsAdmin, sa.SecretKeyHash, sa.CreatedAt, sa.UpdatedAt)
		return err
	})
	return postgres.MapError(err, fmt.Sprintf("service account %q", sa.Name))
}

func (s *PostgresStore) GetServiceAccount(ctx context.Context, id string) (*ServiceAccount, error) {
	sa, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM service_accounts WHERE id = $1`, id))
	if err != nil {
		return nil, postgres.MapError(err, "service account "+id)
	}
	return sa, nil
}

func (s *PostgresStore) UpdateServiceAccount(ctx context.Context, id string, fn func(*ServiceAccount) error) (*ServiceAccount, error) {
	var updated *ServiceAccount
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		sa, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM service_accounts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(sa); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE service_accounts SET is_admin = $2, secret_key_hash = $3, updated_at = $4
			WHERE id = $1
		`, id, sa.IsAdmin, sa.SecretKeyHash, sa.UpdatedAt)
		if err != nil {
			return err
		}
		updated = sa
		return nil
	})
	if err != nil {
		return nil, postgres.MapError(err, "service account "+id)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteServiceAccount(ctx context.Context, id string) (*ServiceAccount, error) {
	sa, err := scanAccount(s.db.QueryRowContext(ctx, `DELETE FROM service_accounts WHERE id = $1 RETURNING `+accountColumns, id))
	if err != nil {
		return nil, postgres.MapError(err, "service account "+id)
	}
	return sa, nil
}

func (s *PostgresStore) ListServiceAccounts(ctx context.Context, fn func(*ServiceAccount) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM service_accounts ORDER BY name`)
	if err != nil {
		return fmt.Errorf("failed to list service accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sa, err := scanAccount(rows)
		if err != nil {
			return fmt.Errorf("failed to scan service account: %w", err)
		}
		if err := fn(sa); err != nil {
			return err
		}
	}
	return rows.Err()
}

const groupColumns = `id, name, created_at, updated_at`

func scanGroup(row scanner) (*Group, error) {
	var g Group
	if err := row.Scan(&g.ID, &g.Name, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, g *Group, admin string) error {
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO groups (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)
		`, g.ID, g.Name, g.CreatedAt, g.UpdatedAt)
		if err != nil {
			return err
		}
		if admin == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, user_id, is_admin, joined_at) VALUES ($1, $2, TRUE, $3)
		`, g.ID, admin, g.CreatedAt)
		return err
	})
	return postgres.MapError(err, fmt.Sprintf("group %q", g.Name))
}

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, id))
	if err != nil {
		return nil, postgres.MapError(err, "group "+id)
	}
	return g, nil
}

func (s *PostgresStore) UpdateGroup(ctx context.Context, id string, fn func(*Group) error) (*Group, error) {
	var updated *Group
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		g, err := scanGroup(tx.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(g); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE groups SET name = $2, updated_at = $3 WHERE id = $1`, id, g.Name, g.UpdatedAt)
		if err != nil {
			return err
		}
		updated = g
		return nil
	})
	if err != nil {
		return nil, postgres.MapError(err, "group "+id)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteGroup(ctx context.Context, id string) (*Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `DELETE FROM groups WHERE id = $1 RETURNING `+groupColumns, id))
	if err != nil {
		return nil, postgres.MapError(err, "group "+id)
	}
	return g, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context, userID string, fn func(*Group) error) error {
	query := `SELECT ` + groupColumns + ` FROM groups ORDER BY name`
	var args []interface{}
	if userID != "" {
		query = `
			SELECT g.id, g.name, g.created_at, g.updated_at
			FROM groups g JOIN group_members m ON m.group_id = g.id
			WHERE m.user_id = $1
			ORDER BY g.name`
		args = append(args, userID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return fmt.Errorf("failed to scan group: %w", err)
		}
		if err := fn(g); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) AddMember(ctx context.Context, groupID, userID string, isAdmin bool, joinedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id, is_admin, joined_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, user_id) DO UPDATE SET is_admin = EXCLUDED.is_admin
	`, groupID, userID, isAdmin, joinedAt)
	return postgres.MapError(err, fmt.Sprintf("membership of %s in %s", userID, groupID))
}

func (s *PostgresStore) RemoveMember(ctx context.Context, groupID, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return postgres.MapError(err, "group member")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("user %s is not a member of group %s", userID, groupID)
	}
	return nil
}

const memberQuery = `
	SELECT m.group_id, m.user_id, u.name, u.external_id, m.is_admin, m.joined_at
	FROM group_members m JOIN users u ON u.id = m.user_id`

func scanMember(row scanner) (*GroupMember, error) {
	var (
		gm       GroupMember
		external sql.NullString
	)
	if err := row.Scan(&gm.GroupID, &gm.UserID, &gm.UserName, &external, &gm.IsAdmin, &gm.JoinedAt); err != nil {
		return nil, err
	}
	gm.UserExternalID = external.String
	return &gm, nil
}

func (s *PostgresStore) Member(ctx context.Context, groupID, userID string) (*GroupMember, error) {
	gm, err := scanMember(s.db.QueryRowContext(ctx, memberQuery+` WHERE m.group_id = $1 AND m.user_id = $2`, groupID, userID))
	if err != nil {
		return nil, postgres.MapError(err, fmt.Sprintf("membership of %s in %s", userID, groupID))
	}
	return gm, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, groupID string, fn func(*GroupMember) error) error {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, memberQuery+` WHERE m.group_id = $1 ORDER BY m.joined_at, m.user_id`, groupID)
	if err != nil {
		return fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		gm, err := scanMember(rows)
		if err != nil {
			return fmt.Errorf("failed to scan group member: %w", err)
		}
		if err := fn(gm); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	if _, err := uuid.Parse(userID); err != nil {
		// service accounts and the system subject are never members
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM group_members WHERE user_id = $1 ORDER BY group_id`, userID)
	if err != nil {
		return nil, postgres.MapError(err, "groups of "+userID)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
