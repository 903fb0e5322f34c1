package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/keel/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create schemas and resources tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS schemas (
					id UUID PRIMARY KEY,
					kind TEXT NOT NULL UNIQUE,
					data JSONB NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS resources (
					id UUID PRIMARY KEY,
					kind TEXT NOT NULL,
					parent_id UUID REFERENCES resources(id),
					permission_parent_id UUID REFERENCES resources(id),
					creator_id TEXT NOT NULL,
					data TEXT NOT NULL DEFAULT '',
					data_json JSONB,
					labels JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					data_vec TSVECTOR GENERATED ALWAYS AS (
						jsonb_to_tsvector('english', COALESCE(data_json, '{}'::jsonb), '["string"]')
					) STORED
				);

				CREATE INDEX IF NOT EXISTS idx_resources_kind ON resources(kind);
				CREATE INDEX IF NOT EXISTS idx_resources_parent_id ON resources(parent_id);
				CREATE INDEX IF NOT EXISTS idx_resources_permission_parent_id ON resources(permission_parent_id);
				CREATE INDEX IF NOT EXISTS idx_resources_created_at ON resources(created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_resources_labels ON resources USING GIN (labels);
				CREATE INDEX IF NOT EXISTS idx_resources_data_json ON resources USING GIN (data_json);
				CREATE INDEX IF NOT EXISTS idx_resources_data_vec ON resources USING GIN (data_vec);
			`,
		},
		{
			Version:     2,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					resource_id UUID NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
					principal_id TEXT NOT NULL,
					action TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (resource_id, principal_id, action)
				);

				CREATE INDEX IF NOT EXISTS idx_permissions_principal_id ON permissions(principal_id);
			`,
		},
		{
			Version:     3,
			Description: "Create events and locks tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS events (
					id BIGSERIAL PRIMARY KEY,
					resource_id TEXT NOT NULL,
					resource_kind TEXT NOT NULL,
					resource_labels JSONB NOT NULL DEFAULT '{}',
					event_type SMALLINT NOT NULL,
					data TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
				CREATE INDEX IF NOT EXISTS idx_events_resource_id ON events(resource_id);

				CREATE TABLE IF NOT EXISTS locks (
					id TEXT PRIMARY KEY,
					fencing_token BIGINT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     4,
			Description: "Create identity tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id UUID PRIMARY KEY,
					name TEXT NOT NULL,
					external_id TEXT UNIQUE,
					is_admin BOOLEAN NOT NULL DEFAULT FALSE,
					password_hash TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS service_accounts (
					id UUID PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					is_admin BOOLEAN NOT NULL DEFAULT FALSE,
					secret_key_hash TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS groups (
					id UUID PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS group_members (
					group_id UUID NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					is_admin BOOLEAN NOT NULL DEFAULT FALSE,
					joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (group_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_group_members_user_id ON group_members(user_id);
			`,
		},
		{
			Version:     5,
			Description: "Create refresh sessions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS refresh_sessions (
					id TEXT PRIMARY KEY,
					subject TEXT NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_refresh_sessions_expires_at ON refresh_sessions(expires_at);
			`,
		},
	}
}

// Migrate applies pending migrations, each in its own transaction
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS keel_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM keel_migrations")
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		logger.Infof("Running migration %d: %s", migration.Version, migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO keel_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
