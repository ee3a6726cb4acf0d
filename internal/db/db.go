package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"campus-realtime/internal/logging"
)

// Connect opens the postgres document store and applies migrations.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Migrate creates the document tables. Each table keeps the full record in
// a JSONB column plus the few projected columns the queries filter on.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS identities (
            id TEXT PRIMARY KEY,
            handle TEXT NOT NULL,
            role TEXT NOT NULL DEFAULT '',
            faculty TEXT NOT NULL DEFAULT '',
            department TEXT NOT NULL DEFAULT '',
            doc JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS identities_handle_idx ON identities (lower(handle));`,
		`CREATE TABLE IF NOT EXISTS groups (
            id TEXT PRIMARY KEY,
            doc JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS groups_members_idx ON groups USING GIN ((doc->'members') jsonb_path_ops);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            group_id TEXT NOT NULL,
            deleted BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL,
            doc JSONB NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS messages_group_created_idx ON messages (group_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS call_sessions (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            doc JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS notifications (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            pending BOOLEAN NOT NULL DEFAULT TRUE,
            scheduled_for TIMESTAMPTZ,
            expires_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL,
            doc JSONB NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS notifications_recipients_idx ON notifications USING GIN ((doc->'recipients') jsonb_path_ops);`,
		`CREATE INDEX IF NOT EXISTS notifications_scheduled_idx ON notifications (scheduled_for) WHERE pending;`,
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	logging.Info().Int("statements", len(migrations)).Msg("database migrations applied")
	return nil
}
