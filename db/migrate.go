package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate applies idempotent schema changes for all required tables and
// indices. Safe to run on every boot.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			room TEXT NOT NULL,
			anchor TEXT,
			quality TEXT,
			use_proxy BOOLEAN DEFAULT FALSE,
			enabled BOOLEAN DEFAULT TRUE,
			state TEXT NOT NULL,
			last_poll TIMESTAMPTZ,
			last_error TEXT,
			session_id TEXT,
			segment_index INTEGER DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			anchor TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			segments INTEGER DEFAULT 0,
			end_reason TEXT,
			last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id SERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			anchor TEXT,
			file_path TEXT NOT NULL,
			segment_index INTEGER NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			reason TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			platform TEXT PRIMARY KEY,
			value TEXT,
			encryption_version INTEGER DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id, segment_index)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_channel ON artifacts(channel_id, created_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
