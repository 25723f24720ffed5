package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// migrations are applied in order at startup. Statements must be safe to
// re-run; there is no version table.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		key TEXT PRIMARY KEY,
		last_message_body TEXT NOT NULL DEFAULT '',
		last_message_at BIGINT NOT NULL DEFAULT 0,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		message_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_key TEXT NOT NULL,
		sender_role TEXT NOT NULL,
		sender_id TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		attachment_url TEXT NOT NULL DEFAULT '',
		attachment_mime TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		read_by TEXT[] NOT NULL DEFAULT '{}',
		is_broadcast BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_key, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_broadcast ON messages (is_broadcast, created_at)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id UUID PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		role TEXT NOT NULL DEFAULT 'agent',
		credential_hash TEXT NOT NULL,
		muted BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// RunMigrations applies the schema against a PostgreSQL database.
func RunMigrations(databaseURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	for _, stmt := range migrations {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
