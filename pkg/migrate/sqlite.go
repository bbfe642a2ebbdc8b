package migrate

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// sqliteSchema mirrors the Postgres migrations for local single-user mode.
// Money and JSON columns are TEXT so sqlite type affinity never turns a
// decimal string into a float.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledgers (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		members TEXT NOT NULL DEFAULT '[]',
		balance TEXT NOT NULL DEFAULT '0',
		last_activity_at DATETIME NOT NULL,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledgers_owner_last_activity ON ledgers (owner_id, last_activity_at, id)`,
	`CREATE TABLE IF NOT EXISTS feed_events (
		id TEXT PRIMARY KEY,
		ledger_id TEXT NOT NULL REFERENCES ledgers(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		text TEXT,
		sender TEXT,
		description TEXT,
		amount TEXT NOT NULL DEFAULT '0',
		payer TEXT,
		split_mode TEXT,
		split_summary TEXT,
		allocation TEXT,
		balance_impact TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL,
		updated_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feed_events_ledger_created ON feed_events (ledger_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_dlq (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failed_at DATETIME,
		created_at DATETIME
	)`,
}

// ApplySQLiteSchema creates every table on a sqlite connection. It is
// idempotent.
func ApplySQLiteSchema(ctx context.Context, conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db is required")
	}
	if conn.Dialector.Name() != "sqlite" {
		return fmt.Errorf("sqlite schema requested on %s connection", conn.Dialector.Name())
	}
	if err := conn.WithContext(ctx).Exec(`PRAGMA foreign_keys = ON`).Error; err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if err := conn.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}
