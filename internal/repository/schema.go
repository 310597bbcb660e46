package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaStatements is valid for both SQLite and Postgres. Timestamps are unix
// nanoseconds so ordering and monotonic bumps behave identically on both.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS records (
	entity        TEXT   NOT NULL,
	id            TEXT   NOT NULL,
	status        TEXT   NOT NULL,
	payload       TEXT   NOT NULL DEFAULT '{}',
	last_modified BIGINT NOT NULL,
	PRIMARY KEY (entity, id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_records_entity_status ON records (entity, status)`,
	`CREATE TABLE IF NOT EXISTS sync_operations (
	id         TEXT    PRIMARY KEY,
	operation  TEXT    NOT NULL,
	entity     TEXT    NOT NULL,
	entity_id  TEXT    NOT NULL,
	data       TEXT    NOT NULL DEFAULT '',
	status     TEXT    NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	sent       INTEGER NOT NULL DEFAULT 0,
	last_error TEXT    NOT NULL DEFAULT '',
	created_at BIGINT  NOT NULL,
	updated_at BIGINT  NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operations_entity_created ON sync_operations (entity, created_at)`,
	// At most one unresolved entry per record; an in-flight entry may have one
	// pending successor.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_sync_operations_unresolved
	ON sync_operations (entity, entity_id) WHERE status <> 'in-flight'`,
	`CREATE TABLE IF NOT EXISTS sync_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`,
}

// Migrate creates the local store, operation log and sync metadata tables.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}
