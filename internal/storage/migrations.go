package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one schema step. Version N is applied when PRAGMA user_version < N.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "history",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS history (
  id                   TEXT PRIMARY KEY,
  user_id              TEXT NOT NULL,
  kind                 TEXT NOT NULL,
  status               TEXT NOT NULL,
  prompt               TEXT,
  fal_request_id       TEXT,
  video_url            TEXT,
  local_video_url      TEXT,
  generated_image_urls JSON,
  seed                 INTEGER,
  error                TEXT,
  created_at           TEXT NOT NULL,
  updated_at           TEXT NOT NULL,
  completed_at         TEXT
);`,
			`CREATE INDEX IF NOT EXISTS history_status_created_at_idx ON history(status, created_at);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS history_fal_request_id_idx ON history(fal_request_id) WHERE fal_request_id IS NOT NULL;`,
		},
	},
	{
		version: 2,
		name:    "webhook_receipts",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS webhook_receipts (
  fingerprint TEXT PRIMARY KEY,
  request_id  TEXT NOT NULL,
  history_id  TEXT,
  outcome     TEXT NOT NULL,
  received_at TEXT NOT NULL
);`,
		},
	},
	{
		version: 3,
		name:    "history_model",
		stmts: []string{
			`ALTER TABLE history ADD COLUMN model TEXT;`,
		},
	},
}

// LatestVersion is the schema version after all migrations have run.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies pending migrations in order, each in its own transaction,
// and returns the resulting schema version.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return 0, err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return current, err
		}
		current = m.version
	}
	return current, nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d (%s): begin tx: %w", m.version, m.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", m.version)); err != nil {
		return fmt.Errorf("migration %d (%s): set user_version: %w", m.version, m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d (%s): commit: %w", m.version, m.name, err)
	}
	return nil
}
