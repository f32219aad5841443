package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward step of the schema.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "key_records table holding the engine's persisted blobs",
		Up: `
CREATE TABLE IF NOT EXISTS key_records (
    user_id            TEXT PRIMARY KEY,
    email              TEXT NOT NULL UNIQUE,
    security_key       TEXT NOT NULL,
    sealed_mnemonic    TEXT NOT NULL DEFAULT '',
    sealed_salt        TEXT NOT NULL DEFAULT '',
    recovery_envelope  TEXT NOT NULL DEFAULT '',
    wallet_count       INTEGER NOT NULL DEFAULT 0,
    version            INTEGER NOT NULL DEFAULT 1,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);`,
	},
	{
		Version:     2,
		Description: "key_events hash-chained ceremony history",
		Up: `
CREATE TABLE IF NOT EXISTS key_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     TEXT NOT NULL DEFAULT '',
    event_type  TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    prev_hash   BLOB NOT NULL,
    event_hash  BLOB NOT NULL UNIQUE,
    mac         BLOB
);

CREATE INDEX IF NOT EXISTS idx_key_events_user ON key_events(user_id, id);`,
	},
}

// LatestSchemaVersion is the version Open migrates to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].Version
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}
