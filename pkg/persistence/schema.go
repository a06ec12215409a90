package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(ctx context.Context, db *sql.DB) error {
	currentVersion, err := SchemaVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(ctx, db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}

	return runMigrations(ctx, db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(ctx context.Context, db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(ctx, db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(ctx, db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(ctx context.Context, db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(ctx, db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the per-feature step results table.
func migrateToVersion2(ctx context.Context, db *sql.DB) error {
	return execAll(ctx, db, schemaV2)
}

//nolint:gochecknoglobals // static DDL
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		machine_id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		mobile INTEGER NOT NULL DEFAULT 0,
		os TEXT NOT NULL DEFAULT '',
		interaction_mode TEXT NOT NULL DEFAULT '',
		user_gesture_triggered INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		machine_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL,
		state_json TEXT NOT NULL,
		PRIMARY KEY (machine_id, seq),
		FOREIGN KEY (machine_id) REFERENCES sessions(machine_id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
}

//nolint:gochecknoglobals // static DDL
var schemaV2 = []string{
	`CREATE TABLE IF NOT EXISTS step_results (
		machine_id TEXT NOT NULL,
		step TEXT NOT NULL,
		feature_id TEXT NOT NULL,
		result INTEGER NOT NULL,
		PRIMARY KEY (machine_id, step, feature_id),
		FOREIGN KEY (machine_id) REFERENCES sessions(machine_id) ON DELETE CASCADE
	)`,
}

func createSchema(ctx context.Context, db *sql.DB) error {
	if err := execAll(ctx, db, schemaV1); err != nil {
		return err
	}
	if err := execAll(ctx, db, schemaV2); err != nil {
		return err
	}
	if err := setSchemaVersion(ctx, db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func execAll(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// SchemaVersion returns the recorded schema version, or 0 for an empty database.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	// MAX over an empty table yields NULL.
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func setSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	return err
}
