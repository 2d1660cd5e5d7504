package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// CurrentSchemaVersion is the ledger schema produced by AllMigrations
const CurrentSchemaVersion = "1.1.0"

// Migration is one forward step of the ledger schema
type Migration struct {
	Version string
	Up      string
}

// AllMigrations lists schema steps in ascending version order
var AllMigrations = []Migration{
	{Version: "1.0.0", Up: migrationV1Up},
	{Version: "1.1.0", Up: migrationV11Up},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    worker_id INTEGER NOT NULL,
    num_workers INTEGER NOT NULL,
    host TEXT,
    pid INTEGER,
    status TEXT NOT NULL,
    error TEXT,
    dirs_total INTEGER DEFAULT 0,
    dirs_processed INTEGER DEFAULT 0,
    dirs_errored INTEGER DEFAULT 0,
    files_total INTEGER DEFAULT 0,
    files_processed INTEGER DEFAULT 0,
    files_errored INTEGER DEFAULT 0,
    records INTEGER DEFAULT 0,
    shards INTEGER DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS directories (
    path TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    files_total INTEGER NOT NULL,
    files_processed INTEGER NOT NULL,
    files_errored INTEGER NOT NULL,
    records INTEGER NOT NULL,
    error_rate REAL NOT NULL,
    completed_at INTEGER NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS shards (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    table_name TEXT NOT NULL,
    seq INTEGER NOT NULL,
    path TEXT NOT NULL UNIQUE,
    row_count INTEGER NOT NULL,
    bytes INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_shards_table ON shards(table_name, seq);

CREATE TABLE IF NOT EXISTS directory_shards (
    dir_path TEXT NOT NULL,
    shard_path TEXT NOT NULL,
    PRIMARY KEY (dir_path, shard_path),
    FOREIGN KEY (dir_path) REFERENCES directories(path) ON DELETE CASCADE
);
`

const migrationV11Up = `
CREATE TABLE IF NOT EXISTS failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    dir_path TEXT NOT NULL,
    path TEXT NOT NULL,
    table_name TEXT,
    handler TEXT,
    pattern TEXT,
    kind TEXT NOT NULL,
    error TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_failures_run ON failures(run_id);
CREATE INDEX IF NOT EXISTS idx_failures_kind ON failures(kind);
`

// ApplyMigrations runs every migration newer than the recorded schema version
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range AllMigrations {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", m.Version, err)
		}
		if !current.LessThan(v) {
			continue
		}
		if _, err := db.ExecContext(ctx, m.Up); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.Version, err)
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", m.Version, nowMillis()); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}
		current = v
	}
	return nil
}

// schemaVersion returns the highest applied version, or 0.0.0 for a new file
func schemaVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return semver.MustParse("0.0.0"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer rows.Close()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(s)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %s: %w", s, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	return current, rows.Err()
}
