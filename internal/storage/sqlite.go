package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the orchestrator database at path
// and ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := checkLocalFilesystem(path, detectFilesystemType); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Snapshot writes come from the loop, the exporter and HTTP handlers.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orch_snapshot (
  orch_name  TEXT PRIMARY KEY,
  snapshot   JSON NOT NULL,
  reason     TEXT NOT NULL,
  saved_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS action_log (
  action_uuid     TEXT PRIMARY KEY,
  experiment_uuid TEXT,
  sequence_uuid   TEXT,
  orch_name       TEXT NOT NULL,
  server_name     TEXT NOT NULL,
  action_name     TEXT NOT NULL,
  category        TEXT NOT NULL,
  error_code      TEXT,
  body            JSON NOT NULL,
  finished_at     TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS experiment_log (
  experiment_uuid TEXT PRIMARY KEY,
  sequence_uuid   TEXT,
  orch_name       TEXT NOT NULL,
  experiment_name TEXT NOT NULL,
  status          TEXT NOT NULL,
  body            JSON NOT NULL,
  finished_at     TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS sequence_log (
  sequence_uuid   TEXT PRIMARY KEY,
  orch_name       TEXT NOT NULL,
  sequence_name   TEXT NOT NULL,
  sequence_label  TEXT,
  status          TEXT NOT NULL,
  body            JSON NOT NULL,
  finished_at     TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS plate (
  plate_id    INTEGER PRIMARY KEY,
  label       TEXT,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS platemap (
  plate_id    INTEGER NOT NULL REFERENCES plate(plate_id) ON DELETE CASCADE,
  sample_no   INTEGER NOT NULL,
  x_mm        REAL NOT NULL DEFAULT 0,
  y_mm        REAL NOT NULL DEFAULT 0,
  composition JSON NOT NULL DEFAULT '{}',
  PRIMARY KEY (plate_id, sample_no)
);`,
		`CREATE INDEX IF NOT EXISTS action_log_experiment_idx ON action_log(experiment_uuid);`,
		`CREATE INDEX IF NOT EXISTS action_log_category_idx ON action_log(category, finished_at);`,
		`CREATE INDEX IF NOT EXISTS experiment_log_sequence_idx ON experiment_log(sequence_uuid);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
