// Package state provides SQLite-based persistence for Convoy: the usage
// audit log, quota counters, pending actions, and workflow run records.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database connection with Convoy-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens an SQLite database at the given path, creating parent
// directories if needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &DB{conn: conn, path: ":memory:"}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Usage},
		{2, migrationV2Pending},
		{3, migrationV3Workflows},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Usage = `
	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		user_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		agent_name TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		cost_estimate REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_workflow ON usage_records(workflow_id);

	CREATE TABLE IF NOT EXISTS user_daily_quota (
		user_id TEXT NOT NULL,
		date TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		requests_made INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, date)
	);

	CREATE TABLE IF NOT EXISTS system_hourly_usage (
		hour_bucket TEXT PRIMARY KEY,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		requests_made INTEGER NOT NULL DEFAULT 0
	);
`

const migrationV2Pending = `
	CREATE TABLE IF NOT EXISTS pending_actions (
		action_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		step_json TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_actions(status);
`

const migrationV3Workflows = `
	CREATE TABLE IF NOT EXISTS workflow_runs (
		workflow_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		input TEXT NOT NULL,
		status TEXT NOT NULL,
		plan_json TEXT NOT NULL DEFAULT '',
		context_json TEXT NOT NULL DEFAULT '',
		error_json TEXT NOT NULL DEFAULT '',
		pending_action_id TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_runs_user ON workflow_runs(user_id, started_at);
`
