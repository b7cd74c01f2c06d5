// Package statedb persists the crewdeck session journal and web push
// subscriptions in SQLite.
package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple daemons can share one file via WAL mode + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// busy_timeout is per connection, so it rides on the DSN to reach every
	// connection the pool opens.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// PID is the daemon process id stamped on journal rows this handle writes.
func (s *StateDB) PID() int {
	return s.pid
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct {
		name string
		sql  string
	}{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"sessions", `
			CREATE TABLE IF NOT EXISTS sessions (
				id            TEXT PRIMARY KEY,
				working_dir   TEXT NOT NULL,
				kind          TEXT NOT NULL,
				state         TEXT NOT NULL DEFAULT 'idle',
				created_at    INTEGER NOT NULL,
				last_activity INTEGER NOT NULL DEFAULT 0,
				destroyed_at  INTEGER NOT NULL DEFAULT 0,
				exit_code     INTEGER,
				end_reason    TEXT NOT NULL DEFAULT '',
				daemon_pid    INTEGER NOT NULL DEFAULT 0
			)`},
		{"sessions index", `
			CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions (created_at DESC)`},
		{"push_subscriptions", `
			CREATE TABLE IF NOT EXISTS push_subscriptions (
				endpoint   TEXT PRIMARY KEY,
				p256dh     TEXT NOT NULL,
				auth       TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`},
		{"heartbeats", `
			CREATE TABLE IF NOT EXISTS instance_heartbeats (
				pid       INTEGER PRIMARY KEY,
				started   INTEGER NOT NULL,
				heartbeat INTEGER NOT NULL
			)`},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.sql); err != nil {
			return fmt.Errorf("statedb: create %s: %w", st.name, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// --- Heartbeat ---

// RegisterInstance records this process as a running daemon.
func (s *StateDB) RegisterInstance() error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO instance_heartbeats (pid, started, heartbeat)
		VALUES (?, ?, ?)
	`, s.pid, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE instance_heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), s.pid,
	)
	return err
}

// UnregisterInstance removes this process from the heartbeat table.
func (s *StateDB) UnregisterInstance() error {
	_, err := s.db.Exec("DELETE FROM instance_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadInstances removes heartbeat entries that haven't been updated within timeout.
func (s *StateDB) CleanDeadInstances(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM instance_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// AliveInstanceCount returns how many daemons have fresh heartbeats.
func (s *StateDB) AliveInstanceCount(timeout time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-timeout).Unix()
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM instance_heartbeats WHERE heartbeat >= ?", cutoff,
	).Scan(&count)
	return count, err
}
