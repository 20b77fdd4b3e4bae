// Package serverdb is the server-side store for employees, calls, persons
// and staged recording chunks.
package serverdb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound       = errors.New("not found")
	ErrNotPaired      = errors.New("device not paired")
	ErrDeviceMismatch = errors.New("employee is paired with another device")
	ErrMissingChunk   = errors.New("missing chunk")
	ErrInvalid        = errors.New("invalid request")
)

// ServerDB wraps the server database connection
type ServerDB struct {
	conn *sql.DB
	path string

	// mu serializes writes with stamp assignment, so a pull never sees a
	// watermark ahead of an uncommitted row.
	mu   sync.Mutex
	last int64
	now  func() int64
}

// Open opens the server database and runs any pending migrations.
// If the database file does not exist, it is created and initialized.
func Open(dbPath string) (*ServerDB, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	db, err := newServerDB(conn, dbPath)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenConn wraps an already open connection, creating the schema if needed.
// Used with in-memory databases in tests.
func OpenConn(conn *sql.DB) (*ServerDB, error) {
	conn.SetMaxOpenConns(1)
	return newServerDB(conn, "")
}

func newServerDB(conn *sql.DB, path string) (*ServerDB, error) {
	if _, err := conn.Exec(serverSchema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	db := &ServerDB{conn: conn, path: path, now: func() int64 { return time.Now().UnixMilli() }}

	if _, err := db.RunMigrations(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	err := conn.QueryRow(`SELECT MAX(COALESCE((SELECT MAX(updated_at) FROM calls), 0),
		COALESCE((SELECT MAX(updated_at) FROM persons), 0))`).Scan(&db.last)
	if err != nil {
		return nil, fmt.Errorf("load clock: %w", err)
	}
	return db, nil
}

// SetClock replaces the wall clock used for stamps. For tests.
func (db *ServerDB) SetClock(now func() int64) {
	db.now = now
}

// Ping checks the database connection is alive.
func (db *ServerDB) Ping() error {
	return db.conn.Ping()
}

// Close checkpoints the WAL and closes the database connection.
func (db *ServerDB) Close() error {
	if db.path != "" {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return db.conn.Close()
}

// RunMigrations runs any pending database migrations.
func (db *ServerDB) RunMigrations() (int, error) {
	// Ensure schema_info exists
	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_info: %w", err)
	}

	currentVersion := db.getSchemaVersion()

	if currentVersion >= ServerSchemaVersion {
		return 0, nil
	}

	// A fresh database starts at version 1: the base schema
	if currentVersion == 0 {
		currentVersion = 1
	}

	migrationsRun := 0
	for _, m := range Migrations {
		if m.Version > currentVersion {
			if _, err := db.conn.Exec(m.SQL); err != nil {
				return migrationsRun, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			if err := db.setSchemaVersion(m.Version); err != nil {
				return migrationsRun, fmt.Errorf("set version %d: %w", m.Version, err)
			}
			migrationsRun++
		}
	}

	if err := db.setSchemaVersion(ServerSchemaVersion); err != nil {
		return migrationsRun, err
	}
	return migrationsRun, nil
}

func (db *ServerDB) getSchemaVersion() int {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err != nil {
		return 0
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v
}

func (db *ServerDB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

// nextStamp returns a server timestamp greater than every earlier one and
// not less than incoming. Callers hold db.mu.
func (db *ServerDB) nextStamp(incoming int64) int64 {
	s := db.now()
	if s <= db.last {
		s = db.last + 1
	}
	if incoming > s {
		s = incoming
	}
	db.last = s
	return s
}

// write runs fn in a transaction while holding the stamp lock.
func (db *ServerDB) write(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
