package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcus/callsync/internal/keymutex"
	"github.com/marcus/callsync/internal/models"
	"github.com/marcus/callsync/internal/syncerr"
	_ "modernc.org/sqlite"
)

const dbFile = "callsync.db"

// ErrNotFound is returned when a call or person does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a recording status change would break
// the recording state machine.
var ErrInvalidTransition = errors.New("invalid recording transition")

// DB is the device-side record store
type DB struct {
	conn    *sql.DB
	dataDir string
	keys    *keymutex.Map

	// now returns unix milliseconds; tests replace it for deterministic stamps.
	now func() int64
}

// Open opens (creating if needed) the store under dataDir and runs pending migrations.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	conn, err := sql.Open("sqlite", filepath.Join(dataDir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Upload workers hold read transactions while the scheduler writes
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	conn.Exec("PRAGMA synchronous=NORMAL")

	db := &DB{
		conn:    conn,
		dataDir: dataDir,
		keys:    keymutex.New(),
		now:     models.NowMillis,
	}

	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// DataDir returns the directory holding the database and staging areas
func (db *DB) DataDir() string {
	return db.dataDir
}

// Keys returns the per-record mutex shared by every writer of this store.
func (db *DB) Keys() *keymutex.Map {
	return db.keys
}

// SetClock overrides the millisecond clock used for local stamps.
func (db *DB) SetClock(now func() int64) {
	db.now = now
}

// withWriteLock executes fn while holding an exclusive write lock.
// This prevents concurrent writes from multiple agent processes.
func (db *DB) withWriteLock(fn func() error) error {
	locker := newWriteLocker(db.dataDir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}

// writeTx runs fn in a transaction under the process write lock. Any error is
// classified as a local I/O failure unless fn already classified it.
func (db *DB) writeTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := db.withWriteLock(func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	if syncerr.KindOf(err) != syncerr.KindUnknown {
		return err
	}
	return syncerr.LocalIO(syncerr.OpStore, err)
}

// nextStamp returns a local stamp strictly greater than prev.
func (db *DB) nextStamp(prev int64) int64 {
	now := db.now()
	if now <= prev {
		return prev + 1
	}
	return now
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
