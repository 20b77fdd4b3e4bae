package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/marcus/callsync/internal/models"
)

const (
	keyWatermark  = "last_sync_time"
	keyLastCycle  = "last_cycle_at"
	keyLastResult = "last_cycle_result"
)

// Conn returns the underlying *sql.DB connection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) getState(ctx context.Context, key string) (string, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (db *DB) setState(ctx context.Context, key, value string) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO sync_state (key, value) VALUES (?, ?)`, key, value)
		return err
	})
}

// GetWatermark returns the server_sync_time of the last fully applied pull, 0 if none.
func (db *DB) GetWatermark(ctx context.Context) (int64, error) {
	v, err := db.getState(ctx, keyWatermark)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// SetWatermark persists the pull watermark. It never moves backwards.
func (db *DB) SetWatermark(ctx context.Context, ms int64) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
			WHERE CAST(sync_state.value AS INTEGER) < CAST(excluded.value AS INTEGER)`,
			keyWatermark, strconv.FormatInt(ms, 10))
		return err
	})
}

// RecordCycle stores when the last sync cycle ended and a one-line summary.
func (db *DB) RecordCycle(ctx context.Context, atMillis int64, summary string) error {
	if err := db.setState(ctx, keyLastCycle, strconv.FormatInt(atMillis, 10)); err != nil {
		return err
	}
	return db.setState(ctx, keyLastResult, summary)
}

// LastCycle returns the time and summary stored by RecordCycle.
func (db *DB) LastCycle(ctx context.Context) (int64, string, error) {
	at, err := db.getState(ctx, keyLastCycle)
	if err != nil {
		return 0, "", err
	}
	summary, err := db.getState(ctx, keyLastResult)
	if err != nil {
		return 0, "", err
	}
	ms, _ := strconv.ParseInt(at, 10, 64)
	return ms, summary, nil
}

// SetExcludedNumbers replaces the excluded number list from server config.
func (db *DB) SetExcludedNumbers(ctx context.Context, phones []string) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM excluded_numbers`); err != nil {
			return err
		}
		for _, p := range phones {
			p = models.NormalizePhone(p)
			if p == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO excluded_numbers (phone_number) VALUES (?)`, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// IsExcluded reports whether the server excludes a number from sync.
func (db *DB) IsExcluded(ctx context.Context, phone string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM excluded_numbers WHERE phone_number = ?`,
		models.NormalizePhone(phone)).Scan(&n)
	return n > 0, err
}

// Counts summarizes sync state for observability.
type Counts struct {
	Calls int `json:"calls" yaml:"calls"`

	MetadataPending       int `json:"metadata_pending" yaml:"metadata_pending"`
	MetadataUpdatePending int `json:"metadata_update_pending" yaml:"metadata_update_pending"`
	MetadataSynced        int `json:"metadata_synced" yaml:"metadata_synced"`
	MetadataFailed        int `json:"metadata_failed" yaml:"metadata_failed"`

	RecordingPending       int `json:"recording_pending" yaml:"recording_pending"`
	RecordingActive        int `json:"recording_active" yaml:"recording_active"`
	RecordingCompleted     int `json:"recording_completed" yaml:"recording_completed"`
	RecordingFailed        int `json:"recording_failed" yaml:"recording_failed"`
	RecordingNotApplicable int `json:"recording_not_applicable" yaml:"recording_not_applicable"`

	// AwaitingRecording counts pending recordings the locator has searched
	// for without success.
	AwaitingRecording int `json:"awaiting_recording" yaml:"awaiting_recording"`

	PersonsDirty int `json:"persons_dirty" yaml:"persons_dirty"`
}

// Counts returns current queue sizes
func (db *DB) Counts(ctx context.Context) (Counts, error) {
	var c Counts

	rows, err := db.conn.QueryContext(ctx, `SELECT metadata_sync_status, recording_sync_status,
		recording_searches > 0, COUNT(*) FROM calls GROUP BY 1, 2, 3`)
	if err != nil {
		return c, fmt.Errorf("count calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			meta     models.MetadataStatus
			rec      models.RecordingStatus
			searched bool
			n        int
		)
		if err := rows.Scan(&meta, &rec, &searched, &n); err != nil {
			return c, err
		}
		c.Calls += n
		switch meta {
		case models.MetadataPending:
			c.MetadataPending += n
		case models.MetadataUpdatePending:
			c.MetadataUpdatePending += n
		case models.MetadataSynced:
			c.MetadataSynced += n
		case models.MetadataFailed:
			c.MetadataFailed += n
		}
		switch rec {
		case models.RecordingPending:
			c.RecordingPending += n
			if searched {
				c.AwaitingRecording += n
			}
		case models.RecordingCompressing, models.RecordingUploading:
			c.RecordingActive += n
		case models.RecordingCompleted:
			c.RecordingCompleted += n
		case models.RecordingFailed:
			c.RecordingFailed += n
		case models.RecordingNotApplicable:
			c.RecordingNotApplicable += n
		}
	}
	if err := rows.Err(); err != nil {
		return c, err
	}

	err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM persons WHERE needs_sync = 1`).Scan(&c.PersonsDirty)
	return c, err
}

// ResetSyncState forgets everything the server acknowledged so the next
// cycle re-announces every call and re-pulls from the beginning. Local edits
// and completed recordings are kept.
func (db *DB) ResetSyncState(ctx context.Context) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`UPDATE calls SET metadata_sync_status = 'pending', server_updated_at = 0, last_error = ''
				WHERE last_error != 'excluded'`,
			`UPDATE calls SET recording_sync_status = 'pending', recording_attempts = 0, recording_rejected = 0
				WHERE recording_sync_status IN ('failed', 'compressing', 'uploading')`,
			`UPDATE persons SET server_updated_at = 0, needs_sync = CASE WHEN note != '' OR label != '' THEN 1 ELSE 0 END`,
			`DELETE FROM sync_state`,
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetData deletes every call, person and sync marker, plus the chunk and
// compression staging directories.
func (db *DB) ResetData(ctx context.Context) error {
	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"calls", "persons", "sync_state", "excluded_numbers"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, dir := range []string{ChunkDir(db.dataDir), CompressedDir(db.dataDir)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	return nil
}

// ChunkDir is where upload chunks are staged, one subdirectory per call.
func ChunkDir(dataDir string) string {
	return filepath.Join(dataDir, "chunks")
}

// CompressedDir holds compressed copies of recordings awaiting upload.
func CompressedDir(dataDir string) string {
	return filepath.Join(dataDir, "compressed")
}
