package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/marcus/callsync/internal/models"
)

// SetRecordingStatus moves a call's recording along the state machine.
// Returns ErrInvalidTransition for illegal moves, including any move off
// not_applicable.
func (db *DB) SetRecordingStatus(ctx context.Context, id string, to models.RecordingStatus) error {
	return db.updateRecording(ctx, id, to, func(tx *sql.Tx, cur *models.CallRecord) error {
		_, err := tx.ExecContext(ctx, `UPDATE calls SET recording_sync_status = ? WHERE composite_id = ?`, to, id)
		return err
	})
}

// AttachRecording stores the located local file for a call.
func (db *DB) AttachRecording(ctx context.Context, id, path string) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE calls SET recording_local_path = ? WHERE composite_id = ?`, path, id)
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
}

// NoteRecordingSearch counts a locate attempt that found nothing. The status
// stays pending so a later cycle can find a late-written file.
func (db *DB) NoteRecordingSearch(ctx context.Context, id string) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE calls SET recording_searches = recording_searches + 1,
			last_error = 'recording not found' WHERE composite_id = ?`, id)
		return err
	})
}

// CompleteRecording marks a finalized upload and stores its remote URL.
func (db *DB) CompleteRecording(ctx context.Context, id, url string) error {
	return db.updateRecording(ctx, id, models.RecordingCompleted, func(tx *sql.Tx, cur *models.CallRecord) error {
		_, err := tx.ExecContext(ctx, `UPDATE calls SET recording_sync_status = ?, recording_remote_url = ?, last_error = ''
			WHERE composite_id = ?`, models.RecordingCompleted, url, id)
		return err
	})
}

// FailRecording marks the recording failed. Rejected failures are not retried
// automatically; transient ones are, until attempts run out.
func (db *DB) FailRecording(ctx context.Context, id, reason string, rejected bool) error {
	return db.updateRecording(ctx, id, models.RecordingFailed, func(tx *sql.Tx, cur *models.CallRecord) error {
		_, err := tx.ExecContext(ctx, `UPDATE calls SET recording_sync_status = ?, recording_attempts = recording_attempts + 1,
			recording_rejected = ?, last_error = ? WHERE composite_id = ?`,
			models.RecordingFailed, boolToInt(rejected), reason, id)
		return err
	})
}

func (db *DB) updateRecording(ctx context.Context, id string, to models.RecordingStatus, apply func(*sql.Tx, *models.CallRecord) error) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		cur, err := getCallTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !models.CanTransitionRecording(cur.RecordingSyncStatus, to) {
			return fmt.Errorf("call %s: %s -> %s: %w", id, cur.RecordingSyncStatus, to, ErrInvalidTransition)
		}
		return apply(tx, cur)
	})
}

// MarkRecordingsCompleted marks recordings the server reports as already
// finalized, e.g. when the agent died between finalize and its local commit.
// urls maps composite id to the remote URL.
func (db *DB) MarkRecordingsCompleted(ctx context.Context, urls map[string]string) (int64, error) {
	var total int64
	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		for id, url := range urls {
			res, err := tx.ExecContext(ctx, `UPDATE calls SET recording_sync_status = ?, recording_remote_url = ?, last_error = ''
				WHERE composite_id = ? AND recording_sync_status IN (?, ?)`,
				models.RecordingCompleted, url, id, models.RecordingPending, models.RecordingFailed)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// AttachedPaths returns every local recording path already bound to a call,
// so the locator never hands the same file to two calls.
func (db *DB) AttachedPaths(ctx context.Context) (map[string]bool, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT recording_local_path FROM calls WHERE recording_local_path != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}

// RecoverInterrupted fails recordings left compressing or uploading by a
// process that died mid-upload. They stay retryable and restart at chunk 0.
func (db *DB) RecoverInterrupted(ctx context.Context) (int64, error) {
	var n int64
	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE calls SET recording_sync_status = ?, last_error = 'interrupted'
			WHERE recording_sync_status IN (?, ?)`,
			models.RecordingFailed, models.RecordingCompressing, models.RecordingUploading)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
