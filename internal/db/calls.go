package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marcus/callsync/internal/models"
)

const callColumns = `composite_id, phone_number, contact_name, call_type, started_at, duration_seconds,
	note, reviewed, metadata_sync_status, recording_sync_status, recording_local_path, recording_remote_url,
	local_updated_at, server_updated_at, last_error, recording_attempts, recording_rejected, recording_searches`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(s rowScanner) (*models.CallRecord, error) {
	var (
		c        models.CallRecord
		reviewed int
		rejected int
	)
	err := s.Scan(&c.CompositeID, &c.PhoneNumber, &c.ContactName, &c.CallType, &c.StartedAt, &c.DurationSeconds,
		&c.Note, &reviewed, &c.MetadataSyncStatus, &c.RecordingSyncStatus, &c.RecordingLocalPath, &c.RecordingRemoteURL,
		&c.LocalUpdatedAt, &c.ServerUpdatedAt, &c.LastError, &c.RecordingAttempts, &rejected, &c.RecordingSearches)
	if err != nil {
		return nil, err
	}
	c.Reviewed = reviewed != 0
	c.RecordingRejected = rejected != 0
	return &c, nil
}

func (db *DB) queryCalls(ctx context.Context, where string, args ...any) ([]models.CallRecord, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+callColumns+" FROM calls "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []models.CallRecord
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

func getCallTx(ctx context.Context, tx *sql.Tx, id string) (*models.CallRecord, error) {
	c, err := scanCall(tx.QueryRowContext(ctx, "SELECT "+callColumns+" FROM calls WHERE composite_id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	return c, err
}

// GetCall returns a call by composite id
func (db *DB) GetCall(ctx context.Context, id string) (*models.CallRecord, error) {
	c, err := scanCall(db.conn.QueryRowContext(ctx, "SELECT "+callColumns+" FROM calls WHERE composite_id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListCalls returns the most recent calls, optionally filtered by phone number.
func (db *DB) ListCalls(ctx context.Context, phone string, limit int) ([]models.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if phone != "" {
		return db.queryCalls(ctx, "WHERE phone_number = ? ORDER BY started_at DESC LIMIT ?", models.NormalizePhone(phone), limit)
	}
	return db.queryCalls(ctx, "ORDER BY started_at DESC LIMIT ?", limit)
}

// ListDirtyMetadata returns calls whose metadata the server has not seen in
// its current form. Failed rows wait for an edit or an explicit retry.
func (db *DB) ListDirtyMetadata(ctx context.Context) ([]models.CallRecord, error) {
	return db.queryCalls(ctx, `WHERE metadata_sync_status IN (?, ?) ORDER BY started_at`,
		models.MetadataPending, models.MetadataUpdatePending)
}

// ListPendingRecordings returns calls ready for the upload pipeline: the
// server already knows the call, and the recording is pending or failed
// transiently with attempts left.
func (db *DB) ListPendingRecordings(ctx context.Context, maxAttempts int) ([]models.CallRecord, error) {
	return db.queryCalls(ctx, `
		WHERE server_updated_at > 0
		  AND metadata_sync_status IN (?, ?)
		  AND (recording_sync_status = ?
		       OR (recording_sync_status = ? AND recording_rejected = 0 AND recording_attempts < ?))
		ORDER BY started_at`,
		models.MetadataSynced, models.MetadataUpdatePending,
		models.RecordingPending, models.RecordingFailed, maxAttempts)
}

// UpsertCall records a call observed in the device log. New rows start with
// metadata pending; existing rows only absorb device-log fields (contact name,
// duration, recording path) and keep local edits and sync state. The number's
// person aggregate is recomputed in the same transaction. Reports whether the
// row was created.
func (db *DB) UpsertCall(ctx context.Context, in models.CallRecord) (bool, error) {
	if in.CompositeID == "" {
		return false, fmt.Errorf("upsert call: composite id required")
	}
	if !models.IsValidCallType(in.CallType) {
		return false, fmt.Errorf("upsert call %s: invalid call type %q", in.CompositeID, in.CallType)
	}
	in.PhoneNumber = models.NormalizePhone(in.PhoneNumber)

	unlock := db.keys.Lock(in.CompositeID)
	defer unlock()

	var created bool
	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		cur, err := getCallTx(ctx, tx, in.CompositeID)
		switch {
		case err == nil:
			if err := db.mergeDeviceFields(ctx, tx, cur, in); err != nil {
				return err
			}
		case isNotFound(err):
			created = true
			stamp := db.now()
			_, err = tx.ExecContext(ctx, `INSERT INTO calls (
				composite_id, phone_number, contact_name, call_type, started_at, duration_seconds,
				note, reviewed, metadata_sync_status, recording_sync_status, recording_local_path,
				local_updated_at, server_updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
				in.CompositeID, in.PhoneNumber, in.ContactName, in.CallType, in.StartedAt, in.DurationSeconds,
				in.Note, boolToInt(in.Reviewed), models.MetadataPending, in.InitialRecordingStatus(),
				in.RecordingLocalPath, stamp)
			if err != nil {
				return fmt.Errorf("insert call: %w", err)
			}
		default:
			return err
		}
		return recomputePerson(ctx, tx, in.PhoneNumber)
	})
	return created, err
}

func (db *DB) mergeDeviceFields(ctx context.Context, tx *sql.Tx, cur *models.CallRecord, in models.CallRecord) error {
	changed := false
	name := cur.ContactName
	if in.ContactName != "" && in.ContactName != cur.ContactName {
		name = in.ContactName
		changed = true
	}
	duration := cur.DurationSeconds
	if in.DurationSeconds != cur.DurationSeconds {
		duration = in.DurationSeconds
		changed = true
	}
	path := cur.RecordingLocalPath
	if path == "" && in.RecordingLocalPath != "" {
		path = in.RecordingLocalPath
	}

	excluded := cur.LastError == excludedReason

	// The applicability of a recording only moves while nothing has been uploaded
	rec := cur.RecordingSyncStatus
	if duration != cur.DurationSeconds && !excluded &&
		(rec == models.RecordingPending || rec == models.RecordingNotApplicable) {
		next := *cur
		next.DurationSeconds = duration
		rec = next.InitialRecordingStatus()
	}

	status := cur.MetadataSyncStatus
	stamp := cur.LocalUpdatedAt
	if changed && !excluded {
		stamp = db.nextStamp(cur.LocalUpdatedAt)
		status = dirtyStatus(cur)
	}

	_, err := tx.ExecContext(ctx, `UPDATE calls SET contact_name = ?, duration_seconds = ?, recording_local_path = ?,
		recording_sync_status = ?, metadata_sync_status = ?, local_updated_at = ? WHERE composite_id = ?`,
		name, duration, path, rec, status, stamp, cur.CompositeID)
	if err != nil {
		return fmt.Errorf("merge call: %w", err)
	}
	return nil
}

// dirtyStatus is the metadata status a row moves to after a local change.
func dirtyStatus(c *models.CallRecord) models.MetadataStatus {
	if c.ServerUpdatedAt == 0 {
		return models.MetadataPending
	}
	return models.MetadataUpdatePending
}

// CallEdit carries user edits to a call. Nil fields are left unchanged.
type CallEdit struct {
	Note     *string
	Reviewed *bool
}

// EditCall applies a local edit, bumps LocalUpdatedAt and marks the
// metadata dirty.
func (db *DB) EditCall(ctx context.Context, id string, edit CallEdit) (*models.CallRecord, error) {
	unlock := db.keys.Lock(id)
	defer unlock()

	var out *models.CallRecord
	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		cur, err := getCallTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if edit.Note != nil {
			cur.Note = *edit.Note
		}
		if edit.Reviewed != nil {
			cur.Reviewed = *edit.Reviewed
		}
		cur.LocalUpdatedAt = db.nextStamp(cur.LocalUpdatedAt)
		cur.MetadataSyncStatus = dirtyStatus(cur)
		cur.LastError = ""

		_, err = tx.ExecContext(ctx, `UPDATE calls SET note = ?, reviewed = ?, metadata_sync_status = ?,
			local_updated_at = ?, last_error = '' WHERE composite_id = ?`,
			cur.Note, boolToInt(cur.Reviewed), cur.MetadataSyncStatus, cur.LocalUpdatedAt, id)
		if err != nil {
			return fmt.Errorf("edit call: %w", err)
		}
		out = cur
		return nil
	})
	return out, err
}

// MarkCallAnnounced records a successful start_call. The row becomes synced
// unless it was edited after sentAt, in which case the edit is still owed.
func (db *DB) MarkCallAnnounced(ctx context.Context, id string, sentAt, serverUpdatedAt int64) error {
	return db.markPushed(ctx, id, sentAt, true, serverUpdatedAt)
}

// MarkCallPushed records the outcome of update_call. Dirty state is cleared
// only if local_updated_at still equals sentAt. The server stamp is stored
// only when the server applied the write; a dropped write leaves the older
// stamp in place so the next pull delivers the winning server row.
func (db *DB) MarkCallPushed(ctx context.Context, id string, sentAt int64, applied bool, serverUpdatedAt int64) error {
	return db.markPushed(ctx, id, sentAt, applied, serverUpdatedAt)
}

func (db *DB) markPushed(ctx context.Context, id string, sentAt int64, applied bool, serverUpdatedAt int64) error {
	unlock := db.keys.Lock(id)
	defer unlock()

	return db.writeTx(ctx, func(tx *sql.Tx) error {
		cur, err := getCallTx(ctx, tx, id)
		if err != nil {
			return err
		}
		stamp := cur.ServerUpdatedAt
		if applied && serverUpdatedAt > stamp {
			stamp = serverUpdatedAt
		}
		status := cur.MetadataSyncStatus
		if cur.LocalUpdatedAt == sentAt {
			status = models.MetadataSynced
		} else if stamp > 0 {
			status = models.MetadataUpdatePending
		}
		_, err = tx.ExecContext(ctx, `UPDATE calls SET metadata_sync_status = ?, server_updated_at = ?, last_error = ''
			WHERE composite_id = ?`, status, stamp, id)
		return err
	})
}

// MarkMetadataFailed records a permanent server rejection of the call's metadata.
func (db *DB) MarkMetadataFailed(ctx context.Context, id string, reason string) error {
	unlock := db.keys.Lock(id)
	defer unlock()

	return db.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE calls SET metadata_sync_status = ?, last_error = ? WHERE composite_id = ?`,
			models.MetadataFailed, reason, id)
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
}

// NoteSyncError stores the last transient error without changing status.
func (db *DB) NoteSyncError(ctx context.Context, id string, reason string) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE calls SET last_error = ? WHERE composite_id = ?`, reason, id)
		return err
	})
}

// CallUpdate carries server-side fields delivered by a pull.
type CallUpdate struct {
	Note        *string
	Reviewed    *bool
	ContactName *string
}

// ApplyServerCallUpdate applies a pulled server row under last-writer-wins:
// a no-op when the stored server stamp is already >= serverUpdatedAt. A local
// edit the server has not acknowledged does not block it; the dirty flag is
// kept so the edit is still pushed and the server judges it. Unknown calls are
// ignored. Reports whether it applied.
func (db *DB) ApplyServerCallUpdate(ctx context.Context, id string, up CallUpdate, serverUpdatedAt int64) (bool, error) {
	unlock := db.keys.Lock(id)
	defer unlock()

	var applied bool
	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		cur, err := getCallTx(ctx, tx, id)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.ServerUpdatedAt >= serverUpdatedAt {
			return nil
		}
		if up.Note != nil {
			cur.Note = *up.Note
		}
		if up.Reviewed != nil {
			cur.Reviewed = *up.Reviewed
		}
		if up.ContactName != nil && *up.ContactName != "" {
			cur.ContactName = *up.ContactName
		}
		_, err = tx.ExecContext(ctx, `UPDATE calls SET note = ?, reviewed = ?, contact_name = ?, server_updated_at = ?
			WHERE composite_id = ?`, cur.Note, boolToInt(cur.Reviewed), cur.ContactName, serverUpdatedAt, id)
		if err != nil {
			return err
		}
		applied = true
		return recomputePerson(ctx, tx, cur.PhoneNumber)
	})
	return applied, err
}

const excludedReason = "excluded"

// ExcludeCall marks a call whose number the server excludes: nothing is sent
// and no recording applies.
func (db *DB) ExcludeCall(ctx context.Context, id string) error {
	unlock := db.keys.Lock(id)
	defer unlock()

	return db.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE calls SET metadata_sync_status = ?, recording_sync_status = ?, last_error = ?
			WHERE composite_id = ?`, models.MetadataSynced, models.RecordingNotApplicable, excludedReason, id)
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
}

// RequeueFailed moves every failed row back into the sync queues and returns
// how many metadata and recording rows were re-queued.
func (db *DB) RequeueFailed(ctx context.Context) (metadata, recordings int64, err error) {
	err = db.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE calls SET
			metadata_sync_status = CASE WHEN server_updated_at = 0 THEN ? ELSE ? END, last_error = ''
			WHERE metadata_sync_status = ?`, models.MetadataPending, models.MetadataUpdatePending, models.MetadataFailed)
		if err != nil {
			return err
		}
		metadata, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `UPDATE calls SET recording_sync_status = ?, recording_attempts = 0,
			recording_rejected = 0, last_error = '' WHERE recording_sync_status = ?`,
			models.RecordingPending, models.RecordingFailed)
		if err != nil {
			return err
		}
		recordings, _ = res.RowsAffected()
		return nil
	})
	return metadata, recordings, err
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
