package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/marcus/callsync/internal/models"
)

const personColumns = `phone_number, contact_name, last_call_type, last_call_duration, last_call_at, last_call_composite_id,
	total_calls, total_incoming, total_outgoing, total_missed, total_duration, note, label, needs_sync,
	local_updated_at, server_updated_at`

func scanPerson(s rowScanner) (*models.PersonAggregate, error) {
	var (
		p     models.PersonAggregate
		dirty int
	)
	err := s.Scan(&p.PhoneNumber, &p.ContactName, &p.LastCallType, &p.LastCallDuration, &p.LastCallAt, &p.LastCallCompositeID,
		&p.TotalCalls, &p.TotalIncoming, &p.TotalOutgoing, &p.TotalMissed, &p.TotalDuration, &p.Note, &p.Label, &dirty,
		&p.LocalUpdatedAt, &p.ServerUpdatedAt)
	if err != nil {
		return nil, err
	}
	p.NeedsSync = dirty != 0
	return &p, nil
}

func getPersonTx(ctx context.Context, tx *sql.Tx, phone string) (*models.PersonAggregate, error) {
	p, err := scanPerson(tx.QueryRowContext(ctx, "SELECT "+personColumns+" FROM persons WHERE phone_number = ?", phone))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("person %s: %w", phone, ErrNotFound)
	}
	return p, err
}

// GetPerson returns the aggregate for a phone number
func (db *DB) GetPerson(ctx context.Context, phone string) (*models.PersonAggregate, error) {
	phone = models.NormalizePhone(phone)
	p, err := scanPerson(db.conn.QueryRowContext(ctx, "SELECT "+personColumns+" FROM persons WHERE phone_number = ?", phone))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("person %s: %w", phone, ErrNotFound)
	}
	return p, err
}

func (db *DB) queryPersons(ctx context.Context, where string, args ...any) ([]models.PersonAggregate, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+personColumns+" FROM persons "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PersonAggregate
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListPersons returns persons ordered by most recent call
func (db *DB) ListPersons(ctx context.Context, limit int) ([]models.PersonAggregate, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.queryPersons(ctx, "ORDER BY last_call_at DESC LIMIT ?", limit)
}

// ListDirtyPersons returns persons with local edits not yet pushed
func (db *DB) ListDirtyPersons(ctx context.Context) ([]models.PersonAggregate, error) {
	return db.queryPersons(ctx, "WHERE needs_sync = 1 ORDER BY phone_number")
}

// recomputePerson rebuilds the derived fields of a person from the calls
// table. Note, label and sync state are left alone.
func recomputePerson(ctx context.Context, tx *sql.Tx, phone string) error {
	if phone == "" {
		return nil
	}

	var (
		total, incoming, outgoing, missed int
		duration                          int64
	)
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*),
			COALESCE(SUM(call_type = 'incoming'), 0),
			COALESCE(SUM(call_type = 'outgoing'), 0),
			COALESCE(SUM(call_type = 'missed'), 0),
			COALESCE(SUM(duration_seconds), 0)
		FROM calls WHERE phone_number = ?`, phone).Scan(&total, &incoming, &outgoing, &missed, &duration)
	if err != nil {
		return fmt.Errorf("aggregate calls: %w", err)
	}

	var (
		lastID, lastType, name string
		lastDuration, lastAt   int64
	)
	err = tx.QueryRowContext(ctx, `SELECT composite_id, call_type, duration_seconds, started_at, contact_name
		FROM calls WHERE phone_number = ? ORDER BY started_at DESC, composite_id DESC LIMIT 1`, phone).
		Scan(&lastID, &lastType, &lastDuration, &lastAt, &name)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("last call: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO persons (
			phone_number, contact_name, last_call_type, last_call_duration, last_call_at, last_call_composite_id,
			total_calls, total_incoming, total_outgoing, total_missed, total_duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET
			contact_name = CASE WHEN excluded.contact_name != '' THEN excluded.contact_name ELSE persons.contact_name END,
			last_call_type = excluded.last_call_type,
			last_call_duration = excluded.last_call_duration,
			last_call_at = excluded.last_call_at,
			last_call_composite_id = excluded.last_call_composite_id,
			total_calls = excluded.total_calls,
			total_incoming = excluded.total_incoming,
			total_outgoing = excluded.total_outgoing,
			total_missed = excluded.total_missed,
			total_duration = excluded.total_duration`,
		phone, name, lastType, lastDuration, lastAt, lastID, total, incoming, outgoing, missed, duration)
	if err != nil {
		return fmt.Errorf("upsert person: %w", err)
	}
	return nil
}

// PersonEdit carries user edits to a person. Nil fields are left unchanged.
type PersonEdit struct {
	Note        *string
	Label       *string
	ContactName *string
}

// EditPerson applies a local edit and flags the person for push. A person
// with no calls yet is created.
func (db *DB) EditPerson(ctx context.Context, phone string, edit PersonEdit) (*models.PersonAggregate, error) {
	phone = models.NormalizePhone(phone)
	if phone == "" {
		return nil, fmt.Errorf("edit person: phone number required")
	}
	unlock := db.keys.Lock("person:" + phone)
	defer unlock()

	var out *models.PersonAggregate
	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		cur, err := getPersonTx(ctx, tx, phone)
		if isNotFound(err) {
			cur = &models.PersonAggregate{PhoneNumber: phone}
			if _, err := tx.ExecContext(ctx, `INSERT INTO persons (phone_number) VALUES (?)`, phone); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if edit.Note != nil {
			cur.Note = *edit.Note
		}
		if edit.Label != nil {
			cur.Label = *edit.Label
		}
		if edit.ContactName != nil {
			cur.ContactName = *edit.ContactName
		}
		cur.LocalUpdatedAt = db.nextStamp(cur.LocalUpdatedAt)
		cur.NeedsSync = true

		_, err = tx.ExecContext(ctx, `UPDATE persons SET note = ?, label = ?, contact_name = ?, needs_sync = 1,
			local_updated_at = ? WHERE phone_number = ?`, cur.Note, cur.Label, cur.ContactName, cur.LocalUpdatedAt, phone)
		if err != nil {
			return fmt.Errorf("edit person: %w", err)
		}
		out = cur
		return nil
	})
	return out, err
}

// MarkPersonPushed records the outcome of update_person with the same
// compare-and-clear rule as calls.
func (db *DB) MarkPersonPushed(ctx context.Context, phone string, sentAt int64, applied bool, serverUpdatedAt int64) error {
	unlock := db.keys.Lock("person:" + phone)
	defer unlock()

	return db.writeTx(ctx, func(tx *sql.Tx) error {
		cur, err := getPersonTx(ctx, tx, phone)
		if err != nil {
			return err
		}
		stamp := cur.ServerUpdatedAt
		if applied && serverUpdatedAt > stamp {
			stamp = serverUpdatedAt
		}
		dirty := cur.NeedsSync && cur.LocalUpdatedAt != sentAt
		_, err = tx.ExecContext(ctx, `UPDATE persons SET needs_sync = ?, server_updated_at = ? WHERE phone_number = ?`,
			boolToInt(dirty), stamp, phone)
		return err
	})
}

// PersonUpdate carries server-side person fields delivered by a pull.
type PersonUpdate struct {
	Note        *string
	Label       *string
	ContactName *string
}

// ApplyServerPersonUpdate applies a pulled person row under the same
// last-writer-wins rule as ApplyServerCallUpdate. Unknown persons are created.
func (db *DB) ApplyServerPersonUpdate(ctx context.Context, phone string, up PersonUpdate, serverUpdatedAt int64) (bool, error) {
	phone = models.NormalizePhone(phone)
	if phone == "" {
		return false, nil
	}
	unlock := db.keys.Lock("person:" + phone)
	defer unlock()

	var applied bool
	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		cur, err := getPersonTx(ctx, tx, phone)
		if isNotFound(err) {
			if _, err := tx.ExecContext(ctx, `INSERT INTO persons (phone_number) VALUES (?)`, phone); err != nil {
				return err
			}
			cur = &models.PersonAggregate{PhoneNumber: phone}
		} else if err != nil {
			return err
		}

		if cur.ServerUpdatedAt >= serverUpdatedAt {
			return nil
		}
		if up.Note != nil {
			cur.Note = *up.Note
		}
		if up.Label != nil {
			cur.Label = *up.Label
		}
		if up.ContactName != nil && *up.ContactName != "" {
			cur.ContactName = *up.ContactName
		}
		_, err = tx.ExecContext(ctx, `UPDATE persons SET note = ?, label = ?, contact_name = ?, server_updated_at = ?
			WHERE phone_number = ?`, cur.Note, cur.Label, cur.ContactName, serverUpdatedAt, phone)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}
