package serverdb

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/marcus/callsync/internal/models"
)

// Upload states of a call's recording as the server sees it.
const (
	UploadPending   = "pending"
	UploadUploading = "uploading"
	UploadCompleted = "completed"
)

// Call is the server copy of a device call log entry.
type Call struct {
	UniqueID     string `json:"unique_id"`
	OrgID        string `json:"org_id"`
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	DevicePhone  string `json:"device_phone,omitempty"`
	CallerNumber string `json:"caller_number"`
	CallerName   string `json:"caller_name"`
	CallType     string `json:"call_type"`
	CallTime     int64  `json:"call_time"`
	Duration     int64  `json:"duration"`
	Note         string `json:"note"`
	Reviewed     bool   `json:"reviewed"`
	UploadStatus string `json:"upload_status"`
	RecordingURL string `json:"recording_url,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

// CallPatch carries the user-editable fields of a call; nil fields are left
// untouched.
type CallPatch struct {
	Note       *string
	Reviewed   *bool
	CallerName *string
}

// Updates is the result of FetchUpdates.
type Updates struct {
	Calls    []Call
	Persons  []Person
	SyncTime int64
}

const callColumns = `unique_id, org_id, user_id, device_id, device_phone, caller_number, caller_name, call_type,
	call_time, duration, note, reviewed, upload_status, recording_url, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(r rowScanner) (*Call, error) {
	c := &Call{}
	var reviewed int
	err := r.Scan(&c.UniqueID, &c.OrgID, &c.UserID, &c.DeviceID, &c.DevicePhone, &c.CallerNumber, &c.CallerName, &c.CallType,
		&c.CallTime, &c.Duration, &c.Note, &reviewed, &c.UploadStatus, &c.RecordingURL, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Reviewed = reviewed != 0
	return c, nil
}

// needsRecording reports whether a call is expected to have audio.
func needsRecording(c *Call) bool {
	return c.Duration > 0 && c.CallType != string(models.CallMissed)
}

// GetCall returns a call by unique id, or ErrNotFound.
func (db *ServerDB) GetCall(uniqueID string) (*Call, error) {
	c, err := scanCall(db.conn.QueryRow(`SELECT `+callColumns+` FROM calls WHERE unique_id = ?`, uniqueID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call %s: %w", uniqueID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

// getOwnedCall loads a call inside tx and checks it belongs to the employee.
func getOwnedCall(tx *sql.Tx, orgID, userID, uniqueID string) (*Call, error) {
	c, err := scanCall(tx.QueryRow(`SELECT `+callColumns+` FROM calls WHERE unique_id = ?`, uniqueID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call %s: %w", uniqueID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if c.OrgID != orgID || c.UserID != userID {
		return nil, fmt.Errorf("call %s: %w", uniqueID, ErrNotFound)
	}
	return c, nil
}

// StartCall records a call announced by a device. It is an idempotent upsert:
// device facts (number, type, time, duration) always refresh, while note,
// reviewed and caller name follow last-writer-wins on UpdatedAt. The stored
// row is returned along with whether the incoming edit won.
func (db *ServerDB) StartCall(in Call) (*Call, bool, error) {
	if in.UniqueID == "" || in.OrgID == "" || in.UserID == "" {
		return nil, false, fmt.Errorf("unique_id, org_id and user_id are required: %w", ErrInvalid)
	}
	typ, err := models.NormalizeCallType(in.CallType)
	if err != nil {
		return nil, false, fmt.Errorf("%v: %w", err, ErrInvalid)
	}
	in.CallType = string(typ)
	if in.Duration < 0 {
		in.Duration = 0
	}

	var out *Call
	applied := false
	err = db.write(func(tx *sql.Tx) error {
		cur, err := scanCall(tx.QueryRow(`SELECT `+callColumns+` FROM calls WHERE unique_id = ?`, in.UniqueID))
		if err == sql.ErrNoRows {
			c := in
			c.UploadStatus = UploadCompleted
			if needsRecording(&c) {
				c.UploadStatus = UploadPending
			}
			c.RecordingURL = ""
			c.UpdatedAt = db.nextStamp(in.UpdatedAt)
			_, err := tx.Exec(`INSERT INTO calls (`+callColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.UniqueID, c.OrgID, c.UserID, c.DeviceID, c.DevicePhone, c.CallerNumber, c.CallerName, c.CallType,
				c.CallTime, c.Duration, c.Note, boolToInt(c.Reviewed), c.UploadStatus, c.RecordingURL, c.UpdatedAt)
			if err != nil {
				return err
			}
			out, applied = &c, true
			return nil
		}
		if err != nil {
			return err
		}
		if cur.OrgID != in.OrgID || cur.UserID != in.UserID {
			return fmt.Errorf("call %s belongs to another employee: %w", in.UniqueID, ErrInvalid)
		}

		cur.DeviceID = in.DeviceID
		if in.DevicePhone != "" {
			cur.DevicePhone = in.DevicePhone
		}
		cur.CallerNumber = in.CallerNumber
		cur.CallType = in.CallType
		cur.CallTime = in.CallTime
		cur.Duration = in.Duration
		if cur.UploadStatus == UploadCompleted && cur.RecordingURL == "" && needsRecording(cur) {
			cur.UploadStatus = UploadPending
		}
		if in.UpdatedAt > cur.UpdatedAt {
			cur.Note = in.Note
			cur.Reviewed = in.Reviewed
			cur.CallerName = in.CallerName
			cur.UpdatedAt = db.nextStamp(in.UpdatedAt)
			applied = true
		}
		_, err = tx.Exec(`UPDATE calls SET device_id = ?, device_phone = ?, caller_number = ?, call_type = ?, call_time = ?,
			duration = ?, note = ?, reviewed = ?, caller_name = ?, upload_status = ?, updated_at = ?
			WHERE unique_id = ?`,
			cur.DeviceID, cur.DevicePhone, cur.CallerNumber, cur.CallType, cur.CallTime, cur.Duration, cur.Note,
			boolToInt(cur.Reviewed), cur.CallerName, cur.UploadStatus, cur.UpdatedAt, cur.UniqueID)
		if err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("start call: %w", err)
	}
	return out, applied, nil
}

// UpdateCall applies an edit made at updatedAt if it is newer than the stored
// row. It returns whether it applied and the row's resulting stamp.
func (db *ServerDB) UpdateCall(orgID, userID, uniqueID string, p CallPatch, updatedAt int64) (bool, int64, error) {
	applied := false
	var stamp int64
	err := db.write(func(tx *sql.Tx) error {
		cur, err := getOwnedCall(tx, orgID, userID, uniqueID)
		if err != nil {
			return err
		}
		stamp = cur.UpdatedAt
		if updatedAt <= cur.UpdatedAt {
			return nil
		}
		if p.Note != nil {
			cur.Note = *p.Note
		}
		if p.Reviewed != nil {
			cur.Reviewed = *p.Reviewed
		}
		if p.CallerName != nil {
			cur.CallerName = *p.CallerName
		}
		stamp = db.nextStamp(updatedAt)
		_, err = tx.Exec(`UPDATE calls SET note = ?, reviewed = ?, caller_name = ?, updated_at = ? WHERE unique_id = ?`,
			cur.Note, boolToInt(cur.Reviewed), cur.CallerName, stamp, uniqueID)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("update call: %w", err)
	}
	return applied, stamp, nil
}

// FetchUpdates returns the employee's calls and the organisation's persons
// changed after since. SyncTime is the newest stamp handed out so far; every
// row written later carries a larger stamp.
func (db *ServerDB) FetchUpdates(orgID, userID string, since int64) (*Updates, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := &Updates{SyncTime: db.last, Calls: []Call{}, Persons: []Person{}}

	rows, err := db.conn.Query(`SELECT `+callColumns+` FROM calls
		WHERE org_id = ? AND user_id = ? AND updated_at > ? ORDER BY updated_at`, orgID, userID, since)
	if err != nil {
		return nil, fmt.Errorf("fetch calls: %w", err)
	}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out.Calls = append(out.Calls, *c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	persons, err := db.queryPersons(`WHERE org_id = ? AND updated_at > ? ORDER BY updated_at`, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("fetch persons: %w", err)
	}
	out.Persons = append(out.Persons, persons...)

	if out.SyncTime < since {
		out.SyncTime = since
	}
	return out, nil
}

// CompletedRecordings maps those of ids whose recording is finalized to
// their recording URL.
func (db *ServerDB) CompletedRecordings(orgID, userID string, ids []string) (map[string]string, error) {
	out := map[string]string{}
	var clean []any
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return out, nil
	}
	args := append([]any{orgID, userID}, clean...)
	rows, err := db.conn.Query(`SELECT unique_id, recording_url FROM calls
		WHERE org_id = ? AND user_id = ? AND upload_status = 'completed' AND recording_url != ''
		AND unique_id IN (?`+strings.Repeat(", ?", len(clean)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("completed recordings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, url string
		if err := rows.Scan(&id, &url); err != nil {
			return nil, err
		}
		out[id] = url
	}
	return out, rows.Err()
}

// CallCount returns how many calls an organisation has.
func (db *ServerDB) CallCount(orgID string) (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM calls WHERE org_id = ?`, orgID).Scan(&n)
	return n, err
}
