package serverdb

import (
	"database/sql"
	"fmt"
)

// Person is the organisation-wide note about a phone number.
type Person struct {
	OrgID       string `json:"-"`
	PhoneNumber string `json:"phone_number"`
	Note        string `json:"person_note"`
	Label       string `json:"label"`
	ContactName string `json:"contact_name"`
	UpdatedAt   int64  `json:"updated_at"`
}

func (db *ServerDB) queryPersons(where string, args ...any) ([]Person, error) {
	rows, err := db.conn.Query(`SELECT org_id, phone_number, person_note, label, contact_name, updated_at
		FROM persons `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Person
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.OrgID, &p.PhoneNumber, &p.Note, &p.Label, &p.ContactName, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPerson returns the person for a number, or ErrNotFound.
func (db *ServerDB) GetPerson(orgID, phone string) (*Person, error) {
	ps, err := db.queryPersons(`WHERE org_id = ? AND phone_number = ?`, orgID, digitsOnly(phone))
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("person %s: %w", phone, ErrNotFound)
	}
	return &ps[0], nil
}

// UpdatePerson upserts a person edit made at in.UpdatedAt, keeping the newer
// of the stored and incoming versions. It returns whether the edit applied
// and the row's resulting stamp.
func (db *ServerDB) UpdatePerson(in Person) (bool, int64, error) {
	in.PhoneNumber = digitsOnly(in.PhoneNumber)
	if in.OrgID == "" || in.PhoneNumber == "" {
		return false, 0, fmt.Errorf("org_id and phone_number are required: %w", ErrInvalid)
	}

	applied := false
	var stamp int64
	err := db.write(func(tx *sql.Tx) error {
		var cur int64
		err := tx.QueryRow(`SELECT updated_at FROM persons WHERE org_id = ? AND phone_number = ?`,
			in.OrgID, in.PhoneNumber).Scan(&cur)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return err
		case in.UpdatedAt <= cur:
			stamp = cur
			return nil
		}
		stamp = db.nextStamp(in.UpdatedAt)
		_, err = tx.Exec(`INSERT INTO persons (org_id, phone_number, person_note, label, contact_name, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(org_id, phone_number) DO UPDATE SET
				person_note = excluded.person_note, label = excluded.label,
				contact_name = excluded.contact_name, updated_at = excluded.updated_at`,
			in.OrgID, in.PhoneNumber, in.Note, in.Label, in.ContactName, stamp)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("update person: %w", err)
	}
	return applied, stamp, nil
}
