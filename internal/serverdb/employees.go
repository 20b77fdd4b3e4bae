package serverdb

import (
	"database/sql"
	"fmt"
	"strings"
)

// Employee is a user of an organisation who syncs from one device.
type Employee struct {
	OrgID      string `json:"org_id"`
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	PairedAt   int64  `json:"paired_at,omitempty"`
}

// AddEmployee creates or renames an employee.
func (db *ServerDB) AddEmployee(orgID, userID, name string) (*Employee, error) {
	orgID, userID = strings.TrimSpace(orgID), strings.TrimSpace(userID)
	if orgID == "" || userID == "" {
		return nil, fmt.Errorf("org id and user id are required: %w", ErrInvalid)
	}
	err := db.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO employees (org_id, user_id, name) VALUES (?, ?, ?)
			ON CONFLICT(org_id, user_id) DO UPDATE SET name = excluded.name`, orgID, userID, name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("add employee: %w", err)
	}
	return db.GetEmployee(orgID, userID)
}

// GetEmployee returns an employee or ErrNotFound.
func (db *ServerDB) GetEmployee(orgID, userID string) (*Employee, error) {
	e := &Employee{}
	err := db.conn.QueryRow(`SELECT org_id, user_id, name, device_id, device_name, paired_at
		FROM employees WHERE org_id = ? AND user_id = ?`, orgID, userID).
		Scan(&e.OrgID, &e.UserID, &e.Name, &e.DeviceID, &e.DeviceName, &e.PairedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("employee %s/%s: %w", orgID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get employee: %w", err)
	}
	return e, nil
}

// ListEmployees returns every employee of an organisation.
func (db *ServerDB) ListEmployees(orgID string) ([]Employee, error) {
	rows, err := db.conn.Query(`SELECT org_id, user_id, name, device_id, device_name, paired_at
		FROM employees WHERE org_id = ? ORDER BY user_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()

	var out []Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.OrgID, &e.UserID, &e.Name, &e.DeviceID, &e.DeviceName, &e.PairedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PairDevice binds deviceID to the employee. An employee has one device: a
// new pairing replaces the old one, and the device is released from any
// other employee of the organisation.
func (db *ServerDB) PairDevice(orgID, userID, deviceID, deviceName string) (*Employee, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required: %w", ErrInvalid)
	}
	if _, err := db.GetEmployee(orgID, userID); err != nil {
		return nil, err
	}
	err := db.write(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE employees SET device_id = '', device_name = '', paired_at = 0
			WHERE org_id = ? AND device_id = ? AND user_id != ?`, orgID, deviceID, userID); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE employees SET device_id = ?, device_name = ?, paired_at = ?
			WHERE org_id = ? AND user_id = ?`, deviceID, deviceName, db.now(), orgID, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pair device: %w", err)
	}
	return db.GetEmployee(orgID, userID)
}

// VerifyDevice checks that the employee exists and is paired with deviceID.
func (db *ServerDB) VerifyDevice(orgID, userID, deviceID string) (*Employee, error) {
	e, err := db.GetEmployee(orgID, userID)
	if err != nil {
		return nil, err
	}
	if e.DeviceID == "" {
		return nil, ErrNotPaired
	}
	if e.DeviceID != deviceID {
		return nil, ErrDeviceMismatch
	}
	return e, nil
}

// SetExcludedNumbers replaces the numbers an organisation never syncs.
func (db *ServerDB) SetExcludedNumbers(orgID string, phones []string) error {
	return db.write(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM excluded_numbers WHERE org_id = ?`, orgID); err != nil {
			return err
		}
		for _, p := range phones {
			p = digitsOnly(p)
			if p == "" {
				continue
			}
			if _, err := tx.Exec(`INSERT OR IGNORE INTO excluded_numbers (org_id, phone_number) VALUES (?, ?)`, orgID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExcludedNumbers lists an organisation's excluded numbers.
func (db *ServerDB) ExcludedNumbers(orgID string) ([]string, error) {
	rows, err := db.conn.Query(`SELECT phone_number FROM excluded_numbers WHERE org_id = ? ORDER BY phone_number`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
