package db

import (
	"database/sql"
	"fmt"
)

// columnExists checks whether a column exists on a table
func (db *DB) columnExists(table, column string) (bool, error) {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// GetSchemaVersion returns the current schema version, 0 for a fresh database.
func (db *DB) GetSchemaVersion() (int, error) {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err != nil {
		// Missing row or missing table both mean "never migrated"
		return 0, nil
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v, nil
}

func (db *DB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

// RunMigrations brings the schema up to SchemaVersion and returns how many
// migrations ran.
func (db *DB) RunMigrations() (int, error) {
	// Quick check without lock - if already at current version, skip
	if v, _ := db.GetSchemaVersion(); v >= SchemaVersion {
		return 0, nil
	}

	var n int
	err := db.withWriteLock(func() error {
		var err error
		n, err = db.runMigrationsInternal()
		return err
	})
	return n, err
}

func (db *DB) runMigrationsInternal() (int, error) {
	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_info: %w", err)
	}
	if _, err := db.conn.Exec(schema); err != nil {
		return 0, fmt.Errorf("create schema: %w", err)
	}

	current, err := db.GetSchemaVersion()
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	if current == 0 {
		// Fresh database: the base schema is version 1
		current = 1
	}

	ran := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		if ref := m.AddsColumn; ref != nil {
			exists, err := db.columnExists(ref.Table, ref.Column)
			if err != nil {
				return ran, fmt.Errorf("check column %s.%s: %w", ref.Table, ref.Column, err)
			}
			if exists {
				if err := db.setSchemaVersion(m.Version); err != nil {
					return ran, fmt.Errorf("set version %d: %w", m.Version, err)
				}
				ran++
				continue
			}
		}
		if _, err := db.conn.Exec(m.SQL); err != nil {
			return ran, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := db.setSchemaVersion(m.Version); err != nil {
			return ran, fmt.Errorf("set version %d: %w", m.Version, err)
		}
		ran++
	}

	if err := db.setSchemaVersion(SchemaVersion); err != nil {
		return ran, err
	}
	return ran, nil
}
