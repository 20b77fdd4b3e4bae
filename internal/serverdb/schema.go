package serverdb

// ServerSchemaVersion is the current server database schema version
const ServerSchemaVersion = 3

const serverSchema = `
-- Employees; each is bound to at most one device
CREATE TABLE IF NOT EXISTS employees (
    org_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL DEFAULT '',
    device_name TEXT NOT NULL DEFAULT '',
    paired_at INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (org_id, user_id)
);

-- Calls announced by devices
CREATE TABLE IF NOT EXISTS calls (
    unique_id TEXT PRIMARY KEY,
    org_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    caller_number TEXT NOT NULL,
    caller_name TEXT NOT NULL DEFAULT '',
    call_type TEXT NOT NULL,
    call_time INTEGER NOT NULL,
    duration INTEGER NOT NULL DEFAULT 0,
    note TEXT NOT NULL DEFAULT '',
    reviewed INTEGER NOT NULL DEFAULT 0,
    upload_status TEXT NOT NULL DEFAULT 'pending',
    recording_url TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Per-number notes shared across an organisation
CREATE TABLE IF NOT EXISTS persons (
    org_id TEXT NOT NULL,
    phone_number TEXT NOT NULL,
    person_note TEXT NOT NULL DEFAULT '',
    label TEXT NOT NULL DEFAULT '',
    contact_name TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (org_id, phone_number)
);

-- Schema info table
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_calls_device_updated ON calls(org_id, device_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_calls_number ON calls(org_id, caller_number);
CREATE INDEX IF NOT EXISTS idx_persons_updated ON persons(org_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_employees_device ON employees(device_id);
`

// Migration defines a server database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all server database migrations in order
var Migrations = []Migration{
	{
		Version:     2,
		Description: "Add excluded_numbers table",
		SQL: `CREATE TABLE IF NOT EXISTS excluded_numbers (
    org_id TEXT NOT NULL,
    phone_number TEXT NOT NULL,
    PRIMARY KEY (org_id, phone_number)
);`,
	},
	{
		Version:     3,
		Description: "Add device_phone to calls",
		SQL:         `ALTER TABLE calls ADD COLUMN device_phone TEXT NOT NULL DEFAULT '';`,
	},
}
