package db

// SchemaVersion is the current database schema version
const SchemaVersion = 3

const schema = `
-- One row per call observed on this device
CREATE TABLE IF NOT EXISTS calls (
    composite_id TEXT PRIMARY KEY,
    phone_number TEXT NOT NULL DEFAULT '',
    contact_name TEXT NOT NULL DEFAULT '',
    call_type TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    note TEXT NOT NULL DEFAULT '',
    reviewed INTEGER NOT NULL DEFAULT 0,
    metadata_sync_status TEXT NOT NULL DEFAULT 'pending',
    recording_sync_status TEXT NOT NULL DEFAULT 'not_applicable',
    recording_local_path TEXT NOT NULL DEFAULT '',
    recording_remote_url TEXT NOT NULL DEFAULT '',
    local_updated_at INTEGER NOT NULL DEFAULT 0,
    server_updated_at INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    recording_attempts INTEGER NOT NULL DEFAULT 0,
    recording_rejected INTEGER NOT NULL DEFAULT 0
);

-- Per-number aggregate, counters derived from calls
CREATE TABLE IF NOT EXISTS persons (
    phone_number TEXT PRIMARY KEY,
    contact_name TEXT NOT NULL DEFAULT '',
    last_call_type TEXT NOT NULL DEFAULT '',
    last_call_duration INTEGER NOT NULL DEFAULT 0,
    last_call_at INTEGER NOT NULL DEFAULT 0,
    last_call_composite_id TEXT NOT NULL DEFAULT '',
    total_calls INTEGER NOT NULL DEFAULT 0,
    total_incoming INTEGER NOT NULL DEFAULT 0,
    total_outgoing INTEGER NOT NULL DEFAULT 0,
    total_missed INTEGER NOT NULL DEFAULT 0,
    total_duration INTEGER NOT NULL DEFAULT 0,
    note TEXT NOT NULL DEFAULT '',
    label TEXT NOT NULL DEFAULT '',
    needs_sync INTEGER NOT NULL DEFAULT 0,
    local_updated_at INTEGER NOT NULL DEFAULT 0,
    server_updated_at INTEGER NOT NULL DEFAULT 0
);

-- Key/value sync bookkeeping (watermark, last cycle time)
CREATE TABLE IF NOT EXISTS sync_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calls_phone ON calls(phone_number);
CREATE INDEX IF NOT EXISTS idx_calls_metadata ON calls(metadata_sync_status);
CREATE INDEX IF NOT EXISTS idx_calls_recording ON calls(recording_sync_status);
`

// Migration defines a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string

	// AddsColumn guards ALTER TABLE ... ADD COLUMN migrations, which SQLite
	// cannot make idempotent on its own.
	AddsColumn *ColumnRef
}

// ColumnRef names a table column
type ColumnRef struct {
	Table  string
	Column string
}

// Migrations is the list of all database migrations in order
var Migrations = []Migration{
	// Version 1 is the initial schema
	{
		Version:     2,
		Description: "Count recording locate attempts",
		SQL:         `ALTER TABLE calls ADD COLUMN recording_searches INTEGER NOT NULL DEFAULT 0`,
		AddsColumn:  &ColumnRef{Table: "calls", Column: "recording_searches"},
	},
	{
		Version:     3,
		Description: "Server-managed excluded numbers",
		SQL: `
CREATE TABLE IF NOT EXISTS excluded_numbers (
    phone_number TEXT PRIMARY KEY
);
`,
	},
}
