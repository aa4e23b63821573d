// Package eventstore owns the embedded SQLite schema quietdesk records
// activity telemetry into: the base dimension/fact tables from schema
// version 1 plus the analysis tables added by later migrations.
package eventstore

// LatestSchemaVersion is the schema_version row quietdesk brings a fresh
// database up to. Keep in sync with the last entry in migrations.go.
const LatestSchemaVersion = 6

// baseSchema creates the version-1 tables: one row per session, the five
// dimension tables (apps, windows, files, urls keyed by privacy-preserving
// hash, sessions keyed by run), and the append-only events fact table.
//
// The events.monitor CHECK constraint adds "heartbeat" to the six monitors
// the reference schema recognized; the reference spool format emits
// heartbeat events but the original schema's CHECK would have rejected
// them, so any row for that monitor could never have been written there.
const baseSchema = `
CREATE TABLE IF NOT EXISTS sessions(
	id TEXT PRIMARY KEY,
	started_at_utc INTEGER NOT NULL,
	os TEXT,
	hostname TEXT,
	app_version TEXT
);

CREATE TABLE IF NOT EXISTS apps(
	id TEXT PRIMARY KEY,
	exe_name TEXT,
	exe_path_hash TEXT,
	first_seen_utc INTEGER,
	last_seen_utc INTEGER
);

CREATE TABLE IF NOT EXISTS windows(
	id TEXT PRIMARY KEY,
	app_id TEXT,
	title_hash TEXT,
	first_seen_utc INTEGER,
	last_seen_utc INTEGER
);

CREATE TABLE IF NOT EXISTS files(
	id TEXT PRIMARY KEY,
	path_hash TEXT,
	ext TEXT,
	first_seen_utc INTEGER,
	last_seen_utc INTEGER
);

CREATE TABLE IF NOT EXISTS urls(
	id TEXT PRIMARY KEY,
	url_hash TEXT,
	domain_hash TEXT,
	first_seen_utc INTEGER,
	last_seen_utc INTEGER
);

CREATE TABLE IF NOT EXISTS events(
	id TEXT PRIMARY KEY,
	ts_utc INTEGER NOT NULL,
	monitor TEXT NOT NULL CHECK(monitor IN (
		'active_window','context_snapshot','keyboard','mouse','browser','file','heartbeat'
	)),
	action TEXT NOT NULL,
	subject_type TEXT NOT NULL CHECK(subject_type IN ('app','window','file','url','none')),
	subject_id TEXT,
	session_id TEXT NOT NULL,
	batch_id TEXT,
	pid INTEGER,
	exe_name TEXT,
	exe_path_hash TEXT,
	window_title_hash TEXT,
	url_hash TEXT,
	file_path_hash TEXT,
	attrs_json TEXT
);

CREATE TABLE IF NOT EXISTS schema_version(
	version INTEGER NOT NULL
);
`

const indexSchema = `
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_utc);
CREATE INDEX IF NOT EXISTS idx_events_monitor_ts ON events(monitor, ts_utc);
CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject_type, subject_id);
CREATE INDEX IF NOT EXISTS idx_apps_exe ON apps(exe_name);
CREATE INDEX IF NOT EXISTS idx_windows_app ON windows(app_id);
`

// baseTables and baseIndexes back the health check's existence probe.
var baseTables = []string{"apps", "events", "files", "sessions", "urls", "windows"}

var baseIndexes = []string{
	"idx_apps_exe",
	"idx_events_monitor_ts",
	"idx_events_subject",
	"idx_events_ts",
	"idx_windows_app",
}
