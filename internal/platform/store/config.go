package store

import "time"

// Config aggregates backend configuration. quietdesk has a single stateful
// backend — an embedded SQLite database file — so there is only one entry
// here, unlike the teacher's multi-backend Config.
type Config struct {
	AppName string

	SQLite SQLiteConfig
}

// SQLiteConfig configures the embedded event store database
type SQLiteConfig struct {
	Enabled bool
	Path    string

	// BusyTimeout bounds how long a writer waits on SQLITE_BUSY before
	// giving up; mirrors sqlite3.connect(..., timeout=...) in the reference
	// implementation
	BusyTimeout time.Duration

	// LogSQL enables per-statement trace logging
	LogSQL bool

	// Guard/boot knobs:
	ConnectRetries int           // default 6
	PingTimeout    time.Duration // default 5s
}
