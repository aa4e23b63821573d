// Package domain defines the types and ports for the spool service: the
// per-monitor append-only journal writer that stages events to disk before
// the importer picks them up.
package domain

import "time"

// Event is one journal line: the on-disk shape of an event before it is
// imported into the event store. Field names and json tags mirror the
// event store's own column names so the importer can decode a line
// straight into an insert.
type Event struct {
	ID              string  `json:"id" validate:"required,len=26"`
	TSUtc           int64   `json:"ts_utc" validate:"required"`
	Monitor         string  `json:"monitor" validate:"required,oneof=active_window context_snapshot keyboard mouse browser file heartbeat"`
	Action          string  `json:"action" validate:"required"`
	SubjectType     string  `json:"subject_type" validate:"required,oneof=app window file url none"`
	SubjectID       *string `json:"subject_id,omitempty"`
	SessionID       string  `json:"session_id" validate:"required,len=26"`
	BatchID         *string `json:"batch_id,omitempty"`
	PID             *int64  `json:"pid,omitempty"`
	ExeName         *string `json:"exe_name,omitempty"`
	ExePathHash     *string `json:"exe_path_hash,omitempty"`
	WindowTitleHash *string `json:"window_title_hash,omitempty"`
	URLHash         *string `json:"url_hash,omitempty"`
	FilePathHash    *string `json:"file_path_hash,omitempty"`
	AttrsJSON       *string `json:"attrs_json,omitempty"`
}

// LowPriorityMonitors are dropped first from the in-memory backpressure
// buffer when it would otherwise exceed its byte cap.
var LowPriorityMonitors = map[string]bool{
	"heartbeat":        true,
	"context_snapshot": true,
}

// Config configures a Service's journal rollover and idle-flush behavior.
type Config struct {
	SpoolDir             string
	MaxUncompressedBytes int64         // per-file rollover threshold; default 8 MiB
	IdleTimeout          time.Duration // default 1.5s
	MaxBufferBytes       int64         // per-monitor in-memory cap while HARD backpressure applies
}

// DefaultMaxUncompressedBytes is the spooler's size-rollover threshold.
const DefaultMaxUncompressedBytes = 8 * 1024 * 1024

// DefaultIdleTimeout is how long a journal file sits unwritten before
// FlushIdle closes it.
const DefaultIdleTimeout = 1500 * time.Millisecond

// DefaultMaxBufferBytes bounds the in-memory backpressure buffer per
// monitor before the low-priority drop policy kicks in.
const DefaultMaxBufferBytes = 1 * 1024 * 1024

// BackpressureChecker is the quota-service port the spool service consults
// before every write. Satisfied by internal/services/quota/service.Service.
type BackpressureChecker interface {
	Backpressure() (apply bool, delay *time.Duration, err error)
}
