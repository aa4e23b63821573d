// Package domain defines the types and ports for the importer: the
// component that moves finalized spool journals into the event store and
// archives them under spool/_done.
package domain

import (
	"context"

	quotadomain "github.com/quietdesk/quietdesk/internal/services/quota/domain"
	spooldomain "github.com/quietdesk/quietdesk/internal/services/spool/domain"
)

// KnownMonitors is the allow-list of monitor directory names the importer
// processes; anything else is skipped and logged once.
var KnownMonitors = map[string]bool{
	"active_window":    true,
	"context_snapshot": true,
	"keyboard":         true,
	"mouse":            true,
	"browser":          true,
	"file":             true,
	"heartbeat":        true,
}

// FileStats is the per-file import tally.
type FileStats struct {
	EventsImported    int
	DuplicatesSkipped int
	InvalidEvents     int
}

// MonitorStats is the per-monitor import tally returned by FlushMonitor.
type MonitorStats struct {
	Monitor           string
	FilesProcessed    int
	EventsImported    int
	DuplicatesSkipped int
	InvalidEvents     int
	FilesWithErrors   int
	DurationSeconds   float64
	EventsPerMinute   float64
	Errors            []string
}

// OverallStats aggregates MonitorStats across every known monitor.
type OverallStats struct {
	TotalFilesProcessed    int
	TotalEventsImported    int
	TotalDuplicatesSkipped int
	TotalInvalidEvents     int
	TotalDurationSeconds   float64
	OverallEventsPerMinute float64
	TotalFilesWithErrors   int
	MonitorStats           map[string]MonitorStats
}

// TrimStats reports the outcome of trimming archived journals under
// spool/_done back under the quota's soft threshold.
type TrimStats struct {
	FilesTrimmed int
	BytesFreed   int64
	TrimErrors   []string
}

// Repo is the event-store write port the importer batches inserts
// through. Satisfied by internal/services/importer/repo.EventRepo.
type Repo interface {
	// InsertEventBatch inserts events with INSERT OR IGNORE semantics,
	// returning how many rows were newly inserted vs. already present.
	InsertEventBatch(ctx context.Context, events []spooldomain.Event) (inserted, duplicates int, err error)
}

// QuotaPort is the subset of the quota service the importer consults
// after archiving a file and when trimming spool/_done. Satisfied by
// internal/services/quota/service.Service.
type QuotaPort interface {
	UpdateUsageOnFileOp(delta int64)
	Usage() (quotadomain.Usage, error)
	CheckRecovery() (bool, error)
}
