// Package domain defines the types and ports for the spool quota service:
// the backpressure controller that watches how much on-disk space the
// gzipped spool batches consume and throttles/pauses writes as usage
// approaches the configured ceiling.
package domain

// State is the quota's backpressure state, computed from used bytes
// against the soft/hard thresholds.
type State string

const (
	StateNormal State = "normal"
	StateSoft   State = "soft"
	StateHard   State = "hard"
)

// Config holds the quota thresholds, derived once from the daemon's
// storage configuration.
type Config struct {
	QuotaBytes   int64
	SoftBytes    int64
	HardBytes    int64
	ScanInterval int64 // seconds; cache TTL for directory scans
	LogIntervalS int64 // seconds; dedup window for backpressure log lines
}

// Usage is a point-in-time snapshot of spool directory usage and state.
type Usage struct {
	UsedBytes      int64
	QuotaBytes     int64
	SoftBytes      int64
	HardBytes      int64
	State          State
	DroppedBatches int64
}

// DoneFile is one entry in the largest-done-files diagnostic: the
// monitor's subdirectory name and the batch filename, never a full path.
type DoneFile struct {
	Monitor  string
	Filename string
	Size     int64
}

// Scanner is the filesystem-facing port the quota service uses to measure
// spool usage and enumerate done-directory files, kept separate from
// Service so tests can swap in an in-memory fake instead of touching disk.
type Scanner interface {
	// UsedBytes walks the spool tree and sums the size of every
	// *.ndjson.gz file that is neither a .part nor a .error sidecar.
	UsedBytes() (int64, error)

	// LargestDoneFiles enumerates *.ndjson.gz files directly under each
	// monitor's _done subdirectory.
	LargestDoneFiles() ([]DoneFile, error)
}
