// Package idgen generates the identifiers quietdesk persists: monotonic
// ULIDs for rows that benefit from being time-sortable (sessions, apps,
// windows, files, urls, events), opaque uuid4 strings for run-scoped
// identifiers (run_id, advice_id, report_id, digest_id), and crypto/rand
// hex strings for advisory lock owner tokens.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ulidFactory serializes access to a monotonic ULID entropy source so
// concurrently-generated ids stay strictly increasing even when two are
// minted within the same millisecond
type ulidFactory struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var factory = &ulidFactory{}

func (f *ulidFactory) new() ulid.ULID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entropy == nil {
		f.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	return ulid.MustNew(ulid.Timestamp(time.Now()), f.entropy)
}

// NewULID returns a new monotonic, time-sortable 26-character ULID string
func NewULID() string { return factory.new().String() }

// NewRunID returns a new uuid4 hex string (no dashes) for analysis_run.run_id,
// advice_id, report_id, and digest_id
func NewRunID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NewLockOwner returns a new 32-character hex owner token for an advisory
// lock row, matching the entropy width of a 16-byte random token
func NewLockOwner() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read on the default reader never fails in practice;
		// fall back to a uuid4's raw bytes if it somehow does
		u := uuid.New()
		return hex.EncodeToString(u[:])
	}
	return hex.EncodeToString(b[:])
}

// IsValidULID reports whether s parses as a ULID
func IsValidULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
