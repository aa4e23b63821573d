// Package inputhash computes the change-detection fingerprint the hourly
// and daily summarizers stash alongside each metric row, so a reconcile
// pass can tell whether the underlying events actually changed since the
// value was last computed.
package inputhash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// Stats summarizes the events rows an hour window's input hash covers.
type Stats struct {
	Count   int64
	MinTS   int64
	MaxTS   int64
	FirstID string
	LastID  string
	HashHex string
}

// ForHour computes the input hash for events in [hstartMs, hendMs), reading
// count/min/max/first/last directly from the events table. codeGitSHA may
// be empty, folded to "-" in the canonical string exactly as the reference
// calc_input_hash_for_hour does.
func ForHour(ctx context.Context, db store.RowQuerier, hstartMs, hendMs int64, codeGitSHA string) (Stats, error) {
	var (
		count           int64
		minTS, maxTS    int64
		firstID, lastID string
	)
	row := db.QueryRow(ctx, `SELECT
		COUNT(*), COALESCE(MIN(ts_utc), 0), COALESCE(MAX(ts_utc), 0),
		COALESCE(MIN(id), ''), COALESCE(MAX(id), '')
		FROM events WHERE ts_utc >= ? AND ts_utc < ?`, hstartMs, hendMs)
	if err := row.Scan(&count, &minTS, &maxTS, &firstID, &lastID); err != nil {
		return Stats{}, fmt.Errorf("inputhash: query hour stats: %w", err)
	}

	return Stats{
		Count:   count,
		MinTS:   minTS,
		MaxTS:   maxTS,
		FirstID: firstID,
		LastID:  lastID,
		HashHex: Canonical(count, minTS, maxTS, firstID, lastID, codeGitSHA),
	}, nil
}

// Canonical computes the sha256 hex digest of the exact canonical string
// the reference implementation hashes:
// "events|{count}|{min_ts}|{max_ts}|{first_id}|{last_id}|git:{sha or -}".
func Canonical(count, minTS, maxTS int64, firstID, lastID, codeGitSHA string) string {
	gitPart := codeGitSHA
	if gitPart == "" {
		gitPart = "-"
	}
	canonical := fmt.Sprintf("events|%d|%d|%d|%s|%s|git:%s", count, minTS, maxTS, firstID, lastID, gitPart)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
