// Package reconcile finds hours and days whose stored summary no longer
// matches their underlying events (late-arriving data, a backfill, or a
// manual edit) and recomputes just those periods. Grounded on
// original_source/lb3/ai/reconcile.py.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/quietdesk/quietdesk/internal/core/analysisrun"
	"github.com/quietdesk/quietdesk/internal/core/inputhash"
	"github.com/quietdesk/quietdesk/internal/core/timebucket"
	"github.com/quietdesk/quietdesk/internal/services/summarize/daily"
	"github.com/quietdesk/quietdesk/internal/services/summarize/hourly"

	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// HourRecomputeStats reports how a batch of mismatched hours was recomputed.
type HourRecomputeStats struct {
	HoursExamined    int
	HoursReprocessed int
	Inserts          int
	Updates          int
}

// DayRecomputeStats reports how a batch of mismatched days was recomputed.
type DayRecomputeStats struct {
	DaysExamined    int
	DaysReprocessed int
	Inserts         int
	Updates         int
}

// FindHourMismatches returns, sorted ascending, every closed hour in
// [sinceMs, untilMs) whose stored hourly_summary input_hash_hex disagrees
// with the hash recomputed from current events, or where one of
// {events, summary} exists without the other.
func FindHourMismatches(ctx context.Context, db store.RowQuerier, sinceMs, untilMs int64, graceMinutes int, nowUTCMs int64) ([]int64, error) {
	hours := timebucket.IterHours(sinceMs, untilMs)
	graceMs := int64(graceMinutes) * 60_000

	gitSHA := analysisrun.CodeGitSHA()
	mismatches := make(map[int64]struct{})

	for _, h := range hours {
		if nowUTCMs < h.End+graceMs {
			continue
		}

		hashResult, err := inputhash.ForHour(ctx, db, h.Start, h.End, gitSHA)
		if err != nil {
			return nil, err
		}
		currentHash := hashResult.HashHex
		hasEvents := hashResult.Count > 0

		storedHashes, err := distinctHourlyInputHashes(ctx, db, h.Start)
		if err != nil {
			return nil, err
		}
		hasSummaries := len(storedHashes) > 0

		switch {
		case hasEvents && !hasSummaries:
			mismatches[h.Start] = struct{}{}
		case hasSummaries && !hasEvents:
			mismatches[h.Start] = struct{}{}
		case hasSummaries && hasEvents:
			if storedHashes[0] != currentHash {
				mismatches[h.Start] = struct{}{}
			}
		}
	}

	return sortedKeys(mismatches), nil
}

func distinctHourlyInputHashes(ctx context.Context, db store.RowQuerier, hourStartMs int64) ([]string, error) {
	rows, err := db.Query(ctx, `SELECT DISTINCT input_hash_hex FROM hourly_summary WHERE hour_utc_start_ms = ?`, hourStartMs)
	if err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "reconcile: query hourly input hashes")
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "reconcile: scan hourly input hash")
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "reconcile: iterate hourly input hashes")
	}
	return hashes, nil
}

// RecomputeHours reprocesses each hour in hstarts via the hourly
// summarizer, one closed-hour call per entry with zero grace (the hours
// named here are already known-closed).
func RecomputeHours(
	ctx context.Context,
	db store.RowQuerier,
	hstarts []int64,
	runID string,
	computedByVersion int,
	idleMode hourly.IdleMode,
	nowUTCMs int64,
) (HourRecomputeStats, error) {
	stats := HourRecomputeStats{HoursExamined: len(hstarts)}

	for _, hstart := range hstarts {
		hend := hstart + hourMs

		result, err := hourly.Summarize(ctx, db, hstart, hend, 0, runID, computedByVersion, idleMode, nowUTCMs)
		if err != nil {
			return stats, err
		}

		stats.Inserts += result.Inserts
		stats.Updates += result.Updates
		if result.Inserts > 0 || result.Updates > 0 {
			stats.HoursReprocessed++
		}
	}

	return stats, nil
}

// FindDayMismatches returns, sorted ascending, every day in dayStarts
// whose stored daily_summary input_hash_hex disagrees with the hash
// recomputed from current hourly_summary rows, or where one of
// {hourly rows, daily summary} exists without the other.
func FindDayMismatches(ctx context.Context, db store.RowQuerier, dayStarts []int64) ([]int64, error) {
	gitSHA := analysisrun.CodeGitSHA()
	mismatches := make(map[int64]struct{})

	for _, dayStart := range dayStarts {
		dayEnd := dayStart + dayMs

		hourlyHashes, err := hourlyInputHashesForDay(ctx, db, dayStart, dayEnd)
		if err != nil {
			return nil, err
		}
		dailyHashes, err := distinctDailyInputHashes(ctx, db, dayStart)
		if err != nil {
			return nil, err
		}

		var expectedHash string
		if len(hourlyHashes) > 0 {
			expectedHash = dayInputHash(hourlyHashes, gitSHA)
		}

		switch {
		case len(hourlyHashes) > 0 && len(dailyHashes) == 0:
			mismatches[dayStart] = struct{}{}
		case len(dailyHashes) > 0 && len(hourlyHashes) == 0:
			mismatches[dayStart] = struct{}{}
		case len(dailyHashes) > 0 && len(hourlyHashes) > 0:
			if dailyHashes[0] != expectedHash {
				mismatches[dayStart] = struct{}{}
			}
		}
	}

	return sortedKeys(mismatches), nil
}

func hourlyInputHashesForDay(ctx context.Context, db store.RowQuerier, dayStart, dayEnd int64) ([]string, error) {
	rows, err := db.Query(ctx, `SELECT input_hash_hex FROM hourly_summary
		WHERE hour_utc_start_ms >= ? AND hour_utc_start_ms < ?
		GROUP BY hour_utc_start_ms
		ORDER BY hour_utc_start_ms`, dayStart, dayEnd)
	if err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "reconcile: query hourly hashes for day")
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "reconcile: scan hourly hash for day")
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "reconcile: iterate hourly hashes for day")
	}
	return hashes, nil
}

func distinctDailyInputHashes(ctx context.Context, db store.RowQuerier, dayStartMs int64) ([]string, error) {
	rows, err := db.Query(ctx, `SELECT DISTINCT input_hash_hex FROM daily_summary WHERE day_utc_start_ms = ?`, dayStartMs)
	if err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "reconcile: query daily input hashes")
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "reconcile: scan daily input hash")
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "reconcile: iterate daily input hashes")
	}
	return hashes, nil
}

// RecomputeDays reprocesses every day in dayStarts by calling the daily
// summarizer once over [min(dayStarts), max(dayStarts)+1day), matching
// the original's batching (a single summarise_days call spanning the
// requested days rather than one call per day).
func RecomputeDays(ctx context.Context, db store.RowQuerier, dayStarts []int64, runID string, computedByVersion int, nowUTCMs int64) (DayRecomputeStats, error) {
	if len(dayStarts) == 0 {
		return DayRecomputeStats{}, nil
	}

	minDay, maxDay := dayStarts[0], dayStarts[0]
	for _, d := range dayStarts {
		if d < minDay {
			minDay = d
		}
		if d > maxDay {
			maxDay = d
		}
	}
	untilDay := maxDay + dayMs

	result, err := daily.Summarize(ctx, db, minDay, untilDay, runID, computedByVersion, nowUTCMs)
	if err != nil {
		return DayRecomputeStats{}, err
	}

	stats := DayRecomputeStats{
		DaysExamined: len(dayStarts),
		Inserts:      result.Inserts,
		Updates:      result.Updates,
	}
	if result.Inserts > 0 || result.Updates > 0 {
		stats.DaysReprocessed = result.DaysProcessed
	}
	return stats, nil
}

// dayInputHash duplicates internal/services/summarize/daily's hash
// formula (hour hashes joined chronologically, git sha appended) so a
// mismatch check never has to import the summarizer's internals.
func dayInputHash(hourHashes []string, gitSHA string) string {
	gitPart := gitSHA
	if gitPart == "" {
		gitPart = "-"
	}
	canonical := strings.Join(hourHashes, "|") + "|git:" + gitPart
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func sortedKeys(m map[int64]struct{}) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

const (
	hourMs = 3_600_000
	dayMs  = 86_400_000
)
