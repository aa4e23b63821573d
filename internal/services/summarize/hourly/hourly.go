// Package hourly computes per-hour activity metrics (focus/idle minutes,
// input counts, context switches, deep-focus blocks) and upserts them into
// hourly_summary/hourly_evidence with true idempotency: a recompute that
// lands on the same significant values leaves created_utc_ms/run_id alone.
// Grounded on original_source/lb3/ai/summarise.py's summarise_hours.
package hourly

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"github.com/quietdesk/quietdesk/internal/core/analysisrun"
	"github.com/quietdesk/quietdesk/internal/core/inputhash"
	"github.com/quietdesk/quietdesk/internal/core/session"
	"github.com/quietdesk/quietdesk/internal/core/timebucket"
	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// IdleMode selects how idle_minutes is derived from focus_minutes.
type IdleMode string

const (
	// IdleModeSimple treats every non-focused minute in the hour as idle.
	IdleModeSimple IdleMode = "simple"
	// IdleModeSessionGap additionally clamps idle to [0, 60], matching the
	// reference's "session-gap" branch (arithmetically identical to simple
	// given focus_minutes is itself already clamped to [0, 60]).
	IdleModeSessionGap IdleMode = "session-gap"
)

// Stats reports how many hours summarise_hours touched.
type Stats struct {
	HoursProcessed   int
	Inserts          int
	Updates          int
	SkippedOpenHours int
}

// TopApp is one entry of the top-apps-by-minutes evidence for an hour.
type TopApp struct {
	AppID   string  `json:"app_id"`
	Minutes float64 `json:"minutes"`
}

// Summarize computes and upserts hourly metrics for every closed hour in
// [sinceUTCMs, untilUTCMs). An hour is "open" (skipped) while nowUTCMs is
// still within graceMinutes of its end, so a hot-running partial hour
// never gets a premature metric computed from incomplete data.
func Summarize(
	ctx context.Context,
	db store.RowQuerier,
	sinceUTCMs, untilUTCMs int64,
	graceMinutes int,
	runID string,
	computedByVersion int,
	idleMode IdleMode,
	nowUTCMs int64,
) (Stats, error) {
	hours := timebucket.IterHours(sinceUTCMs, untilUTCMs)

	var closedHours []timebucket.Window
	skipped := 0
	graceMs := int64(graceMinutes) * 60_000
	for _, h := range hours {
		if nowUTCMs < h.End+graceMs {
			skipped++
		} else {
			closedHours = append(closedHours, h)
		}
	}

	var stats Stats
	stats.SkippedOpenHours = skipped
	if len(closedHours) == 0 {
		return stats, nil
	}

	earliest := closedHours[0].Start
	latest := closedHours[0].End
	for _, h := range closedHours {
		if h.Start < earliest {
			earliest = h.Start
		}
		if h.End > latest {
			latest = h.End
		}
	}

	allSessions, err := session.BuildWindowSessions(ctx, db, earliest, latest, 0)
	if err != nil {
		return stats, err
	}

	gitSHA := analysisrun.CodeGitSHA()

	for _, h := range closedHours {
		if err := summarizeOneHour(ctx, db, h, allSessions, runID, computedByVersion, idleMode, gitSHA, nowUTCMs, &stats); err != nil {
			return stats, err
		}
	}

	stats.HoursProcessed = len(closedHours)
	return stats, nil
}

func summarizeOneHour(
	ctx context.Context,
	db store.RowQuerier,
	h timebucket.Window,
	allSessions []session.Window,
	runID string,
	computedByVersion int,
	idleMode IdleMode,
	gitSHA string,
	nowMs int64,
	stats *Stats,
) error {
	hashResult, err := inputhash.ForHour(ctx, db, h.Start, h.End, gitSHA)
	if err != nil {
		return err
	}

	var hourSessions []session.Window
	for _, s := range allSessions {
		start := maxInt64(s.StartMs, h.Start)
		end := minInt64(s.EndMs, h.End)
		if start < end {
			hourSessions = append(hourSessions, session.Window{StartMs: start, EndMs: end, WindowID: s.WindowID, AppID: s.AppID})
		}
	}

	var focusMinutesRaw float64
	for _, s := range hourSessions {
		focusMinutesRaw += float64(s.EndMs-s.StartMs) / 60000.0
	}
	focusMinutes := round2(clamp(focusMinutesRaw, 0, 60))

	keyboardEvents, err := countEvents(ctx, db, "keyboard", h.Start, h.End)
	if err != nil {
		return err
	}
	mouseEvents, err := countEvents(ctx, db, "mouse", h.Start, h.End)
	if err != nil {
		return err
	}

	contextSwitches := session.CountContextSwitches(allSessions, h.Start, h.End)

	var idleMinutes float64
	switch idleMode {
	case IdleModeSessionGap:
		idleMinutes = round2(clamp(60.0-focusMinutes, 0, 60))
	default:
		idleMinutes = round2(math.Max(0, 60.0-focusMinutes))
	}

	deepFocusMinutes := round2(clamp(deepFocusMinutesOf(hourSessions), 0, 60))
	coverageRatio := round4(math.Min(1.0, focusMinutes/60.0))

	type metricRow struct {
		key        string
		value      float64
		rowCount   int64
		coverage   float64
	}
	metrics := []metricRow{
		{"focus_minutes", focusMinutes, int64(len(hourSessions)), coverageRatio},
		{"idle_minutes", idleMinutes, int64(len(hourSessions)), coverageRatio},
		{"keyboard_events", float64(keyboardEvents), keyboardEvents, 1.0},
		{"mouse_events", float64(mouseEvents), mouseEvents, 1.0},
		{"context_switches", float64(contextSwitches), int64(len(hourSessions)), coverageRatio},
		{"deep_focus_minutes", deepFocusMinutes, int64(len(hourSessions)), coverageRatio},
	}

	for _, m := range metrics {
		ins, upd, err := upsertMetric(ctx, db, h.Start, m.key, m.value, m.rowCount, m.coverage, hashResult.HashHex, runID, computedByVersion, nowMs)
		if err != nil {
			return err
		}
		stats.Inserts += ins
		stats.Updates += upd
	}

	evidence := topAppEvidence(hourSessions)
	evidenceJSON, err := marshalEvidence(evidence)
	if err != nil {
		return err
	}
	if err := upsertEvidence(ctx, db, h.Start, "top_app_minutes", evidenceJSON); err != nil {
		return err
	}

	return nil
}

func countEvents(ctx context.Context, db store.RowQuerier, monitor string, startMs, endMs int64) (int64, error) {
	var n int64
	row := db.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE monitor = ? AND ts_utc >= ? AND ts_utc < ?`,
		monitor, startMs, endMs)
	if err := row.Scan(&n); err != nil {
		return 0, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "hourly: count events")
	}
	return n, nil
}

// upsertMetric applies the reference's true-idempotency rule: compare the
// rounded significant columns (value, row count, coverage, input hash,
// computed_by_version) against what's stored; only touch the row, and only
// bump run_id/updated_utc_ms, when something actually changed.
func upsertMetric(
	ctx context.Context,
	db store.RowQuerier,
	hourStartMs int64,
	metricKey string,
	value float64,
	rowCount int64,
	coverage float64,
	hashHex, runID string,
	computedByVersion int,
	nowMs int64,
) (inserted, updated int, err error) {
	var existingValue, existingCoverage float64
	var existingRowCount int64
	var existingHash string
	var existingVersion int
	row := db.QueryRow(ctx, `SELECT value_num, input_row_count, coverage_ratio, input_hash_hex, computed_by_version
		FROM hourly_summary WHERE hour_utc_start_ms = ? AND metric_key = ?`, hourStartMs, metricKey)
	scanErr := row.Scan(&existingValue, &existingRowCount, &existingCoverage, &existingHash, &existingVersion)

	if scanErr == nil {
		unchanged := round2(existingValue) == round2(value) &&
			existingRowCount == rowCount &&
			round4(existingCoverage) == round4(coverage) &&
			existingHash == hashHex &&
			existingVersion == computedByVersion
		if unchanged {
			return 0, 0, nil
		}
		_, err = db.Exec(ctx, `UPDATE hourly_summary
			SET value_num = ?, input_row_count = ?, coverage_ratio = ?, input_hash_hex = ?,
				run_id = ?, computed_by_version = ?, updated_utc_ms = ?
			WHERE hour_utc_start_ms = ? AND metric_key = ?`,
			value, rowCount, coverage, hashHex, runID, computedByVersion, nowMs, hourStartMs, metricKey)
		if err != nil {
			return 0, 0, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "hourly: update metric")
		}
		return 0, 1, nil
	}

	_, err = db.Exec(ctx, `INSERT INTO hourly_summary (
		hour_utc_start_ms, metric_key, value_num, input_row_count, coverage_ratio,
		run_id, input_hash_hex, created_utc_ms, updated_utc_ms, computed_by_version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hourStartMs, metricKey, value, rowCount, coverage, runID, hashHex, nowMs, nowMs, computedByVersion)
	if err != nil {
		return 0, 0, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "hourly: insert metric")
	}
	return 1, 0, nil
}

func upsertEvidence(ctx context.Context, db store.RowQuerier, hourStartMs int64, metricKey, evidenceJSON string) error {
	var existing string
	row := db.QueryRow(ctx, `SELECT evidence_json FROM hourly_evidence WHERE hour_utc_start_ms = ? AND metric_key = ?`,
		hourStartMs, metricKey)
	err := row.Scan(&existing)
	if err == nil {
		if existing == evidenceJSON {
			return nil
		}
		_, err = db.Exec(ctx, `UPDATE hourly_evidence SET evidence_json = ? WHERE hour_utc_start_ms = ? AND metric_key = ?`,
			evidenceJSON, hourStartMs, metricKey)
		if err != nil {
			return platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "hourly: update evidence")
		}
		return nil
	}
	_, err = db.Exec(ctx, `INSERT INTO hourly_evidence (hour_utc_start_ms, metric_key, evidence_json) VALUES (?, ?, ?)`,
		hourStartMs, metricKey, evidenceJSON)
	if err != nil {
		return platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "hourly: insert evidence")
	}
	return nil
}

// deepFocusMinutesOf finds the longest run of time-adjacent sessions that
// share the same app_id, mirroring summarise.py's
// _calculate_deep_focus_minutes (sessions sorted by start, a block extends
// while consecutive sessions touch end-to-start with the same app).
func deepFocusMinutesOf(hourSessions []session.Window) float64 {
	if len(hourSessions) == 0 {
		return 0
	}
	sorted := make([]session.Window, len(hourSessions))
	copy(sorted, hourSessions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartMs < sorted[j].StartMs })

	var maxDuration int64
	blockStart := sorted[0].StartMs
	blockEnd := sorted[0].EndMs
	blockApp := sorted[0].AppID

	flush := func() {
		if d := blockEnd - blockStart; d > maxDuration {
			maxDuration = d
		}
	}

	for _, s := range sorted[1:] {
		if sameApp(blockApp, s.AppID) && blockEnd == s.StartMs {
			blockEnd = s.EndMs
			continue
		}
		flush()
		blockStart, blockEnd, blockApp = s.StartMs, s.EndMs, s.AppID
	}
	flush()

	return float64(maxDuration) / 60000.0
}

func sameApp(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// topAppEvidence ranks the top 3 apps by focused minutes in hourSessions.
func topAppEvidence(hourSessions []session.Window) []TopApp {
	totals := make(map[string]float64)
	order := make([]string, 0)
	for _, s := range hourSessions {
		if s.AppID == nil {
			continue
		}
		if _, ok := totals[*s.AppID]; !ok {
			order = append(order, *s.AppID)
		}
		totals[*s.AppID] += float64(s.EndMs-s.StartMs) / 60000.0
	}
	apps := make([]TopApp, 0, len(order))
	for _, appID := range order {
		apps = append(apps, TopApp{AppID: appID, Minutes: round2(totals[appID])})
	}
	sort.Slice(apps, func(i, j int) bool {
		if apps[i].Minutes != apps[j].Minutes {
			return apps[i].Minutes > apps[j].Minutes
		}
		return apps[i].AppID < apps[j].AppID
	})
	if len(apps) > 3 {
		apps = apps[:3]
	}
	return apps
}

func marshalEvidence(evidence []TopApp) (string, error) {
	if evidence == nil {
		evidence = []TopApp{}
	}
	b, err := json.Marshal(evidence)
	if err != nil {
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "hourly: marshal evidence")
	}
	return string(b), nil
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
func round4(f float64) float64 { return math.Round(f*10000) / 10000 }

func clamp(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

