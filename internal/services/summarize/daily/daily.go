// Package daily rolls hourly_summary rows up into daily_summary: one row
// per metric per UTC day, summing values and tracking how many of the
// day's hours were low-confidence. Grounded on
// original_source/lb3/ai/summarise_days.py's summarise_days.
package daily

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/quietdesk/quietdesk/internal/core/analysisrun"
	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// LowConfidenceCoverageThreshold is the coverage_ratio below which an
// hour counts toward a day's low_conf_hours tally.
const LowConfidenceCoverageThreshold = 0.6

const msPerDay = 86_400_000

// Stats reports how many days summarise_days touched.
type Stats struct {
	DaysProcessed int
	Inserts       int
	Updates       int
}

type hourlyRow struct {
	hourStartMs int64
	valueNum    float64
	coverage    float64
	inputHash   string
}

// Summarize aggregates hourly_summary rows into daily_summary for every
// UTC day in [sinceDayStartMs, untilDayStartMs). Both bounds must already
// be UTC-midnight-aligned; callers typically derive them via
// timebucket.DayStarts.
func Summarize(
	ctx context.Context,
	db store.RowQuerier,
	sinceDayStartMs, untilDayStartMs int64,
	runID string,
	computedByVersion int,
	nowUTCMs int64,
) (Stats, error) {
	var stats Stats
	gitSHA := analysisrun.CodeGitSHA()

	for dayStart := sinceDayStartMs; dayStart < untilDayStartMs; dayStart += msPerDay {
		dayEnd := dayStart + msPerDay
		ins, upd, err := summarizeOneDay(ctx, db, dayStart, dayEnd, runID, computedByVersion, gitSHA, nowUTCMs)
		if err != nil {
			return stats, err
		}
		stats.Inserts += ins
		stats.Updates += upd
		stats.DaysProcessed++
	}

	return stats, nil
}

func summarizeOneDay(
	ctx context.Context,
	db store.RowQuerier,
	dayStartMs, dayEndMs int64,
	runID string,
	computedByVersion int,
	gitSHA string,
	nowMs int64,
) (inserted, updated int, err error) {
	rows, err := db.Query(ctx, `SELECT metric_key, value_num, coverage_ratio, input_hash_hex
		FROM hourly_summary
		WHERE hour_utc_start_ms >= ? AND hour_utc_start_ms < ?
		ORDER BY metric_key, hour_utc_start_ms`, dayStartMs, dayEndMs)
	if err != nil {
		return 0, 0, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "daily: query hourly_summary")
	}

	byMetric := make(map[string][]hourlyRow)
	var order []string
	for rows.Next() {
		var metricKey, inputHash string
		var value, coverage float64
		if err := rows.Scan(&metricKey, &value, &coverage, &inputHash); err != nil {
			rows.Close()
			return 0, 0, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "daily: scan hourly_summary")
		}
		if _, ok := byMetric[metricKey]; !ok {
			order = append(order, metricKey)
		}
		byMetric[metricKey] = append(byMetric[metricKey], hourlyRow{valueNum: value, coverage: coverage, inputHash: inputHash})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "daily: iterate hourly_summary")
	}
	rows.Close()

	sort.Strings(order)

	for _, metricKey := range order {
		data := byMetric[metricKey]

		var valueSum float64
		lowConfHours := 0
		hashes := make([]string, 0, len(data))
		for _, r := range data {
			valueSum += r.valueNum
			if r.coverage < LowConfidenceCoverageThreshold {
				lowConfHours++
			}
			hashes = append(hashes, r.inputHash)
		}
		hoursCounted := len(data)

		dayHash := dayInputHash(hashes, gitSHA)

		ins, upd, err := upsertDailyMetric(ctx, db, dayStartMs, metricKey, valueSum, hoursCounted, lowConfHours, dayHash, runID, computedByVersion, nowMs)
		if err != nil {
			return inserted, updated, err
		}
		inserted += ins
		updated += upd
	}

	return inserted, updated, nil
}

// dayInputHash reproduces the original's day_input_string: the hour
// hashes joined in hour-chronological order (not hash-sorted), with the
// day's git commit appended.
func dayInputHash(hourHashes []string, gitSHA string) string {
	gitPart := gitSHA
	if gitPart == "" {
		gitPart = "-"
	}
	canonical := strings.Join(hourHashes, "|") + "|git:" + gitPart
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func upsertDailyMetric(
	ctx context.Context,
	db store.RowQuerier,
	dayStartMs int64,
	metricKey string,
	value float64,
	hoursCounted, lowConfHours int,
	dayHash, runID string,
	computedByVersion int,
	nowMs int64,
) (inserted, updated int, err error) {
	var existingValue float64
	var existingHours, existingLowConf int
	var existingHash string
	var existingVersion int
	row := db.QueryRow(ctx, `SELECT value_num, hours_counted, low_conf_hours, input_hash_hex, computed_by_version
		FROM daily_summary WHERE day_utc_start_ms = ? AND metric_key = ?`, dayStartMs, metricKey)
	scanErr := row.Scan(&existingValue, &existingHours, &existingLowConf, &existingHash, &existingVersion)

	if scanErr == nil {
		unchanged := round2(existingValue) == round2(value) &&
			existingHours == hoursCounted &&
			existingLowConf == lowConfHours &&
			existingHash == dayHash &&
			existingVersion == computedByVersion
		if unchanged {
			return 0, 0, nil
		}
		_, err = db.Exec(ctx, `UPDATE daily_summary
			SET value_num = ?, hours_counted = ?, low_conf_hours = ?, input_hash_hex = ?,
				run_id = ?, computed_by_version = ?, updated_utc_ms = ?
			WHERE day_utc_start_ms = ? AND metric_key = ?`,
			value, hoursCounted, lowConfHours, dayHash, runID, computedByVersion, nowMs, dayStartMs, metricKey)
		if err != nil {
			return 0, 0, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "daily: update metric")
		}
		return 0, 1, nil
	}

	_, err = db.Exec(ctx, `INSERT INTO daily_summary (
		day_utc_start_ms, metric_key, value_num, hours_counted, low_conf_hours,
		run_id, input_hash_hex, created_utc_ms, updated_utc_ms, computed_by_version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dayStartMs, metricKey, value, hoursCounted, lowConfHours, runID, dayHash, nowMs, nowMs, computedByVersion)
	if err != nil {
		return 0, 0, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "daily: insert metric")
	}
	return 1, 0, nil
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
