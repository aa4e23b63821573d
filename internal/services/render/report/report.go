// Package report renders hourly and daily summary data into deterministic
// TXT, JSON, and CSV artifacts and records each write's path and content
// hash for idempotent re-rendering. Grounded on
// original_source/lb3/ai/report.py's render_hourly_report/
// render_daily_report/upsert_report_row.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/quietdesk/quietdesk/internal/core/analysisrun"
	"github.com/quietdesk/quietdesk/internal/core/inputhash"
	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
	"github.com/quietdesk/quietdesk/internal/platform/idgen"
	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// Format is one of the three artifact encodings a report is rendered in.
type Format string

const (
	FormatTXT  Format = "txt"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// UpsertAction reports what an upsert actually did.
type UpsertAction string

const (
	ActionInserted  UpsertAction = "inserted"
	ActionUpdated   UpsertAction = "updated"
	ActionUnchanged UpsertAction = "unchanged"
)

type metricRow struct {
	key      string
	value    float64
	coverage float64
	hash     string
}

// HourlyReport is an hour's rendered report in all three formats, plus the
// input hash the rendered bytes are derived from.
type HourlyReport struct {
	HourHash string
	TXT      []byte
	JSON     []byte
	CSV      []byte
}

// RenderHourly builds an hour's report artifacts from its stored
// hourly_summary/hourly_evidence rows. If the hour has no stored metrics
// yet, the hash is computed fresh from the events table instead of read
// off a row, matching the reference's fallback path.
func RenderHourly(ctx context.Context, db store.RowQuerier, hstartMs, hendMs int64) (HourlyReport, error) {
	rows, err := db.Query(ctx, `SELECT metric_key, value_num, coverage_ratio, input_hash_hex
		FROM hourly_summary WHERE hour_utc_start_ms = ? ORDER BY metric_key`, hstartMs)
	if err != nil {
		return HourlyReport{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: query hourly_summary")
	}
	var metrics []metricRow
	for rows.Next() {
		var m metricRow
		if err := rows.Scan(&m.key, &m.value, &m.coverage, &m.hash); err != nil {
			rows.Close()
			return HourlyReport{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: scan hourly_summary")
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return HourlyReport{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: iterate hourly_summary")
	}
	rows.Close()

	var hourHash string
	if len(metrics) > 0 {
		hourHash = metrics[0].hash
	} else {
		gitSHA := analysisrun.CodeGitSHA()
		stats, err := inputhash.ForHour(ctx, db, hstartMs, hendMs, gitSHA)
		if err != nil {
			return HourlyReport{}, err
		}
		hourHash = stats.HashHex
	}

	var evidenceJSON string
	var evidence any
	row := db.QueryRow(ctx, `SELECT evidence_json FROM hourly_evidence
		WHERE hour_utc_start_ms = ? AND metric_key = 'top_app_minutes'`, hstartMs)
	if err := row.Scan(&evidenceJSON); err == nil {
		_ = json.Unmarshal([]byte(evidenceJSON), &evidence)
	}

	txt := renderHourlyTXT(metrics, evidence)
	jsonBytes, err := renderHourlyJSON(hstartMs, hourHash, metrics, evidence)
	if err != nil {
		return HourlyReport{}, err
	}
	csvBytes, err := renderHourlyCSV(metrics)
	if err != nil {
		return HourlyReport{}, err
	}

	return HourlyReport{HourHash: hourHash, TXT: txt, JSON: jsonBytes, CSV: csvBytes}, nil
}

func renderHourlyTXT(metrics []metricRow, evidence any) []byte {
	var lines []string
	for _, m := range metrics {
		lines = append(lines, fmt.Sprintf("metric_key=%s,value_num=%s,coverage_ratio=%s",
			m.key, formatNumber(m.value), formatNumber(m.coverage)))
	}
	if evidence != nil {
		compact, err := json.Marshal(evidence)
		if err == nil {
			lines = append(lines, fmt.Sprintf("evidence[ top_app_minutes ]=%s", compact))
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

func renderHourlyJSON(hstartMs int64, hourHash string, metrics []metricRow, evidence any) ([]byte, error) {
	metricsObj := make(map[string]any, len(metrics))
	for _, m := range metrics {
		metricsObj[m.key] = map[string]any{"value_num": m.value, "coverage_ratio": m.coverage}
	}
	obj := map[string]any{
		"hour_start_ms": hstartMs,
		"metrics":       metricsObj,
		"hour_hash":     hourHash,
	}
	if evidence != nil {
		obj["evidence"] = map[string]any{"top_app_minutes": evidence}
	}
	return marshalPretty(obj)
}

func renderHourlyCSV(metrics []metricRow) ([]byte, error) {
	rows := make([]map[string]string, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, map[string]string{
			"metric_key":     m.key,
			"value_num":      formatNumber(m.value),
			"coverage_ratio": formatNumber(m.coverage),
		})
	}
	return writeCSV(rows)
}

// DailyReport is a day's rendered report in all three formats.
type DailyReport struct {
	DayHash string
	TXT     []byte
	JSON    []byte
	CSV     []byte
}

type dailyMetricRow struct {
	key          string
	value        float64
	hoursCounted int64
	lowConfHours int64
	hash         string
}

// RenderDaily builds a day's report artifacts from its stored
// daily_summary rows. DayHash is empty when the day has no summary yet.
func RenderDaily(ctx context.Context, db store.RowQuerier, dayMs int64) (DailyReport, error) {
	rows, err := db.Query(ctx, `SELECT metric_key, value_num, hours_counted, low_conf_hours, input_hash_hex
		FROM daily_summary WHERE day_utc_start_ms = ? ORDER BY metric_key`, dayMs)
	if err != nil {
		return DailyReport{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: query daily_summary")
	}
	defer rows.Close()

	var metrics []dailyMetricRow
	for rows.Next() {
		var m dailyMetricRow
		if err := rows.Scan(&m.key, &m.value, &m.hoursCounted, &m.lowConfHours, &m.hash); err != nil {
			return DailyReport{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: scan daily_summary")
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return DailyReport{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: iterate daily_summary")
	}

	var dayHash string
	if len(metrics) > 0 {
		dayHash = metrics[0].hash
	}

	var lines []string
	for _, m := range metrics {
		lines = append(lines, fmt.Sprintf("metric_key=%s,value_num=%s,hours_counted=%d,low_conf_hours=%d",
			m.key, formatNumber(m.value), m.hoursCounted, m.lowConfHours))
	}
	if dayHash != "" {
		lines = append(lines, fmt.Sprintf("day_hash=%s", dayHash))
	}
	txt := []byte(strings.Join(lines, "\n"))

	metricsObj := make(map[string]any, len(metrics))
	for _, m := range metrics {
		metricsObj[m.key] = map[string]any{
			"value_num": m.value, "hours_counted": m.hoursCounted, "low_conf_hours": m.lowConfHours,
		}
	}
	obj := map[string]any{"day_start_ms": dayMs, "metrics": metricsObj}
	if dayHash != "" {
		obj["day_hash"] = dayHash
	}
	jsonBytes, err := marshalPretty(obj)
	if err != nil {
		return DailyReport{}, err
	}

	csvRows := make([]map[string]string, 0, len(metrics))
	for _, m := range metrics {
		csvRows = append(csvRows, map[string]string{
			"metric_key":     m.key,
			"value_num":      formatNumber(m.value),
			"hours_counted":  strconv.FormatInt(m.hoursCounted, 10),
			"low_conf_hours": strconv.FormatInt(m.lowConfHours, 10),
		})
	}
	csvBytes, err := writeCSV(csvRows)
	if err != nil {
		return DailyReport{}, err
	}

	return DailyReport{DayHash: dayHash, TXT: txt, JSON: jsonBytes, CSV: csvBytes}, nil
}

// UpsertRow records a rendered artifact's path and content hash, keyed on
// (kind, period_start_ms, format); the row only changes when either the
// artifact's own bytes or its source input hash changed.
func UpsertRow(
	ctx context.Context,
	db store.RowQuerier,
	kind string,
	periodStartMs, periodEndMs int64,
	format Format,
	filePath, fileSHA256, inputHashHex, runID string,
	nowUTCMs int64,
) (UpsertAction, error) {
	var existingID, existingSHA, existingHash string
	row := db.QueryRow(ctx, `SELECT report_id, file_sha256, input_hash_hex
		FROM report WHERE kind = ? AND period_start_ms = ? AND format = ?`, kind, periodStartMs, string(format))
	scanErr := row.Scan(&existingID, &existingSHA, &existingHash)

	if scanErr == nil {
		if existingSHA == fileSHA256 && existingHash == inputHashHex {
			return ActionUnchanged, nil
		}
		_, err := db.Exec(ctx, `UPDATE report
			SET period_end_ms = ?, file_path = ?, file_sha256 = ?, run_id = ?, input_hash_hex = ?, generated_utc_ms = ?
			WHERE report_id = ?`,
			periodEndMs, filePath, fileSHA256, runID, inputHashHex, nowUTCMs, existingID)
		if err != nil {
			return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: update row")
		}
		return ActionUpdated, nil
	}

	reportID := idgen.NewRunID()
	_, err := db.Exec(ctx, `INSERT INTO report (
		report_id, kind, period_start_ms, period_end_ms, format,
		file_path, file_sha256, generated_utc_ms, run_id, input_hash_hex
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reportID, kind, periodStartMs, periodEndMs, string(format), filePath, fileSHA256, nowUTCMs, runID, inputHashHex)
	if err != nil {
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: insert row")
	}
	return ActionInserted, nil
}

func marshalPretty(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: marshal json")
	}
	return append(b, '\n'), nil
}

func writeCSV(rows []map[string]string) ([]byte, error) {
	if len(rows) == 0 {
		return []byte{}, nil
	}
	fieldnames := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		fieldnames = append(fieldnames, k)
	}
	sort.Strings(fieldnames)

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write(fieldnames); err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: write csv header")
	}
	for _, row := range rows {
		record := make([]string, len(fieldnames))
		for i, name := range fieldnames {
			record[i] = row[name]
		}
		if err := w.Write(record); err != nil {
			return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "report: flush csv")
	}
	return []byte(buf.String()), nil
}

// formatNumber renders a float64 the way Python's str() does for values
// that happen to be integral (30.0 -> "30.0"), avoiding Go's default
// shortest-round-trip formatting which would print "30" instead.
func formatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
