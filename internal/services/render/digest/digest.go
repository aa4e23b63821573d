// Package digest renders human-readable hourly and daily digests (summary
// metrics plus fired advice, in both TXT and JSON) and records each
// artifact's path and content hash for idempotent re-rendering. Grounded
// on original_source/lb3/ai/digest.py's render_hourly_digest/
// render_daily_digest/upsert_digest_record.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
	"github.com/quietdesk/quietdesk/internal/platform/idgen"
	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// UpsertAction reports what an upsert actually did.
type UpsertAction string

const (
	ActionInserted  UpsertAction = "inserted"
	ActionUpdated   UpsertAction = "updated"
	ActionUnchanged UpsertAction = "unchanged"
)

var severityRank = map[string]int{"warn": 1, "info": 2, "good": 3}

type adviceRow struct {
	RuleKey    string  `json:"rule_key"`
	Severity   string  `json:"severity"`
	Score      float64 `json:"score"`
	AdviceText string  `json:"advice_text"`
}

func loadAdvice(ctx context.Context, db store.RowQuerier, table, periodColumn string, periodMs int64) ([]adviceRow, error) {
	query := fmt.Sprintf(`SELECT rule_key, severity, score, advice_text FROM %s WHERE %s = ?`, table, periodColumn)
	rows, err := db.Query(ctx, query, periodMs)
	if err != nil {
		return nil, platerrors.Wrapf(err, platerrors.ErrorCodeUnknown, "digest: query %s", table)
	}
	defer rows.Close()

	out := []adviceRow{}
	for rows.Next() {
		var a adviceRow
		if err := rows.Scan(&a.RuleKey, &a.Severity, &a.Score, &a.AdviceText); err != nil {
			return nil, platerrors.Wrapf(err, platerrors.ErrorCodeUnknown, "digest: scan %s", table)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, platerrors.Wrapf(err, platerrors.ErrorCodeUnknown, "digest: iterate %s", table)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := severityOrder(out[i].Severity), severityOrder(out[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return out[i].RuleKey < out[j].RuleKey
	})
	return out, nil
}

func severityOrder(s string) int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return 4
}

// HourlyDigest is an hour's rendered digest in both formats.
type HourlyDigest struct {
	HourHash string
	TXT      []byte
	JSON     []byte
}

type hourlyMetric struct {
	key      string
	value    float64
	coverage float64
}

// RenderHourly builds an hour's digest from its stored hourly_summary,
// hourly_evidence, and advice_hourly rows.
func RenderHourly(ctx context.Context, db store.RowQuerier, hstartMs int64) (HourlyDigest, error) {
	rows, err := db.Query(ctx, `SELECT metric_key, value_num, coverage_ratio, input_hash_hex
		FROM hourly_summary WHERE hour_utc_start_ms = ? ORDER BY metric_key`, hstartMs)
	if err != nil {
		return HourlyDigest{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "digest: query hourly_summary")
	}
	var metrics []hourlyMetric
	var hourHash string
	for rows.Next() {
		var key, hash string
		var value, coverage float64
		if err := rows.Scan(&key, &value, &coverage, &hash); err != nil {
			rows.Close()
			return HourlyDigest{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "digest: scan hourly_summary")
		}
		metrics = append(metrics, hourlyMetric{key: key, value: value, coverage: coverage})
		hourHash = hash
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return HourlyDigest{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "digest: iterate hourly_summary")
	}
	rows.Close()

	var evidenceJSON string
	var topAppMinutes any
	row := db.QueryRow(ctx, `SELECT evidence_json FROM hourly_evidence
		WHERE hour_utc_start_ms = ? AND metric_key = 'top_app_minutes'`, hstartMs)
	hasEvidence := false
	if err := row.Scan(&evidenceJSON); err == nil {
		hasEvidence = true
		_ = json.Unmarshal([]byte(evidenceJSON), &topAppMinutes)
	}

	advice, err := loadAdvice(ctx, db, "advice_hourly", "hour_utc_start_ms", hstartMs)
	if err != nil {
		return HourlyDigest{}, err
	}

	var lines []string
	sortedMetrics := append([]hourlyMetric(nil), metrics...)
	sort.Slice(sortedMetrics, func(i, j int) bool { return sortedMetrics[i].key < sortedMetrics[j].key })
	for _, m := range sortedMetrics {
		lines = append(lines, fmt.Sprintf("metric_key=%s,value_num=%s,coverage_ratio=%s",
			m.key, formatNumber(m.value), formatNumber(m.coverage)))
	}
	if hasEvidence {
		compact, _ := json.Marshal(topAppMinutes)
		lines = append(lines, fmt.Sprintf("evidence[top_app_minutes]=%s", compact))
	}
	for _, a := range advice {
		lines = append(lines, fmt.Sprintf(`advice rule=%s,severity=%s,score=%s,text="%s"`,
			a.RuleKey, a.Severity, formatNumber(a.Score), a.AdviceText))
	}
	txt := []byte(strings.Join(lines, "\n"))

	metricsObj := make(map[string]any, len(metrics))
	for _, m := range metrics {
		metricsObj[m.key] = m.value
	}
	obj := map[string]any{
		"hour_start_ms": hstartMs,
		"metrics":       metricsObj,
		"evidence":      map[string]any{},
		"advice":        advice,
		"hour_hash":     hourHash,
	}
	if hasEvidence {
		obj["evidence"] = map[string]any{"top_app_minutes": topAppMinutes}
	}
	jsonBytes, err := marshalCompact(obj)
	if err != nil {
		return HourlyDigest{}, err
	}

	return HourlyDigest{HourHash: hourHash, TXT: txt, JSON: jsonBytes}, nil
}

// DailyDigest is a day's rendered digest in both formats.
type DailyDigest struct {
	DayHash string
	TXT     []byte
	JSON    []byte
}

type dailyMetric struct {
	key          string
	value        float64
	hoursCounted int64
	lowConfHours int64
}

// RenderDaily builds a day's digest from its stored daily_summary and
// advice_daily rows.
func RenderDaily(ctx context.Context, db store.RowQuerier, dayMs int64) (DailyDigest, error) {
	rows, err := db.Query(ctx, `SELECT metric_key, value_num, hours_counted, low_conf_hours, input_hash_hex
		FROM daily_summary WHERE day_utc_start_ms = ? ORDER BY metric_key`, dayMs)
	if err != nil {
		return DailyDigest{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "digest: query daily_summary")
	}
	var metrics []dailyMetric
	var dayHash string
	for rows.Next() {
		var key, hash string
		var value float64
		var hoursCounted, lowConfHours int64
		if err := rows.Scan(&key, &value, &hoursCounted, &lowConfHours, &hash); err != nil {
			rows.Close()
			return DailyDigest{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "digest: scan daily_summary")
		}
		metrics = append(metrics, dailyMetric{key: key, value: value, hoursCounted: hoursCounted, lowConfHours: lowConfHours})
		dayHash = hash
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return DailyDigest{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "digest: iterate daily_summary")
	}
	rows.Close()

	advice, err := loadAdvice(ctx, db, "advice_daily", "day_utc_start_ms", dayMs)
	if err != nil {
		return DailyDigest{}, err
	}

	var lines []string
	sortedMetrics := append([]dailyMetric(nil), metrics...)
	sort.Slice(sortedMetrics, func(i, j int) bool { return sortedMetrics[i].key < sortedMetrics[j].key })
	for _, m := range sortedMetrics {
		lines = append(lines, fmt.Sprintf("metric_key=%s,value_num=%s,hours_counted=%d,low_conf_hours=%d",
			m.key, formatNumber(m.value), m.hoursCounted, m.lowConfHours))
	}
	for _, a := range advice {
		lines = append(lines, fmt.Sprintf(`advice rule=%s,severity=%s,score=%s,text="%s"`,
			a.RuleKey, a.Severity, formatNumber(a.Score), a.AdviceText))
	}
	lines = append(lines, fmt.Sprintf("day_hash=%s", dayHash))
	txt := []byte(strings.Join(lines, "\n"))

	metricsObj := make(map[string]any, len(metrics))
	for _, m := range metrics {
		metricsObj[m.key] = m.value
	}
	obj := map[string]any{
		"day_start_ms": dayMs,
		"metrics":      metricsObj,
		"advice":       advice,
		"day_hash":     dayHash,
	}
	jsonBytes, err := marshalCompact(obj)
	if err != nil {
		return DailyDigest{}, err
	}

	return DailyDigest{DayHash: dayHash, TXT: txt, JSON: jsonBytes}, nil
}

// UpsertRecord records a rendered digest artifact's path and content hash,
// keyed on (kind, period_start_ms, format). Only the artifact's own bytes
// gate a rewrite, matching the reference's SHA-256-only comparison
// (unlike report's upsert, which also compares input_hash_hex).
func UpsertRecord(
	ctx context.Context,
	db store.RowQuerier,
	kind string,
	periodStartMs, periodEndMs int64,
	format string,
	filePath, fileSHA256, inputHashHex, runID string,
	nowUTCMs int64,
) (UpsertAction, string, error) {
	var existingID, existingPath, existingSHA string
	row := db.QueryRow(ctx, `SELECT digest_id, file_path, file_sha256
		FROM digest WHERE kind = ? AND period_start_ms = ? AND format = ?`, kind, periodStartMs, format)
	scanErr := row.Scan(&existingID, &existingPath, &existingSHA)

	if scanErr == nil {
		if existingSHA == fileSHA256 {
			return ActionUnchanged, existingPath, nil
		}
		_, err := db.Exec(ctx, `UPDATE digest
			SET file_path = ?, file_sha256 = ?, generated_utc_ms = ?, run_id = ?, input_hash_hex = ?
			WHERE digest_id = ?`,
			filePath, fileSHA256, nowUTCMs, runID, inputHashHex, existingID)
		if err != nil {
			return "", "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "digest: update record")
		}
		return ActionUpdated, filePath, nil
	}

	digestID := idgen.NewRunID()
	_, err := db.Exec(ctx, `INSERT INTO digest (
		digest_id, kind, period_start_ms, period_end_ms, format,
		file_path, file_sha256, generated_utc_ms, run_id, input_hash_hex
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		digestID, kind, periodStartMs, periodEndMs, format, filePath, fileSHA256, nowUTCMs, runID, inputHashHex)
	if err != nil {
		return "", "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "digest: insert record")
	}
	return ActionInserted, filePath, nil
}

func marshalCompact(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "digest: marshal json")
	}
	return b, nil
}

func formatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
