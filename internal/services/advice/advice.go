// Package advice evaluates the eight catalog rules (low_focus,
// high_switches, deep_focus_positive, passive_input, long_idle,
// low_daily_focus, positive_deep_focus_day, high_switch_day) against
// stored hourly/daily metrics and upserts the results idempotently.
// Grounded on original_source/lb3/ai/advice.py.
package advice

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
	"github.com/quietdesk/quietdesk/internal/platform/idgen"
	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// Severity is the tone of a piece of advice.
type Severity string

const (
	SeverityWarn Severity = "warn"
	SeverityGood Severity = "good"
	SeverityInfo Severity = "info"
)

// Advice is one rule firing for a given hour or day.
type Advice struct {
	RuleKey      string
	RuleVersion  int
	Severity     Severity
	Score        float64
	AdviceText   string
	EvidenceJSON string
	ReasonJSON   string
	InputHashHex string
}

// UpsertAction reports what an upsert actually did, mirroring the
// original's {"action": "inserted"|"updated"|"unchanged"} return.
type UpsertAction string

const (
	ActionInserted  UpsertAction = "inserted"
	ActionUpdated   UpsertAction = "updated"
	ActionUnchanged UpsertAction = "unchanged"
)

type hourlyMetrics struct {
	focusMinutes      float64
	contextSwitches   float64
	deepFocusMinutes  float64
	keyboardEvents    float64
	mouseEvents       float64
	idleMinutes       float64
	coverageRatio     float64
	inputHashHex      string
	haveAnyMetricRows bool
}

// GetHourlyAdvice evaluates the five hourly rules against hour_start_ms's
// stored hourly_summary/hourly_evidence rows. Returns nil if no metrics
// are stored for the hour (nothing to advise on yet).
func GetHourlyAdvice(ctx context.Context, db store.RowQuerier, hourStartMs int64) ([]Advice, error) {
	m, err := loadHourlyMetrics(ctx, db, hourStartMs)
	if err != nil {
		return nil, err
	}
	if !m.haveAnyMetricRows {
		return nil, nil
	}

	topApps, err := loadTopAppEvidence(ctx, db, hourStartMs)
	if err != nil {
		return nil, err
	}

	var out []Advice

	// Rule: low_focus
	if m.coverageRatio >= 0.60 && m.focusMinutes < 25 {
		score := round4(clamp((25-m.focusMinutes)/25, 0.3, 0.9))
		out = append(out, Advice{
			RuleKey: "low_focus", RuleVersion: 1, Severity: SeverityWarn, Score: score,
			AdviceText: fText("Low focused time this hour (%sm; target ≥ 25m). Try reducing interruptions.", m.focusMinutes),
			EvidenceJSON: mustJSON(map[string]any{
				"focus_minutes": m.focusMinutes, "coverage_ratio": m.coverageRatio, "top_app_minutes": topApps,
			}),
			ReasonJSON: mustJSON(map[string]any{
				"focus_minutes_threshold": 25.0, "focus_minutes_actual": m.focusMinutes,
				"coverage_ratio_threshold": 0.60, "coverage_ratio_actual": m.coverageRatio,
			}),
			InputHashHex: m.inputHashHex,
		})
	}

	// Rule: high_switches
	if m.contextSwitches >= 12 && m.coverageRatio >= 0.60 {
		score := round4(clamp((m.contextSwitches-12)/12, 0.3, 0.8))
		out = append(out, Advice{
			RuleKey: "high_switches", RuleVersion: 1, Severity: SeverityWarn, Score: score,
			AdviceText: iText("High context switching (%ds). Batch tasks or pause notifications.", m.contextSwitches),
			EvidenceJSON: mustJSON(map[string]any{
				"context_switches": m.contextSwitches, "coverage_ratio": m.coverageRatio, "top_app_minutes": topApps,
			}),
			ReasonJSON: mustJSON(map[string]any{
				"switches_threshold": 12.0, "switches_actual": m.contextSwitches,
				"coverage_ratio_threshold": 0.60, "coverage_ratio_actual": m.coverageRatio,
			}),
			InputHashHex: m.inputHashHex,
		})
	}

	// Rule: deep_focus_positive
	if m.deepFocusMinutes >= 30 && m.coverageRatio >= 0.60 {
		score := round4(clamp((m.deepFocusMinutes-30)/30, 0.4, 0.9))
		out = append(out, Advice{
			RuleKey: "deep_focus_positive", RuleVersion: 1, Severity: SeverityGood, Score: score,
			AdviceText: fText("Strong deep-focus block (%sm). Protect similar blocks.", m.deepFocusMinutes),
			EvidenceJSON: mustJSON(map[string]any{
				"deep_focus_minutes": m.deepFocusMinutes, "coverage_ratio": m.coverageRatio, "top_app_minutes": topApps,
			}),
			ReasonJSON: mustJSON(map[string]any{
				"deep_focus_minutes_threshold": 30.0, "deep_focus_minutes_actual": m.deepFocusMinutes,
				"coverage_ratio_threshold": 0.60, "coverage_ratio_actual": m.coverageRatio,
			}),
			InputHashHex: m.inputHashHex,
		})
	}

	// Rule: passive_input. The catalog stores keyboard/mouse activity as
	// event counts, not minutes (unlike the reference, which read from
	// dict keys that the metric catalog never actually populates and so
	// could never fire this rule in practice) — evaluated here against
	// the real counts so the rule is reachable.
	totalInputEvents := m.keyboardEvents + m.mouseEvents
	if totalInputEvents < 5 && m.focusMinutes >= 15 && m.coverageRatio >= 0.60 {
		out = append(out, Advice{
			RuleKey: "passive_input", RuleVersion: 1, Severity: SeverityInfo, Score: 0.5,
			AdviceText: "Low input but active window time; likely reading or meeting. Capture notes to retain context.",
			EvidenceJSON: mustJSON(map[string]any{
				"keyboard_events": m.keyboardEvents, "mouse_events": m.mouseEvents,
				"focus_minutes": m.focusMinutes, "coverage_ratio": m.coverageRatio, "top_app_minutes": topApps,
			}),
			ReasonJSON: mustJSON(map[string]any{
				"input_events_threshold": 5.0, "input_events_actual": totalInputEvents,
				"focus_minutes_threshold": 15.0, "focus_minutes_actual": m.focusMinutes,
				"coverage_ratio_threshold": 0.60, "coverage_ratio_actual": m.coverageRatio,
			}),
			InputHashHex: m.inputHashHex,
		})
	}

	// Rule: long_idle
	if m.idleMinutes >= 40 && m.coverageRatio >= 0.60 {
		score := round4(clamp((m.idleMinutes-40)/20, 0.3, 0.7))
		out = append(out, Advice{
			RuleKey: "long_idle", RuleVersion: 1, Severity: SeverityInfo, Score: score,
			AdviceText: fText("Extended idle (%sm). If this was a break, great; otherwise consider shorter pauses.", m.idleMinutes),
			EvidenceJSON: mustJSON(map[string]any{
				"idle_minutes": m.idleMinutes, "coverage_ratio": m.coverageRatio, "top_app_minutes": topApps,
			}),
			ReasonJSON: mustJSON(map[string]any{
				"idle_minutes_threshold": 40.0, "idle_minutes_actual": m.idleMinutes,
				"coverage_ratio_threshold": 0.60, "coverage_ratio_actual": m.coverageRatio,
			}),
			InputHashHex: m.inputHashHex,
		})
	}

	return out, nil
}

type dailyMetrics struct {
	focusMinutes     float64
	contextSwitches  float64
	deepFocusMinutes float64
	hoursCounted     int64
	lowConfHours     int64
	inputHashHex     string
	haveAnyRows      bool
}

// GetDailyAdvice evaluates the three daily rules against day_start_ms's
// stored daily_summary rows. Returns nil if no metrics are stored for
// the day.
func GetDailyAdvice(ctx context.Context, db store.RowQuerier, dayStartMs int64) ([]Advice, error) {
	m, err := loadDailyMetrics(ctx, db, dayStartMs)
	if err != nil {
		return nil, err
	}
	if !m.haveAnyRows {
		return nil, nil
	}

	var out []Advice

	// Rule: low_daily_focus
	if m.focusMinutes < 180 && m.lowConfHours <= 4 {
		score := round4(clamp((180-m.focusMinutes)/180, 0.3, 0.8))
		out = append(out, Advice{
			RuleKey: "low_daily_focus", RuleVersion: 1, Severity: SeverityWarn, Score: score,
			AdviceText: fText("Low daily focused time (%sm; target ≥ 180m). Plan deeper focus blocks.", m.focusMinutes),
			EvidenceJSON: mustJSON(map[string]any{
				"focus_minutes": m.focusMinutes, "hours_counted": m.hoursCounted, "low_conf_hours": m.lowConfHours,
			}),
			ReasonJSON: mustJSON(map[string]any{
				"focus_minutes_threshold": 180.0, "focus_minutes_actual": m.focusMinutes,
				"low_conf_hours_threshold": 4, "low_conf_hours_actual": m.lowConfHours,
			}),
			InputHashHex: m.inputHashHex,
		})
	}

	// Rule: positive_deep_focus_day
	if m.deepFocusMinutes >= 120 && m.lowConfHours <= 4 {
		score := round4(clamp((m.deepFocusMinutes-120)/120, 0.4, 0.9))
		out = append(out, Advice{
			RuleKey: "positive_deep_focus_day", RuleVersion: 1, Severity: SeverityGood, Score: score,
			AdviceText: fText("Excellent daily deep focus (%sm). Maintain this momentum.", m.deepFocusMinutes),
			EvidenceJSON: mustJSON(map[string]any{
				"deep_focus_minutes": m.deepFocusMinutes, "hours_counted": m.hoursCounted, "low_conf_hours": m.lowConfHours,
			}),
			ReasonJSON: mustJSON(map[string]any{
				"deep_focus_minutes_threshold": 120.0, "deep_focus_minutes_actual": m.deepFocusMinutes,
				"low_conf_hours_threshold": 4, "low_conf_hours_actual": m.lowConfHours,
			}),
			InputHashHex: m.inputHashHex,
		})
	}

	// Rule: high_switch_day
	if m.contextSwitches >= 150 && m.lowConfHours <= 4 {
		score := round4(clamp((m.contextSwitches-150)/150, 0.3, 0.8))
		out = append(out, Advice{
			RuleKey: "high_switch_day", RuleVersion: 1, Severity: SeverityWarn, Score: score,
			AdviceText: iText("High daily context switching (%ds). Consider time-blocking similar tasks.", m.contextSwitches),
			EvidenceJSON: mustJSON(map[string]any{
				"context_switches": m.contextSwitches, "hours_counted": m.hoursCounted, "low_conf_hours": m.lowConfHours,
			}),
			ReasonJSON: mustJSON(map[string]any{
				"switches_threshold": 150.0, "switches_actual": m.contextSwitches,
				"low_conf_hours_threshold": 4, "low_conf_hours_actual": m.lowConfHours,
			}),
			InputHashHex: m.inputHashHex,
		})
	}

	return out, nil
}

func loadHourlyMetrics(ctx context.Context, db store.RowQuerier, hourStartMs int64) (hourlyMetrics, error) {
	rows, err := db.Query(ctx, `SELECT metric_key, value_num, coverage_ratio, input_hash_hex
		FROM hourly_summary WHERE hour_utc_start_ms = ? ORDER BY metric_key`, hourStartMs)
	if err != nil {
		return hourlyMetrics{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "advice: query hourly_summary")
	}
	defer rows.Close()

	var m hourlyMetrics
	for rows.Next() {
		var key, hash string
		var value, coverage float64
		if err := rows.Scan(&key, &value, &coverage, &hash); err != nil {
			return hourlyMetrics{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "advice: scan hourly_summary")
		}
		m.haveAnyMetricRows = true
		m.coverageRatio = round4(coverage)
		m.inputHashHex = hash
		switch key {
		case "focus_minutes":
			m.focusMinutes = round2(value)
		case "context_switches":
			m.contextSwitches = round2(value)
		case "deep_focus_minutes":
			m.deepFocusMinutes = round2(value)
		case "keyboard_events":
			m.keyboardEvents = round2(value)
		case "mouse_events":
			m.mouseEvents = round2(value)
		case "idle_minutes":
			m.idleMinutes = round2(value)
		}
	}
	if err := rows.Err(); err != nil {
		return hourlyMetrics{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "advice: iterate hourly_summary")
	}
	return m, nil
}

func loadDailyMetrics(ctx context.Context, db store.RowQuerier, dayStartMs int64) (dailyMetrics, error) {
	rows, err := db.Query(ctx, `SELECT metric_key, value_num, hours_counted, low_conf_hours, input_hash_hex
		FROM daily_summary WHERE day_utc_start_ms = ? ORDER BY metric_key`, dayStartMs)
	if err != nil {
		return dailyMetrics{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "advice: query daily_summary")
	}
	defer rows.Close()

	var m dailyMetrics
	for rows.Next() {
		var key, hash string
		var value float64
		var hoursCounted, lowConf int64
		if err := rows.Scan(&key, &value, &hoursCounted, &lowConf, &hash); err != nil {
			return dailyMetrics{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "advice: scan daily_summary")
		}
		m.haveAnyRows = true
		m.hoursCounted = hoursCounted
		m.lowConfHours = lowConf
		m.inputHashHex = hash
		switch key {
		case "focus_minutes":
			m.focusMinutes = round2(value)
		case "context_switches":
			m.contextSwitches = round2(value)
		case "deep_focus_minutes":
			m.deepFocusMinutes = round2(value)
		}
	}
	if err := rows.Err(); err != nil {
		return dailyMetrics{}, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "advice: iterate daily_summary")
	}
	return m, nil
}

func loadTopAppEvidence(ctx context.Context, db store.RowQuerier, hourStartMs int64) ([]map[string]any, error) {
	var evidenceJSON string
	row := db.QueryRow(ctx, `SELECT evidence_json FROM hourly_evidence
		WHERE hour_utc_start_ms = ? AND metric_key = 'top_app_minutes'`, hourStartMs)
	if err := row.Scan(&evidenceJSON); err != nil {
		return []map[string]any{}, nil
	}
	var apps []map[string]any
	if err := json.Unmarshal([]byte(evidenceJSON), &apps); err != nil {
		return []map[string]any{}, nil
	}
	if len(apps) > 3 {
		apps = apps[:3]
	}
	return apps, nil
}

// UpsertHourlyAdvice inserts or updates an hourly advice row for
// (hourStartMs, a.RuleKey, a.RuleVersion), only touching the row (and
// bumping run_id) when score/advice_text/evidence/reason/input hash
// actually changed.
func UpsertHourlyAdvice(ctx context.Context, db store.RowQuerier, hourStartMs int64, a Advice, runID string) (UpsertAction, error) {
	var existingID string
	var existingScore float64
	var existingText, existingEvidence, existingReason, existingHash string
	row := db.QueryRow(ctx, `SELECT advice_id, score, advice_text, evidence_json, reason_json, input_hash_hex
		FROM advice_hourly WHERE hour_utc_start_ms = ? AND rule_key = ? AND rule_version = ?`,
		hourStartMs, a.RuleKey, a.RuleVersion)
	scanErr := row.Scan(&existingID, &existingScore, &existingText, &existingEvidence, &existingReason, &existingHash)

	if scanErr == nil {
		unchanged := existingScore == a.Score && existingText == a.AdviceText &&
			existingEvidence == a.EvidenceJSON && existingReason == a.ReasonJSON && existingHash == a.InputHashHex
		if unchanged {
			return ActionUnchanged, nil
		}
		_, err := db.Exec(ctx, `UPDATE advice_hourly
			SET score = ?, advice_text = ?, evidence_json = ?, reason_json = ?, input_hash_hex = ?, run_id = ?
			WHERE advice_id = ?`,
			a.Score, a.AdviceText, a.EvidenceJSON, a.ReasonJSON, a.InputHashHex, runID, existingID)
		if err != nil {
			return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "advice: update hourly advice")
		}
		return ActionUpdated, nil
	}

	adviceID := idgen.NewRunID()
	_, err := db.Exec(ctx, `INSERT INTO advice_hourly (
		advice_id, hour_utc_start_ms, rule_key, rule_version, severity,
		score, advice_text, input_hash_hex, evidence_json, reason_json, run_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		adviceID, hourStartMs, a.RuleKey, a.RuleVersion, string(a.Severity),
		a.Score, a.AdviceText, a.InputHashHex, a.EvidenceJSON, a.ReasonJSON, runID)
	if err != nil {
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "advice: insert hourly advice")
	}
	return ActionInserted, nil
}

// UpsertDailyAdvice is UpsertHourlyAdvice's daily-table counterpart.
func UpsertDailyAdvice(ctx context.Context, db store.RowQuerier, dayStartMs int64, a Advice, runID string) (UpsertAction, error) {
	var existingID string
	var existingScore float64
	var existingText, existingEvidence, existingReason, existingHash string
	row := db.QueryRow(ctx, `SELECT advice_id, score, advice_text, evidence_json, reason_json, input_hash_hex
		FROM advice_daily WHERE day_utc_start_ms = ? AND rule_key = ? AND rule_version = ?`,
		dayStartMs, a.RuleKey, a.RuleVersion)
	scanErr := row.Scan(&existingID, &existingScore, &existingText, &existingEvidence, &existingReason, &existingHash)

	if scanErr == nil {
		unchanged := existingScore == a.Score && existingText == a.AdviceText &&
			existingEvidence == a.EvidenceJSON && existingReason == a.ReasonJSON && existingHash == a.InputHashHex
		if unchanged {
			return ActionUnchanged, nil
		}
		_, err := db.Exec(ctx, `UPDATE advice_daily
			SET score = ?, advice_text = ?, evidence_json = ?, reason_json = ?, input_hash_hex = ?, run_id = ?
			WHERE advice_id = ?`,
			a.Score, a.AdviceText, a.EvidenceJSON, a.ReasonJSON, a.InputHashHex, runID, existingID)
		if err != nil {
			return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "advice: update daily advice")
		}
		return ActionUpdated, nil
	}

	adviceID := idgen.NewRunID()
	_, err := db.Exec(ctx, `INSERT INTO advice_daily (
		advice_id, day_utc_start_ms, rule_key, rule_version, severity,
		score, advice_text, input_hash_hex, evidence_json, reason_json, run_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		adviceID, dayStartMs, a.RuleKey, a.RuleVersion, string(a.Severity),
		a.Score, a.AdviceText, a.InputHashHex, a.EvidenceJSON, a.ReasonJSON, runID)
	if err != nil {
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "advice: insert daily advice")
	}
	return ActionInserted, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
func round4(f float64) float64 { return math.Round(f*10000) / 10000 }

// mustJSON marshals a map to JSON; encoding/json sorts map[string]any
// keys alphabetically on marshal, matching the reference's
// json.dumps(..., sort_keys=True).
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// fText formats n the way Python's f-string renders a 2dp-rounded
// float: at least one digit after the decimal point, trailing zeros
// beyond that trimmed (25.0 -> "25.0", 24.5 -> "24.5", 24.56 -> "24.56").
// format must contain exactly one %s verb.
func fText(format string, n float64) string {
	s := strconv.FormatFloat(n, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return fmt.Sprintf(format, s)
}

// iText formats n truncated to an integer, matching the reference's
// int(switches) rendering. format must contain exactly one %d verb.
func iText(format string, n float64) string {
	return fmt.Sprintf(format, int64(n))
}
