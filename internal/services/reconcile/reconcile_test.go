package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/quietdesk/quietdesk/internal/platform/store"
	"github.com/quietdesk/quietdesk/internal/services/summarize/hourly"
)

func openTestDB(t *testing.T) store.TxRunner {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	s, err := store.Open(context.Background(), store.Config{
		SQLite: store.SQLiteConfig{Enabled: true, Path: dbPath, BusyTimeout: 2 * time.Second},
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	ctx := context.Background()
	ddl := []string{
		"CREATE TABLE windows (id TEXT PRIMARY KEY, app_id TEXT)",
		"CREATE TABLE events (id TEXT, ts_utc INTEGER, monitor TEXT, subject_id TEXT)",
		`CREATE TABLE hourly_summary(
			hour_utc_start_ms INTEGER NOT NULL,
			metric_key TEXT NOT NULL,
			value_num REAL NOT NULL,
			input_row_count INTEGER NOT NULL,
			coverage_ratio REAL NOT NULL,
			run_id TEXT NOT NULL,
			input_hash_hex TEXT NOT NULL,
			created_utc_ms INTEGER NOT NULL,
			updated_utc_ms INTEGER NOT NULL,
			computed_by_version INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (hour_utc_start_ms, metric_key)
		)`,
		`CREATE TABLE hourly_evidence(
			hour_utc_start_ms INTEGER NOT NULL,
			metric_key TEXT NOT NULL,
			evidence_json TEXT NOT NULL,
			PRIMARY KEY (hour_utc_start_ms, metric_key)
		)`,
		`CREATE TABLE daily_summary(
			day_utc_start_ms INTEGER NOT NULL,
			metric_key TEXT NOT NULL,
			value_num REAL NOT NULL,
			hours_counted INTEGER NOT NULL,
			low_conf_hours INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			input_hash_hex TEXT NOT NULL,
			created_utc_ms INTEGER NOT NULL,
			updated_utc_ms INTEGER NOT NULL,
			computed_by_version INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (day_utc_start_ms, metric_key)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return s.DB
}

func insertEvent(t *testing.T, db store.TxRunner, id string, ts int64, monitor, subjectID string) {
	t.Helper()
	if _, err := db.Exec(context.Background(),
		"INSERT INTO events (id, ts_utc, monitor, subject_id) VALUES (?, ?, ?, ?)",
		id, ts, monitor, subjectID); err != nil {
		t.Fatalf("insert event: %v", err)
	}
}

func TestFindHourMismatches_EventsWithoutSummaryIsAMismatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	insertEvent(t, db, "e1", 1000, "keyboard", "")

	now := hourMs + 10*60_000
	mismatches, err := FindHourMismatches(ctx, db, 0, hourMs, 5, now)
	if err != nil {
		t.Fatalf("FindHourMismatches: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0] != 0 {
		t.Fatalf("mismatches = %v, want [0]", mismatches)
	}
}

func TestFindHourMismatches_NoEventsNoSummaryIsClean(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := hourMs + 10*60_000
	mismatches, err := FindHourMismatches(ctx, db, 0, hourMs, 5, now)
	if err != nil {
		t.Fatalf("FindHourMismatches: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("mismatches = %v, want none", mismatches)
	}
}

func TestFindHourMismatches_OpenHourIsSkipped(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	insertEvent(t, db, "e1", 1000, "keyboard", "")

	// now is still within the grace period after the hour's end.
	now := hourMs + 2*60_000
	mismatches, err := FindHourMismatches(ctx, db, 0, hourMs, 5, now)
	if err != nil {
		t.Fatalf("FindHourMismatches: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("mismatches = %v, want none (hour still open)", mismatches)
	}
}

func TestRecomputeHours_SummarizesEachNamedHour(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	insertEvent(t, db, "kb1", 1000, "keyboard", "")

	now := hourMs + 10*60_000
	stats, err := RecomputeHours(ctx, db, []int64{0}, "run-1", 1, hourly.IdleModeSimple, now)
	if err != nil {
		t.Fatalf("RecomputeHours: %v", err)
	}
	if stats.HoursExamined != 1 || stats.HoursReprocessed != 1 {
		t.Fatalf("stats = %+v, want 1 examined, 1 reprocessed", stats)
	}

	mismatches, err := FindHourMismatches(ctx, db, 0, hourMs, 5, now)
	if err != nil {
		t.Fatalf("FindHourMismatches after recompute: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("mismatches after recompute = %v, want none", mismatches)
	}
}

func TestFindDayMismatches_HourlyDataWithoutDailySummaryIsAMismatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Exec(ctx, `INSERT INTO hourly_summary (
		hour_utc_start_ms, metric_key, value_num, input_row_count, coverage_ratio,
		run_id, input_hash_hex, created_utc_ms, updated_utc_ms, computed_by_version
	) VALUES (0, 'focus_minutes', 30, 1, 0.9, 'run-0', 'hash-1', 0, 0, 1)`); err != nil {
		t.Fatalf("insert hourly_summary: %v", err)
	}

	mismatches, err := FindDayMismatches(ctx, db, []int64{0})
	if err != nil {
		t.Fatalf("FindDayMismatches: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0] != 0 {
		t.Fatalf("mismatches = %v, want [0]", mismatches)
	}
}

func TestFindDayMismatches_CleanWhenHashesAgree(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	hash := dayInputHash([]string{"hash-1"}, "")
	if _, err := db.Exec(ctx, `INSERT INTO hourly_summary (
		hour_utc_start_ms, metric_key, value_num, input_row_count, coverage_ratio,
		run_id, input_hash_hex, created_utc_ms, updated_utc_ms, computed_by_version
	) VALUES (0, 'focus_minutes', 30, 1, 0.9, 'run-0', 'hash-1', 0, 0, 1)`); err != nil {
		t.Fatalf("insert hourly_summary: %v", err)
	}
	if _, err := db.Exec(ctx, `INSERT INTO daily_summary (
		day_utc_start_ms, metric_key, value_num, hours_counted, low_conf_hours,
		run_id, input_hash_hex, created_utc_ms, updated_utc_ms, computed_by_version
	) VALUES (0, 'focus_minutes', 30, 1, 0, 'run-0', ?, 0, 0, 1)`, hash); err != nil {
		t.Fatalf("insert daily_summary: %v", err)
	}

	mismatches, err := FindDayMismatches(ctx, db, []int64{0})
	if err != nil {
		t.Fatalf("FindDayMismatches: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("mismatches = %v, want none", mismatches)
	}
}

func TestRecomputeDays_NoopOnEmptyList(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	stats, err := RecomputeDays(ctx, db, nil, "run-1", 1, 0)
	if err != nil {
		t.Fatalf("RecomputeDays: %v", err)
	}
	if stats != (DayRecomputeStats{}) {
		t.Fatalf("stats = %+v, want zero value", stats)
	}
}
