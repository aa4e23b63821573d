package eventstore

import (
	"context"
	"testing"
)

func TestHealthCheck_ReportsWALModeAndNoMissingObjects(t *testing.T) {
	es := openTestStore(t)
	ctx := context.Background()

	report, err := es.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if report.WALMode != "wal" {
		t.Fatalf("WALMode = %q, want wal", report.WALMode)
	}
	if len(report.TablesMissing) != 0 {
		t.Fatalf("TablesMissing = %v, want none", report.TablesMissing)
	}
	if len(report.IndexesMissing) != 0 {
		t.Fatalf("IndexesMissing = %v, want none", report.IndexesMissing)
	}
	if report.TableCounts["sessions"] != 0 {
		t.Fatalf("expected empty sessions table, got %d", report.TableCounts["sessions"])
	}
}

func TestHealthCheck_CountsReflectInserts(t *testing.T) {
	es := openTestStore(t)
	ctx := context.Background()
	if err := es.InsertSession(ctx, Session{ID: "s1", StartedAtUTC: 1}); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	report, err := es.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if report.TableCounts["sessions"] != 1 {
		t.Fatalf("sessions count = %d, want 1", report.TableCounts["sessions"])
	}
}
