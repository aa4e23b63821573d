package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/quietdesk/quietdesk/internal/core/eventstore"
	"github.com/quietdesk/quietdesk/internal/platform/store"
	spooldomain "github.com/quietdesk/quietdesk/internal/services/spool/domain"
)

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "quietdesk.sqlite3")
	es, err := eventstore.Open(context.Background(), store.Config{
		SQLite: store.SQLiteConfig{
			Enabled:     true,
			Path:        dbPath,
			BusyTimeout: 2 * time.Second,
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func sampleEvent(id string) spooldomain.Event {
	return spooldomain.Event{
		ID:          id,
		TSUtc:       1700000000000,
		Monitor:     "keyboard",
		Action:      "burst",
		SubjectType: "none",
		SessionID:   "01HQZZZZZZZZZZZZZZZZZZZZZZ",
	}
}

func TestInsertEventBatch_InsertsNewEvents(t *testing.T) {
	es := openTestStore(t)
	r := New(es)

	events := []spooldomain.Event{
		sampleEvent("01HQAAAAAAAAAAAAAAAAAAAAAA"),
		sampleEvent("01HQBBBBBBBBBBBBBBBBBBBBBB"),
	}

	inserted, duplicates, err := r.InsertEventBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("InsertEventBatch: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("inserted = %d, want 2", inserted)
	}
	if duplicates != 0 {
		t.Fatalf("duplicates = %d, want 0", duplicates)
	}
}

func TestInsertEventBatch_DuplicateIDsAreSkippedNotErrored(t *testing.T) {
	es := openTestStore(t)
	r := New(es)
	ctx := context.Background()

	ev := sampleEvent("01HQCCCCCCCCCCCCCCCCCCCCCC")
	if _, _, err := r.InsertEventBatch(ctx, []spooldomain.Event{ev}); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	inserted, duplicates, err := r.InsertEventBatch(ctx, []spooldomain.Event{ev, sampleEvent("01HQDDDDDDDDDDDDDDDDDDDDDD")})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("inserted = %d, want 1 (one duplicate, one new)", inserted)
	}
	if duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", duplicates)
	}
}

func TestInsertEventBatch_EmptyBatchIsNoop(t *testing.T) {
	es := openTestStore(t)
	r := New(es)

	inserted, duplicates, err := r.InsertEventBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("InsertEventBatch: %v", err)
	}
	if inserted != 0 || duplicates != 0 {
		t.Fatalf("inserted=%d duplicates=%d, want 0,0", inserted, duplicates)
	}
}
