// Package repo adapts the event store to the importer's Repo port.
package repo

import (
	"context"

	"github.com/quietdesk/quietdesk/internal/core/eventstore"
	spooldomain "github.com/quietdesk/quietdesk/internal/services/spool/domain"
)

// EventRepo implements importer/domain.Repo over an *eventstore.Store.
type EventRepo struct {
	store *eventstore.Store
}

// New wraps an already-open event store.
func New(store *eventstore.Store) *EventRepo {
	return &EventRepo{store: store}
}

// InsertEventBatch converts journal events to event-store rows and inserts
// them inside one transaction with INSERT OR IGNORE semantics. Duplicates
// are derived as len(events)-inserted, mirroring the reference importer's
// total_changes-based dedup count.
func (r *EventRepo) InsertEventBatch(ctx context.Context, events []spooldomain.Event) (inserted, duplicates int, err error) {
	if len(events) == 0 {
		return 0, 0, nil
	}

	rows := make([]eventstore.Event, len(events))
	for i, ev := range events {
		rows[i] = eventstore.Event{
			ID:              ev.ID,
			TSUtc:           ev.TSUtc,
			Monitor:         ev.Monitor,
			Action:          ev.Action,
			SubjectType:     ev.SubjectType,
			SubjectID:       ev.SubjectID,
			SessionID:       ev.SessionID,
			BatchID:         ev.BatchID,
			PID:             ev.PID,
			ExeName:         ev.ExeName,
			ExePathHash:     ev.ExePathHash,
			WindowTitleHash: ev.WindowTitleHash,
			URLHash:         ev.URLHash,
			FilePathHash:    ev.FilePathHash,
			AttrsJSON:       ev.AttrsJSON,
		}
	}

	n, err := r.store.InsertEventsBatch(ctx, rows)
	if err != nil {
		return 0, 0, err
	}
	inserted = int(n)
	duplicates = len(events) - inserted
	return inserted, duplicates, nil
}
