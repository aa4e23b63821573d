// Package session sessionizes active_window events into foreground focus
// sessions and counts context switches within an hour window, grounded on
// the reference's build_window_sessions/count_context_switches.
package session

import (
	"context"
	"fmt"

	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// DefaultIdleThresholdMs is the maximum gap between consecutive
// active_window events before a session is considered to have ended rather
// than continued.
const DefaultIdleThresholdMs = 60_000

// Window is one foreground focus session, clamped to the query range.
type Window struct {
	StartMs  int64
	EndMs    int64
	WindowID *string
	AppID    *string
}

type rawEvent struct {
	tsMs     int64
	windowID *string
	appID    *string
}

// BuildWindowSessions reconstructs foreground focus sessions from
// active_window events in [sinceMs, untilMs), one session per event that
// isn't swallowed by a following idle gap. Sessions are clamped to
// [sinceMs, untilMs) and returned sorted by start time, exactly mirroring
// build_window_sessions including its "large gap still yields a 1-second
// session" behavior.
func BuildWindowSessions(ctx context.Context, db store.RowQuerier, sinceMs, untilMs int64, idleThresholdMs int64) ([]Window, error) {
	if idleThresholdMs <= 0 {
		idleThresholdMs = DefaultIdleThresholdMs
	}

	rows, err := db.Query(ctx, `SELECT e.ts_utc, e.subject_id, w.app_id
		FROM events e
		LEFT JOIN windows w ON w.id = e.subject_id
		WHERE e.monitor = 'active_window' AND e.ts_utc >= ? AND e.ts_utc < ?
		ORDER BY e.ts_utc`, sinceMs, untilMs)
	if err != nil {
		return nil, fmt.Errorf("session: query active_window events: %w", err)
	}
	defer rows.Close()

	var events []rawEvent
	for rows.Next() {
		var ts int64
		var windowID, appID *string
		if err := rows.Scan(&ts, &windowID, &appID); err != nil {
			return nil, fmt.Errorf("session: scan active_window event: %w", err)
		}
		events = append(events, rawEvent{tsMs: ts, windowID: windowID, appID: appID})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterate active_window events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	var sessions []Window
	for i, ev := range events {
		var sessionEnd int64
		if i+1 < len(events) {
			gap := events[i+1].tsMs - ev.tsMs
			if gap > idleThresholdMs {
				// Large gap: the session doesn't extend to the next event,
				// it ends almost immediately — a minimal-duration session.
				sessionEnd = ev.tsMs + 1000
			} else {
				sessionEnd = events[i+1].tsMs
			}
		} else {
			sessionEnd = untilMs
		}

		if sessionEnd <= ev.tsMs {
			continue
		}

		startClamped := maxInt64(ev.tsMs, sinceMs)
		endClamped := minInt64(sessionEnd, untilMs)
		if startClamped >= endClamped {
			continue
		}

		sessions = append(sessions, Window{
			StartMs:  startClamped,
			EndMs:    endClamped,
			WindowID: ev.windowID,
			AppID:    ev.appID,
		})
	}

	// Events are already ordered by ts_utc ascending and each session's
	// start derives from its event's timestamp, so the result is already
	// sorted; no separate sort step is needed.
	return sessions, nil
}

// CountContextSwitches counts the number of session transitions that occur
// within [hstartMs, hendMs): every overlapping session past the first one
// counts as one switch.
func CountContextSwitches(sessions []Window, hstartMs, hendMs int64) int {
	overlapping := 0
	for _, s := range sessions {
		start := maxInt64(s.StartMs, hstartMs)
		end := minInt64(s.EndMs, hendMs)
		if start < end {
			overlapping++
		}
	}
	if overlapping == 0 {
		return 0
	}
	return overlapping - 1
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
