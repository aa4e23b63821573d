package clock

import (
	"sync"
	"time"
)

// Scheduler runs deferred callbacks against wall time — the flush timers
// the spooler and tick orchestrator use to act on a cadence rather than
// per-event. A RealClock-backed Scheduler is just time.AfterFunc/NewTicker;
// the point of the seam is so tests can swap in one that fires
// synchronously instead of waiting on a wall-clock duration.
type Scheduler interface {
	// After schedules fn to run once after d elapses, returning a Cancel
	// that stops it if it hasn't fired yet.
	After(d time.Duration, fn func()) Cancel

	// Every schedules fn to run repeatedly every d, until canceled.
	Every(d time.Duration, fn func()) Cancel
}

// Cancel stops a scheduled callback. Calling it more than once, or after
// the callback has already fired, is a no-op.
type Cancel func()

// realScheduler schedules against the actual wall clock via the standard
// library's timer and ticker primitives.
type realScheduler struct{}

// NewRealScheduler returns a Scheduler backed by real timers.
func NewRealScheduler() Scheduler { return realScheduler{} }

func (realScheduler) After(d time.Duration, fn func()) Cancel {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

func (realScheduler) Every(d time.Duration, fn func()) Cancel {
	t := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
		})
	}
}
