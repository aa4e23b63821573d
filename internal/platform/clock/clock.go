// Package clock provides a deterministic clock abstraction. Core and
// service packages depend on this interface instead of calling time.Now()
// directly, so lock expiry, quota windows, and tick scheduling can be
// driven by a fixed or stepped clock in tests.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// RealClock reports actual system time. Use only at application entry
// points (cmd/*).
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant, for deterministic tests.
type FixedClock struct{ T time.Time }

// Now returns the fixed time.
func (c FixedClock) Now() time.Time { return c.T }

// FuncClock wraps a function as a Clock, useful for tests that need
// incrementing or otherwise dynamic time.
type FuncClock func() time.Time

// Now calls the wrapped function.
func (f FuncClock) Now() time.Time { return f() }

// NewReal returns a Clock backed by the real system time.
func NewReal() Clock { return RealClock{} }

// NewFixed returns a Clock that always reports t.
func NewFixed(t time.Time) Clock { return FixedClock{T: t} }

// NewFunc returns a Clock backed by f.
func NewFunc(f func() time.Time) Clock { return FuncClock(f) }

// NowMs returns c.Now() as UTC epoch milliseconds, the unit every
// persisted timestamp in the event store and analysis tables uses.
func NowMs(c Clock) int64 { return c.Now().UnixMilli() }

var (
	_ Clock = RealClock{}
	_ Clock = FixedClock{}
	_ Clock = FuncClock(nil)
)
