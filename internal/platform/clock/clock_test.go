package clock

import (
	"testing"
	"time"
)

func TestFixedClock_AlwaysReturnsSameTime(t *testing.T) {
	ts := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	c := NewFixed(ts)
	if !c.Now().Equal(ts) {
		t.Fatalf("Now() = %v, want %v", c.Now(), ts)
	}
	if !c.Now().Equal(ts) {
		t.Fatalf("second Now() call drifted")
	}
}

func TestFuncClock_CallsWrappedFunc(t *testing.T) {
	calls := 0
	c := NewFunc(func() time.Time {
		calls++
		return time.Unix(int64(calls), 0).UTC()
	})
	first := c.Now()
	second := c.Now()
	if first.Equal(second) {
		t.Fatalf("expected FuncClock to advance between calls")
	}
}

func TestNowMs_ReturnsUnixMilli(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFixed(ts)
	if got, want := NowMs(c), ts.UnixMilli(); got != want {
		t.Fatalf("NowMs = %d, want %d", got, want)
	}
}

func TestRealClock_ReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	got := NewReal().Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Fatalf("RealClock.Now() = %v, want between %v and %v", got, before, after)
	}
}
