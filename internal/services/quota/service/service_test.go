package service

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quietdesk/quietdesk/internal/platform/clock"
	"github.com/quietdesk/quietdesk/internal/services/quota/domain"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// fakeScanner is an in-memory domain.Scanner for deterministic tests.
type fakeScanner struct {
	used      int64
	usedErr   error
	scanCalls int
	done      []domain.DoneFile
}

func (f *fakeScanner) UsedBytes() (int64, error) {
	f.scanCalls++
	if f.usedErr != nil {
		return 0, f.usedErr
	}
	return f.used, nil
}

func (f *fakeScanner) LargestDoneFiles() ([]domain.DoneFile, error) {
	return f.done, nil
}

func testConfig() domain.Config {
	return domain.Config{
		QuotaBytes:   1000,
		SoftBytes:    700,
		HardBytes:    900,
		ScanInterval: 30,
		LogIntervalS: 30,
	}
}

func TestUsage_CachesUntilScanIntervalElapses(t *testing.T) {
	scanner := &fakeScanner{used: 100}
	now := time.Unix(1_000_000, 0)
	c := clock.NewFixed(now)
	svc := New(testConfig(), scanner, c, testLogger())

	if _, err := svc.Usage(); err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if _, err := svc.Usage(); err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if scanner.scanCalls != 1 {
		t.Fatalf("scanCalls = %d, want 1 (second call should hit cache)", scanner.scanCalls)
	}
}

func TestUsage_RescansAfterIntervalElapses(t *testing.T) {
	scanner := &fakeScanner{used: 100}
	cur := time.Unix(1_000_000, 0)
	c := clock.NewFunc(func() time.Time { return cur })
	svc := New(testConfig(), scanner, c, testLogger())

	if _, err := svc.Usage(); err != nil {
		t.Fatalf("Usage: %v", err)
	}
	cur = cur.Add(31 * time.Second)
	if _, err := svc.Usage(); err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if scanner.scanCalls != 2 {
		t.Fatalf("scanCalls = %d, want 2 (cache should have expired)", scanner.scanCalls)
	}
}

func TestComputeState_Boundaries(t *testing.T) {
	cfg := testConfig()
	cases := []struct {
		used int64
		want domain.State
	}{
		{0, domain.StateNormal},
		{699, domain.StateNormal},
		{700, domain.StateSoft}, // inclusive lower bound
		{899, domain.StateSoft},
		{900, domain.StateHard}, // inclusive lower bound
		{10000, domain.StateHard},
	}
	for _, tc := range cases {
		if got := computeState(tc.used, cfg); got != tc.want {
			t.Errorf("computeState(%d) = %v, want %v", tc.used, got, tc.want)
		}
	}
}

func TestUpdateUsageOnFileOp_AdjustsCacheWithoutRescan(t *testing.T) {
	scanner := &fakeScanner{used: 100}
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	if _, err := svc.Usage(); err != nil {
		t.Fatalf("Usage: %v", err)
	}
	svc.UpdateUsageOnFileOp(50)

	u, err := svc.Usage()
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.UsedBytes != 150 {
		t.Fatalf("UsedBytes = %d, want 150", u.UsedBytes)
	}
	if scanner.scanCalls != 1 {
		t.Fatalf("scanCalls = %d, want 1 (UpdateUsageOnFileOp must not rescan)", scanner.scanCalls)
	}
}

func TestUpdateUsageOnFileOp_FloorsAtZero(t *testing.T) {
	scanner := &fakeScanner{used: 10}
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	if _, err := svc.Usage(); err != nil {
		t.Fatalf("Usage: %v", err)
	}
	svc.UpdateUsageOnFileOp(-1000)

	u, err := svc.Usage()
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.UsedBytes != 0 {
		t.Fatalf("UsedBytes = %d, want 0 (must floor at zero)", u.UsedBytes)
	}
}

func TestUpdateUsageOnFileOp_NoopBeforeFirstScan(t *testing.T) {
	scanner := &fakeScanner{used: 500}
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	svc.UpdateUsageOnFileOp(50)
	if scanner.scanCalls != 0 {
		t.Fatalf("scanCalls = %d, want 0", scanner.scanCalls)
	}
}

func TestBackpressure_HardStateHasNoDelay(t *testing.T) {
	scanner := &fakeScanner{used: 950}
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	apply, delay, err := svc.Backpressure()
	if err != nil {
		t.Fatalf("Backpressure: %v", err)
	}
	if !apply {
		t.Fatal("apply = false, want true in HARD state")
	}
	if delay != nil {
		t.Fatalf("delay = %v, want nil in HARD state", *delay)
	}
}

func TestBackpressure_SoftStateHasFlushDelay(t *testing.T) {
	scanner := &fakeScanner{used: 750}
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	apply, delay, err := svc.Backpressure()
	if err != nil {
		t.Fatalf("Backpressure: %v", err)
	}
	if !apply {
		t.Fatal("apply = false, want true in SOFT state")
	}
	if delay == nil || *delay != softFlushDelay {
		t.Fatalf("delay = %v, want %v", delay, softFlushDelay)
	}
}

func TestBackpressure_NormalStateNoPressure(t *testing.T) {
	scanner := &fakeScanner{used: 10}
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	apply, delay, err := svc.Backpressure()
	if err != nil {
		t.Fatalf("Backpressure: %v", err)
	}
	if apply {
		t.Fatal("apply = true, want false in NORMAL state")
	}
	if delay != nil {
		t.Fatalf("delay = %v, want nil in NORMAL state", *delay)
	}
}

func TestCanWriteBatch_AllowsUnderHardToleranceCeiling(t *testing.T) {
	scanner := &fakeScanner{used: 900} // at HardBytes exactly
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	// 900 + 80 = 980, ceiling is 900*1.1 = 990: should still be allowed.
	ok, err := svc.CanWriteBatch(80)
	if err != nil {
		t.Fatalf("CanWriteBatch: %v", err)
	}
	if !ok {
		t.Fatal("CanWriteBatch = false, want true (under 110% tolerance)")
	}
}

func TestCanWriteBatch_RejectsOverHardToleranceCeiling(t *testing.T) {
	scanner := &fakeScanner{used: 900}
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	// 900 + 200 = 1100, ceiling is 990: must reject.
	ok, err := svc.CanWriteBatch(200)
	if err != nil {
		t.Fatalf("CanWriteBatch: %v", err)
	}
	if ok {
		t.Fatal("CanWriteBatch = true, want false (exceeds 110% tolerance)")
	}
}

func TestCanWriteBatch_AlwaysAllowedOutsideHardState(t *testing.T) {
	scanner := &fakeScanner{used: 750} // SOFT state
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	ok, err := svc.CanWriteBatch(10_000_000)
	if err != nil {
		t.Fatalf("CanWriteBatch: %v", err)
	}
	if !ok {
		t.Fatal("CanWriteBatch = false, want true outside HARD state regardless of size")
	}
}

func TestIncrementDroppedBatches_AccumulatesAndReflectsInUsage(t *testing.T) {
	scanner := &fakeScanner{used: 10}
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	svc.IncrementDroppedBatches(3)
	svc.IncrementDroppedBatches(2)

	u, err := svc.Usage()
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.DroppedBatches != 5 {
		t.Fatalf("DroppedBatches = %d, want 5", u.DroppedBatches)
	}
}

func TestCheckRecovery_FiresOnceOnTransitionBackToNormal(t *testing.T) {
	scanner := &fakeScanner{used: 950} // HARD
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	if _, _, err := svc.Backpressure(); err != nil {
		t.Fatalf("Backpressure: %v", err)
	}

	recovered, err := svc.CheckRecovery()
	if err != nil {
		t.Fatalf("CheckRecovery: %v", err)
	}
	if recovered {
		t.Fatal("recovered = true while still in HARD state, want false")
	}

	scanner.used = 10 // back to NORMAL
	svc.UpdateUsageOnFileOp(0)
	// Force a rescan by advancing past the cache TTL via a fresh fixed clock.
	svc2 := New(testConfig(), scanner, clock.NewFixed(time.Unix(1_000_031, 0)), testLogger())
	svc2.wasInBackpressure = true

	recovered, err = svc2.CheckRecovery()
	if err != nil {
		t.Fatalf("CheckRecovery: %v", err)
	}
	if !recovered {
		t.Fatal("recovered = false on first NORMAL check after backpressure, want true")
	}

	recovered, err = svc2.CheckRecovery()
	if err != nil {
		t.Fatalf("CheckRecovery: %v", err)
	}
	if recovered {
		t.Fatal("recovered = true on second consecutive NORMAL check, want false (one-shot)")
	}
}

func TestLargestDoneFiles_TruncatesToLimit(t *testing.T) {
	scanner := &fakeScanner{done: []domain.DoneFile{
		{Monitor: "keyboard", Filename: "a.ndjson.gz", Size: 300},
		{Monitor: "mouse", Filename: "b.ndjson.gz", Size: 200},
		{Monitor: "window", Filename: "c.ndjson.gz", Size: 100},
	}}
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	files, err := svc.LargestDoneFiles(2)
	if err != nil {
		t.Fatalf("LargestDoneFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(files))
	}
}

func TestLargestDoneFiles_DefaultsLimitWhenNonPositive(t *testing.T) {
	scanner := &fakeScanner{done: []domain.DoneFile{
		{Monitor: "keyboard", Filename: "a.ndjson.gz", Size: 300},
	}}
	c := clock.NewFixed(time.Unix(1_000_000, 0))
	svc := New(testConfig(), scanner, c, testLogger())

	files, err := svc.LargestDoneFiles(0)
	if err != nil {
		t.Fatalf("LargestDoneFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("len(files) = %d, want 1", len(files))
	}
}
