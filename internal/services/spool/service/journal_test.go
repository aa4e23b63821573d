package service

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/quietdesk/quietdesk/internal/platform/clock"
)

func testJournalLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func readGzipLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	r, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	r.Multistream(true)
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}
	content := strings.TrimRight(string(b), "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func TestJournalSpooler_WriteCreatesPartThenFinalizesOnClose(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewFixed(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	js, err := newJournalSpooler("keyboard", dir, journalConfig{maxUncompressedBytes: 8 << 20, idleTimeout: time.Second}, c, testJournalLogger())
	if err != nil {
		t.Fatalf("newJournalSpooler: %v", err)
	}

	if err := js.write([]byte(`{"a":1}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	partPath := filepath.Join(dir, "keyboard", "20260730-12.ndjson.gz.part")
	if _, err := os.Stat(partPath); err != nil {
		t.Fatalf(".part file missing after write: %v", err)
	}

	js.close()

	finalPath := filepath.Join(dir, "keyboard", "20260730-12.ndjson.gz")
	if _, err := os.Stat(finalPath); err != nil {
		t.Fatalf("finalized journal missing after close: %v", err)
	}
	if _, err := os.Stat(partPath); !os.IsNotExist(err) {
		t.Fatalf(".part file still present after close")
	}

	lines := readGzipLines(t, finalPath)
	if len(lines) != 1 || lines[0] != `{"a":1}` {
		t.Fatalf("lines = %v, want one line", lines)
	}
}

func TestJournalSpooler_HourChangeRollsOverAndResetsSequence(t *testing.T) {
	dir := t.TempDir()
	cur := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	c := clock.NewFunc(func() time.Time { return cur })
	js, err := newJournalSpooler("keyboard", dir, journalConfig{maxUncompressedBytes: 8 << 20, idleTimeout: time.Second}, c, testJournalLogger())
	if err != nil {
		t.Fatalf("newJournalSpooler: %v", err)
	}

	if err := js.write([]byte("a\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	cur = cur.Add(time.Hour)
	if err := js.write([]byte("b\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	js.close()

	firstFinal := filepath.Join(dir, "keyboard", "20260730-12.ndjson.gz")
	secondFinal := filepath.Join(dir, "keyboard", "20260730-13.ndjson.gz")
	if _, err := os.Stat(firstFinal); err != nil {
		t.Fatalf("first hour file missing: %v", err)
	}
	if _, err := os.Stat(secondFinal); err != nil {
		t.Fatalf("second hour file missing: %v", err)
	}
	if js.sequence != 0 {
		t.Fatalf("sequence = %d after hour change, want 0", js.sequence)
	}
}

func TestJournalSpooler_SizeRolloverIncrementsSequenceWithinSameHour(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewFixed(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	js, err := newJournalSpooler("keyboard", dir, journalConfig{maxUncompressedBytes: 4, idleTimeout: time.Second}, c, testJournalLogger())
	if err != nil {
		t.Fatalf("newJournalSpooler: %v", err)
	}

	if err := js.write([]byte("abcd\n")); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := js.write([]byte("efgh\n")); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	js.close()

	firstFinal := filepath.Join(dir, "keyboard", "20260730-12.ndjson.gz")
	secondFinal := filepath.Join(dir, "keyboard", "20260730-12-001.ndjson.gz")
	if _, err := os.Stat(firstFinal); err != nil {
		t.Fatalf("base-sequence file missing: %v", err)
	}
	if _, err := os.Stat(secondFinal); err != nil {
		t.Fatalf("sequence-001 file missing: %v", err)
	}
}

func TestJournalSpooler_FlushIfIdleClosesPastTimeout(t *testing.T) {
	dir := t.TempDir()
	cur := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	c := clock.NewFunc(func() time.Time { return cur })
	js, err := newJournalSpooler("mouse", dir, journalConfig{maxUncompressedBytes: 8 << 20, idleTimeout: 500 * time.Millisecond}, c, testJournalLogger())
	if err != nil {
		t.Fatalf("newJournalSpooler: %v", err)
	}

	if err := js.write([]byte("x\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	js.flushIfIdle()
	if js.file == nil {
		t.Fatal("file closed before idle timeout elapsed")
	}

	cur = cur.Add(600 * time.Millisecond)
	js.flushIfIdle()
	if js.file != nil {
		t.Fatal("file still open after idle timeout elapsed")
	}
}

func TestJournalSpooler_WriteAfterCloseRejected(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewFixed(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	js, err := newJournalSpooler("mouse", dir, journalConfig{maxUncompressedBytes: 8 << 20, idleTimeout: time.Second}, c, testJournalLogger())
	if err != nil {
		t.Fatalf("newJournalSpooler: %v", err)
	}
	js.close()

	if err := js.write([]byte("x\n")); err == nil {
		t.Fatal("write after close succeeded, want error")
	}
}

func TestJournalSpooler_ResumesExistingPartFile(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewFixed(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))

	// Simulate an existing .part left by a prior run: a complete gzip
	// member that was never renamed into its final path.
	monitorDir := filepath.Join(dir, "file")
	if err := os.MkdirAll(monitorDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	partPath := filepath.Join(monitorDir, "20260730-12.ndjson.gz.part")
	f, err := os.Create(partPath)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	gw := gzip.NewWriter(f)
	if _, err := gw.Write([]byte("first\n")); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close seed writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close seed file: %v", err)
	}

	js, err := newJournalSpooler("file", dir, journalConfig{maxUncompressedBytes: 8 << 20, idleTimeout: time.Second}, c, testJournalLogger())
	if err != nil {
		t.Fatalf("newJournalSpooler: %v", err)
	}
	if err := js.write([]byte("second\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if js.uncompressed != int64(len("first\n")+len("second\n")) {
		t.Fatalf("uncompressed = %d, want existing size plus new write", js.uncompressed)
	}
	js.close()

	finalPath := filepath.Join(dir, "file", "20260730-12.ndjson.gz")
	lines := readGzipLines(t, finalPath)
	if len(lines) != 2 || lines[0] != "first" || lines[1] != "second" {
		t.Fatalf("lines = %v, want [first second]", lines)
	}
}
