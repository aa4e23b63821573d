package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/quietdesk/quietdesk/internal/platform/clock"
	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
	"github.com/quietdesk/quietdesk/internal/platform/logger"
)

// journalSpooler is the atomic append-only gzip writer for a single
// monitor. Grounded on original_source/lb3/spooler.py's JournalSpooler:
// hourly rotation named YYYYMMDD-HH.ndjson.gz, zero-padded 3-digit
// sequence suffix on a size-triggered rollover within the same hour, and
// atomic publish via a .part suffix plus os.Rename.
type journalSpooler struct {
	monitor string
	dir     string
	cfg     journalConfig
	clock   clock.Clock
	log     logger.Logger

	mu           sync.Mutex
	file         *os.File
	gz           *gzip.Writer
	path         string
	tempPath     string
	hour         string
	sequence     int
	uncompressed int64
	lastWrite    time.Time
	closed       bool
}

type journalConfig struct {
	maxUncompressedBytes int64
	idleTimeout          time.Duration
}

func newJournalSpooler(monitor, spoolDir string, cfg journalConfig, c clock.Clock, log logger.Logger) (*journalSpooler, error) {
	dir := filepath.Join(spoolDir, monitor)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "spool: create monitor directory")
	}
	return &journalSpooler{monitor: monitor, dir: dir, cfg: cfg, clock: c, log: log}, nil
}

// write appends jsonLine (including its trailing newline) to the current
// journal file, rolling over first if the hour changed or the write would
// exceed the size threshold.
func (j *journalSpooler) write(jsonLine []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return platerrors.New(platerrors.ErrorCodeUnknown, "spool: journal spooler closed")
	}

	currentHour := j.clock.Now().UTC().Format("20060102-15")
	hourChanged := j.hour != currentHour
	sizeExceeded := j.file != nil && j.uncompressed+int64(len(jsonLine)) > j.cfg.maxUncompressedBytes

	if hourChanged || sizeExceeded {
		j.rollover(hourChanged)
	}
	if j.file == nil {
		if err := j.openCurrent(currentHour); err != nil {
			return err
		}
	}

	if _, err := j.gz.Write(jsonLine); err != nil {
		return platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "spool: write journal line")
	}
	j.uncompressed += int64(len(jsonLine))
	j.lastWrite = j.clock.Now()
	return nil
}

func (j *journalSpooler) openCurrent(hour string) error {
	j.hour = hour

	var filename string
	if j.sequence == 0 {
		filename = fmt.Sprintf("%s.ndjson.gz", hour)
	} else {
		filename = fmt.Sprintf("%s-%03d.ndjson.gz", hour, j.sequence)
	}
	j.path = filepath.Join(j.dir, filename)
	j.tempPath = filepath.Join(j.dir, filename+".part")

	existingSize := int64(0)
	if data, err := os.ReadFile(j.tempPath); err == nil {
		existingSize = decompressedSize(data)
	}

	f, err := os.OpenFile(j.tempPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "spool: open journal .part")
	}
	j.file = f
	j.gz = gzip.NewWriter(f)
	j.uncompressed = existingSize
	return nil
}

// decompressedSize returns the total decoded byte count of a (possibly
// multi-member) gzip stream, or 0 if it can't be read — matching the
// reference's "best effort, fall back to 0" resumption behavior.
func decompressedSize(data []byte) int64 {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	r.Multistream(true)
	n, _ := io.Copy(io.Discard, r)
	return n
}

// closeCurrent flushes, fsyncs, and atomically publishes the current
// journal file, clearing in-memory state regardless of outcome.
func (j *journalSpooler) closeCurrent() {
	if j.file == nil {
		return
	}

	err := func() error {
		if err := j.gz.Close(); err != nil {
			return err
		}
		if err := j.file.Sync(); err != nil {
			return err
		}
		if err := j.file.Close(); err != nil {
			return err
		}
		return os.Rename(j.tempPath, j.path)
	}()

	if err != nil {
		j.log.Error().Err(err).Str("monitor", j.monitor).Msg("error closing journal file")
		_ = os.Remove(j.tempPath)
	} else {
		if dir, derr := os.Open(j.dir); derr == nil {
			_ = dir.Sync()
			_ = dir.Close()
		}
		j.log.Debug().Str("monitor", j.monitor).Str("path", j.path).Msg("finalized journal file")
	}

	j.file = nil
	j.gz = nil
	j.path = ""
	j.tempPath = ""
	j.hour = ""
	j.uncompressed = 0
}

func (j *journalSpooler) rollover(hourChanged bool) {
	j.closeCurrent()
	if hourChanged {
		j.sequence = 0
	} else {
		j.sequence++
	}
}

// flushIfIdle closes the current file if it has sat unwritten past the
// configured idle timeout.
func (j *journalSpooler) flushIfIdle() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil && j.clock.Now().Sub(j.lastWrite) >= j.cfg.idleTimeout {
		j.closeCurrent()
	}
}

// close finalizes any open file and rejects further writes.
func (j *journalSpooler) close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.closeCurrent()
	j.closed = true
}

func marshalLine(ev any) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeValidation, "spool: marshal event")
	}
	return append(b, '\n'), nil
}
