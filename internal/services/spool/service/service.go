// Package service implements the per-monitor spool writer: an atomic,
// append-only gzip journal per monitor, plus the in-memory backpressure
// buffer the spool side of quota coupling uses under HARD state.
// Grounded on original_source/lb3/spooler.py's JournalSpooler/SpoolerManager.
package service

import (
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/quietdesk/quietdesk/internal/platform/clock"
	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
	"github.com/quietdesk/quietdesk/internal/platform/logger"
	"github.com/quietdesk/quietdesk/internal/services/spool/domain"
)

// Service owns one journalSpooler per monitor plus, while the injected
// BackpressureChecker reports HARD state, an in-memory per-monitor buffer
// of events that couldn't be written to disk. Its lookup map and each
// spooler's own mutex are separate locks, matching the reference's
// "spooler-manager lookup guarded by a separate mutex" requirement.
type Service struct {
	cfg      domain.Config
	spoolDir string
	checker  domain.BackpressureChecker
	clock    clock.Clock
	log      logger.Logger
	validate *validator.Validate
	sleep    func(time.Duration)

	mu       sync.Mutex
	spoolers map[string]*journalSpooler
	buffers  map[string][]domain.Event
	bufBytes map[string]int64
	dropped  int64
}

// New constructs a spool Service. checker may be nil, in which case
// backpressure is never consulted and every write goes straight to disk.
func New(cfg domain.Config, checker domain.BackpressureChecker, c clock.Clock, log logger.Logger) *Service {
	if cfg.MaxUncompressedBytes <= 0 {
		cfg.MaxUncompressedBytes = domain.DefaultMaxUncompressedBytes
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = domain.DefaultIdleTimeout
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = domain.DefaultMaxBufferBytes
	}
	return &Service{
		cfg:      cfg,
		spoolDir: cfg.SpoolDir,
		checker:  checker,
		clock:    c,
		log:      log,
		validate: validator.New(),
		sleep:    time.Sleep,
		spoolers: make(map[string]*journalSpooler),
		buffers:  make(map[string][]domain.Event),
		bufBytes: make(map[string]int64),
	}
}

func (s *Service) spoolerFor(monitor string) (*journalSpooler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if js, ok := s.spoolers[monitor]; ok {
		return js, nil
	}
	js, err := newJournalSpooler(monitor, s.spoolDir, journalConfig{
		maxUncompressedBytes: s.cfg.MaxUncompressedBytes,
		idleTimeout:          s.cfg.IdleTimeout,
	}, s.clock, s.log)
	if err != nil {
		return nil, err
	}
	s.spoolers[monitor] = js
	return js, nil
}

// WriteEvent validates ev and writes it to its monitor's journal,
// consulting the backpressure checker first: HARD state buffers the
// event in memory instead of touching disk (applying the low-priority
// drop policy if the buffer is full); SOFT state sleeps the advised
// flush delay before writing through.
func (s *Service) WriteEvent(monitor string, ev domain.Event) error {
	if err := s.validate.Struct(ev); err != nil {
		return platerrors.Wrap(err, platerrors.ErrorCodeValidation, "spool: invalid event")
	}

	if s.checker != nil {
		apply, delay, err := s.checker.Backpressure()
		if err != nil {
			return err
		}
		if apply {
			if delay == nil {
				s.bufferEvent(monitor, ev)
				return nil
			}
			s.sleep(*delay)
		} else {
			s.replayBuffered(monitor)
		}
	}

	return s.writeThrough(monitor, ev)
}

func (s *Service) writeThrough(monitor string, ev domain.Event) error {
	js, err := s.spoolerFor(monitor)
	if err != nil {
		return err
	}
	line, err := marshalLine(ev)
	if err != nil {
		return err
	}
	return js.write(line)
}

// bufferEvent appends ev to monitor's in-memory buffer, dropping the
// oldest low-priority buffered event first if the byte cap would be
// exceeded, or rejecting the new event (incrementing the dropped-batch
// counter) if nothing low-priority remains to evict.
func (s *Service) bufferEvent(monitor string, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := marshalLine(ev)
	if err != nil {
		return
	}
	size := int64(len(line))

	for s.bufBytes[monitor]+size > s.cfg.MaxBufferBytes {
		buf := s.buffers[monitor]
		idx := -1
		for i, b := range buf {
			if domain.LowPriorityMonitors[b.Monitor] {
				idx = i
				break
			}
		}
		if idx < 0 {
			s.dropped++
			s.log.Warn().Str("monitor", monitor).Msg("spool buffer full, dropping event")
			return
		}
		evicted := buf[idx]
		evictedLine, _ := marshalLine(evicted)
		s.bufBytes[monitor] -= int64(len(evictedLine))
		s.buffers[monitor] = append(buf[:idx], buf[idx+1:]...)
	}

	s.buffers[monitor] = append(s.buffers[monitor], ev)
	s.bufBytes[monitor] += size
}

// replayBuffered flushes monitor's buffered events to disk in FIFO order,
// called once backpressure has cleared.
func (s *Service) replayBuffered(monitor string) {
	s.mu.Lock()
	buf := s.buffers[monitor]
	s.buffers[monitor] = nil
	s.bufBytes[monitor] = 0
	s.mu.Unlock()

	for _, ev := range buf {
		if err := s.writeThrough(monitor, ev); err != nil {
			s.log.Error().Err(err).Str("monitor", monitor).Msg("failed to replay buffered event")
		}
	}
}

// DroppedBatches returns the running count of buffered events dropped
// because the per-monitor backpressure buffer was full.
func (s *Service) DroppedBatches() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// FlushIdleSpoolers closes any per-monitor journal that has sat unwritten
// past its idle timeout.
func (s *Service) FlushIdleSpoolers() {
	s.mu.Lock()
	spoolers := make([]*journalSpooler, 0, len(s.spoolers))
	for _, js := range s.spoolers {
		spoolers = append(spoolers, js)
	}
	s.mu.Unlock()

	for _, js := range spoolers {
		js.flushIfIdle()
	}
}

// CloseAll finalizes every open journal file across all monitors.
func (s *Service) CloseAll() {
	s.mu.Lock()
	spoolers := make([]*journalSpooler, 0, len(s.spoolers))
	for _, js := range s.spoolers {
		spoolers = append(spoolers, js)
	}
	s.mu.Unlock()

	for _, js := range spoolers {
		js.close()
	}
}

// Status returns the pending-file count for every monitor directory that
// exists under the spool root — the (monitor -> pending_file_count) view
// the status operator surface reports.
func (s *Service) Status() (map[string]int, error) {
	return pendingFileCounts(s.spoolDir)
}
