// Package service implements the spool quota backpressure controller.
// Grounded on original_source/lb3/spool_quota.py's SpoolQuotaManager.
package service

import (
	"sync"
	"time"

	"github.com/quietdesk/quietdesk/internal/platform/clock"
	"github.com/quietdesk/quietdesk/internal/platform/logger"
	"github.com/quietdesk/quietdesk/internal/services/quota/domain"
)

// softFlushDelay is the delay check_backpressure tells callers to apply to
// flushes while in the SOFT state.
const softFlushDelay = 300 * time.Millisecond

// hardStateTolerance lets a write through in HARD state provided it
// doesn't push usage past 110% of the hard threshold.
const hardStateTolerance = 1.1

// Service caches a directory scan for ScanInterval seconds and tracks
// dropped-batch counts and backpressure transitions in memory; it has no
// database dependency, unlike most services in this tree.
type Service struct {
	cfg     domain.Config
	scanner domain.Scanner
	clock   clock.Clock
	limiter *logger.ClassLimiter
	log     logger.Logger

	mu                sync.Mutex
	cached            *domain.Usage
	lastScanUnix      int64
	droppedBatches    int64
	wasInBackpressure bool
}

// New constructs a quota Service. cfg.ScanInterval defaults to 30s and
// cfg.LogIntervalS to 30s when zero, matching the reference defaults.
func New(cfg domain.Config, scanner domain.Scanner, c clock.Clock, log logger.Logger) *Service {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30
	}
	if cfg.LogIntervalS <= 0 {
		cfg.LogIntervalS = 30
	}
	return &Service{
		cfg:     cfg,
		scanner: scanner,
		clock:   c,
		limiter: logger.NewClassLimiter(time.Duration(cfg.LogIntervalS) * time.Second),
		log:     log,
	}
}

// Usage returns the current spool usage, rescanning the filesystem only
// when the cached value is older than cfg.ScanInterval seconds.
func (s *Service) Usage() (domain.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageLocked()
}

func (s *Service) usageLocked() (domain.Usage, error) {
	now := s.clock.Now().Unix()
	if s.cached != nil && now-s.lastScanUnix < s.cfg.ScanInterval {
		return *s.cached, nil
	}

	used, err := s.scanner.UsedBytes()
	if err != nil {
		return domain.Usage{}, err
	}
	usage := domain.Usage{
		UsedBytes:      used,
		QuotaBytes:     s.cfg.QuotaBytes,
		SoftBytes:      s.cfg.SoftBytes,
		HardBytes:      s.cfg.HardBytes,
		State:          computeState(used, s.cfg),
		DroppedBatches: s.droppedBatches,
	}
	s.cached = &usage
	s.lastScanUnix = now
	return usage, nil
}

func computeState(used int64, cfg domain.Config) domain.State {
	switch {
	case used >= cfg.HardBytes:
		return domain.StateHard
	case used >= cfg.SoftBytes:
		return domain.StateSoft
	default:
		return domain.StateNormal
	}
}

// UpdateUsageOnFileOp adjusts the cached usage by delta bytes without a
// fresh directory scan — called after a batch write or _done rotation so
// the next Usage() call reflects the change immediately.
func (s *Service) UpdateUsageOnFileOp(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return
	}
	newUsed := s.cached.UsedBytes + delta
	if newUsed < 0 {
		newUsed = 0
	}
	s.cached = &domain.Usage{
		UsedBytes:      newUsed,
		QuotaBytes:     s.cfg.QuotaBytes,
		SoftBytes:      s.cfg.SoftBytes,
		HardBytes:      s.cfg.HardBytes,
		State:          computeState(newUsed, s.cfg),
		DroppedBatches: s.droppedBatches,
	}
}

// Backpressure reports whether writes should be throttled and, if so, the
// flush delay to apply — nil for HARD state (pause entirely), a non-nil
// softFlushDelay for SOFT.
func (s *Service) Backpressure() (apply bool, delay *time.Duration, err error) {
	usage, err := s.Usage()
	if err != nil {
		return false, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch usage.State {
	case domain.StateHard:
		if s.limiter.Allow("quota:hard", s.clock.Now()) {
			s.log.Warn().
				Int64("used_mb", usage.UsedBytes/(1024*1024)).
				Int64("quota_mb", usage.QuotaBytes/(1024*1024)).
				Msg("hard spool quota exceeded, pausing writes")
		}
		s.wasInBackpressure = true
		return true, nil, nil
	case domain.StateSoft:
		if s.limiter.Allow("quota:soft", s.clock.Now()) {
			s.log.Info().
				Int64("used_mb", usage.UsedBytes/(1024*1024)).
				Int64("quota_mb", usage.QuotaBytes/(1024*1024)).
				Msg("soft spool quota reached, applying flush delay")
		}
		s.wasInBackpressure = true
		d := softFlushDelay
		return true, &d, nil
	default:
		return false, nil, nil
	}
}

// CanWriteBatch reports whether a batch of estimatedSize bytes may be
// written. Normal/SOFT states always allow it; HARD state allows it only
// if the write wouldn't push usage past 110% of the hard threshold.
func (s *Service) CanWriteBatch(estimatedSize int64) (bool, error) {
	usage, err := s.Usage()
	if err != nil {
		return false, err
	}
	if usage.State != domain.StateHard {
		return true, nil
	}
	if estimatedSize <= 0 {
		return true, nil
	}
	return !(float64(usage.UsedBytes+estimatedSize) > float64(s.cfg.HardBytes)*hardStateTolerance), nil
}

// IncrementDroppedBatches adds count to the running dropped-batch total.
func (s *Service) IncrementDroppedBatches(count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.droppedBatches += count
	if s.cached != nil {
		s.cached.DroppedBatches = s.droppedBatches
	}
}

// CheckRecovery reports whether the quota state has just transitioned back
// to NORMAL after a SOFT/HARD episode, logging the transition exactly once.
func (s *Service) CheckRecovery() (bool, error) {
	usage, err := s.Usage()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if usage.State == domain.StateNormal {
		if s.wasInBackpressure {
			s.log.Info().Msg("spool backpressure cleared, resuming normal operation")
			s.wasInBackpressure = false
			return true, nil
		}
		return false, nil
	}
	s.wasInBackpressure = true
	return false, nil
}

// LargestDoneFiles returns the top limit largest *.ndjson.gz files across
// every monitor's _done subdirectory, for operator diagnostics.
func (s *Service) LargestDoneFiles(limit int) ([]domain.DoneFile, error) {
	if limit <= 0 {
		limit = 5
	}
	files, err := s.scanner.LargestDoneFiles()
	if err != nil {
		return nil, err
	}
	if len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
