package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quietdesk/quietdesk/internal/core/analysisrun"
	"github.com/quietdesk/quietdesk/internal/platform/clock"
	"github.com/quietdesk/quietdesk/internal/platform/logger"
	"github.com/quietdesk/quietdesk/internal/services/summarize/hourly"
	"github.com/quietdesk/quietdesk/internal/services/tick"
)

func runTick(args []string) error {
	fs := flag.NewFlagSet("tick", flag.ExitOnError)
	fConfig := fs.String("config", "", "path to a YAML config file (optional)")
	fBackfillHours := fs.Int("backfill-hours", 6, "how many hours back of the hourly window to catch up each pass")
	fGraceMinutes := fs.Int("grace-minutes", 5, "minutes after an hour ends before it's considered closed")
	fSessionGap := fs.Bool("session-gap-idle", false, "use session-gap idle accounting instead of the simple heuristic")
	fDaily := fs.Bool("daily", false, "force the daily phase regardless of time of day")
	fOnce := fs.Bool("once", true, "run a single tick pass and exit, instead of looping on -interval")
	fInterval := fs.Duration("interval", 5*time.Minute, "how often to run a tick pass when -once=false")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadStorageConfig(*fConfig)
	if err != nil {
		return err
	}

	ctx := context.Background()
	_, db, closeFn, err := openEventStore(ctx, cfg.dbPath, cfg.logSQL)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	idleMode := hourly.IdleModeSimple
	if *fSessionGap {
		idleMode = hourly.IdleModeSessionGap
	}

	l := logger.Get()
	c := clock.NewReal()

	// Each pass gets its own analysis_run row: a caller-level audit trail
	// of when a tick ran, over what window, and how it finished. tick.Once
	// itself never touches analysisrun (see internal/services/tick), so
	// this is the scheduling layer's job.
	runOnce := func(runCtx context.Context) error {
		startedMs := clock.NowMs(c)
		sinceMs := startedMs - int64(*fBackfillHours)*int64(time.Hour/time.Millisecond)
		runID, err := analysisrun.Start(runCtx, db, analysisrun.Params{
			SinceUTCMs:           sinceMs,
			UntilUTCMs:           startedMs,
			GraceMinutes:         *fGraceMinutes,
			RecomputeWindowHours: *fBackfillHours,
			ComputedByVersion:    1,
		}, startedMs)
		if err != nil {
			return fmt.Errorf("analysisrun.Start: %w", err)
		}

		params := tick.Params{
			BackfillHours: *fBackfillHours,
			GraceMinutes:  *fGraceMinutes,
			IdleMode:      idleMode,
			DoDaily:       *fDaily,
			RunID:         runID,
			ReportsDir:    cfg.reportsDir,
			DigestsDir:    cfg.digestsDir,
		}

		counters, tickErr := tick.Once(runCtx, db, c, params)

		status := analysisrun.StatusOK
		if tickErr != nil {
			status = analysisrun.StatusFailed
		}
		if finErr := analysisrun.Finish(runCtx, db, runID, status, clock.NowMs(c)); finErr != nil {
			l.Error().Err(finErr).Str("run_id", runID).Msg("analysisrun.Finish failed")
		}
		if tickErr != nil {
			return tickErr
		}

		enc, err := json.Marshal(counters)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(enc))
		return err
	}

	if *fOnce {
		return runOnce(ctx)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*fInterval)
	defer ticker.Stop()

	if err := runOnce(sigCtx); err != nil {
		l.Error().Err(err).Msg("tick pass failed")
	}
	for {
		select {
		case <-sigCtx.Done():
			l.Info().Msg("quietdesk tick: shutting down")
			return nil
		case <-ticker.C:
			if err := runOnce(sigCtx); err != nil {
				l.Error().Err(err).Msg("tick pass failed")
			}
		}
	}
}
