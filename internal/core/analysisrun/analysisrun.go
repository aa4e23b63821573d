// Package analysisrun tracks the lifecycle of one analysis pass (the
// summarizer/reconciler/advice/report chain a tick invokes): a run_id,
// the parameters it was started with, and its final status. Grounded on
// original_source/lb3/ai/run.py's start_run/finish_run/get_code_git_sha.
package analysisrun

import (
	"context"
	"encoding/json"

	"github.com/quietdesk/quietdesk/internal/core/version"
	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
	"github.com/quietdesk/quietdesk/internal/platform/idgen"
	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// Status is a run's terminal or in-flight state.
type Status string

const (
	StatusPartial Status = "partial"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
)

// Params is the normalized parameter set a run is started with, persisted
// as params_json for audit/debugging.
type Params struct {
	SinceUTCMs           int64          `json:"since_utc_ms"`
	UntilUTCMs           int64          `json:"until_utc_ms"`
	GraceMinutes         int            `json:"grace_minutes"`
	RecomputeWindowHours int            `json:"recompute_window_hours"`
	MetricVersions       map[string]int `json:"metric_versions,omitempty"`
	ComputedByVersion    int            `json:"computed_by_version"`
}

// CodeGitSHA reports the build's commit stamp, the Go-native replacement
// for run.py's runtime "git rev-parse --short HEAD" subprocess call: the
// daemon already carries a build-time-injected commit via
// internal/core/version, so there's no reason to shell out to git from a
// running process to get the same answer less reliably.
func CodeGitSHA() string {
	sha := version.Info().Commit
	if sha == "" || sha == "none" {
		return ""
	}
	return sha
}

// Start inserts a new analysis_run row in "partial" status and returns its
// run_id. The row is finalized by Finish once the chain that uses this run
// completes (or fails).
func Start(ctx context.Context, db store.RowQuerier, params Params, startedUTCMs int64) (string, error) {
	runID := idgen.NewRunID()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "analysisrun: marshal params")
	}

	gitSHA := CodeGitSHA()
	var gitSHAArg any
	if gitSHA != "" {
		gitSHAArg = gitSHA
	}

	_, err = db.Exec(ctx, `INSERT INTO analysis_run (
		run_id, started_utc_ms, finished_utc_ms, code_git_sha, params_json, status
	) VALUES (?, ?, NULL, ?, ?, ?)`,
		runID, startedUTCMs, gitSHAArg, string(paramsJSON), string(StatusPartial))
	if err != nil {
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "analysisrun: insert run")
	}
	return runID, nil
}

// Finish marks runID with its terminal status and finish timestamp.
func Finish(ctx context.Context, db store.RowQuerier, runID string, status Status, finishedUTCMs int64) error {
	if status != StatusOK && status != StatusPartial && status != StatusFailed {
		return platerrors.Validationf("analysisrun: invalid status %q", status)
	}
	tag, err := db.Exec(ctx, `UPDATE analysis_run SET finished_utc_ms = ?, status = ? WHERE run_id = ?`,
		finishedUTCMs, string(status), runID)
	if err != nil {
		return platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "analysisrun: finish run")
	}
	if tag.RowsAffected() == 0 {
		return platerrors.Newf(platerrors.ErrorCodeValidation, "analysisrun: run_id %s not found", runID)
	}
	return nil
}
