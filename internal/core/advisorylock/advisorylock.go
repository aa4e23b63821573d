// Package advisorylock implements the single-writer coordination lock the
// reconciler, summarizers, and advice engine use to avoid two tick
// invocations racing on the same analysis window. Grounded directly on
// original_source/lb3/ai/lock.py's acquire_lock/renew_lock/release_lock/
// lock_status, backed by the advisory_lock table (eventstore migration 3).
package advisorylock

import (
	"context"
	"database/sql"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/quietdesk/quietdesk/internal/platform/clock"
	"github.com/quietdesk/quietdesk/internal/platform/idgen"
	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// AcquireResult reports whether a lock was acquired, and if not, who holds
// it and when that hold expires.
type AcquireResult struct {
	Acquired     bool
	OwnerToken   string
	HeldBy       string
	ExpiresUTCMs int64
}

// RenewResult reports whether an owned lock's expiry was extended.
type RenewResult struct {
	Renewed      bool
	Reason       string // "not_owner" or "not_found", empty when Renewed
	ExpiresUTCMs int64
}

// ReleaseResult reports whether a held lock was released.
type ReleaseResult struct {
	Released bool
	Reason   string // "not_owner" or "not_found", empty when Released
}

// Status reports whether a lock currently exists and who holds it.
type Status struct {
	Exists        bool
	OwnerToken    string
	AcquiredUTCMs int64
	ExpiresUTCMs  int64
}

// Acquire attempts to take lockName for ttl, first sweeping any lock rows
// that have already expired. A currently-held, unexpired lock loses the
// race and reports who holds it; there is no queueing or waiting.
func Acquire(ctx context.Context, db store.TxRunner, c clock.Clock, lockName string, ttl time.Duration) (AcquireResult, error) {
	now := clock.NowMs(c)
	expires := now + ttl.Milliseconds()

	var result AcquireResult
	err := db.Tx(ctx, func(q store.RowQuerier) error {
		if _, err := q.Exec(ctx, "DELETE FROM advisory_lock WHERE expires_utc_ms <= ?", now); err != nil {
			return fmt.Errorf("sweep expired locks: %w", err)
		}

		var heldBy string
		var heldExpires int64
		err := q.QueryRow(ctx, "SELECT owner_token, expires_utc_ms FROM advisory_lock WHERE lock_name = ?", lockName).
			Scan(&heldBy, &heldExpires)
		switch {
		case err == nil:
			result = AcquireResult{Acquired: false, HeldBy: heldBy, ExpiresUTCMs: heldExpires}
			return nil
		case goerrors.Is(err, sql.ErrNoRows):
			owner := idgen.NewLockOwner()
			if _, err := q.Exec(ctx,
				"INSERT INTO advisory_lock (lock_name, owner_token, acquired_utc_ms, expires_utc_ms) VALUES (?, ?, ?, ?)",
				lockName, owner, now, expires); err != nil {
				return fmt.Errorf("insert lock: %w", err)
			}
			result = AcquireResult{Acquired: true, OwnerToken: owner, ExpiresUTCMs: expires}
			return nil
		default:
			return fmt.Errorf("lookup lock: %w", err)
		}
	})
	return result, err
}

// Renew extends ownerToken's hold on lockName by ttl, provided it still
// holds it. Renewing a lock someone else now holds, or one that expired
// and was swept, fails with a reason rather than an error.
func Renew(ctx context.Context, db store.TxRunner, c clock.Clock, lockName, ownerToken string, ttl time.Duration) (RenewResult, error) {
	now := clock.NowMs(c)
	newExpires := now + ttl.Milliseconds()

	var result RenewResult
	err := db.Tx(ctx, func(q store.RowQuerier) error {
		if _, err := q.Exec(ctx, "DELETE FROM advisory_lock WHERE expires_utc_ms <= ?", now); err != nil {
			return fmt.Errorf("sweep expired locks: %w", err)
		}

		tag, err := q.Exec(ctx,
			"UPDATE advisory_lock SET expires_utc_ms = ? WHERE lock_name = ? AND owner_token = ?",
			newExpires, lockName, ownerToken)
		if err != nil {
			return fmt.Errorf("renew lock: %w", err)
		}
		if tag.RowsAffected() > 0 {
			result = RenewResult{Renewed: true, ExpiresUTCMs: newExpires}
			return nil
		}

		var existing string
		err = q.QueryRow(ctx, "SELECT owner_token FROM advisory_lock WHERE lock_name = ?", lockName).Scan(&existing)
		switch {
		case err == nil:
			result = RenewResult{Reason: "not_owner"}
		case goerrors.Is(err, sql.ErrNoRows):
			result = RenewResult{Reason: "not_found"}
		default:
			return fmt.Errorf("lookup lock after failed renew: %w", err)
		}
		return nil
	})
	return result, err
}

// Release drops lockName, provided ownerToken still holds it.
func Release(ctx context.Context, db store.TxRunner, lockName, ownerToken string) (ReleaseResult, error) {
	var result ReleaseResult
	err := db.Tx(ctx, func(q store.RowQuerier) error {
		tag, err := q.Exec(ctx, "DELETE FROM advisory_lock WHERE lock_name = ? AND owner_token = ?", lockName, ownerToken)
		if err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		if tag.RowsAffected() > 0 {
			result = ReleaseResult{Released: true}
			return nil
		}

		var existing string
		err = q.QueryRow(ctx, "SELECT owner_token FROM advisory_lock WHERE lock_name = ?", lockName).Scan(&existing)
		switch {
		case err == nil:
			result = ReleaseResult{Reason: "not_owner"}
		case goerrors.Is(err, sql.ErrNoRows):
			result = ReleaseResult{Reason: "not_found"}
		default:
			return fmt.Errorf("lookup lock after failed release: %w", err)
		}
		return nil
	})
	return result, err
}

// LockStatus reports whether lockName currently has an unexpired holder,
// sweeping expired rows first.
func LockStatus(ctx context.Context, db store.TxRunner, c clock.Clock, lockName string) (Status, error) {
	now := clock.NowMs(c)

	var result Status
	err := db.Tx(ctx, func(q store.RowQuerier) error {
		if _, err := q.Exec(ctx, "DELETE FROM advisory_lock WHERE expires_utc_ms <= ?", now); err != nil {
			return fmt.Errorf("sweep expired locks: %w", err)
		}

		var owner string
		var acquired, expires int64
		err := q.QueryRow(ctx, "SELECT owner_token, acquired_utc_ms, expires_utc_ms FROM advisory_lock WHERE lock_name = ?", lockName).
			Scan(&owner, &acquired, &expires)
		switch {
		case err == nil:
			result = Status{Exists: true, OwnerToken: owner, AcquiredUTCMs: acquired, ExpiresUTCMs: expires}
		case goerrors.Is(err, sql.ErrNoRows):
			result = Status{Exists: false}
		default:
			return fmt.Errorf("lookup lock status: %w", err)
		}
		return nil
	})
	return result, err
}
