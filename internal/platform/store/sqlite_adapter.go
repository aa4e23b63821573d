package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// openSQLite opens the embedded database file, enables WAL mode, and wraps
// it with our adapter. It retries the initial ping with backoff the way the
// teacher's openPG guards a cold postgres connection, since a freshly
// created spool directory may race a concurrently-starting daemon process
// for the first open.
func openSQLite(ctx context.Context, cfg SQLiteConfig, s *Store) (TxRunner, error) {
	busyMs := cfg.BusyTimeout.Milliseconds()
	if busyMs <= 0 {
		busyMs = 30_000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, busyMs)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer; serializes through the driver's own lock

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 6
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = db.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			a := newSQLiteAdapter(db, cfg.LogSQL, s)
			return a, nil
		}
		if ctx.Err() != nil {
			_ = db.Close()
			return nil, ctx.Err()
		}
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	_ = db.Close()
	return nil, fmt.Errorf("sqlite: ping failed after %d attempts: %w", retries, lastErr)
}

// sqliteAdapter wraps *sql.DB and implements RowQuerier + TxRunner
type sqliteAdapter struct {
	db     *sql.DB
	logSQL bool
	s      *Store
}

func newSQLiteAdapter(db *sql.DB, logSQL bool, s *Store) *sqliteAdapter {
	return &sqliteAdapter{db: db, logSQL: logSQL, s: s}
}

func (a *sqliteAdapter) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }

func (a *sqliteAdapter) Close() error { return a.db.Close() }

func (a *sqliteAdapter) Exec(ctx context.Context, sqlStr string, args ...any) (CommandTag, error) {
	start := time.Now()
	res, err := a.db.ExecContext(ctx, sqlStr, args...)
	a.trace(ctx, sqlStr, start, err)
	if err != nil {
		return nil, err
	}
	return resultTag{res}, nil
}

func (a *sqliteAdapter) Query(ctx context.Context, sqlStr string, args ...any) (Rows, error) {
	start := time.Now()
	rs, err := a.db.QueryContext(ctx, sqlStr, args...)
	a.trace(ctx, sqlStr, start, err)
	if err != nil {
		return nil, err
	}
	return sqlRows{rs}, nil
}

func (a *sqliteAdapter) QueryRow(ctx context.Context, sqlStr string, args ...any) Row {
	start := time.Now()
	r := a.db.QueryRowContext(ctx, sqlStr, args...)
	a.trace(ctx, sqlStr, start, nil)
	return r
}

func (a *sqliteAdapter) Tx(ctx context.Context, fn func(q RowQuerier) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	q := sqliteTxQuerier{tx: tx, logSQL: a.logSQL, s: a.s}
	if err := fn(q); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (a *sqliteAdapter) trace(ctx context.Context, sqlStr string, start time.Time, err error) {
	if !a.logSQL || a.s == nil {
		return
	}
	ev := a.s.Log.Debug().Str("sql", sqlStr).Dur("elapsed", time.Since(start))
	if err != nil {
		ev = a.s.Log.Warn().Str("sql", sqlStr).Dur("elapsed", time.Since(start)).Err(err)
	}
	ev.Msg("sqlite query")
}

// sqliteTxQuerier wraps *sql.Tx to satisfy RowQuerier inside a Tx
type sqliteTxQuerier struct {
	tx     *sql.Tx
	logSQL bool
	s      *Store
}

func (t sqliteTxQuerier) Exec(ctx context.Context, sqlStr string, args ...any) (CommandTag, error) {
	res, err := t.tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	return resultTag{res}, nil
}

func (t sqliteTxQuerier) Query(ctx context.Context, sqlStr string, args ...any) (Rows, error) {
	rs, err := t.tx.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rs}, nil
}

func (t sqliteTxQuerier) QueryRow(ctx context.Context, sqlStr string, args ...any) Row {
	return t.tx.QueryRowContext(ctx, sqlStr, args...)
}

// resultTag adapts sql.Result to CommandTag
type resultTag struct{ r sql.Result }

func (t resultTag) String() string {
	n, _ := t.r.RowsAffected()
	return fmt.Sprintf("DONE %d", n)
}

func (t resultTag) RowsAffected() int64 {
	n, _ := t.r.RowsAffected()
	return n
}

// sqlRows adapts *sql.Rows to our Rows interface (Columns() drops the error
// sql.Rows.Columns returns; a rows object that already failed to open never
// reaches here)
type sqlRows struct{ r *sql.Rows }

func (x sqlRows) Next() bool            { return x.r.Next() }
func (x sqlRows) Scan(dst ...any) error { return x.r.Scan(dst...) }
func (x sqlRows) Err() error            { return x.r.Err() }
func (x sqlRows) Close()                { _ = x.r.Close() }
func (x sqlRows) Columns() []string {
	cols, err := x.r.Columns()
	if err != nil {
		return nil
	}
	return cols
}
