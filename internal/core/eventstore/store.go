package eventstore

import (
	"context"
	"database/sql"
	goerrors "errors"
	"fmt"

	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
	"github.com/quietdesk/quietdesk/internal/platform/idgen"
	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// Store wraps the platform sqlite seam with quietdesk's event-store schema
// and dimension-table upserts. It owns migrating the database up to
// LatestSchemaVersion on open, the way the reference implementation's
// Database.__init__ calls _init_database() eagerly.
type Store struct {
	db store.TxRunner
}

// Open connects to the sqlite backend described by cfg and brings the
// schema up to LatestSchemaVersion before returning.
func Open(ctx context.Context, cfg store.Config, opts ...store.Option) (*Store, error) {
	s, err := store.Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if s.DB == nil {
		return nil, platerrors.Validationf("eventstore: sqlite backend is disabled")
	}
	es := &Store{db: s.DB}
	if err := es.migrate(ctx); err != nil {
		return nil, err
	}
	return es, nil
}

// FromTxRunner wraps an already-open backend, applying migrations. Tests
// that already hold a *store.Store use this to avoid re-dialing.
func FromTxRunner(ctx context.Context, db store.TxRunner) (*Store, error) {
	es := &Store{db: db}
	if err := es.migrate(ctx); err != nil {
		return nil, err
	}
	return es, nil
}

// migrate creates the base schema and indexes if absent, bootstraps the
// schema_version singleton row, then applies every pending migration in
// order — mirroring Database._init_database/apply_migrations.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(baseSchema) {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return platerrors.Wrapf(err, platerrors.ErrorCodeFileCorruption, "eventstore: create base schema")
		}
	}
	for _, stmt := range splitStatements(indexSchema) {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return platerrors.Wrapf(err, platerrors.ErrorCodeFileCorruption, "eventstore: create base indexes")
		}
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.db.Tx(ctx, func(q store.RowQuerier) error {
			for _, stmt := range splitStatements(m.sql) {
				if _, err := q.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %s: %w", m.name, err)
				}
			}
			if _, err := q.Exec(ctx, "UPDATE schema_version SET version = ?", m.version); err != nil {
				return fmt.Errorf("migration %s: update schema_version: %w", m.name, err)
			}
			return nil
		}); err != nil {
			return platerrors.Wrap(err, platerrors.ErrorCodeFileCorruption, "eventstore: apply migration")
		}
		current = m.version
	}

	return nil
}

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRow(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case err == nil:
		return version, nil
	case goerrors.Is(err, sql.ErrNoRows):
		// Table exists (created by baseSchema) but empty. Bootstrap it at
		// version 1, same fallback the reference init performs.
		if _, execErr := s.db.Exec(ctx, "INSERT INTO schema_version (version) VALUES (1)"); execErr != nil {
			return 0, platerrors.Wrap(execErr, platerrors.ErrorCodeFileCorruption, "eventstore: bootstrap schema_version")
		}
		return 1, nil
	default:
		return 0, platerrors.Wrap(err, platerrors.ErrorCodeFileCorruption, "eventstore: read schema_version")
	}
}

// splitStatements breaks a semicolon-separated block of DDL/DML into
// individual statements, skipping blanks — sqlite's database/sql driver
// executes one statement per Exec call, unlike Python's executescript.
func splitStatements(block string) []string {
	var out []string
	start := 0
	depth := 0
	for i, r := range block {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ';':
			if depth == 0 {
				if stmt := trimStatement(block[start:i]); stmt != "" {
					out = append(out, stmt)
				}
				start = i + 1
			}
		}
	}
	if stmt := trimStatement(block[start:]); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

func trimStatement(s string) string {
	start, end := 0, len(s)
	for start < end && isSpaceByte(s[start]) {
		start++
	}
	for end > start && isSpaceByte(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// InsertSession records the start of a new monitoring session.
func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO sessions (id, started_at_utc, os, hostname, app_version) VALUES (?, ?, ?, ?, ?)",
		sess.ID, sess.StartedAtUTC, sess.OS, sess.Hostname, sess.AppVersion)
	if err != nil {
		return platerrors.Wrap(err, platerrors.ErrorCodeConstraint, "eventstore: insert session")
	}
	return nil
}

// InsertEvent appends one telemetry event to the fact table.
func (s *Store) InsertEvent(ctx context.Context, ev Event) error {
	_, err := s.db.Exec(ctx, `INSERT INTO events (
		id, ts_utc, monitor, action, subject_type, subject_id,
		session_id, batch_id, pid, exe_name, exe_path_hash,
		window_title_hash, url_hash, file_path_hash, attrs_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TSUtc, ev.Monitor, ev.Action, ev.SubjectType, ev.SubjectID,
		ev.SessionID, ev.BatchID, ev.PID, ev.ExeName, ev.ExePathHash,
		ev.WindowTitleHash, ev.URLHash, ev.FilePathHash, ev.AttrsJSON)
	if err != nil {
		return platerrors.Wrap(err, platerrors.ErrorCodeConstraint, "eventstore: insert event")
	}
	return nil
}

// InsertEventsBatch inserts events with INSERT OR IGNORE semantics inside
// one transaction, returning how many rows were newly inserted. The
// caller derives duplicates as len(events)-inserted. database/sql has no
// equivalent to sqlite3's connection-level total_changes counter, so this
// sums sql.Result.RowsAffected() per statement instead of taking one
// before/after delta across the whole batch.
func (s *Store) InsertEventsBatch(ctx context.Context, events []Event) (int64, error) {
	var inserted int64
	err := s.db.Tx(ctx, func(q store.RowQuerier) error {
		for _, ev := range events {
			res, err := q.Exec(ctx, `INSERT OR IGNORE INTO events (
				id, ts_utc, monitor, action, subject_type, subject_id,
				session_id, batch_id, pid, exe_name, exe_path_hash,
				window_title_hash, url_hash, file_path_hash, attrs_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ev.ID, ev.TSUtc, ev.Monitor, ev.Action, ev.SubjectType, ev.SubjectID,
				ev.SessionID, ev.BatchID, ev.PID, ev.ExeName, ev.ExePathHash,
				ev.WindowTitleHash, ev.URLHash, ev.FilePathHash, ev.AttrsJSON)
			if err != nil {
				return platerrors.Wrap(err, platerrors.ErrorCodeConstraint, "eventstore: insert event batch")
			}
			inserted += res.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// EventsByTimeRange returns events with ts_utc in [startUTC, endUTC], newest
// first, capped at limit rows.
func (s *Store) EventsByTimeRange(ctx context.Context, startUTC, endUTC int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `SELECT
		id, ts_utc, monitor, action, subject_type, subject_id,
		session_id, batch_id, pid, exe_name, exe_path_hash,
		window_title_hash, url_hash, file_path_hash, attrs_json
		FROM events WHERE ts_utc >= ? AND ts_utc <= ? ORDER BY ts_utc DESC LIMIT ?`,
		startUTC, endUTC, limit)
	if err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: query events by time range")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(
			&ev.ID, &ev.TSUtc, &ev.Monitor, &ev.Action, &ev.SubjectType, &ev.SubjectID,
			&ev.SessionID, &ev.BatchID, &ev.PID, &ev.ExeName, &ev.ExePathHash,
			&ev.WindowTitleHash, &ev.URLHash, &ev.FilePathHash, &ev.AttrsJSON,
		); err != nil {
			return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: scan event row")
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: iterate event rows")
	}
	return out, nil
}

// UpsertApp records exe_name/exe_path_hash sighting, returning the stable
// app id for this exe_path_hash — new on first sighting, otherwise the
// existing one with last_seen_utc advanced and a blank exe_name backfilled.
func (s *Store) UpsertApp(ctx context.Context, exePathHash, exeName string, tsMs int64) (string, error) {
	return s.upsertDimension(ctx, "apps", "exe_path_hash", exePathHash, "exe_name", exeName, tsMs)
}

// UpsertWindow records a window title_hash sighting under appID.
func (s *Store) UpsertWindow(ctx context.Context, appID, titleHash string, tsMs int64) (string, error) {
	return s.upsertWindowDimension(ctx, appID, titleHash, tsMs)
}

// UpsertFile records a file path_hash sighting, preserving an existing
// non-empty ext rather than overwriting it with a blank one — this mirrors
// upsert_file_record's COALESCE-style guard exactly.
func (s *Store) UpsertFile(ctx context.Context, pathHash, ext string, tsMs int64) (string, error) {
	return s.upsertDimension(ctx, "files", "path_hash", pathHash, "ext", ext, tsMs)
}

// UpsertURL records a url_hash/domain_hash sighting.
func (s *Store) UpsertURL(ctx context.Context, urlHash, domainHash string, tsMs int64) (string, error) {
	return s.upsertURLDimension(ctx, urlHash, domainHash, tsMs)
}

// upsertDimension is the shared shape behind apps.exe_name and
// files.ext: a single nullable "label" column, looked up by a hash key,
// updated in place if present and preserved (not blanked) across updates.
func (s *Store) upsertDimension(ctx context.Context, table, hashCol, hash, labelCol, label string, tsMs int64) (string, error) {
	var id string
	err := s.db.QueryRow(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE %s = ? LIMIT 1", table, hashCol), hash).Scan(&id)
	switch {
	case err == nil:
		_, execErr := s.db.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET last_seen_utc = ?, %s = CASE WHEN (%s IS NULL OR %s = '') AND ? != '' THEN ? ELSE %s END WHERE id = ?`,
			table, labelCol, labelCol, labelCol, labelCol),
			tsMs, label, label, id)
		if execErr != nil {
			return "", platerrors.Wrap(execErr, platerrors.ErrorCodeConstraint, "eventstore: update "+table)
		}
		return id, nil
	case goerrors.Is(err, sql.ErrNoRows):
		id = idgen.NewULID()
		_, execErr := s.db.Exec(ctx, fmt.Sprintf(
			"INSERT INTO %s (id, %s, %s, first_seen_utc, last_seen_utc) VALUES (?, ?, ?, ?, ?)",
			table, hashCol, labelCol),
			id, hash, label, tsMs, tsMs)
		if execErr != nil {
			return "", platerrors.Wrap(execErr, platerrors.ErrorCodeConstraint, "eventstore: insert "+table)
		}
		return id, nil
	default:
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: lookup "+table)
	}
}

func (s *Store) upsertWindowDimension(ctx context.Context, appID, titleHash string, tsMs int64) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, "SELECT id FROM windows WHERE app_id = ? AND title_hash = ? LIMIT 1", appID, titleHash).Scan(&id)
	switch {
	case err == nil:
		if _, execErr := s.db.Exec(ctx, "UPDATE windows SET last_seen_utc = ? WHERE id = ?", tsMs, id); execErr != nil {
			return "", platerrors.Wrap(execErr, platerrors.ErrorCodeConstraint, "eventstore: update windows")
		}
		return id, nil
	case goerrors.Is(err, sql.ErrNoRows):
		id = idgen.NewULID()
		if _, execErr := s.db.Exec(ctx,
			"INSERT INTO windows (id, app_id, title_hash, first_seen_utc, last_seen_utc) VALUES (?, ?, ?, ?, ?)",
			id, appID, titleHash, tsMs, tsMs); execErr != nil {
			return "", platerrors.Wrap(execErr, platerrors.ErrorCodeConstraint, "eventstore: insert windows")
		}
		return id, nil
	default:
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: lookup windows")
	}
}

func (s *Store) upsertURLDimension(ctx context.Context, urlHash, domainHash string, tsMs int64) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, "SELECT id FROM urls WHERE url_hash = ? LIMIT 1", urlHash).Scan(&id)
	switch {
	case err == nil:
		if _, execErr := s.db.Exec(ctx, "UPDATE urls SET last_seen_utc = ? WHERE id = ?", tsMs, id); execErr != nil {
			return "", platerrors.Wrap(execErr, platerrors.ErrorCodeConstraint, "eventstore: update urls")
		}
		return id, nil
	case goerrors.Is(err, sql.ErrNoRows):
		id = idgen.NewULID()
		if _, execErr := s.db.Exec(ctx,
			"INSERT INTO urls (id, url_hash, domain_hash, first_seen_utc, last_seen_utc) VALUES (?, ?, ?, ?, ?)",
			id, urlHash, domainHash, tsMs, tsMs); execErr != nil {
			return "", platerrors.Wrap(execErr, platerrors.ErrorCodeConstraint, "eventstore: insert urls")
		}
		return id, nil
	default:
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: lookup urls")
	}
}

// Close releases the underlying sqlite connection, if the backend exposes
// one to close.
func (s *Store) Close() error {
	if c, ok := s.db.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// TableCounts returns the row count of each base table, for the status
// subcommand and tests.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(baseTables))
	for _, table := range baseTables {
		var n int64
		if err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
			return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: count "+table)
		}
		counts[table] = n
	}
	return counts, nil
}
