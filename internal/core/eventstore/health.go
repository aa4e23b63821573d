package eventstore

import (
	"context"
	"fmt"
	"sort"

	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
)

// HealthReport mirrors the reference implementation's health_check() dict:
// journal mode, expected-vs-found tables/indexes, and per-table row counts.
type HealthReport struct {
	WALMode         string
	TablesFound     []string
	TablesExpected  []string
	TablesMissing   []string
	IndexesFound    []string
	IndexesExpected []string
	IndexesMissing  []string
	TableCounts     map[string]int64
}

// HealthCheck inspects the database's journal mode, schema objects, and row
// counts, then issues a WAL checkpoint the way the reference health_check
// does as its final, side-effecting step.
func (s *Store) HealthCheck(ctx context.Context) (*HealthReport, error) {
	var walMode string
	if err := s.db.QueryRow(ctx, "PRAGMA journal_mode").Scan(&walMode); err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: read journal_mode")
	}

	tables, err := s.listSchemaObjects(ctx, "table")
	if err != nil {
		return nil, err
	}
	indexes, err := s.listSchemaObjects(ctx, "index")
	if err != nil {
		return nil, err
	}

	counts, err := s.TableCounts(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: wal checkpoint")
	}

	expectedTables := append([]string(nil), baseTables...)
	expectedIndexes := append([]string(nil), baseIndexes...)
	sort.Strings(expectedTables)
	sort.Strings(expectedIndexes)

	return &HealthReport{
		WALMode:         walMode,
		TablesFound:     tables,
		TablesExpected:  expectedTables,
		TablesMissing:   missing(expectedTables, tables),
		IndexesFound:    indexes,
		IndexesExpected: expectedIndexes,
		IndexesMissing:  missing(expectedIndexes, indexes),
		TableCounts:     counts,
	}, nil
}

func (s *Store) listSchemaObjects(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		fmt.Sprintf("SELECT name FROM sqlite_master WHERE type='%s' AND name NOT LIKE 'sqlite_%%' ORDER BY name", kind))
	if err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: list "+kind+"s")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: scan "+kind+" name")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "eventstore: iterate "+kind+" names")
	}
	return names, nil
}

// missing returns the entries of want not present in have.
func missing(want, have []string) []string {
	haveSet := make(map[string]struct{}, len(have))
	for _, h := range have {
		haveSet[h] = struct{}{}
	}
	var out []string
	for _, w := range want {
		if _, ok := haveSet[w]; !ok {
			out = append(out, w)
		}
	}
	return out
}
