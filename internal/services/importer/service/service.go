// Package service implements the journal importer: it reads finalized
// gzip NDJSON journals out of the spool tree, validates and batch-inserts
// their events into the event store, archives successfully imported
// files under spool/_done, and trims that archive back under the quota's
// soft threshold. Grounded on original_source/lb3/importer.py's
// JournalImporter.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzip"

	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
	"github.com/quietdesk/quietdesk/internal/platform/logger"
	"github.com/quietdesk/quietdesk/internal/services/importer/domain"
	spooldomain "github.com/quietdesk/quietdesk/internal/services/spool/domain"
)

// DefaultBatchSize is the number of events the importer batches per
// insert transaction when no override is given.
const DefaultBatchSize = 1000

// Service imports spool journals into the event store.
type Service struct {
	spoolDir string
	doneDir  string
	repo     domain.Repo
	quota    domain.QuotaPort
	log      logger.Logger
	validate *validator.Validate

	skipped map[string]bool
}

// New constructs an importer Service rooted at spoolDir, ensuring the
// _done archive directory exists.
func New(spoolDir string, repo domain.Repo, quota domain.QuotaPort, log logger.Logger) (*Service, error) {
	doneDir := filepath.Join(spoolDir, "_done")
	if err := os.MkdirAll(doneDir, 0o755); err != nil {
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "importer: create done dir")
	}
	return &Service{
		spoolDir: spoolDir,
		doneDir:  doneDir,
		repo:     repo,
		quota:    quota,
		log:      log,
		validate: validator.New(),
		skipped:  make(map[string]bool),
	}, nil
}

// FlushMonitor imports every complete journal file for one monitor
// directory, archiving each on success and trimming _done afterward if
// any files were processed.
func (s *Service) FlushMonitor(ctx context.Context, monitor string, batchSize int) domain.MonitorStats {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	stats := domain.MonitorStats{Monitor: monitor}

	if !domain.KnownMonitors[monitor] {
		s.logUnknownMonitorOnce(monitor)
		return stats
	}

	start := time.Now()
	monitorDir := filepath.Join(s.spoolDir, monitor)
	if _, err := os.Stat(monitorDir); err != nil {
		return stats
	}

	files, err := journalFiles(monitorDir)
	if err != nil {
		s.log.Warn().Err(err).Str("monitor", monitor).Msg("importer: failed to list journal files")
		return stats
	}

	for _, path := range files {
		fileStats, ferr := s.importJournalFile(ctx, path, batchSize)
		if ferr != nil {
			stats.FilesWithErrors++
			msg := fmt.Sprintf("Failed to import %s: %s", filepath.Base(path), ferr.Error())
			stats.Errors = append(stats.Errors, msg)
			s.log.Warn().Str("monitor", monitor).Str("file", filepath.Base(path)).Err(ferr).
				Msg("importer: file import failed")
			s.writeErrorSidecar(path, ferr.Error())
			continue
		}

		stats.EventsImported += fileStats.EventsImported
		stats.DuplicatesSkipped += fileStats.DuplicatesSkipped
		stats.InvalidEvents += fileStats.InvalidEvents
		stats.FilesProcessed++

		donePath, derr := s.archiveFile(path, monitor)
		if derr != nil {
			s.log.Warn().Err(derr).Str("file", path).Msg("importer: failed to archive journal file")
			continue
		}
		if s.quota != nil {
			if fi, serr := os.Stat(donePath); serr == nil {
				s.quota.UpdateUsageOnFileOp(fi.Size())
			}
		}
	}

	stats.DurationSeconds = time.Since(start).Seconds()
	if stats.DurationSeconds > 0 && stats.EventsImported > 0 {
		stats.EventsPerMinute = (float64(stats.EventsImported) / stats.DurationSeconds) * 60.0
	}

	if stats.FilesProcessed > 0 {
		trim := s.trimDoneFilesToQuota()
		if len(trim.TrimErrors) > 0 {
			stats.Errors = append(stats.Errors, trim.TrimErrors...)
		}
	}

	return stats
}

// FlushAllMonitors runs FlushMonitor across every immediate subdirectory
// of the spool root, skipping underscore-prefixed (such as _done) and
// unknown directories.
func (s *Service) FlushAllMonitors(ctx context.Context, batchSize int) domain.OverallStats {
	start := time.Now()
	overall := domain.OverallStats{MonitorStats: make(map[string]domain.MonitorStats)}

	entries, err := os.ReadDir(s.spoolDir)
	if err != nil {
		return overall
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		monitor := e.Name()
		if !domain.KnownMonitors[monitor] {
			s.logUnknownMonitorOnce(monitor)
			continue
		}

		ms := s.FlushMonitor(ctx, monitor, batchSize)
		overall.MonitorStats[monitor] = ms
		overall.TotalFilesProcessed += ms.FilesProcessed
		overall.TotalEventsImported += ms.EventsImported
		overall.TotalDuplicatesSkipped += ms.DuplicatesSkipped
		overall.TotalInvalidEvents += ms.InvalidEvents
		overall.TotalFilesWithErrors += ms.FilesWithErrors
	}

	overall.TotalDurationSeconds = time.Since(start).Seconds()
	if overall.TotalDurationSeconds > 0 && overall.TotalEventsImported > 0 {
		overall.OverallEventsPerMinute = (float64(overall.TotalEventsImported) / overall.TotalDurationSeconds) * 60.0
	}
	return overall
}

// journalFiles lists *.ndjson.gz files directly under monitorDir, in
// chronological (lexical) order, excluding .part and .error siblings.
func journalFiles(monitorDir string) ([]string, error) {
	entries, err := os.ReadDir(monitorDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".ndjson.gz") {
			continue
		}
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".error") {
			continue
		}
		out = append(out, filepath.Join(monitorDir, name))
	}
	sort.Strings(out)
	return out, nil
}

// importJournalFile reads path's gzip NDJSON lines, validates each as a
// journal event, and batch-inserts them via Repo. A line-level parse or
// validation failure only increments InvalidEvents; a file-level failure
// (unreadable gzip stream with nothing salvageable) is returned as an
// error so the caller can quarantine the file.
func (s *Service) importJournalFile(ctx context.Context, path string, batchSize int) (domain.FileStats, error) {
	var stats domain.FileStats

	f, err := os.Open(path)
	if err != nil {
		return stats, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "importer: open journal file")
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return stats, platerrors.Wrap(err, platerrors.ErrorCodeFileCorruption, "importer: open gzip stream")
	}
	gr.Multistream(true)
	defer gr.Close()

	var batch []spooldomain.Event
	anyValid := false
	lineNumber := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, duplicates, ierr := s.repo.InsertEventBatch(ctx, batch)
		if ierr != nil {
			return ierr
		}
		stats.EventsImported += inserted
		stats.DuplicatesSkipped += duplicates
		batch = batch[:0]
		return nil
	}

	scanErr := scanNDJSONLines(gr, func(line []byte) error {
		lineNumber++
		ev, perr := parseEvent(line)
		if perr != nil {
			stats.InvalidEvents++
			s.log.Warn().Str("file", filepath.Base(path)).Int("line", lineNumber).Err(perr).
				Msg("importer: invalid event")
			return nil
		}
		if verr := s.validate.Struct(ev); verr != nil {
			stats.InvalidEvents++
			s.log.Warn().Str("file", filepath.Base(path)).Int("line", lineNumber).Err(verr).
				Msg("importer: invalid event")
			return nil
		}
		anyValid = true
		batch = append(batch, ev)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if scanErr != nil {
		return stats, platerrors.Wrap(scanErr, platerrors.ErrorCodeFileCorruption, "importer: read journal file")
	}
	if err := flush(); err != nil {
		return stats, err
	}

	if !anyValid && lineNumber == 0 {
		return stats, platerrors.Newf(platerrors.ErrorCodeFileCorruption, "file contains no valid JSON lines")
	}

	return stats, nil
}

// scanNDJSONLines reads r line by line, calling fn for each non-empty
// line. It tolerates per-line JSON decode errors upstream in fn and only
// returns an error for a read failure on the underlying stream itself.
func scanNDJSONLines(r io.Reader, fn func(line []byte) error) error {
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := indexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := buf[:idx]
				buf = buf[idx+1:]
				if len(trimSpace(line)) > 0 {
					if ferr := fn(line); ferr != nil {
						return ferr
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				if len(trimSpace(buf)) > 0 {
					return fn(buf)
				}
				return nil
			}
			return err
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r' || b[start] == '\n') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\r' || b[end-1] == '\n') {
		end--
	}
	return b[start:end]
}

// archiveFile moves path into doneDir/monitor, resolving a filename
// collision by inserting a "-N" counter before the first dot, matching
// the reference importer's duplicate-name handling.
func (s *Service) archiveFile(path, monitor string) (string, error) {
	doneMonitorDir := filepath.Join(s.doneDir, monitor)
	if err := os.MkdirAll(doneMonitorDir, 0o755); err != nil {
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "importer: create done monitor dir")
	}

	name := filepath.Base(path)
	donePath := filepath.Join(doneMonitorDir, name)
	counter := 1
	for {
		if _, err := os.Stat(donePath); os.IsNotExist(err) {
			break
		}
		parts := strings.SplitN(name, ".", 2)
		stem := parts[0]
		rest := ""
		if len(parts) > 1 {
			rest = "." + parts[1]
		}
		donePath = filepath.Join(doneMonitorDir, fmt.Sprintf("%s-%d%s", stem, counter, rest))
		counter++
	}

	if err := os.Rename(path, donePath); err != nil {
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "importer: archive journal file")
	}
	return donePath, nil
}

// writeErrorSidecar writes a <file>.error JSON sidecar describing a
// file-level import failure, unless one already exists.
func (s *Service) writeErrorSidecar(path, errMsg string) {
	errorPath := path + ".error"
	if _, err := os.Stat(errorPath); err == nil {
		return
	}
	payload := fmt.Sprintf("{\n  \"error_message\": %q,\n  \"timestamp\": %d,\n  \"file_path\": %q\n}\n",
		errMsg, time.Now().UnixMilli(), path)
	if err := os.WriteFile(errorPath, []byte(payload), 0o644); err != nil {
		s.log.Error().Err(err).Str("file", errorPath).Msg("importer: failed to write error sidecar")
	}
}

// trimDoneFilesToQuota deletes the oldest archived journals under _done,
// skipping the current UTC hour's files, until usage falls back under
// the soft threshold. Once it has scanned _done it finishes with a
// recovery check so a trim that clears the soft threshold logs the
// transition; it returns without that check when no quota is wired, usage
// cannot be read, usage is already at or under the soft threshold, or
// _done cannot be read.
func (s *Service) trimDoneFilesToQuota() domain.TrimStats {
	var trim domain.TrimStats
	if s.quota == nil {
		return trim
	}

	usage, err := s.quota.Usage()
	if err != nil {
		trim.TrimErrors = append(trim.TrimErrors, err.Error())
		return trim
	}
	if usage.UsedBytes <= usage.SoftBytes {
		return trim
	}

	currentHour := time.Now().UTC().Format("20060102-15")

	type doneFile struct {
		path  string
		mtime time.Time
		size  int64
	}
	var candidates []doneFile

	monitorDirs, err := os.ReadDir(s.doneDir)
	if err != nil {
		return trim
	}
	for _, md := range monitorDirs {
		if !md.IsDir() {
			continue
		}
		files, ferr := os.ReadDir(filepath.Join(s.doneDir, md.Name()))
		if ferr != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			name := f.Name()
			if !strings.HasSuffix(name, ".ndjson.gz") {
				continue
			}
			if strings.HasPrefix(name, currentHour) {
				continue
			}
			fi, ierr := f.Info()
			if ierr != nil {
				trim.TrimErrors = append(trim.TrimErrors, fmt.Sprintf("error stating %s: %s", name, ierr))
				continue
			}
			candidates = append(candidates, doneFile{
				path:  filepath.Join(s.doneDir, md.Name(), name),
				mtime: fi.ModTime(),
				size:  fi.Size(),
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })

	for _, c := range candidates {
		if err := os.Remove(c.path); err != nil {
			trim.TrimErrors = append(trim.TrimErrors, fmt.Sprintf("error deleting %s: %s", c.path, err))
			continue
		}
		trim.FilesTrimmed++
		trim.BytesFreed += c.size
		s.quota.UpdateUsageOnFileOp(-c.size)

		usage, err = s.quota.Usage()
		if err == nil && usage.UsedBytes <= usage.SoftBytes {
			break
		}
	}

	if _, err := s.quota.CheckRecovery(); err != nil {
		trim.TrimErrors = append(trim.TrimErrors, err.Error())
	}

	return trim
}

func (s *Service) logUnknownMonitorOnce(monitor string) {
	if s.skipped[monitor] {
		return
	}
	s.skipped[monitor] = true
	s.log.Info().Str("monitor", monitor).Msg("importer: skipped unknown monitor directory")
}

// parseEvent decodes one NDJSON line into a journal event. Struct-level
// requiredness and enum membership are enforced afterward by validator,
// matching the reference importer's separate "missing field" / "invalid
// enum value" checks.
func parseEvent(line []byte) (spooldomain.Event, error) {
	var ev spooldomain.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return spooldomain.Event{}, err
	}
	return ev, nil
}
