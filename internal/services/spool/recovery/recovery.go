// Package recovery salvages spool journal files a crash left mid-write:
// plain or gzipped ".part" temp files are read as far as they validly go
// and finalized, so the importer never has to deal with a partial write.
// Grounded on original_source/lb3/recovery.py's salvage_plain_ndjson/
// salvage_gzipped_ndjson/recover_all_temp_files.
package recovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
)

// SalvageStats reports the outcome of salvaging one temp file.
type SalvageStats struct {
	OriginalPath   string
	RecoveredPath  string // empty if nothing was recovered
	ErrorPath      string // empty if no .error sidecar was written
	LinesTotal     int
	LinesSalvaged  int
	LinesCorrupted int
	Success        bool
	ErrorMessage   string
}

// RecoveryReport summarizes a sweep across one or more monitor directories.
type RecoveryReport struct {
	MonitorsProcessed  []string
	TempFilesFound     int
	TempFilesRecovered int
	TempFilesFailed    int
	TotalLinesSalvaged int
	SalvageStats       []SalvageStats
}

// SummaryLine renders a single-line summary suitable for the tick log.
func (r RecoveryReport) SummaryLine() string {
	if r.TempFilesFound == 0 {
		return "Recovery sweep: no temp files found"
	}
	return fmt.Sprintf("Recovery sweep: %d/%d temp files recovered, %d lines salvaged",
		r.TempFilesRecovered, r.TempFilesFound, r.TotalLinesSalvaged)
}

// SalvagePlainNDJSON salvages an uncompressed NDJSON .part file: it reads
// complete lines up to the first JSON-parse failure (stopping there — no
// tolerance past the first corruption), writes the accepted prefix as a
// gzip journal, and removes the .part unless nothing was salvageable.
func SalvagePlainNDJSON(tempPath string) SalvageStats {
	content, err := os.ReadFile(tempPath)
	if err != nil {
		return SalvageStats{OriginalPath: tempPath, Success: false, ErrorMessage: err.Error()}
	}

	lines := splitLines(string(content))
	var valid []string
	corrupted := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			corrupted = 1
			break
		}
		valid = append(valid, line)
	}

	if len(valid) == 0 {
		return SalvageStats{
			OriginalPath:   tempPath,
			LinesTotal:     len(lines),
			LinesSalvaged:  0,
			LinesCorrupted: len(lines),
			Success:        false,
			ErrorMessage:   "No valid JSON lines found",
		}
	}

	stem := strings.TrimSuffix(filepath.Base(tempPath), ".part")
	dir := filepath.Dir(tempPath)
	var recoveredName string
	if corrupted > 0 {
		recoveredName = stem + "_recovered.ndjson.gz"
	} else {
		recoveredName = stem + ".ndjson.gz"
	}
	recoveredPath := filepath.Join(dir, recoveredName)

	if err := writeGzipLines(recoveredPath, valid); err != nil {
		return SalvageStats{OriginalPath: tempPath, Success: false, ErrorMessage: err.Error()}
	}

	var errorPath string
	if corrupted > 0 {
		errorPath = filepath.Join(dir, filepath.Base(tempPath)+".error")
		msg := fmt.Sprintf("Salvaged %d valid lines, %d corrupted lines discarded", len(valid), corrupted)
		_ = os.WriteFile(errorPath, []byte(msg), 0o644)
	}

	_ = os.Remove(tempPath)

	return SalvageStats{
		OriginalPath:   tempPath,
		RecoveredPath:  recoveredPath,
		ErrorPath:      errorPath,
		LinesTotal:     len(lines),
		LinesSalvaged:  len(valid),
		LinesCorrupted: corrupted,
		Success:        true,
	}
}

// SalvageGzippedNDJSON salvages a gzipped NDJSON .part file with tolerant
// inflate: it decodes as many bytes as the stream yields before a CRC or
// truncation error, drops any trailing incomplete line, keeps every
// JSON-valid line (even past a corrupted one), and always writes an
// .error sidecar describing the outcome.
func SalvageGzippedNDJSON(tempPath string) SalvageStats {
	raw, err := os.ReadFile(tempPath)
	if err != nil {
		return SalvageStats{OriginalPath: tempPath, Success: false, ErrorMessage: err.Error()}
	}
	bytesRead := len(raw)

	text, reason := tolerantInflate(raw)

	lines := splitLines(text)
	if text != "" && !strings.HasSuffix(text, "\n") && len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}

	var valid []string
	corrupted := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if json.Valid([]byte(line)) {
			valid = append(valid, line)
		} else {
			corrupted++
		}
	}

	dir := filepath.Dir(tempPath)
	errorPath := filepath.Join(dir, filepath.Base(tempPath)+".error")

	if len(valid) == 0 {
		msg := fmt.Sprintf("No valid lines salvaged from %d bytes; %s", bytesRead, firstNonEmpty(reason, "all lines corrupted"))
		_ = os.WriteFile(errorPath, []byte(msg), 0o644)
		return SalvageStats{
			OriginalPath:   tempPath,
			ErrorPath:      errorPath,
			LinesTotal:     len(lines),
			LinesSalvaged:  0,
			LinesCorrupted: len(lines),
			Success:        false,
			ErrorMessage:   firstNonEmpty(reason, "No valid JSON lines could be salvaged"),
		}
	}

	stem := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(tempPath), ".part"), ".ndjson.gz")
	recoveredPath := filepath.Join(dir, stem+"_recovered.ndjson.gz")

	if err := writeGzipLines(recoveredPath, valid); err != nil {
		return SalvageStats{OriginalPath: tempPath, Success: false, ErrorMessage: err.Error()}
	}

	msg := fmt.Sprintf("bytes_read=%d, lines_salvaged=%d, reason=%q", bytesRead, len(valid), firstNonEmpty(reason, "complete file"))
	if corrupted > 0 {
		msg += fmt.Sprintf(", invalid_json_lines=%d", corrupted)
	}
	_ = os.WriteFile(errorPath, []byte(msg), 0o644)

	_ = os.Remove(tempPath)

	return SalvageStats{
		OriginalPath:   tempPath,
		RecoveredPath:  recoveredPath,
		ErrorPath:      errorPath,
		LinesTotal:     len(lines),
		LinesSalvaged:  len(valid),
		LinesCorrupted: corrupted,
		Success:        true,
	}
}

// tolerantInflate decodes as much of a gzip stream as possible in 64 KiB
// chunks, returning whatever text was recovered and a human-readable
// reason ("complete file" or "truncated gzip; ...").
func tolerantInflate(data []byte) (string, string) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", "truncated gzip; " + err.Error()
	}

	var buf bytes.Buffer
	chunk := make([]byte, 64*1024)
	reason := "complete file"
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if rerr != nil {
			if rerr != io.EOF {
				reason = "truncated gzip; " + rerr.Error()
			}
			break
		}
	}
	return strings.ToValidUTF8(buf.String(), "�"), reason
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func writeGzipLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "recovery: create recovered file")
	}
	gw := gzip.NewWriter(f)
	for _, line := range lines {
		if _, err := gw.Write([]byte(line + "\n")); err != nil {
			_ = gw.Close()
			_ = f.Close()
			return platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "recovery: write recovered line")
		}
	}
	if err := gw.Close(); err != nil {
		_ = f.Close()
		return platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "recovery: close recovered gzip writer")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "recovery: fsync recovered file")
	}
	if err := f.Close(); err != nil {
		return platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "recovery: close recovered file")
	}
	if dir, derr := os.Open(filepath.Dir(path)); derr == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// RecoverMonitorTempFiles salvages every *.part file directly under
// monitorDir, dispatching to the gzipped or plain salvage path by suffix.
func RecoverMonitorTempFiles(monitorDir string) []SalvageStats {
	entries, err := os.ReadDir(monitorDir)
	if err != nil {
		return nil
	}

	var results []SalvageStats
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		path := filepath.Join(monitorDir, e.Name())
		if strings.HasSuffix(e.Name(), ".ndjson.gz.part") {
			results = append(results, SalvageGzippedNDJSON(path))
		} else {
			results = append(results, SalvagePlainNDJSON(path))
		}
	}
	return results
}

// RecoverAllTempFiles sweeps every monitor subdirectory of spoolBaseDir
// (or just the named monitors, when given) and salvages their temp files.
func RecoverAllTempFiles(spoolBaseDir string, monitors []string) RecoveryReport {
	entries, err := os.ReadDir(spoolBaseDir)
	if err != nil {
		return RecoveryReport{}
	}

	var monitorDirs []string
	if len(monitors) > 0 {
		for _, m := range monitors {
			if _, err := os.Stat(filepath.Join(spoolBaseDir, m)); err == nil {
				monitorDirs = append(monitorDirs, m)
			}
		}
	} else {
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				monitorDirs = append(monitorDirs, e.Name())
			}
		}
	}

	var all []SalvageStats
	var processed []string
	for _, m := range monitorDirs {
		processed = append(processed, m)
		all = append(all, RecoverMonitorTempFiles(filepath.Join(spoolBaseDir, m))...)
	}

	recovered, lines := 0, 0
	for _, s := range all {
		if s.Success {
			recovered++
		}
		lines += s.LinesSalvaged
	}

	return RecoveryReport{
		MonitorsProcessed:  processed,
		TempFilesFound:     len(all),
		TempFilesRecovered: recovered,
		TempFilesFailed:    len(all) - recovered,
		TotalLinesSalvaged: lines,
		SalvageStats:       all,
	}
}
