package domain

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSScanner is the real Scanner, walking a spool directory on disk.
// Grounded on original_source/lb3/spool_quota.py's
// _scan_spool_usage/get_largest_done_files.
type FSScanner struct {
	SpoolDir string
}

// NewFSScanner returns a Scanner rooted at spoolDir.
func NewFSScanner(spoolDir string) *FSScanner { return &FSScanner{SpoolDir: spoolDir} }

// UsedBytes sums the size of every *.ndjson.gz file under SpoolDir
// (including _done), excluding any .part or .error sidecar.
func (f *FSScanner) UsedBytes() (int64, error) {
	if _, err := os.Stat(f.SpoolDir); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var total int64
	err := filepath.WalkDir(f.SpoolDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Skip entries we can't stat rather than aborting the whole scan.
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".ndjson.gz") {
			return nil
		}
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".error") {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// LargestDoneFiles enumerates *.ndjson.gz files directly under each
// SpoolDir/_done/<monitor>/ subdirectory, sorted largest first — the
// service caller truncates.
func (f *FSScanner) LargestDoneFiles() ([]DoneFile, error) {
	doneDir := filepath.Join(f.SpoolDir, "_done")
	entries, err := os.ReadDir(doneDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []DoneFile
	for _, monitorEntry := range entries {
		if !monitorEntry.IsDir() {
			continue
		}
		monitorName := monitorEntry.Name()
		monitorPath := filepath.Join(doneDir, monitorName)

		batchEntries, err := os.ReadDir(monitorPath)
		if err != nil {
			continue
		}
		for _, be := range batchEntries {
			if be.IsDir() || !strings.HasSuffix(be.Name(), ".ndjson.gz") {
				continue
			}
			info, err := be.Info()
			if err != nil {
				continue
			}
			files = append(files, DoneFile{Monitor: monitorName, Filename: be.Name(), Size: info.Size()})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Size > files[j].Size })
	return files, nil
}
