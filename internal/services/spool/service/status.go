package service

import (
	"os"
	"path/filepath"
	"strings"

	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
)

// pendingFileCounts walks spoolDir's immediate monitor subdirectories
// (excluding _done, the import archive) and counts finalized *.ndjson.gz
// journals awaiting the importer, for the operator status view.
func pendingFileCounts(spoolDir string) (map[string]int, error) {
	entries, err := os.ReadDir(spoolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int{}, nil
		}
		return nil, platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "spool: read spool root")
	}

	counts := make(map[string]int)
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "_done" {
			continue
		}
		monitor := e.Name()
		files, err := os.ReadDir(filepath.Join(spoolDir, monitor))
		if err != nil {
			continue
		}
		n := 0
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			name := f.Name()
			if strings.HasSuffix(name, ".ndjson.gz") {
				n++
			}
		}
		counts[monitor] = n
	}
	return counts, nil
}
