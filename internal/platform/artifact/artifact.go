// Package artifact writes report/digest bytes to disk atomically and
// reports the SHA-256 of what was written, so callers can record a
// content hash alongside a stable file path. The temp-file-then-rename
// idiom mirrors internal/services/spool/service's journal spooler publish
// step, applied here to single-shot whole-file writes instead of an
// append-only stream.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	platerrors "github.com/quietdesk/quietdesk/internal/platform/errors"
)

// Write creates path's parent directories if needed, writes data to a
// sibling ".part" file, then renames it into place. Returns the SHA-256
// hex digest of data.
func Write(path string, data []byte) (sha256Hex string, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "artifact: create directory")
	}

	tempPath := path + ".part"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "artifact: write temp file")
	}
	if err := os.Rename(tempPath, path); err != nil {
		return "", platerrors.Wrap(err, platerrors.ErrorCodeUnknown, "artifact: publish file")
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
