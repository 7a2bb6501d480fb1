// Package artifact owns export files on disk and their optional object-store
// mirror.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

// Files manages <dir>/<exportId>.<format>.
type Files struct {
	dir string
}

// NewFiles creates dir if needed.
func NewFiles(dir string) (*Files, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve export dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &Files{dir: abs}, nil
}

// Dir is the absolute export directory.
func (f *Files) Dir() string {
	return f.dir
}

// Path returns the artifact path for an export.
func (f *Files) Path(exportID string, format model.Format) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s.%s", exportID, format.Extension()))
}

// Create truncates any previous artifact and opens a fresh one. The caller
// owns the file exclusively for the duration of the job.
func (f *Files) Create(exportID string, format model.Format) (*os.File, string, error) {
	path := f.Path(exportID, format)
	if err := Remove(path); err != nil {
		return nil, "", err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, "", fmt.Errorf("create artifact: %w", err)
	}
	return file, path, nil
}

// Remove deletes path; a missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
