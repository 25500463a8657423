//go:build !unix

package api

import (
	"fmt"
	"os"
	"path/filepath"
)

// lockDataDir creates baseDir and its lock file. Without flock the file only
// marks the directory as used.
func lockDataDir(baseDir string) (*os.File, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create base directory: %w", err)
	}
	lockfile, err := os.OpenFile(filepath.Join(baseDir, "exclusive.lock"), os.O_WRONLY|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not open exclusive.lock: %w", err)
	}
	return lockfile, nil
}
