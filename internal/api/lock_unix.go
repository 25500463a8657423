//go:build unix

package api

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockDataDir creates baseDir and takes an exclusive lock on it so two bridges
// never share the same data directory.
func lockDataDir(baseDir string) (*os.File, error) {
	err := os.MkdirAll(baseDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("could not create base directory: %w", err)
	}

	lockPath := filepath.Join(baseDir, "exclusive.lock")
	lockfile, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not open exclusive.lock: %w", err)
	}

	_, err = lockfile.WriteString("This is a lockfile that prevents two call bridges from operating on the same directory in parallel.\n")
	if err != nil {
		lockfile.Close()
		return nil, fmt.Errorf("error writing to exclusive.lock: %w", err)
	}

	err = unix.Flock(int(lockfile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		lockfile.Close()
		return nil, fmt.Errorf("could not lock exclusive.lock: %w", err)
	}
	return lockfile, nil
}
