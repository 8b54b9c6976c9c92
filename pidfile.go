package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o700

	// watchLockIDLen is how many hex digits of the directory hash name a
	// watch lock file.
	watchLockIDLen = 16
)

// errWatchRunning reports that another process holds the watch lock.
var errWatchRunning = errors.New("already being watched")

// writePIDFile writes the current process ID to path and acquires an
// exclusive flock. Returns a cleanup function that removes the file and
// releases the lock. If the lock cannot be acquired, another process holds
// it and the error wraps errWatchRunning.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty: cannot determine data directory")
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(path), pidDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", mkdirErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	// Non-blocking: fail at once if another process holds it.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if pid, readErr := readPIDFile(path); readErr == nil {
			return nil, fmt.Errorf("%w by PID %d (lock %s)", errWatchRunning, pid, path)
		}

		return nil, fmt.Errorf("%w (could not lock %s)", errWatchRunning, path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readPIDFile reads the PID from the given file path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// watchLockPath names the lock file for watching dir. Two spellings of
// the same directory map to the same lock once made absolute.
func watchLockPath(dataDir, dir string) (string, error) {
	if dataDir == "" {
		return "", errors.New("cannot determine data directory for the watch lock")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(filepath.Clean(abs)))

	return filepath.Join(dataDir, "watch-"+hex.EncodeToString(sum[:])[:watchLockIDLen]+".pid"), nil
}

// acquireWatchLock makes sure only one watch runs per directory, so two
// processes do not race to upload the same writes.
func acquireWatchLock(dataDir, dir string) (func(), error) {
	path, err := watchLockPath(dataDir, dir)
	if err != nil {
		return nil, err
	}

	cleanup, err := writePIDFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}

	return cleanup, nil
}
