// Package keyfile reads and writes the saved B2 application key. The file
// holds the key ID and secret plus metadata cached at login (account ID,
// API URL) so `whoami` can show what a key belongs to.
package keyfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FilePerms restricts key files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the key file's directory.
const DirPerms = 0o700

// File is the on-disk format for key files.
type File struct {
	KeyID          string            `json:"key_id"`
	ApplicationKey string            `json:"application_key"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// Load reads a saved key file. Returns (nil, nil) if the file does not
// exist.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("keyfile: reading %s: %w", path, err)
	}

	var kf File
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("keyfile: decoding %s: %w", path, err)
	}

	if kf.KeyID == "" || kf.ApplicationKey == "" {
		return nil, fmt.Errorf("keyfile: %s missing key_id or application_key (login again)", path)
	}

	return &kf, nil
}

// Save writes a key file atomically (write-to-temp + rename) with 0600
// permissions. Never logs the secret.
func Save(path string, kf *File) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("keyfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("keyfile: creating directory %s: %w", dir, mkErr)
	}

	// Temp file in the same directory keeps rename(2) on one filesystem.
	tmp, err := os.CreateTemp(dir, ".key-*.tmp")
	if err != nil {
		return fmt.Errorf("keyfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("keyfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("keyfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("keyfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keyfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("keyfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the key file. A missing file is not an error; the return
// reports whether a file was removed.
func Remove(path string) (bool, error) {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("keyfile: removing %s: %w", path, err)
	}

	return true, nil
}
