// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package atomicfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// TempSuffix marks in-flight temporary files. Directory scans skip
// names carrying it and cleanup passes remove them.
const TempSuffix = ".tmp"

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	return WriteFrom(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteFrom atomically replaces path with whatever fill writes. The
// parent directory must exist. If fill or any later step fails, the
// temporary file is removed and path is untouched.
func WriteFrom(path string, perm os.FileMode, fill func(io.Writer) error) error {
	temporaryPath := path + TempSuffix
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(temporaryPath), err)
	}

	if err := fill(file); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := Commit(file, path); err != nil {
		return err
	}
	return nil
}

// Commit fsyncs and closes a temporary file that was created in the
// destination directory, then renames it to path and fsyncs the
// directory. The temporary file is removed on failure.
func Commit(file *os.File, path string) error {
	temporaryPath := file.Name()
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing %s: %w", filepath.Base(temporaryPath), err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing %s: %w", filepath.Base(temporaryPath), err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", filepath.Base(path), err)
	}
	return SyncDir(filepath.Dir(path))
}

// SyncDir fsyncs a directory so that entries created, renamed, or
// removed in it are durable.
func SyncDir(directory string) error {
	handle, err := os.Open(directory)
	if err != nil {
		return fmt.Errorf("opening %s for sync: %w", directory, err)
	}
	defer handle.Close()
	if err := handle.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", directory, err)
	}
	return nil
}

// RemoveTemporaries deletes leftover temporary files in directory.
// Missing directories are not an error.
func RemoveTemporaries(directory string) error {
	entries, err := os.ReadDir(directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), TempSuffix) {
			if err := os.Remove(filepath.Join(directory, entry.Name())); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
