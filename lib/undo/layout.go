// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rewind/lib/atomicfile"
	"github.com/bureau-foundation/rewind/lib/manifest"
)

// LogVersion is the on-disk format this build reads and writes.
const LogVersion = "1"

// layout names the files of an undo log directory:
//
//	version
//	lock
//	barriers.cbor
//	wal/in_progress/{journal,manifest.cbor,preimages/}
//	steps/<id>/{manifest.cbor,preimages/}
type layout struct {
	dir string
}

func (l layout) versionFile() string  { return filepath.Join(l.dir, "version") }
func (l layout) lockFile() string     { return filepath.Join(l.dir, "lock") }
func (l layout) barrierFile() string  { return filepath.Join(l.dir, "barriers.cbor") }
func (l layout) walDir() string       { return filepath.Join(l.dir, "wal") }
func (l layout) inProgress() string   { return filepath.Join(l.dir, "wal", "in_progress") }
func (l layout) stepsDir() string     { return filepath.Join(l.dir, "steps") }
func (l layout) journalFile() string  { return filepath.Join(l.inProgress(), manifest.JournalFile) }
func (l layout) walPreimages() string { return filepath.Join(l.inProgress(), manifest.PreimageDir) }

func (l layout) stepDir(id StepID) string {
	return filepath.Join(l.stepsDir(), strconv.FormatInt(int64(id), 10))
}

// ensure creates the directory skeleton.
func (l layout) ensure() error {
	for _, dir := range []string{l.dir, l.walDir(), l.stepsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// checkVersion reads the version marker, writing it if absent. A
// mismatch is returned as *UndoDisabledError.
func (l layout) checkVersion() error {
	data, err := os.ReadFile(l.versionFile())
	if errors.Is(err, fs.ErrNotExist) {
		return l.writeVersion()
	}
	if err != nil {
		return fmt.Errorf("reading log version: %w", err)
	}
	found := strings.TrimSpace(string(data))
	if found != LogVersion {
		return &UndoDisabledError{Expected: LogVersion, Found: found}
	}
	return nil
}

func (l layout) writeVersion() error {
	if err := atomicfile.WriteFile(l.versionFile(), []byte(LogVersion), 0o600); err != nil {
		return fmt.Errorf("writing log version: %w", err)
	}
	return nil
}

// lockLog takes an exclusive, non-blocking flock on the lock file. The
// returned file must stay open for as long as the lock is held.
func (l layout) lockLog() (*os.File, error) {
	file, err := os.OpenFile(l.lockFile(), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log lock: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLogLocked, l.dir)
		}
		return nil, fmt.Errorf("locking log: %w", err)
	}
	return file, nil
}

// stepDirs lists committed step directories by id. Names that do not
// parse as ids are returned in skipped.
func (l layout) stepDirs() (ids []StepID, skipped []string, err error) {
	entries, err := os.ReadDir(l.stepsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("listing steps: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil || id == 0 {
			skipped = append(skipped, entry.Name())
			continue
		}
		ids = append(ids, StepID(id))
	}
	return ids, skipped, nil
}

// dirSize sums the sizes of the regular files under dir.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
