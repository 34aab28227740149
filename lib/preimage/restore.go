// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package preimage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rewind/lib/atomicfile"
)

// Remove deletes whatever is at rel, recursively for directories.
// A missing path is not an error.
func (s *Store) Remove(rel string) error {
	if err := os.RemoveAll(s.absolute(rel)); err != nil {
		return fmt.Errorf("removing %s: %w", rel, err)
	}
	return nil
}

// Restore puts a regular file or symlink back the way meta describes
// it, including metadata.
func (s *Store) Restore(meta Metadata) error {
	if !meta.ExistedBefore {
		return fmt.Errorf("restoring %s: path did not exist before the step", meta.Path)
	}
	path := s.absolute(meta.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("restoring parent of %s: %w", meta.Path, err)
	}

	switch meta.Type {
	case Regular:
		if err := s.clearIfDirectory(meta, path); err != nil {
			return err
		}
		if err := s.restoreContent(meta, path); err != nil {
			return fmt.Errorf("restoring %s: %w", meta.Path, err)
		}
	case Symlink:
		if err := s.clearIfDirectory(meta, path); err != nil {
			return err
		}
		if err := restoreSymlink(meta, path); err != nil {
			return fmt.Errorf("restoring %s: %w", meta.Path, err)
		}
	case Directory:
		return s.RestoreDirectory(meta)
	default:
		return fmt.Errorf("restoring %s: %w", meta.Path, ErrUnsupportedType)
	}
	return s.ApplyMetadata(meta)
}

// clearIfDirectory removes a directory occupying path. A rename
// cannot replace a directory with a file, so it has to go first.
func (s *Store) clearIfDirectory(meta Metadata, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("inspecting %s: %w", meta.Path, err)
	}
	if info.IsDir() {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("clearing directory at %s: %w", meta.Path, err)
		}
	}
	return nil
}

func (s *Store) restoreContent(meta Metadata, path string) error {
	source, err := os.Open(s.dataPath(meta.Path))
	if err != nil {
		return fmt.Errorf("decompressing preimage: %w", err)
	}
	defer source.Close()

	temporary, err := os.CreateTemp(filepath.Dir(path), restorePattern)
	if err != nil {
		return err
	}
	restored := false
	if meta.Cloned {
		restored = unix.IoctlFileClone(int(temporary.Fd()), int(source.Fd())) == nil
	}
	if !restored {
		compression := meta.Compression
		if meta.Cloned {
			compression = CompressionNone
		}
		if err := decompressTo(temporary, source, compression); err != nil {
			temporary.Close()
			os.Remove(temporary.Name())
			return err
		}
	}
	return atomicfile.Commit(temporary, path)
}

func restoreSymlink(meta Metadata, path string) error {
	directory := filepath.Dir(path)
	temporary, err := os.CreateTemp(directory, restorePattern)
	if err != nil {
		return err
	}
	name := temporary.Name()
	temporary.Close()
	os.Remove(name)
	if err := os.Symlink(meta.SymlinkTarget, name); err != nil {
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return atomicfile.SyncDir(directory)
}

// RestoreDirectory creates the directory if it is missing, replacing a
// non-directory occupant. Metadata is applied separately, after the
// directory's contents are back, so restored children do not disturb
// its mtime.
func (s *Store) RestoreDirectory(meta Metadata) error {
	path := s.absolute(meta.Path)
	info, err := os.Lstat(path)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("clearing %s for directory: %w", meta.Path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("inspecting %s: %w", meta.Path, err)
	}
	mode := os.FileMode(meta.Mode & 0o777)
	if mode == 0 {
		mode = 0o755
	}
	if err := os.MkdirAll(path, mode|0o700); err != nil {
		return fmt.Errorf("recreating %s: %w", meta.Path, err)
	}
	return nil
}

// ApplyMetadata sets mode, extended attributes, and finally mtime on
// rel. Symlinks keep their own mode and attributes; only the
// timestamp is set, without following the link.
func (s *Store) ApplyMetadata(meta Metadata) error {
	path := s.absolute(meta.Path)
	if meta.Type != Symlink {
		if err := unix.Chmod(path, meta.Mode&0o7777); err != nil {
			return fmt.Errorf("restoring mode of %s: %w", meta.Path, err)
		}
		if err := writeXattrs(path, meta.Xattrs); err != nil {
			return fmt.Errorf("restoring xattrs of %s: %w", meta.Path, err)
		}
	}
	times := []unix.Timespec{
		{Sec: 0, Nsec: unix.UTIME_OMIT},
		unix.NsecToTimespec(meta.MtimeNanos),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("restoring mtime of %s: %w", meta.Path, err)
	}
	return nil
}
