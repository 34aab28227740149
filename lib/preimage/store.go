// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package preimage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rewind/lib/atomicfile"
	"github.com/bureau-foundation/rewind/lib/codec"
)

const (
	dataSuffix     = ".dat"
	sidecarSuffix  = ".meta"
	restorePattern = ".rewind-restore-*"
)

// ErrUnsupportedType is returned by Capture for fifos, sockets, and
// device nodes.
var ErrUnsupportedType = errors.New("unsupported file type")

// Options configures how a Store encodes content.
type Options struct {
	Compression Compression

	// Clone tries a reflink copy before falling back to compression.
	Clone bool
}

// Store reads and writes preimages for paths under root, keeping them
// in dir.
type Store struct {
	root    string
	dir     string
	options Options
}

// NewStore returns a Store. Call Init before the first capture.
func NewStore(root, dir string, options Options) *Store {
	return &Store{root: root, dir: dir, options: options}
}

// Init creates the store directory. Captures fail rather than
// recreate it if it disappears later.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating preimage directory: %w", err)
	}
	return nil
}

// Dir returns the directory holding the preimage files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) absolute(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func (s *Store) dataPath(rel string) string {
	return filepath.Join(s.dir, PathHash(rel)+dataSuffix)
}

func (s *Store) sidecarPath(rel string) string {
	return filepath.Join(s.dir, PathHash(rel)+sidecarSuffix)
}

// Stat reads the metadata of rel without storing anything. The
// returned error wraps fs.ErrNotExist when nothing is at rel.
func (s *Store) Stat(rel string) (Metadata, error) {
	path := s.absolute(rel)
	var stat unix.Stat_t
	if err := unix.Lstat(path, &stat); err != nil {
		return Metadata{}, &os.PathError{Op: "lstat", Path: path, Err: err}
	}

	meta := Metadata{
		Path:          rel,
		ExistedBefore: true,
		Mode:          stat.Mode & 0o7777,
		MtimeNanos:    stat.Mtim.Nano(),
	}
	switch stat.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		meta.Type = Regular
		meta.Size = stat.Size
	case unix.S_IFDIR:
		meta.Type = Directory
	case unix.S_IFLNK:
		meta.Type = Symlink
		target, err := os.Readlink(path)
		if err != nil {
			return Metadata{}, fmt.Errorf("reading symlink %s: %w", rel, err)
		}
		meta.SymlinkTarget = target
	default:
		return Metadata{}, fmt.Errorf("%s: %w", rel, ErrUnsupportedType)
	}
	return meta, nil
}

// Capture records the current state of rel. For regular files the
// content is stored before the sidecar.
func (s *Store) Capture(rel string) (Metadata, error) {
	meta, err := s.Stat(rel)
	if err != nil {
		return Metadata{}, err
	}

	xattrs, err := readXattrs(s.absolute(rel))
	if err != nil {
		return Metadata{}, fmt.Errorf("capturing %s: %w", rel, err)
	}
	meta.Xattrs = xattrs

	if meta.Type == Regular {
		if err := s.storeContent(&meta); err != nil {
			return Metadata{}, fmt.Errorf("capturing %s: %w", rel, err)
		}
	}

	if err := s.writeSidecar(meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// MarkCreated records that rel did not exist before the step.
func (s *Store) MarkCreated(rel string, fileType FileType) (Metadata, error) {
	meta := Metadata{Path: rel, ExistedBefore: false, Type: fileType}
	if err := s.writeSidecar(meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (s *Store) writeSidecar(meta Metadata) error {
	data, err := codec.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding sidecar for %s: %w", meta.Path, err)
	}
	if err := atomicfile.WriteFile(s.sidecarPath(meta.Path), data, 0o600); err != nil {
		return fmt.Errorf("writing sidecar for %s: %w", meta.Path, err)
	}
	return nil
}

func (s *Store) storeContent(meta *Metadata) error {
	source, err := os.Open(s.absolute(meta.Path))
	if err != nil {
		return err
	}
	defer source.Close()

	destination := s.dataPath(meta.Path)
	if s.options.Clone {
		cloned, err := cloneInto(destination, source)
		if err != nil {
			return err
		}
		if cloned {
			meta.Cloned = true
			meta.Compression = CompressionNone
			meta.StoredBytes = meta.Size
			return nil
		}
	}

	meta.Compression = s.options.Compression
	err = atomicfile.WriteFrom(destination, 0o600, func(w io.Writer) error {
		return compressTo(w, source, meta.Compression)
	})
	if err != nil {
		return err
	}
	info, err := os.Stat(destination)
	if err != nil {
		return err
	}
	meta.StoredBytes = info.Size()
	return nil
}

// cloneInto attempts a reflink of source into destination. It reports
// false, with no error, when the filesystem cannot clone.
func cloneInto(destination string, source *os.File) (bool, error) {
	temporary, err := os.OpenFile(destination+atomicfile.TempSuffix, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return false, err
	}
	if err := unix.IoctlFileClone(int(temporary.Fd()), int(source.Fd())); err != nil {
		temporary.Close()
		os.Remove(temporary.Name())
		if cloneUnsupported(err) {
			return false, nil
		}
		return false, fmt.Errorf("cloning: %w", err)
	}
	if err := atomicfile.Commit(temporary, destination); err != nil {
		return false, err
	}
	return true, nil
}

func cloneUnsupported(err error) bool {
	return errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.ENOSYS)
}

// Load reads the sidecar for rel.
func (s *Store) Load(rel string) (Metadata, error) {
	data, err := os.ReadFile(s.sidecarPath(rel))
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := codec.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decoding sidecar for %s: %w", rel, err)
	}
	return meta, nil
}

// Has reports whether a sidecar exists for rel.
func (s *Store) Has(rel string) bool {
	_, err := os.Stat(s.sidecarPath(rel))
	return err == nil
}

// Scan decodes every sidecar in the store directory. Sidecars that
// fail to decode, or whose data file is missing, are counted in
// skipped and left out. A missing directory yields no entries.
func (s *Store) Scan() (entries []Metadata, skipped int, err error) {
	directoryEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("scanning preimages: %w", err)
	}
	for _, entry := range directoryEntries {
		name := entry.Name()
		if !strings.HasSuffix(name, sidecarSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			skipped++
			continue
		}
		var meta Metadata
		if err := codec.Unmarshal(data, &meta); err != nil || meta.Path == "" {
			skipped++
			continue
		}
		if meta.ExistedBefore && meta.Type == Regular {
			if _, err := os.Stat(s.dataPath(meta.Path)); err != nil {
				skipped++
				continue
			}
		}
		entries = append(entries, meta)
	}
	return entries, skipped, nil
}

// Release removes the preimage files for rel. Used when a capture has
// to be discarded before its step commits.
func (s *Store) Release(rel string) error {
	for _, path := range []string{s.dataPath(rel), s.sidecarPath(rel)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
