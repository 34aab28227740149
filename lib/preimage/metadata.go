// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package preimage

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// FileType is the kind of filesystem object a preimage describes.
type FileType uint8

const (
	Regular FileType = iota
	Directory
	Symlink
)

func (t FileType) String() string {
	switch t {
	case Regular:
		return "file"
	case Directory:
		return "dir"
	case Symlink:
		return "symlink"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t FileType) MarshalText() ([]byte, error) {
	switch t {
	case Regular, Directory, Symlink:
		return []byte(t.String()), nil
	}
	return nil, fmt.Errorf("invalid file type %d", uint8(t))
}

func (t *FileType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "file":
		*t = Regular
	case "dir":
		*t = Directory
	case "symlink":
		*t = Symlink
	default:
		return fmt.Errorf("unknown file type %q", text)
	}
	return nil
}

// Metadata is the sidecar record for one captured path.
type Metadata struct {
	// Path is the root-relative path in slash form.
	Path string `json:"path"`

	// ExistedBefore is false for paths the step created.
	ExistedBefore bool `json:"existed_before"`

	Type FileType `json:"type"`

	// Mode holds the permission, setuid, setgid, and sticky bits.
	Mode uint32 `json:"mode,omitempty"`

	MtimeNanos int64 `json:"mtime_ns,omitempty"`

	// Size is the original size in bytes (regular files only).
	Size int64 `json:"size,omitempty"`

	SymlinkTarget string `json:"symlink_target,omitempty"`

	Xattrs map[string][]byte `json:"xattrs,omitempty"`

	// Compression and Cloned describe how the .dat file was produced.
	Compression Compression `json:"compression"`
	Cloned      bool        `json:"cloned,omitempty"`

	// StoredBytes is the size of the .dat file on disk. For a clone
	// this is the logical size, which overstates the blocks actually
	// consumed.
	StoredBytes int64 `json:"stored_bytes,omitempty"`
}

// NormalizePath converts rel to the canonical slash form used as the
// identity of a captured path: cleaned, relative, no leading "./".
// Returns an error for paths that escape the root.
func NormalizePath(rel string) (string, error) {
	cleaned := path.Clean(filepath.ToSlash(rel))
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("path %q names the root itself", rel)
	}
	if strings.HasPrefix(cleaned, "/") || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q is outside the root", rel)
	}
	return cleaned, nil
}

// Depth counts the components of a normalized path. Rollback orders
// deletions deepest first and directory creation shallowest first.
func Depth(rel string) int {
	return strings.Count(rel, "/") + 1
}
