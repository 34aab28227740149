// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package preimage

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// xattrsUnsupported reports errors meaning the filesystem or object
// does not carry extended attributes at all.
func xattrsUnsupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP)
}

// listXattrs returns the attribute names on path without following a
// final symlink.
func listXattrs(path string) ([]string, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		if xattrsUnsupported(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing xattrs: %w", err)
	}
	if size == 0 {
		return nil, nil
	}
	buffer := make([]byte, size)
	size, err = unix.Llistxattr(path, buffer)
	if err != nil {
		return nil, fmt.Errorf("listing xattrs: %w", err)
	}
	var names []string
	for _, name := range bytes.Split(buffer[:size], []byte{0}) {
		if len(name) > 0 {
			names = append(names, string(name))
		}
	}
	return names, nil
}

func readXattrs(path string) (map[string][]byte, error) {
	names, err := listXattrs(path)
	if err != nil || len(names) == 0 {
		return nil, err
	}
	values := make(map[string][]byte, len(names))
	for _, name := range names {
		size, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			if errors.Is(err, unix.ENODATA) {
				continue
			}
			return nil, fmt.Errorf("reading xattr %s: %w", name, err)
		}
		value := make([]byte, size)
		if size > 0 {
			size, err = unix.Lgetxattr(path, name, value)
			if err != nil {
				return nil, fmt.Errorf("reading xattr %s: %w", name, err)
			}
		}
		values[name] = value[:size]
	}
	return values, nil
}

// writeXattrs makes the attribute set on path exactly want: names not
// in want are removed, the rest are set.
func writeXattrs(path string, want map[string][]byte) error {
	current, err := listXattrs(path)
	if err != nil {
		return err
	}
	for _, name := range current {
		if _, keep := want[name]; keep {
			continue
		}
		if err := unix.Lremovexattr(path, name); err != nil && !errors.Is(err, unix.ENODATA) && !xattrsUnsupported(err) {
			return fmt.Errorf("removing xattr %s: %w", name, err)
		}
	}
	for name, value := range want {
		if err := unix.Lsetxattr(path, name, value, 0); err != nil {
			if xattrsUnsupported(err) {
				return nil
			}
			return fmt.Errorf("setting xattr %s: %w", name, err)
		}
	}
	return nil
}
