// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// WriteFile writes content to root/rel, creating parent directories.
func WriteFile(t testing.TB, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating parent of %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", rel, err)
	}
	return path
}

// ReadFile returns the content of root/rel.
func ReadFile(t testing.TB, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		t.Fatalf("reading %s: %v", rel, err)
	}
	return string(data)
}

// RequireMissing fails the test if root/rel exists.
func RequireMissing(t testing.TB, root, rel string) {
	t.Helper()
	if _, err := os.Lstat(filepath.Join(root, rel)); err == nil {
		t.Fatalf("%s exists, want it absent", rel)
	} else if !os.IsNotExist(err) {
		t.Fatalf("checking %s: %v", rel, err)
	}
}

// Snapshot describes a directory tree as a map from slash-separated
// relative path to a short description: "dir", "link:<target>", or the
// file content. Paths for which skip returns true are left out along
// with their subtrees.
func Snapshot(t testing.TB, root string, skip func(rel string) bool) map[string]string {
	t.Helper()
	snapshot := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip != nil && skip(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			snapshot[rel] = "link:" + target
		case entry.IsDir():
			snapshot[rel] = "dir"
		default:
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			snapshot[rel] = string(data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("snapshotting %s: %v", root, err)
	}
	return snapshot
}

// RequireSnapshot fails the test with a per-path diff when got and want
// differ.
func RequireSnapshot(t testing.TB, got, want map[string]string) {
	t.Helper()
	var problems []string
	for path, wantValue := range want {
		gotValue, ok := got[path]
		switch {
		case !ok:
			problems = append(problems, "missing "+path)
		case gotValue != wantValue:
			problems = append(problems, "changed "+path+": "+quote(gotValue)+" want "+quote(wantValue))
		}
	}
	for path := range got {
		if _, ok := want[path]; !ok {
			problems = append(problems, "unexpected "+path)
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		t.Fatalf("tree mismatch:\n  %s", strings.Join(problems, "\n  "))
	}
}

func quote(s string) string {
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return "\"" + s + "\""
}
