// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package preimage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/rewind/lib/testutil"
)

func newTestStore(t *testing.T, compression Compression) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	store := NewStore(root, filepath.Join(t.TempDir(), "preimages"), Options{Compression: compression})
	if err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return store, root
}

func TestCaptureRestoreRoundtrip(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			store, root := newTestStore(t, compression)
			content := strings.Repeat("the quick brown fox\n", 500)
			path := testutil.WriteFile(t, root, "src/main.go", content)
			if err := os.Chmod(path, 0o640); err != nil {
				t.Fatal(err)
			}
			mtime := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
			if err := os.Chtimes(path, mtime, mtime); err != nil {
				t.Fatal(err)
			}

			meta, err := store.Capture("src/main.go")
			if err != nil {
				t.Fatalf("Capture: %v", err)
			}
			if !meta.ExistedBefore || meta.Type != Regular || meta.Size != int64(len(content)) {
				t.Fatalf("captured %+v", meta)
			}
			if meta.Mode != 0o640 {
				t.Errorf("Mode = %o, want 640", meta.Mode)
			}
			if compression != CompressionNone && meta.StoredBytes >= meta.Size {
				t.Errorf("StoredBytes = %d, want less than %d for repetitive content", meta.StoredBytes, meta.Size)
			}

			if err := os.WriteFile(path, []byte("clobbered"), 0o600); err != nil {
				t.Fatal(err)
			}
			loaded, err := store.Load("src/main.go")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if err := store.Restore(loaded); err != nil {
				t.Fatalf("Restore: %v", err)
			}

			if got := testutil.ReadFile(t, root, "src/main.go"); got != content {
				t.Fatalf("restored content differs (len %d, want %d)", len(got), len(content))
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0o640 {
				t.Errorf("restored mode = %v, want 0640", info.Mode().Perm())
			}
			if !info.ModTime().Equal(mtime) {
				t.Errorf("restored mtime = %v, want %v", info.ModTime(), mtime)
			}
		})
	}
}

func TestCaptureMissingPath(t *testing.T) {
	store, _ := newTestStore(t, CompressionZstd)
	_, err := store.Capture("nope.txt")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Capture of missing path = %v, want fs.ErrNotExist", err)
	}
}

func TestRestoreDoesNotFollowSymlink(t *testing.T) {
	store, root := newTestStore(t, CompressionZstd)
	outside := t.TempDir()
	testutil.WriteFile(t, outside, "secret", "do not touch")
	testutil.WriteFile(t, root, "config", "original")

	meta, err := store.Capture("config")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	// Replace the file with a symlink pointing outside the root.
	if err := os.Remove(filepath.Join(root, "config")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "config")); err != nil {
		t.Fatal(err)
	}

	if err := store.Restore(meta); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := testutil.ReadFile(t, outside, "secret"); got != "do not touch" {
		t.Fatalf("symlink target was modified: %q", got)
	}
	info, err := os.Lstat(filepath.Join(root, "config"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		t.Fatal("config is still a symlink after restore")
	}
	if got := testutil.ReadFile(t, root, "config"); got != "original" {
		t.Fatalf("content = %q, want %q", got, "original")
	}
}

func TestSymlinkCaptureRestore(t *testing.T) {
	store, root := newTestStore(t, CompressionNone)
	link := filepath.Join(root, "current")
	if err := os.Symlink("releases/v1", link); err != nil {
		t.Fatal(err)
	}
	meta, err := store.Capture("current")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if meta.Type != Symlink || meta.SymlinkTarget != "releases/v1" {
		t.Fatalf("captured %+v", meta)
	}

	if err := os.Remove(link); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("releases/v2", link); err != nil {
		t.Fatal(err)
	}
	if err := store.Restore(meta); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatal(err)
	}
	if target != "releases/v1" {
		t.Fatalf("target = %q, want releases/v1", target)
	}
}

func TestRestoreReplacesDirectoryWithFile(t *testing.T) {
	store, root := newTestStore(t, CompressionLZ4)
	testutil.WriteFile(t, root, "notes", "plain file")
	meta, err := store.Capture("notes")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "notes")); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, root, "notes/inner", "x")

	if err := store.Restore(meta); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := testutil.ReadFile(t, root, "notes"); got != "plain file" {
		t.Fatalf("content = %q", got)
	}
}

func TestDirectoryCaptureAndRecreate(t *testing.T) {
	store, root := newTestStore(t, CompressionZstd)
	directory := filepath.Join(root, "pkg")
	if err := os.Mkdir(directory, 0o750); err != nil {
		t.Fatal(err)
	}
	meta, err := store.Capture("pkg")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if meta.Type != Directory || meta.Mode != 0o750 {
		t.Fatalf("captured %+v", meta)
	}
	if err := os.Remove(directory); err != nil {
		t.Fatal(err)
	}

	if err := store.RestoreDirectory(meta); err != nil {
		t.Fatalf("RestoreDirectory: %v", err)
	}
	if err := store.ApplyMetadata(meta); err != nil {
		t.Fatalf("ApplyMetadata: %v", err)
	}
	info, err := os.Stat(directory)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0o750 {
		t.Fatalf("restored %v", info.Mode())
	}
}

func TestMarkCreatedAndScan(t *testing.T) {
	store, root := newTestStore(t, CompressionZstd)
	testutil.WriteFile(t, root, "a.txt", "a")

	if _, err := store.Capture("a.txt"); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if _, err := store.MarkCreated("b.txt", Regular); err != nil {
		t.Fatalf("MarkCreated: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), "garbage.meta"), []byte{0xff, 0x00}, 0o600); err != nil {
		t.Fatal(err)
	}

	entries, skipped, err := store.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	found := map[string]bool{}
	for _, entry := range entries {
		found[entry.Path] = entry.ExistedBefore
	}
	if existed, ok := found["a.txt"]; !ok || !existed {
		t.Errorf("a.txt missing or not marked existing: %v", found)
	}
	if existed, ok := found["b.txt"]; !ok || existed {
		t.Errorf("b.txt missing or marked existing: %v", found)
	}
}

func TestScanSkipsSidecarWithoutData(t *testing.T) {
	store, root := newTestStore(t, CompressionZstd)
	testutil.WriteFile(t, root, "a.txt", "a")
	if _, err := store.Capture("a.txt"); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := os.Remove(store.dataPath("a.txt")); err != nil {
		t.Fatal(err)
	}
	entries, skipped, err := store.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 0 || skipped != 1 {
		t.Fatalf("entries = %v, skipped = %d", entries, skipped)
	}
}

func TestNormalizePath(t *testing.T) {
	valid := map[string]string{
		"a/b/../c": "a/c",
		"./x":      "x",
		"dir/":     "dir",
	}
	for input, want := range valid {
		got, err := NormalizePath(input)
		if err != nil || got != want {
			t.Errorf("NormalizePath(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	for _, input := range []string{"", ".", "..", "../etc", "/abs"} {
		if _, err := NormalizePath(input); err == nil {
			t.Errorf("NormalizePath(%q) succeeded, want error", input)
		}
	}
}

func TestPathHashStable(t *testing.T) {
	if PathHash("a/b") != PathHash("a/b") {
		t.Fatal("PathHash is not deterministic")
	}
	if PathHash("a/b") == PathHash("a/c") {
		t.Fatal("distinct paths share a hash")
	}
	if len(PathHash("x")) != 64 {
		t.Fatalf("hash length = %d, want 64 hex characters", len(PathHash("x")))
	}
}

func TestCaptureFailsWhenDirectoryRemoved(t *testing.T) {
	store, root := newTestStore(t, CompressionZstd)
	testutil.WriteFile(t, root, "a.txt", "a")
	if err := os.RemoveAll(store.Dir()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Capture("a.txt"); err == nil {
		t.Fatal("Capture succeeded with the preimage directory gone")
	}
}
