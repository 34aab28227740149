// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/rewind/lib/preimage"
	"github.com/bureau-foundation/rewind/lib/testutil"
)

func TestManifestWriteRead(t *testing.T) {
	dir := t.TempDir()
	written := &Manifest{
		StepID:        7,
		Kind:          KindCommand,
		Command:       "make clean",
		StartUnixNano: 100,
		Sequence:      3,
		Entries: []Entry{
			NewEntry(preimage.Metadata{Path: "build/out", ExistedBefore: true, Type: preimage.Regular, StoredBytes: 42}),
			NewEntry(preimage.Metadata{Path: "build/new", Type: preimage.Regular}),
		},
	}
	written.SizeBytes = TotalStored(written.Entries)
	if err := Write(dir, written); err != nil {
		t.Fatalf("Write: %v", err)
	}

	read, err := Read(dir)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if read.StepID != 7 || read.Kind != KindCommand || read.Command != "make clean" || read.Sequence != 3 {
		t.Fatalf("read %+v", read)
	}
	if len(read.Entries) != 2 || read.Entries[0].Path != "build/out" || read.Entries[1].Path != "build/new" {
		t.Fatalf("entries out of order: %+v", read.Entries)
	}
	if read.Entries[0].Ref != preimage.PathHash("build/out") || read.Entries[1].Ref != "" {
		t.Errorf("refs = %q, %q", read.Entries[0].Ref, read.Entries[1].Ref)
	}
	if read.SizeBytes != 42 {
		t.Errorf("SizeBytes = %d, want 42", read.SizeBytes)
	}
}

func TestReadCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte{0x9f, 0x01}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(dir); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Read = %v, want ErrCorrupt", err)
	}
}

func TestJournalTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), JournalFile)
	journal, err := CreateJournal(path, Header{StepID: -2, Kind: KindAmbient, StartUnixNano: 5})
	if err != nil {
		t.Fatalf("CreateJournal: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if err := journal.Append(NewEntry(preimage.Metadata{Path: name})); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := journal.Close(); err != nil {
		t.Fatal(err)
	}

	header, entries, complete, err := ReadJournal(path)
	if err != nil || !complete || header.StepID != -2 || header.Kind != KindAmbient || len(entries) != 3 {
		t.Fatalf("ReadJournal = %+v, %d entries, complete=%v, err=%v", header, len(entries), complete, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-2); err != nil {
		t.Fatal(err)
	}
	_, entries, complete, err = ReadJournal(path)
	if err != nil {
		t.Fatalf("ReadJournal after truncation: %v", err)
	}
	if complete {
		t.Error("truncated journal reported complete")
	}
	if len(entries) != 2 || entries[1].Path != "b" {
		t.Fatalf("entries after truncation = %+v", entries)
	}
}

func TestJournalEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), JournalFile)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := ReadJournal(path); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("ReadJournal of empty file = %v, want ErrCorrupt", err)
	}
}

func TestRebuildFromSidecars(t *testing.T) {
	root := t.TempDir()
	stepDir := t.TempDir()
	store := preimage.NewStore(root, filepath.Join(stepDir, PreimageDir), preimage.Options{Compression: preimage.CompressionZstd})
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}

	testutil.WriteFile(t, root, "z.txt", "zz")
	testutil.WriteFile(t, root, "dir/a.txt", "aa")
	for _, rel := range []string{"z.txt", "dir/a.txt"} {
		if _, err := store.Capture(rel); err != nil {
			t.Fatalf("Capture %s: %v", rel, err)
		}
	}
	if _, err := store.MarkCreated("dir/new", preimage.Regular); err != nil {
		t.Fatal(err)
	}

	rebuilt, skipped, err := Rebuild(4, stepDir)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if skipped != 0 || !rebuilt.Rebuilt || rebuilt.StepID != 4 {
		t.Fatalf("rebuilt %+v, skipped %d", rebuilt, skipped)
	}
	var paths []string
	for _, entry := range rebuilt.Entries {
		paths = append(paths, entry.Path)
	}
	want := []string{"dir/a.txt", "dir/new", "z.txt"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v, want %v", paths, want)
		}
	}
	if rebuilt.SizeBytes <= 0 {
		t.Errorf("SizeBytes = %d, want positive", rebuilt.SizeBytes)
	}
	if !rebuilt.Unprotected || rebuilt.Sequence != 0 {
		t.Errorf("rebuilt without commit record: unprotected %v sequence %d, want unprotected with unknown order",
			rebuilt.Unprotected, rebuilt.Sequence)
	}
}

func TestRebuildUsesCommitRecord(t *testing.T) {
	root := t.TempDir()
	stepDir := t.TempDir()
	store := preimage.NewStore(root, filepath.Join(stepDir, PreimageDir), preimage.Options{})
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, root, "a", "a")
	if _, err := store.Capture("a"); err != nil {
		t.Fatal(err)
	}
	committed := &Manifest{
		StepID:         9,
		Kind:           KindAPI,
		Command:        "api:refactor",
		StartUnixNano:  100,
		CommitUnixNano: 200,
		Sequence:       5,
	}
	if err := WriteCommit(stepDir, CommitOf(committed)); err != nil {
		t.Fatal(err)
	}

	rebuilt, _, err := Rebuild(9, stepDir)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if rebuilt.Sequence != 5 || rebuilt.Kind != KindAPI || rebuilt.Command != "api:refactor" ||
		rebuilt.StartUnixNano != 100 || rebuilt.CommitUnixNano != 200 {
		t.Errorf("rebuilt metadata = %+v, want it taken from the commit record", rebuilt)
	}
	if rebuilt.Unprotected {
		t.Error("rebuilt step with intact commit record is unprotected")
	}

	committed.Unprotected = true
	if err := WriteCommit(stepDir, CommitOf(committed)); err != nil {
		t.Fatal(err)
	}
	rebuilt, _, err = Rebuild(9, stepDir)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !rebuilt.Unprotected {
		t.Error("unprotected flag in the commit record ignored by Rebuild")
	}
}

func TestReadCommitCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, CommitFile), []byte{0x9f, 0x01}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadCommit(dir); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("ReadCommit = %v, want ErrCorrupt", err)
	}
}

func TestMergeKeepsJournalOrder(t *testing.T) {
	entries := []Entry{NewEntry(preimage.Metadata{Path: "b"}), NewEntry(preimage.Metadata{Path: "a"})}
	merged := Merge(entries, []preimage.Metadata{{Path: "a"}, {Path: "c", ExistedBefore: true}})
	if len(merged) != 3 || merged[0].Path != "b" || merged[1].Path != "a" || merged[2].Path != "c" {
		t.Fatalf("merged = %+v", merged)
	}
	if merged[2].Ref == "" {
		t.Error("merged existing entry has no ref")
	}
}
