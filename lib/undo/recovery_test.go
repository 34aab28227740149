// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/rewind/lib/testutil"
)

func TestRecoveryRollsBackInterruptedStep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seed(map[string]string{"a": "a", "dir/b": "b"})
	before := h.snapshot()

	if err := h.engine.OpenStep(context.Background(), 4, "crashing"); err != nil {
		t.Fatal(err)
	}
	h.write("a", "half written")
	h.removeTree("dir")
	h.create("new", "new")
	h.crash()

	h.open()
	info := h.engine.LastRecovery()
	if info == nil {
		t.Fatal("no recovery reported")
	}
	if info.StepID != 4 || !info.ManifestValid {
		t.Errorf("recovery = %+v, want step 4 with a valid record", info)
	}
	if info.PathsRestored != 3 || info.PathsDeleted != 1 {
		t.Errorf("recovery counts = %d restored, %d deleted; want 3, 1", info.PathsRestored, info.PathsDeleted)
	}
	testutil.RequireSnapshot(t, h.snapshot(), before)
	testutil.RequireMissing(t, h.engine.LogDir(), "wal/in_progress")
	if ids := h.historyIDs(); len(ids) != 0 {
		t.Errorf("history = %v, want empty", ids)
	}
	if err := h.engine.OpenStep(context.Background(), 5, "next"); err != nil {
		t.Errorf("OpenStep after recovery: %v", err)
	}
}

func TestRecoveryOfEmptyStep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.engine.OpenStep(context.Background(), 1, "idle"); err != nil {
		t.Fatal(err)
	}
	h.crash()

	h.open()
	info := h.engine.LastRecovery()
	if info == nil {
		t.Fatal("empty in-progress step not reported")
	}
	if info.ManifestValid || info.PathsRestored != 0 || info.PathsDeleted != 0 {
		t.Errorf("recovery = %+v, want zero counts and no valid record", info)
	}
	testutil.RequireMissing(t, h.engine.LogDir(), "wal/in_progress")
}

func TestRecoveryWithTruncatedJournal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seed(map[string]string{"a": "a", "b": "b"})
	before := h.snapshot()

	if err := h.engine.OpenStep(context.Background(), 1, "crashing"); err != nil {
		t.Fatal(err)
	}
	h.write("a", "A")
	h.write("b", "B")
	journal := h.engine.layout.journalFile()
	h.crash()

	// A torn final append.
	file, err := os.OpenFile(journal, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := file.Write([]byte{0xa5, 0x64}); err != nil {
		t.Fatal(err)
	}
	file.Close()

	h.open()
	info := h.engine.LastRecovery()
	if info == nil || info.ManifestValid {
		t.Fatalf("recovery = %+v, want an incomplete record", info)
	}
	testutil.RequireSnapshot(t, h.snapshot(), before)
}

func TestRecoveryFromSidecarsAlone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seed(map[string]string{"a": "a"})

	if err := h.engine.OpenStep(context.Background(), 1, "crashing"); err != nil {
		t.Fatal(err)
	}
	h.write("a", "A")
	h.create("b", "B")
	journal := h.engine.layout.journalFile()
	h.crash()
	if err := os.Remove(journal); err != nil {
		t.Fatal(err)
	}

	h.open()
	info := h.engine.LastRecovery()
	if info == nil || info.ManifestValid || info.PathsRestored != 1 || info.PathsDeleted != 1 {
		t.Fatalf("recovery = %+v", info)
	}
	testutil.RequireSnapshot(t, h.snapshot(), map[string]string{"a": "a"})
}

func TestRecoveryOfCommittedButUnpromotedStep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seed(map[string]string{"a": "a"})
	h.step(1, func() { h.write("a", "A") })
	logDir := h.engine.LogDir()
	h.crash()

	// The manifest was written but the rename into steps/ never ran.
	if err := os.Rename(filepath.Join(logDir, "steps", "1"), filepath.Join(logDir, "wal", "in_progress")); err != nil {
		t.Fatal(err)
	}

	h.open()
	info := h.engine.LastRecovery()
	if info == nil || !info.ManifestValid || info.StepID != 1 {
		t.Fatalf("recovery = %+v, want step 1 from its manifest", info)
	}
	if got := testutil.ReadFile(t, h.root, "a"); got != "a" {
		t.Errorf("a = %q, want %q", got, "a")
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	info, err := h.engine.Recover(context.Background())
	if err != nil || info != nil {
		t.Fatalf("Recover with nothing in progress = %+v, %v", info, err)
	}

	if err := h.engine.OpenStep(context.Background(), 1, "open"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Recover(context.Background()); !errors.Is(err, ErrStepActive) {
		t.Errorf("Recover with a step open = %v, want ErrStepActive", err)
	}
}

func TestLogLockedByAnotherEngine(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if _, err := Open(context.Background(), h.options); !errors.Is(err, ErrLogLocked) {
		t.Fatalf("second Open = %v, want ErrLogLocked", err)
	}
}

func TestVersionMismatchDisablesUntilDiscard(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seed(map[string]string{"a": "a"})
	h.step(1, func() { h.write("a", "A") })
	if err := h.engine.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.root, LogDirName, "version"), []byte("0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	h.open()

	disabled := h.engine.Disabled()
	if disabled == nil || disabled.Found != "0" || disabled.Expected != LogVersion {
		t.Fatalf("Disabled = %+v", disabled)
	}
	var undoDisabled *UndoDisabledError
	if _, err := h.engine.History(); !errors.As(err, &undoDisabled) || !errors.Is(err, ErrUndoDisabled) {
		t.Errorf("History while disabled = %v", err)
	}
	if _, err := h.engine.Rollback(context.Background(), 1, false); !errors.Is(err, ErrUndoDisabled) {
		t.Errorf("Rollback while disabled = %v", err)
	}
	h.write("a", "not captured")
	if _, ok := h.engine.CurrentStep(); ok {
		t.Error("write captured while undo is disabled")
	}
	if status := h.engine.Status(); status.Disabled == nil {
		t.Error("Status does not report the mismatch")
	}

	if err := h.engine.Discard(context.Background()); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if h.engine.Disabled() != nil {
		t.Error("still disabled after Discard")
	}
	if ids := h.historyIDs(); len(ids) != 0 {
		t.Errorf("history after discard = %v", ids)
	}
	if got := testutil.ReadFile(t, filepath.Join(h.root, LogDirName), "version"); got != LogVersion {
		t.Errorf("version = %q, want %q", got, LogVersion)
	}
	if got := testutil.ReadFile(t, h.root, "a"); got != "not captured" {
		t.Errorf("Discard changed the working tree: a = %q", got)
	}
}
