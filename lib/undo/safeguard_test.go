// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/rewind/lib/testutil"
)

// heldUnlink starts PreUnlink on its own goroutine and returns a
// channel carrying its result.
func (h *harness) heldUnlink(rel string) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- h.engine.PreUnlink(context.Background(), h.path(rel), false)
	}()
	return result
}

func (h *harness) waitQueued(n int) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.engine.mu.Lock()
		queued := 0
		if h.engine.hold != nil {
			queued = h.engine.hold.queued
		}
		h.engine.mu.Unlock()
		if queued >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("fewer than %d operations queued behind the hold", n)
}

func deleteThreshold(threshold int) func(*Options) {
	return func(options *Options) {
		options.Safeguards.DeleteThreshold = threshold
	}
}

func TestSafeguardDenyRollsBackStep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, deleteThreshold(2))
	h.seed(map[string]string{"a": "a", "b": "b", "c": "c"})
	before := h.snapshot()

	if err := h.engine.OpenStep(context.Background(), 1, "rm *"); err != nil {
		t.Fatal(err)
	}
	h.write("c", "edited")
	h.remove("a")

	result := h.heldUnlink("b")
	triggered := h.nextEvent(EventSafeguardTriggered)
	event := triggered.Safeguard
	if event.Kind != SafeguardDelete || event.Count != 2 || event.Threshold != 2 || event.StepID != 1 {
		t.Fatalf("safeguard event = %+v", event)
	}
	if len(event.SamplePaths) != 2 || event.SamplePaths[0] != "a" || event.SamplePaths[1] != "b" {
		t.Errorf("sample paths = %v, want [a b]", event.SamplePaths)
	}
	if pending := h.engine.PendingSafeguards(); len(pending) != 1 || pending[0].ID != event.ID {
		t.Errorf("PendingSafeguards = %+v", pending)
	}

	if err := h.engine.ConfirmSafeguard(event.ID, Deny); err != nil {
		t.Fatalf("ConfirmSafeguard: %v", err)
	}
	err := testutil.RequireReceive(t, result, 5*time.Second, "held unlink")
	var denied *SafeguardDeniedError
	if !errors.As(err, &denied) || !errors.Is(err, ErrSafeguardDenied) {
		t.Fatalf("held unlink error = %v, want SafeguardDeniedError", err)
	}

	testutil.RequireSnapshot(t, h.snapshot(), before)
	if _, ok := h.engine.CurrentStep(); ok {
		t.Error("step still open after deny")
	}
	if ids := h.historyIDs(); len(ids) != 0 {
		t.Errorf("history = %v, want empty", ids)
	}
	if _, err := h.engine.CloseStep(context.Background(), 1); !errors.Is(err, ErrStepCancelled) {
		t.Errorf("CloseStep after deny = %v, want ErrStepCancelled", err)
	}
	if len(h.engine.PendingSafeguards()) != 0 {
		t.Error("hold still pending after deny")
	}
}

func TestSafeguardAllowDoesNotRetrigger(t *testing.T) {
	t.Parallel()
	h := newHarness(t, deleteThreshold(2))
	h.seed(map[string]string{"a": "a", "b": "b", "c": "c", "d": "d"})

	if err := h.engine.OpenStep(context.Background(), 1, "cleanup"); err != nil {
		t.Fatal(err)
	}
	h.remove("a")
	result := h.heldUnlink("b")
	event := h.nextEvent(EventSafeguardTriggered).Safeguard
	if err := h.engine.ConfirmSafeguard(event.ID, Allow); err != nil {
		t.Fatal(err)
	}
	if err := testutil.RequireReceive(t, result, 5*time.Second, "held unlink"); err != nil {
		t.Fatalf("allowed unlink returned %v", err)
	}
	if err := os.Remove(h.path("b")); err != nil {
		t.Fatal(err)
	}

	// Further deletes in the same step proceed without a hold.
	h.remove("c")
	h.remove("d")
	if _, err := h.engine.CloseStep(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	resolved := h.nextEvent(EventSafeguardResolved)
	if resolved.Decision != Allow {
		t.Errorf("resolved decision = %q, want allow", resolved.Decision)
	}
	entries, err := h.engine.Step(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries.Entries) != 4 {
		t.Errorf("step captured %d entries, want 4", len(entries.Entries))
	}
}

func TestSafeguardTimeoutDenies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(options *Options) {
		options.Safeguards.DeleteThreshold = 1
		options.Safeguards.DecisionTimeout = time.Minute
	})
	h.seed(map[string]string{"a": "a"})
	if err := h.engine.OpenStep(context.Background(), 1, "rm a"); err != nil {
		t.Fatal(err)
	}

	result := h.heldUnlink("a")
	h.nextEvent(EventSafeguardTriggered)
	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Minute)

	err := testutil.RequireReceive(t, result, 5*time.Second, "held unlink")
	var denied *SafeguardDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error = %v, want SafeguardDeniedError", err)
	}
	if denied.Reason != "timed out" {
		t.Errorf("reason = %q, want timed out", denied.Reason)
	}
	if got := testutil.ReadFile(t, h.root, "a"); got != "a" {
		t.Errorf("a = %q after denied delete", got)
	}
}

func TestSafeguardQueueBehindHold(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(options *Options) {
		options.Safeguards.DeleteThreshold = 1
		options.Safeguards.MaxQueuedOperations = 1
	})
	h.seed(map[string]string{"a": "a", "b": "b", "c": "c"})
	if err := h.engine.OpenStep(context.Background(), 1, "agent"); err != nil {
		t.Fatal(err)
	}

	held := h.heldUnlink("a")
	event := h.nextEvent(EventSafeguardTriggered).Safeguard

	queued := make(chan error, 1)
	go func() {
		queued <- h.engine.PreWrite(context.Background(), h.path("b"))
	}()
	h.waitQueued(1)

	if err := h.engine.PreWrite(context.Background(), h.path("c")); !errors.Is(err, ErrHoldQueueFull) {
		t.Errorf("write past the queue bound = %v, want ErrHoldQueueFull", err)
	}

	if err := h.engine.ConfirmSafeguard(event.ID, Deny); err != nil {
		t.Fatal(err)
	}
	if err := testutil.RequireReceive(t, held, 5*time.Second, "held unlink"); !errors.Is(err, ErrSafeguardDenied) {
		t.Errorf("held unlink = %v, want ErrSafeguardDenied", err)
	}
	if err := testutil.RequireReceive(t, queued, 5*time.Second, "queued write"); !errors.Is(err, ErrStepCancelled) {
		t.Errorf("queued write = %v, want ErrStepCancelled", err)
	}
}

func TestSafeguardHandlerDecides(t *testing.T) {
	t.Parallel()
	decisions := make(chan SafeguardEvent, 4)
	h := newHarness(t, func(options *Options) {
		options.Safeguards.OverwriteFileSizeThreshold = 32
		options.Safeguards.RenameOverExisting = true
		options.SafeguardHandler = SafeguardHandlerFunc(func(ctx context.Context, event SafeguardEvent) Decision {
			decisions <- event
			if event.Kind == SafeguardRenameOverExisting {
				return Deny
			}
			return Allow
		})
	})
	large := strings.Repeat("L", 64)
	h.seed(map[string]string{"large.txt": large, "small.txt": "s", "src": "src", "dst": "dst"})

	if err := h.engine.OpenStep(context.Background(), 1, "edit"); err != nil {
		t.Fatal(err)
	}
	h.write("small.txt", "still small")
	h.write("large.txt", "shrunk")
	h.write("large.txt", "again")

	event := testutil.RequireReceive(t, decisions, 5*time.Second, "overwrite decision")
	if event.Kind != SafeguardOverwriteLargeFile || event.SamplePaths[0] != "large.txt" {
		t.Errorf("decision event = %+v", event)
	}

	err := h.engine.PreRename(context.Background(), h.path("src"), h.path("dst"))
	if !errors.Is(err, ErrSafeguardDenied) {
		t.Fatalf("rename over existing = %v, want ErrSafeguardDenied", err)
	}
	event = testutil.RequireReceive(t, decisions, 5*time.Second, "rename decision")
	if event.Kind != SafeguardRenameOverExisting {
		t.Errorf("decision event = %+v", event)
	}
	select {
	case extra := <-decisions:
		t.Errorf("unexpected extra safeguard %+v", extra)
	default:
	}

	testutil.RequireSnapshot(t, h.snapshot(), map[string]string{
		"large.txt": large, "small.txt": "s", "src": "src", "dst": "dst",
	})
}

func TestConfirmUnknownSafeguard(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.engine.ConfirmSafeguard(42, Allow); !errors.Is(err, ErrUnknownSafeguard) {
		t.Errorf("ConfirmSafeguard(42) = %v, want ErrUnknownSafeguard", err)
	}
	if err := h.engine.ConfirmSafeguard(42, Decision("maybe")); err == nil {
		t.Error("invalid decision accepted")
	}
}

func TestCloseDeniesPendingHold(t *testing.T) {
	t.Parallel()
	h := newHarness(t, deleteThreshold(1))
	h.seed(map[string]string{"a": "a", "b": "b"})
	if err := h.engine.OpenStep(context.Background(), 1, "rm a"); err != nil {
		t.Fatal(err)
	}
	h.write("b", "edited")

	result := h.heldUnlink("a")
	h.nextEvent(EventSafeguardTriggered)

	closed := make(chan error, 1)
	go func() { closed <- h.engine.Close() }()
	if err := testutil.RequireReceive(t, closed, 5*time.Second, "Close"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := testutil.RequireReceive(t, result, 5*time.Second, "held unlink")
	var denied *SafeguardDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("held unlink error = %v, want SafeguardDeniedError", err)
	}
	testutil.RequireSnapshot(t, h.snapshot(), map[string]string{"a": "a", "b": "b"})

	h.open()
	if info := h.engine.LastRecovery(); info != nil {
		t.Errorf("recovery after close = %+v, want nothing left in progress", info)
	}
	if ids := h.historyIDs(); len(ids) != 0 {
		t.Errorf("history = %v, want empty", ids)
	}
}

func TestRenameDestinationRecheckedAfterHold(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(options *Options) {
		options.Safeguards.RenameOverExisting = true
	})
	h.seed(map[string]string{"src": "new", "dst": "old"})
	if err := h.engine.OpenStep(context.Background(), 1, "mv src dst"); err != nil {
		t.Fatal(err)
	}

	result := make(chan error, 1)
	go func() {
		result <- h.engine.PreRename(context.Background(), h.path("src"), h.path("dst"))
	}()
	triggered := h.nextEvent(EventSafeguardTriggered)
	if triggered.Safeguard.Kind != SafeguardRenameOverExisting {
		t.Fatalf("safeguard kind = %s, want %s", triggered.Safeguard.Kind, SafeguardRenameOverExisting)
	}

	// The destination disappears while the rename is held.
	if err := os.Remove(h.path("dst")); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.ConfirmSafeguard(triggered.Safeguard.ID, Allow); err != nil {
		t.Fatal(err)
	}
	if err := testutil.RequireReceive(t, result, 5*time.Second, "held rename"); err != nil {
		t.Fatalf("PreRename: %v", err)
	}
	if err := os.Rename(h.path("src"), h.path("dst")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.CloseStep(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	if _, err := h.engine.Rollback(context.Background(), 1, false); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	testutil.RequireSnapshot(t, h.snapshot(), map[string]string{"src": "new"})
}
