// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/bureau-foundation/rewind/lib/testutil"
)

func TestBarrierBlocksRollbackUntilForced(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seed(map[string]string{"a": "a", "b": "b"})
	h.step(1, func() { h.write("a", "agent edit") })

	testutil.WriteFile(t, h.root, "b", "human edit")
	barrier, err := h.engine.NotifyExternalModification([]string{h.path("b")})
	if err != nil {
		t.Fatalf("NotifyExternalModification: %v", err)
	}
	if barrier == nil || barrier.AfterStepID != 1 || barrier.ID != 1 || len(barrier.Paths) != 1 || barrier.Paths[0] != "b" {
		t.Fatalf("barrier = %+v", barrier)
	}

	_, err = h.engine.Rollback(context.Background(), 1, false)
	var blocked *RollbackBlockedError
	if !errors.As(err, &blocked) || !errors.Is(err, ErrRollbackBlocked) {
		t.Fatalf("Rollback = %v, want RollbackBlockedError", err)
	}
	if len(blocked.Barriers) != 1 || blocked.Barriers[0].ID != 1 {
		t.Errorf("blocking barriers = %+v", blocked.Barriers)
	}
	if got := testutil.ReadFile(t, h.root, "a"); got != "agent edit" {
		t.Fatalf("blocked rollback changed a to %q", got)
	}

	result, err := h.engine.Rollback(context.Background(), 1, true)
	if err != nil {
		t.Fatalf("forced Rollback: %v", err)
	}
	if len(result.BarriersCrossed) != 1 {
		t.Errorf("BarriersCrossed = %+v, want one", result.BarriersCrossed)
	}
	if got := testutil.ReadFile(t, h.root, "b"); got != "human edit" {
		t.Errorf("forced rollback touched the external edit: b = %q", got)
	}
	barriers, err := h.engine.Barriers()
	if err != nil {
		t.Fatal(err)
	}
	if len(barriers) != 0 {
		t.Errorf("barriers after forced rollback = %+v", barriers)
	}
}

func TestBarrierOnlyBlocksStepsAtOrBeforeIt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seed(map[string]string{"a": "a"})
	h.step(1, func() { h.write("a", "1") })
	if _, err := h.engine.NotifyExternalModification([]string{h.path("other")}); err != nil {
		t.Fatal(err)
	}
	h.step(2, func() { h.write("a", "2") })

	if _, err := h.engine.Rollback(context.Background(), 1, false); err != nil {
		t.Fatalf("rolling back the step after the barrier: %v", err)
	}
	if _, err := h.engine.Rollback(context.Background(), 1, false); !errors.Is(err, ErrRollbackBlocked) {
		t.Fatalf("rolling back across the barrier = %v, want ErrRollbackBlocked", err)
	}
}

func TestBarrierPersistsAndIDsStayMonotonic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seed(map[string]string{"a": "a"})
	h.step(1, func() { h.write("a", "1") })
	for range 2 {
		if _, err := h.engine.NotifyExternalModification([]string{h.path("a")}); err != nil {
			t.Fatal(err)
		}
	}

	h.reopen()
	barriers, err := h.engine.Barriers()
	if err != nil {
		t.Fatal(err)
	}
	if len(barriers) != 2 || barriers[0].ID != 1 || barriers[1].ID != 2 {
		t.Fatalf("barriers after reopen = %+v", barriers)
	}
	next, err := h.engine.NotifyExternalModification([]string{h.path("a")})
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != 3 {
		t.Errorf("next barrier id = %d, want 3", next.ID)
	}
}

func TestCorruptBarrierLogStartsEmpty(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := os.WriteFile(h.engine.layout.barrierFile(), []byte{0xff, 0x00, 0x13}, 0o600); err != nil {
		t.Fatal(err)
	}
	h.reopen()
	barriers, err := h.engine.Barriers()
	if err != nil {
		t.Fatal(err)
	}
	if len(barriers) != 0 {
		t.Errorf("barriers = %+v, want none", barriers)
	}
}

func TestExternalPolicies(t *testing.T) {
	t.Parallel()
	t.Run("warn", func(t *testing.T) {
		h := newHarness(t, func(options *Options) { options.ExternalPolicy = ExternalWarn })
		h.seed(map[string]string{"a": "a"})
		h.step(1, func() { h.write("a", "1") })
		barrier, err := h.engine.NotifyExternalModification([]string{h.path("a")})
		if err != nil || barrier != nil {
			t.Fatalf("NotifyExternalModification = %+v, %v; want no barrier", barrier, err)
		}
		event := h.nextEvent(EventExternalModification)
		if event.StepID != 1 || len(event.Paths) != 1 {
			t.Errorf("event = %+v", event)
		}
		if _, err := h.engine.Rollback(context.Background(), 1, false); err != nil {
			t.Errorf("Rollback under warn = %v", err)
		}
	})
	t.Run("lock", func(t *testing.T) {
		h := newHarness(t, func(options *Options) { options.ExternalPolicy = ExternalLock })
		if _, err := h.engine.NotifyExternalModification([]string{h.path("a")}); !errors.Is(err, ErrExternalLocked) {
			t.Errorf("NotifyExternalModification = %v, want ErrExternalLocked", err)
		}
	})
	t.Run("log directory ignored", func(t *testing.T) {
		h := newHarness(t, nil)
		barrier, err := h.engine.NotifyExternalModification([]string{h.path(LogDirName + "/steps")})
		if err != nil || barrier != nil {
			t.Errorf("NotifyExternalModification(log dir) = %+v, %v", barrier, err)
		}
	})
}

func TestEvictionByStepCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(options *Options) { options.Limits.MaxStepCount = 2 })
	h.seed(map[string]string{"a": "0"})

	h.step(1, func() { h.write("a", "1") })
	if _, err := h.engine.NotifyExternalModification([]string{h.path("x")}); err != nil {
		t.Fatal(err)
	}
	h.step(2, func() { h.write("a", "2") })
	result := h.step(3, func() { h.write("a", "3") })

	if !equalIDs(result.Evicted, []StepID{1}) {
		t.Errorf("Evicted = %v, want [1]", result.Evicted)
	}
	if ids := h.historyIDs(); !equalIDs(ids, []StepID{2, 3}) {
		t.Errorf("history = %v, want [2 3]", ids)
	}
	testutil.RequireMissing(t, h.engine.LogDir(), "steps/1")
	barriers, err := h.engine.Barriers()
	if err != nil {
		t.Fatal(err)
	}
	if len(barriers) != 0 {
		t.Errorf("barrier of evicted step survived: %+v", barriers)
	}
	event := h.nextEvent(EventStepsEvicted)
	if !equalIDs(event.Steps, []StepID{1}) {
		t.Errorf("eviction event steps = %v", event.Steps)
	}

	// The surviving steps still roll back to the state step 1 left.
	rolled, err := h.engine.Rollback(context.Background(), 2, false)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if !equalIDs(rolled.RolledBack, []StepID{3, 2}) {
		t.Errorf("RolledBack = %v, want [3 2]", rolled.RolledBack)
	}
	if got := testutil.ReadFile(t, h.root, "a"); got != "1" {
		t.Errorf("a = %q, want %q", got, "1")
	}
}

func TestConfigureLimitsEvictsBySize(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seed(map[string]string{"a": "0", "b": "0"})
	h.step(1, func() { h.write("a", "1") })
	h.step(2, func() { h.write("b", "1") })
	h.step(3, func() { h.write("a", "2") })

	records, err := h.engine.History()
	if err != nil {
		t.Fatal(err)
	}
	newest := records[2].DiskBytes
	if newest <= 0 {
		t.Fatalf("step 3 DiskBytes = %d", newest)
	}

	evicted, err := h.engine.ConfigureLimits(ResourceLimits{MaxLogSizeBytes: newest})
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(evicted, []StepID{1, 2}) {
		t.Errorf("evicted = %v, want [1 2]", evicted)
	}
	if h.engine.LogSize() > newest {
		t.Errorf("LogSize = %d, over the %d limit", h.engine.LogSize(), newest)
	}

	if _, err := h.engine.ConfigureLimits(ResourceLimits{MaxStepCount: -1}); !errors.Is(err, ErrInvalidLimits) {
		t.Errorf("negative limit = %v, want ErrInvalidLimits", err)
	}
}
