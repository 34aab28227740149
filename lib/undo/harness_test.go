// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/rewind/lib/clock"
	"github.com/bureau-foundation/rewind/lib/preimage"
	"github.com/bureau-foundation/rewind/lib/testutil"
)

// harness drives an engine the way a bridge would: every mutation
// calls the matching hook and then performs the host operation.
type harness struct {
	t       *testing.T
	root    string
	clock   *clock.FakeClock
	events  chan Event
	options Options
	engine  *Engine
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		root:   t.TempDir(),
		clock:  clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		events: make(chan Event, 256),
	}
	h.options = Options{
		Root:               h.root,
		Symlinks:           SymlinksReadWrite,
		Compression:        preimage.CompressionZstd,
		AmbientInactivity:  DefaultAmbientInactivity,
		OwnWriteWindow:     DefaultOwnWriteWindow,
		CaptureConcurrency: 4,
		Clock:              h.clock,
		Notifier: NotifierFunc(func(event Event) {
			select {
			case h.events <- event:
			default:
			}
		}),
	}
	if configure != nil {
		configure(&h.options)
	}
	h.open()
	t.Cleanup(func() {
		if h.engine != nil {
			h.engine.Close()
		}
	})
	return h
}

func (h *harness) open() {
	h.t.Helper()
	engine, err := Open(context.Background(), h.options)
	if err != nil {
		h.t.Fatalf("Open: %v", err)
	}
	h.engine = engine
}

// reopen closes the engine cleanly and opens a new one on the same log.
func (h *harness) reopen() {
	h.t.Helper()
	if err := h.engine.Close(); err != nil {
		h.t.Fatalf("Close: %v", err)
	}
	h.open()
}

// crash abandons the engine without committing anything, releasing
// only the file lock, as process death would.
func (h *harness) crash() {
	h.t.Helper()
	e := h.engine
	e.mu.Lock()
	if e.open != nil {
		e.open.stopTimer()
		e.open.journal.Close()
	}
	e.closed = true
	e.mu.Unlock()
	e.lockFile.Close()
	h.engine = nil
}

func (h *harness) path(rel string) string {
	return filepath.Join(h.root, filepath.FromSlash(rel))
}

// seed writes files without going through the hooks.
func (h *harness) seed(files map[string]string) {
	h.t.Helper()
	for rel, content := range files {
		testutil.WriteFile(h.t, h.root, rel, content)
	}
}

func (h *harness) write(rel, content string) {
	h.t.Helper()
	if err := h.engine.PreWrite(context.Background(), h.path(rel)); err != nil {
		h.t.Fatalf("PreWrite %s: %v", rel, err)
	}
	if err := os.WriteFile(h.path(rel), []byte(content), 0o644); err != nil {
		h.t.Fatalf("writing %s: %v", rel, err)
	}
}

func (h *harness) create(rel, content string) {
	h.t.Helper()
	if err := os.WriteFile(h.path(rel), []byte(content), 0o644); err != nil {
		h.t.Fatalf("creating %s: %v", rel, err)
	}
	if err := h.engine.PostCreate(context.Background(), h.path(rel)); err != nil {
		h.t.Fatalf("PostCreate %s: %v", rel, err)
	}
}

func (h *harness) mkdir(rel string) {
	h.t.Helper()
	if err := os.Mkdir(h.path(rel), 0o755); err != nil {
		h.t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := h.engine.PostMkdir(context.Background(), h.path(rel)); err != nil {
		h.t.Fatalf("PostMkdir %s: %v", rel, err)
	}
}

func (h *harness) remove(rel string) {
	h.t.Helper()
	if err := h.engine.PreUnlink(context.Background(), h.path(rel), false); err != nil {
		h.t.Fatalf("PreUnlink %s: %v", rel, err)
	}
	if err := os.Remove(h.path(rel)); err != nil {
		h.t.Fatalf("removing %s: %v", rel, err)
	}
}

func (h *harness) removeTree(rel string) {
	h.t.Helper()
	if err := h.engine.PreUnlink(context.Background(), h.path(rel), true); err != nil {
		h.t.Fatalf("PreUnlink %s: %v", rel, err)
	}
	if err := os.RemoveAll(h.path(rel)); err != nil {
		h.t.Fatalf("removing %s: %v", rel, err)
	}
}

func (h *harness) rename(from, to string) {
	h.t.Helper()
	if err := h.engine.PreRename(context.Background(), h.path(from), h.path(to)); err != nil {
		h.t.Fatalf("PreRename %s -> %s: %v", from, to, err)
	}
	if err := os.Rename(h.path(from), h.path(to)); err != nil {
		h.t.Fatalf("renaming %s: %v", from, err)
	}
}

func (h *harness) symlink(linkTarget, rel string) {
	h.t.Helper()
	if err := os.Symlink(linkTarget, h.path(rel)); err != nil {
		h.t.Fatalf("symlink %s: %v", rel, err)
	}
	if err := h.engine.PostSymlink(context.Background(), linkTarget, h.path(rel)); err != nil {
		h.t.Fatalf("PostSymlink %s: %v", rel, err)
	}
}

// step runs body inside command step id and commits it.
func (h *harness) step(id StepID, body func()) *CloseResult {
	h.t.Helper()
	if err := h.engine.OpenStep(context.Background(), id, "test step"); err != nil {
		h.t.Fatalf("OpenStep(%d): %v", id, err)
	}
	body()
	result, err := h.engine.CloseStep(context.Background(), id)
	if err != nil {
		h.t.Fatalf("CloseStep(%d): %v", id, err)
	}
	return result
}

func (h *harness) snapshot() map[string]string {
	h.t.Helper()
	return testutil.Snapshot(h.t, h.root, func(rel string) bool {
		return rel == LogDirName || strings.HasPrefix(rel, LogDirName+"/")
	})
}

func (h *harness) historyIDs() []StepID {
	h.t.Helper()
	records, err := h.engine.History()
	if err != nil {
		h.t.Fatalf("History: %v", err)
	}
	ids := make([]StepID, len(records))
	for i, record := range records {
		ids[i] = record.ID
	}
	return ids
}

// nextEvent returns the next event of kind, skipping others.
func (h *harness) nextEvent(kind EventKind) Event {
	h.t.Helper()
	for {
		event := testutil.RequireReceive(h.t, h.events, 5*time.Second, "waiting for %s event", kind)
		if event.Kind == kind {
			return event
		}
	}
}

func equalIDs(a, b []StepID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type filterFunc func(rel string, isDir bool) bool

func (f filterFunc) Ignored(rel string, isDir bool) bool { return f(rel, isDir) }
