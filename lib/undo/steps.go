// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/bureau-foundation/rewind/lib/atomicfile"
	"github.com/bureau-foundation/rewind/lib/clock"
	"github.com/bureau-foundation/rewind/lib/manifest"
	"github.com/bureau-foundation/rewind/lib/preimage"
)

// openStep is the step currently receiving captures. Its files live in
// wal/in_progress until commit.
type openStep struct {
	record     StepRecord
	journal    *manifest.Journal
	store      *preimage.Store
	entries    []manifest.Entry
	touched    map[string]bool
	safeguards *safeguardState
	timer      *clock.Timer
	// lastActivity is when a hook last resolved to this step.
	lastActivity time.Time
}

func (s *openStep) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// committedStep is a history entry. The full manifest is read from
// disk only when a rollback or Step call needs the entries.
type committedStep struct {
	record StepRecord
	dir    string
}

// StepEntries pairs a step with its first-touch entries.
type StepEntries struct {
	Step    StepRecord       `json:"step"`
	Entries []manifest.Entry `json:"entries"`
}

func recordFromManifest(m *manifest.Manifest) StepRecord {
	record := StepRecord{
		ID:          StepID(m.StepID),
		Kind:        m.Kind,
		Status:      StatusCommitted,
		Command:     m.Command,
		Sequence:    m.Sequence,
		Unprotected: m.Unprotected,
		Entries:     len(m.Entries),
		SizeBytes:   m.SizeBytes,
	}
	if m.StartUnixNano != 0 {
		record.StartTime = unixNano(m.StartUnixNano)
	}
	if m.CommitUnixNano != 0 {
		record.CommitTime = unixNano(m.CommitUnixNano)
	}
	return record
}

// loadHistory reads every committed step directory. A manifest that is
// missing or corrupt is rebuilt from the step's sidecars and rewritten.
// A rebuilt step whose commit order was lost sorts newest, after every
// step of known order.
func (e *Engine) loadHistory() error {
	ids, skipped, err := e.layout.stepDirs()
	if err != nil {
		return fmt.Errorf("undo: %w", err)
	}
	for _, name := range skipped {
		e.logger.Warn("ignoring unrecognized step directory", "name", name)
	}

	e.history = nil
	e.nextSequence = 1
	var unordered []*manifest.Manifest
	manifests := make(map[StepID]*manifest.Manifest, len(ids))
	fresh := make(map[StepID]bool)
	for _, id := range ids {
		dir := e.layout.stepDir(id)
		m, rebuilt, err := e.readOrRebuildManifest(id, dir)
		if err != nil {
			e.logger.Warn("skipping unreadable step", "step", id, "error", err)
			continue
		}
		manifests[id] = m
		fresh[id] = rebuilt
		if rebuilt && m.Sequence == 0 {
			unordered = append(unordered, m)
		}
		if m.Sequence >= e.nextSequence {
			e.nextSequence = m.Sequence + 1
		}
	}
	for _, m := range unordered {
		m.Sequence = e.nextSequence
		e.nextSequence++
		e.logger.Warn("commit order of rebuilt step is unknown, placing it newest",
			"step", m.StepID, "sequence", m.Sequence)
	}

	for _, id := range ids {
		m, ok := manifests[id]
		if !ok {
			continue
		}
		dir := e.layout.stepDir(id)
		if fresh[id] {
			e.persistRebuilt(dir, m)
		}
		record := recordFromManifest(m)
		record.DiskBytes, _ = dirSize(dir)
		e.history = append(e.history, &committedStep{record: record, dir: dir})
		e.noteIssuedLocked(record.ID)
	}
	sortHistory(e.history)
	return nil
}

// readOrRebuildManifest returns the step's manifest, rebuilding it from
// sidecars when it is missing or corrupt, and reports whether it was
// rebuilt. A rebuilt manifest is not written back; loadHistory does
// that once the step's order is settled.
func (e *Engine) readOrRebuildManifest(id StepID, dir string) (*manifest.Manifest, bool, error) {
	m, err := manifest.Read(dir)
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, manifest.ErrCorrupt) && !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	rebuilt, unusable, rebuildErr := manifest.Rebuild(int64(id), dir)
	if rebuildErr != nil {
		return nil, false, fmt.Errorf("%w (rebuild failed: %v)", err, rebuildErr)
	}
	if len(rebuilt.Entries) == 0 {
		return nil, false, fmt.Errorf("%w: no usable sidecars", manifest.ErrCorrupt)
	}
	e.logger.Warn("rebuilt step manifest from sidecars",
		"step", id,
		"entries", len(rebuilt.Entries),
		"unusable_sidecars", unusable,
		"unprotected", rebuilt.Unprotected,
		"cause", err,
	)
	return rebuilt, true, nil
}

// persistRebuilt writes a rebuilt manifest and its commit record back
// into dir so the next open reads them directly.
func (e *Engine) persistRebuilt(dir string, m *manifest.Manifest) {
	if err := manifest.WriteCommit(dir, manifest.CommitOf(m)); err != nil {
		e.logger.Warn("could not persist rebuilt commit record", "step", m.StepID, "error", err)
		return
	}
	if err := manifest.Write(dir, m); err != nil {
		e.logger.Warn("could not persist rebuilt manifest", "step", m.StepID, "error", err)
	}
}

// sortHistory orders steps by commit sequence, oldest first.
func sortHistory(history []*committedStep) {
	sort.SliceStable(history, func(i, j int) bool {
		a, b := history[i].record, history[j].record
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.StartTime.Before(b.StartTime)
	})
}

func (e *Engine) noteIssuedLocked(id StepID) {
	if id < 0 && id < e.lowestAmbient {
		e.lowestAmbient = id
	}
	if id > 0 && id > e.highestCommand {
		e.highestCommand = id
	}
}

func (e *Engine) inHistoryLocked(id StepID) bool {
	for _, step := range e.history {
		if step.record.ID == id {
			return true
		}
	}
	return false
}

// OpenStep opens command step id. A live ambient step is committed
// first.
func (e *Engine) OpenStep(ctx context.Context, id StepID, command string) error {
	if id <= 0 {
		return ErrInvalidStepID
	}
	if err := e.lockChecked(); err != nil {
		return err
	}
	defer e.unlockAndFlush()

	if err := e.awaitHoldClearLocked(ctx); err != nil {
		return err
	}
	if e.open != nil && e.open.record.Kind != KindAmbient {
		return fmt.Errorf("%w: step %d", ErrStepActive, e.open.record.ID)
	}
	if e.inHistoryLocked(id) {
		return fmt.Errorf("%w: %d", ErrStepExists, id)
	}
	if e.open != nil {
		if _, err := e.commitOpenLocked(); err != nil {
			return err
		}
		e.evictLocked()
	}
	_, err := e.beginStepLocked(id, KindCommand, command)
	return err
}

// OpenAPIStep opens a step for an API-driven mutation, allocating the
// next positive id. The step occupies the command slot.
func (e *Engine) OpenAPIStep(ctx context.Context, label string) (StepID, error) {
	if err := e.lockChecked(); err != nil {
		return 0, err
	}
	defer e.unlockAndFlush()

	if err := e.awaitHoldClearLocked(ctx); err != nil {
		return 0, err
	}
	if e.open != nil && e.open.record.Kind != KindAmbient {
		return 0, fmt.Errorf("%w: step %d", ErrStepActive, e.open.record.ID)
	}
	if e.open != nil {
		if _, err := e.commitOpenLocked(); err != nil {
			return 0, err
		}
		e.evictLocked()
	}
	id := e.highestCommand + 1
	if _, err := e.beginStepLocked(id, KindAPI, label); err != nil {
		return 0, err
	}
	return id, nil
}

// CurrentStep returns the open step, if any. It never opens one.
func (e *Engine) CurrentStep() (StepID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open == nil {
		return 0, false
	}
	return e.open.record.ID, true
}

// OpenRecord returns a snapshot of the open step.
func (e *Engine) OpenRecord() (StepRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open == nil {
		return StepRecord{}, false
	}
	record := e.open.record
	record.Entries = len(e.open.entries)
	return record, true
}

// CloseStep waits for in-flight operations to quiesce, commits step id,
// and evicts old steps if the log is over its limits.
func (e *Engine) CloseStep(ctx context.Context, id StepID) (*CloseResult, error) {
	if err := e.checkOpen(id); err != nil {
		return nil, err
	}

	drained := e.quiesce(ctx)
	if !drained {
		e.logger.Warn("closing step with operations still in flight", "step", id, "in_flight", e.InFlight())
	}

	if err := e.lockChecked(); err != nil {
		return nil, err
	}
	defer e.unlockAndFlush()
	if err := e.awaitHoldClearLocked(ctx); err != nil {
		return nil, err
	}
	if err := e.checkOpenLocked(id); err != nil {
		return nil, err
	}
	record, err := e.commitOpenLocked()
	if err != nil {
		return nil, err
	}
	evicted := e.evictLocked()
	return &CloseResult{Step: record, Evicted: evicted, Drained: drained}, nil
}

// CancelStep rolls back everything step id captured and discards it.
// The step never appears in history.
func (e *Engine) CancelStep(ctx context.Context, id StepID) error {
	if err := e.lockChecked(); err != nil {
		return err
	}
	defer e.unlockAndFlush()
	if err := e.awaitHoldClearLocked(ctx); err != nil {
		return err
	}
	if err := e.checkOpenLocked(id); err != nil {
		return err
	}
	return e.cancelOpenLocked("cancelled")
}

func (e *Engine) checkOpen(id StepID) error {
	if err := e.lockChecked(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	return e.checkOpenLocked(id)
}

func (e *Engine) checkOpenLocked(id StepID) error {
	if e.open == nil {
		if e.cancelled[id] {
			return fmt.Errorf("%w: %d", ErrStepCancelled, id)
		}
		return ErrNoActiveStep
	}
	if e.open.record.ID != id {
		return fmt.Errorf("%w: %d (open step is %d)", ErrStepNotActive, id, e.open.record.ID)
	}
	return nil
}

// beginStepLocked creates the in-progress area and journal for a new
// step.
func (e *Engine) beginStepLocked(id StepID, kind StepKind, command string) (*openStep, error) {
	inProgress := e.layout.inProgress()
	if err := os.RemoveAll(inProgress); err != nil {
		return nil, fmt.Errorf("undo: clearing in-progress area: %w", err)
	}
	store := preimage.NewStore(e.root, e.layout.walPreimages(), preimage.Options{
		Compression: e.options.Compression,
		Clone:       e.options.Clone,
	})
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("undo: %w", err)
	}
	now := e.clock.Now()
	journal, err := manifest.CreateJournal(e.layout.journalFile(), manifest.Header{
		StepID:        int64(id),
		Kind:          kind,
		Command:       command,
		StartUnixNano: now.UnixNano(),
	})
	if err != nil {
		os.RemoveAll(inProgress)
		return nil, fmt.Errorf("undo: %w", err)
	}
	if err := atomicfile.SyncDir(e.layout.walDir()); err != nil {
		journal.Close()
		os.RemoveAll(inProgress)
		return nil, fmt.Errorf("undo: %w", err)
	}

	step := &openStep{
		record: StepRecord{
			ID:        id,
			Kind:      kind,
			Status:    StatusOpen,
			Command:   command,
			StartTime: now,
		},
		journal:    journal,
		store:      store,
		touched:    make(map[string]bool),
		safeguards: newSafeguardState(),
	}
	e.open = step
	e.noteIssuedLocked(id)
	delete(e.cancelled, id)
	if kind == KindAmbient {
		e.armAmbientTimerLocked(step)
	}
	e.logger.Debug("step opened", "step", id, "kind", kind, "command", command)
	e.emitLocked(Event{Kind: EventStepOpened, StepID: id, Message: kind.String()})
	return step, nil
}

// stepForHookLocked returns the step a hook should capture into,
// opening an ambient step when none is open.
func (e *Engine) stepForHookLocked() (*openStep, error) {
	if e.open != nil {
		e.open.lastActivity = e.clock.Now()
		if e.open.record.Kind == KindAmbient && e.open.timer != nil {
			e.open.timer.Reset(e.options.AmbientInactivity)
		}
		return e.open, nil
	}
	id := StepID(-1)
	if e.lowestAmbient < 0 {
		id = e.lowestAmbient - 1
	}
	step, err := e.beginStepLocked(id, KindAmbient, "")
	if err != nil {
		return nil, err
	}
	step.lastActivity = step.record.StartTime
	return step, nil
}

func (e *Engine) armAmbientTimerLocked(step *openStep) {
	if e.options.AmbientInactivity <= 0 {
		return
	}
	id := step.record.ID
	step.timer = e.clock.AfterFunc(e.options.AmbientInactivity, func() {
		e.closeIdleAmbient(id)
	})
}

// closeIdleAmbient commits ambient step id after its inactivity
// timeout, unless it has since closed or is held by a safeguard.
func (e *Engine) closeIdleAmbient(id StepID) {
	e.mu.Lock()
	defer e.unlockAndFlush()
	if e.closed || e.open == nil || e.open.record.ID != id || e.open.record.Kind != KindAmbient {
		return
	}
	idle := e.clock.Now().Sub(e.open.lastActivity)
	if e.hold != nil || idle < e.options.AmbientInactivity {
		e.open.timer = nil
		e.armAmbientTimerLocked(e.open)
		return
	}
	e.open.timer = nil
	if _, err := e.commitOpenLocked(); err != nil {
		e.logger.Error("committing idle ambient step failed", "step", id, "error", err)
		return
	}
	e.evictLocked()
}

// commitOpenLocked writes the commit record and the manifest into the
// in-progress area and promotes it to steps/<id> with a single rename.
func (e *Engine) commitOpenLocked() (StepRecord, error) {
	step := e.open
	if step == nil {
		return StepRecord{}, ErrNoActiveStep
	}
	step.stopTimer()

	now := e.clock.Now()
	m := &manifest.Manifest{
		StepID:         int64(step.record.ID),
		Kind:           step.record.Kind,
		Command:        step.record.Command,
		StartUnixNano:  step.record.StartTime.UnixNano(),
		CommitUnixNano: now.UnixNano(),
		Sequence:       e.nextSequence,
		Unprotected:    step.record.Unprotected,
		SizeBytes:      manifest.TotalStored(step.entries),
		Entries:        step.entries,
	}
	inProgress := e.layout.inProgress()
	if err := manifest.WriteCommit(inProgress, manifest.CommitOf(m)); err != nil {
		return StepRecord{}, fmt.Errorf("undo: committing step %d: %w", step.record.ID, err)
	}
	if err := manifest.Write(inProgress, m); err != nil {
		return StepRecord{}, fmt.Errorf("undo: committing step %d: %w", step.record.ID, err)
	}
	step.journal.Close()
	if err := os.Remove(e.layout.journalFile()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return StepRecord{}, fmt.Errorf("undo: committing step %d: %w", step.record.ID, err)
	}
	if err := atomicfile.RemoveTemporaries(step.store.Dir()); err != nil {
		e.logger.Warn("removing temporary preimage files", "step", step.record.ID, "error", err)
	}

	dir := e.layout.stepDir(step.record.ID)
	if err := os.Rename(inProgress, dir); err != nil {
		return StepRecord{}, fmt.Errorf("undo: promoting step %d: %w", step.record.ID, err)
	}
	if err := atomicfile.SyncDir(e.layout.stepsDir()); err != nil {
		return StepRecord{}, fmt.Errorf("undo: promoting step %d: %w", step.record.ID, err)
	}
	if err := atomicfile.SyncDir(e.layout.walDir()); err != nil {
		e.logger.Warn("syncing wal directory", "error", err)
	}

	e.nextSequence++
	record := recordFromManifest(m)
	record.DiskBytes, _ = dirSize(dir)
	e.history = append(e.history, &committedStep{record: record, dir: dir})
	e.open = nil

	e.logger.Info("step committed",
		"step", record.ID,
		"kind", record.Kind,
		"entries", record.Entries,
		"size_bytes", record.SizeBytes,
		"unprotected", record.Unprotected,
	)
	e.emitLocked(Event{Kind: EventStepCommitted, StepID: record.ID, Message: record.Kind.String()})
	return record, nil
}

// cancelOpenLocked restores every entry of the open step, removes the
// in-progress area, and forgets the step.
func (e *Engine) cancelOpenLocked(reason string) error {
	step := e.open
	step.stopTimer()
	step.journal.Close()

	restored, deleted, restoreErr := e.restoreEntries(step.store, step.entries)
	if err := os.RemoveAll(e.layout.inProgress()); err != nil {
		restoreErr = errors.Join(restoreErr, fmt.Errorf("removing in-progress area: %w", err))
	}
	e.open = nil
	e.cancelled[step.record.ID] = true

	e.logger.Info("step cancelled",
		"step", step.record.ID,
		"reason", reason,
		"restored", restored,
		"deleted", deleted,
	)
	e.emitLocked(Event{Kind: EventStepCancelled, StepID: step.record.ID, Message: reason})
	if restoreErr != nil {
		return fmt.Errorf("undo: cancelling step %d: %w", step.record.ID, restoreErr)
	}
	return nil
}
