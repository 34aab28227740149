// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/rewind/lib/manifest"
)

func unixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// History returns committed steps, oldest first.
func (e *Engine) History() ([]StepRecord, error) {
	if err := e.lockChecked(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	records := make([]StepRecord, len(e.history))
	for i, step := range e.history {
		records[i] = step.record
	}
	return records, nil
}

// Step returns a committed or open step with its entries.
func (e *Engine) Step(id StepID) (*StepEntries, error) {
	if err := e.lockChecked(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.open != nil && e.open.record.ID == id {
		record := e.open.record
		record.Entries = len(e.open.entries)
		return &StepEntries{Step: record, Entries: append([]manifest.Entry(nil), e.open.entries...)}, nil
	}
	for _, step := range e.history {
		if step.record.ID != id {
			continue
		}
		m, _, err := e.readOrRebuildManifest(id, step.dir)
		if err != nil {
			return nil, fmt.Errorf("undo: reading step %d: %w", id, err)
		}
		return &StepEntries{Step: step.record, Entries: m.Entries}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownStep, id)
}

// Status is a point-in-time summary of an engine.
type Status struct {
	Root              string             `json:"root"`
	LogDir            string             `json:"log_dir"`
	Disabled          *UndoDisabledError `json:"disabled,omitempty"`
	Open              *StepRecord        `json:"open,omitempty"`
	Steps             int                `json:"steps"`
	LogSizeBytes      int64              `json:"log_size_bytes"`
	Limits            ResourceLimits     `json:"limits"`
	Safeguards        SafeguardConfig    `json:"safeguards"`
	Barriers          int                `json:"barriers"`
	PendingSafeguards []SafeguardEvent   `json:"pending_safeguards,omitempty"`
	InFlight          int                `json:"in_flight"`
	LastRecovery      *RecoveryInfo      `json:"last_recovery,omitempty"`
	Symlinks          string             `json:"symlinks"`
	ExternalPolicy    string             `json:"external_policy"`
}

// Status reports the engine state. Unlike the other queries it works
// while undo is disabled.
func (e *Engine) Status() Status {
	inFlight := e.InFlight()
	pending := e.PendingSafeguards()

	e.mu.Lock()
	defer e.mu.Unlock()
	status := Status{
		Root:              e.root,
		LogDir:            e.logDir,
		Disabled:          e.disabled,
		Steps:             len(e.history),
		LogSizeBytes:      e.logSizeLocked(),
		Limits:            e.limits,
		Safeguards:        e.safeguards,
		Barriers:          len(e.barriers.Barriers),
		PendingSafeguards: pending,
		InFlight:          inFlight,
		LastRecovery:      e.lastRecovery,
		Symlinks:          e.options.Symlinks.String(),
		ExternalPolicy:    e.options.ExternalPolicy.String(),
	}
	if e.open != nil {
		record := e.open.record
		record.Entries = len(e.open.entries)
		status.Open = &record
	}
	return status
}

// Discard deletes all history, barriers, and any in-progress step
// without restoring anything, then reinitializes the log at the
// current version. It is the only way out of a version mismatch.
func (e *Engine) Discard(ctx context.Context) error {
	e.mu.Lock()
	defer e.unlockAndFlush()
	if e.closed {
		return fmt.Errorf("undo: engine is closed")
	}
	if err := e.awaitHoldClearLocked(ctx); err != nil {
		return err
	}

	if e.open != nil {
		e.open.stopTimer()
		e.open.journal.Close()
		e.open = nil
	}
	for _, path := range []string{
		e.layout.stepsDir(),
		e.layout.walDir(),
		e.layout.barrierFile(),
		e.layout.versionFile(),
	} {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("undo: discarding %s: %w", filepath.Base(path), err)
		}
	}
	if err := e.layout.ensure(); err != nil {
		return fmt.Errorf("undo: %w", err)
	}
	if err := e.layout.writeVersion(); err != nil {
		return fmt.Errorf("undo: %w", err)
	}

	discarded := len(e.history)
	e.history = nil
	e.nextSequence = 1
	e.barriers = barrierLog{NextID: 1}
	e.cancelled = make(map[StepID]bool)
	e.disabled = nil
	e.lastRecovery = nil

	e.logger.Warn("undo log discarded", "steps", discarded)
	e.emitLocked(Event{Kind: EventDiscarded, Message: fmt.Sprintf("%d step(s) discarded", discarded)})
	return nil
}
