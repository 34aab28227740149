// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bureau-foundation/rewind/lib/manifest"
	"github.com/bureau-foundation/rewind/lib/preimage"
)

// Recover rolls back a step left in progress by a crash. It returns
// nil when there was nothing to recover. Open runs it automatically;
// calling it while a step is open fails with ErrStepActive.
func (e *Engine) Recover(ctx context.Context) (*RecoveryInfo, error) {
	if err := e.lockChecked(); err != nil {
		return nil, err
	}
	defer e.unlockAndFlush()
	if e.open != nil {
		return nil, fmt.Errorf("%w: step %d", ErrStepActive, e.open.record.ID)
	}
	info, err := e.recoverLocked(ctx)
	if err != nil {
		return nil, err
	}
	if info != nil {
		e.lastRecovery = info
	}
	return info, nil
}

// recoverLocked restores the in-progress area from whatever survived:
// the commit manifest if it was written, otherwise the journal merged
// with the sidecars on disk. Running it again after a partial restore
// is safe, since every restore overwrites and every delete tolerates a
// missing path.
func (e *Engine) recoverLocked(ctx context.Context) (*RecoveryInfo, error) {
	inProgress := e.layout.inProgress()
	if _, err := os.Stat(inProgress); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("undo: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info := &RecoveryInfo{}
	var entries []manifest.Entry

	committed, manifestErr := manifest.Read(inProgress)
	if manifestErr == nil {
		info.StepID = StepID(committed.StepID)
		entries = committed.Entries
	}

	header, journaled, complete, journalErr := manifest.ReadJournal(e.layout.journalFile())
	if journalErr == nil && manifestErr != nil {
		info.StepID = StepID(header.StepID)
	}
	if journalErr != nil && !errors.Is(journalErr, fs.ErrNotExist) {
		e.logger.Warn("in-progress journal unreadable", "error", journalErr)
	}

	store := preimage.NewStore(e.root, e.layout.walPreimages(), preimage.Options{
		Compression: e.options.Compression,
		Clone:       e.options.Clone,
	})
	sidecars, skipped, err := store.Scan()
	if err != nil {
		return nil, fmt.Errorf("undo: recovery: %w", err)
	}

	if manifestErr != nil {
		entries = journaled
		info.ManifestValid = journalErr == nil && complete && skipped == 0 && covers(journaled, sidecars)
	} else {
		info.ManifestValid = true
	}
	entries = manifest.Merge(entries, sidecars)

	if len(entries) == 0 {
		if err := os.RemoveAll(inProgress); err != nil {
			return nil, fmt.Errorf("undo: clearing empty in-progress area: %w", err)
		}
		e.logger.Info("removed empty in-progress step", "step", info.StepID)
		return &RecoveryInfo{StepID: info.StepID}, nil
	}

	for _, entry := range entries {
		if entry.ExistedBefore {
			info.PathsRestored++
		} else {
			info.PathsDeleted++
		}
	}
	if _, _, err := e.restoreEntries(store, entries); err != nil {
		return nil, fmt.Errorf("undo: recovering step %d: %w", info.StepID, err)
	}
	if err := os.RemoveAll(inProgress); err != nil {
		return nil, fmt.Errorf("undo: clearing in-progress area: %w", err)
	}
	e.noteIssuedLocked(info.StepID)

	e.logger.Warn("recovered interrupted step",
		"step", info.StepID,
		"restored", info.PathsRestored,
		"deleted", info.PathsDeleted,
		"manifest_valid", info.ManifestValid,
		"unusable_sidecars", skipped,
	)
	recovered := *info
	e.emitLocked(Event{Kind: EventRecovered, StepID: info.StepID, Recovery: &recovered})
	return info, nil
}

// covers reports whether every sidecar path appears in entries.
func covers(entries []manifest.Entry, sidecars []preimage.Metadata) bool {
	journaled := make(map[string]bool, len(entries))
	for _, entry := range entries {
		journaled[entry.Path] = true
	}
	for _, meta := range sidecars {
		if !journaled[meta.Path] {
			return false
		}
	}
	return true
}
