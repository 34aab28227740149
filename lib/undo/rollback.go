// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bureau-foundation/rewind/lib/manifest"
	"github.com/bureau-foundation/rewind/lib/preimage"
)

// Rollback undoes the newest count committed steps, newest first, and
// removes them from history. A live ambient step is committed first so
// it is the first one undone; an open command step makes rollback fail
// with ErrStepActive.
//
// If a barrier is anchored at any planned step the rollback is refused
// with *RollbackBlockedError unless force is set, in which case the
// barriers of the rolled-back steps are removed. Reaching an
// unprotected step stops the rollback there: the result lists what was
// undone and the error is *StepUnprotectedError.
func (e *Engine) Rollback(ctx context.Context, count int, force bool) (*RollbackResult, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if err := e.lockChecked(); err != nil {
		return nil, err
	}
	defer e.unlockAndFlush()
	if err := e.awaitHoldClearLocked(ctx); err != nil {
		return nil, err
	}

	if e.open != nil {
		if e.open.record.Kind != KindAmbient {
			return nil, fmt.Errorf("%w: step %d", ErrStepActive, e.open.record.ID)
		}
		if _, err := e.commitOpenLocked(); err != nil {
			return nil, err
		}
		e.evictLocked()
	}

	plan := make([]StepID, 0, count)
	for i := len(e.history) - 1; i >= 0 && len(plan) < count; i-- {
		plan = append(plan, e.history[i].record.ID)
	}
	result := &RollbackResult{RolledBack: []StepID{}}
	if len(plan) == 0 {
		return result, nil
	}

	blocking := e.blockingLocked(plan)
	if len(blocking) > 0 && !force {
		return nil, &RollbackBlockedError{Barriers: blocking}
	}

	var stepErr error
	for _, id := range plan {
		if err := ctx.Err(); err != nil {
			stepErr = err
			break
		}
		step := e.history[len(e.history)-1]
		if step.record.Unprotected {
			stepErr = &StepUnprotectedError{StepID: id, RolledBack: append([]StepID(nil), result.RolledBack...)}
			break
		}
		if err := e.rollbackStepLocked(step); err != nil {
			var unprotected *StepUnprotectedError
			if errors.As(err, &unprotected) {
				unprotected.RolledBack = append([]StepID(nil), result.RolledBack...)
				stepErr = unprotected
				break
			}
			stepErr = fmt.Errorf("undo: rolling back step %d: %w", id, err)
			break
		}
		e.history = e.history[:len(e.history)-1]
		result.RolledBack = append(result.RolledBack, id)
	}

	if force && len(result.RolledBack) > 0 {
		result.BarriersCrossed = e.blockingLocked(result.RolledBack)
		if e.removeBarriersLocked(result.RolledBack) > 0 {
			if err := e.saveBarriersLocked(); err != nil {
				stepErr = errors.Join(stepErr, err)
			}
		}
	}
	if len(result.RolledBack) > 0 {
		e.emitLocked(Event{Kind: EventRolledBack, Steps: result.RolledBack})
	}
	return result, stepErr
}

// rollbackStepLocked restores one committed step and deletes its
// directory. On a restore failure the step stays in history. A manifest
// that had to be rebuilt as unprotected stops the rollback.
func (e *Engine) rollbackStepLocked(step *committedStep) error {
	id := step.record.ID
	m, _, err := e.readOrRebuildManifest(id, step.dir)
	if err != nil {
		return err
	}
	if m.Unprotected {
		step.record.Unprotected = true
		return &StepUnprotectedError{StepID: id}
	}
	store := preimage.NewStore(e.root, filepath.Join(step.dir, manifest.PreimageDir), preimage.Options{
		Compression: e.options.Compression,
		Clone:       e.options.Clone,
	})
	restored, deleted, err := e.restoreEntries(store, m.Entries)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(step.dir); err != nil {
		return fmt.Errorf("removing step directory: %w", err)
	}
	e.logger.Info("step rolled back", "step", id, "restored", restored, "deleted", deleted)
	return nil
}

// restoreEntries puts every path in entries back to its preimage.
// Created paths are removed deepest first, directories are recreated
// shallowest first, files and symlinks are restored, and directory
// metadata is applied last, deepest first, so that restoring a child
// does not disturb its parent's mtime. Every entry is attempted; the
// failures are joined.
func (e *Engine) restoreEntries(store *preimage.Store, entries []manifest.Entry) (restored, deleted int, err error) {
	var created, directories, files []preimage.Metadata
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		meta := entry.Metadata
		if meta.Type == preimage.Symlink && e.options.Symlinks != SymlinksReadWrite {
			continue
		}
		paths = append(paths, meta.Path)
		switch {
		case !meta.ExistedBefore:
			created = append(created, meta)
		case meta.Type == preimage.Directory:
			directories = append(directories, meta)
		default:
			files = append(files, meta)
		}
	}
	e.ownWrites.record(e.clock.Now(), paths...)

	var errs []error
	sortByDepth(created, true)
	for _, meta := range created {
		if err := store.Remove(meta.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}

	sortByDepth(directories, false)
	for _, meta := range directories {
		if err := store.RestoreDirectory(meta); err != nil {
			errs = append(errs, err)
		}
	}

	for _, meta := range files {
		if err := store.Restore(meta); err != nil {
			errs = append(errs, err)
			continue
		}
		restored++
	}

	sortByDepth(directories, true)
	for _, meta := range directories {
		if err := store.ApplyMetadata(meta); err != nil {
			errs = append(errs, err)
			continue
		}
		restored++
	}
	return restored, deleted, errors.Join(errs...)
}

func sortByDepth(metas []preimage.Metadata, deepestFirst bool) {
	sort.SliceStable(metas, func(i, j int) bool {
		a, b := preimage.Depth(metas[i].Path), preimage.Depth(metas[j].Path)
		if deepestFirst {
			return a > b
		}
		return a < b
	})
}
