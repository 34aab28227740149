// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/rewind/lib/manifest"
	"github.com/bureau-foundation/rewind/lib/preimage"
)

// captureTargetLocked records one hook target in step. Only the first
// touch of a path per step is recorded.
func (e *Engine) captureTargetLocked(step *openStep, t target) error {
	if step.record.Unprotected {
		return nil
	}
	if t.mode == recordCreated {
		if step.touched[t.rel] {
			return nil
		}
		meta, err := step.store.MarkCreated(t.rel, t.created)
		if err != nil {
			return err
		}
		return e.appendEntryLocked(step, meta)
	}

	info, err := e.lstat(t.rel)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("inspecting %s: %w", t.rel, err)
		}
		if t.mode != captureOrCreated || step.touched[t.rel] {
			return nil
		}
		meta, err := step.store.MarkCreated(t.rel, t.created)
		if err != nil {
			return err
		}
		return e.appendEntryLocked(step, meta)
	}
	if info.Mode()&fs.ModeSymlink != 0 && e.options.Symlinks == SymlinksIgnore {
		return nil
	}
	if t.mode == captureSubtree && info.IsDir() {
		return e.captureTreeLocked(step, t.rel)
	}
	return e.captureOneLocked(step, t.rel)
}

func (e *Engine) captureOneLocked(step *openStep, rel string) error {
	if step.touched[rel] {
		return nil
	}
	meta, err := step.store.Capture(rel)
	switch {
	case errors.Is(err, preimage.ErrUnsupportedType):
		e.logger.Debug("not capturing special file", "path", rel)
		step.touched[rel] = true
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	}
	return e.appendEntryLocked(step, meta)
}

// captureTreeLocked captures rel and everything below it. Paths are
// collected in walk order, captured concurrently, and appended to the
// journal in walk order so parents precede children.
func (e *Engine) captureTreeLocked(step *openStep, rel string) error {
	var pending []string
	base := filepath.Join(e.root, filepath.FromSlash(rel))
	err := filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		child, ok := e.relative(path)
		if !ok {
			return nil
		}
		if e.Excluded(child, entry.IsDir()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case entry.IsDir(), entry.Type().IsRegular():
		case entry.Type()&fs.ModeSymlink != 0:
			if e.options.Symlinks == SymlinksIgnore {
				return nil
			}
		default:
			return nil
		}
		if !step.touched[child] {
			pending = append(pending, child)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", rel, err)
	}

	captured := make([]preimage.Metadata, len(pending))
	present := make([]bool, len(pending))
	var group errgroup.Group
	group.SetLimit(e.options.CaptureConcurrency)
	for i, child := range pending {
		group.Go(func() error {
			meta, err := step.store.Capture(child)
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, preimage.ErrUnsupportedType) {
				return nil
			}
			if err != nil {
				return err
			}
			captured[i] = meta
			present[i] = true
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for i := range pending {
		if !present[i] {
			continue
		}
		if step.record.Unprotected {
			if err := step.store.Release(pending[i]); err != nil {
				e.logger.Warn("releasing preimage", "path", pending[i], "error", err)
			}
			continue
		}
		if err := e.appendEntryLocked(step, captured[i]); err != nil {
			return err
		}
	}
	return nil
}

// appendEntryLocked journals a captured entry and charges it against
// the per-step size limit. A step over the limit becomes unprotected
// and captures nothing more.
func (e *Engine) appendEntryLocked(step *openStep, meta preimage.Metadata) error {
	entry := manifest.NewEntry(meta)
	if err := step.journal.Append(entry); err != nil {
		return fmt.Errorf("journaling %s: %w", meta.Path, err)
	}
	step.entries = append(step.entries, entry)
	step.touched[meta.Path] = true
	step.record.SizeBytes += meta.StoredBytes

	limit := e.limits.MaxSingleStepSizeBytes
	if limit > 0 && step.record.SizeBytes > limit && !step.record.Unprotected {
		step.record.Unprotected = true
		e.logger.Warn("step exceeded size limit and is no longer protected",
			"step", step.record.ID,
			"size_bytes", step.record.SizeBytes,
			"limit_bytes", limit,
		)
		e.emitLocked(Event{
			Kind:    EventStepUnprotected,
			StepID:  step.record.ID,
			Message: fmt.Sprintf("%d bytes exceeds the %d byte step limit", step.record.SizeBytes, limit),
		})
	}
	return nil
}
