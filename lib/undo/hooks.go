// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/rewind/lib/preimage"
)

// Hooks is the interface filesystem bridges call. Pre hooks run
// before the host call and may refuse it by returning an error; the
// bridge must then fail the syscall. Post hooks run after a successful
// create. Paths are host paths inside the root.
type Hooks interface {
	PreWrite(ctx context.Context, path string) error
	PreOpenTrunc(ctx context.Context, path string) error
	PreUnlink(ctx context.Context, path string, isDir bool) error
	PreRename(ctx context.Context, from, to string) error
	PostCreate(ctx context.Context, path string) error
	PostMkdir(ctx context.Context, path string) error
	PreSetattr(ctx context.Context, path string) error
	PreXattr(ctx context.Context, path string) error
	PreFallocate(ctx context.Context, path string) error
	PreCopyFileRange(ctx context.Context, destination string) error
	PreLink(ctx context.Context, existing, link string) error
	PostSymlink(ctx context.Context, linkTarget, link string) error
	CurrentStep() (StepID, bool)
}

var _ Hooks = (*Engine)(nil)

// captureMode says what a hook needs recorded for one path.
type captureMode uint8

const (
	// captureExisting stores a preimage if the path exists.
	captureExisting captureMode = iota
	// captureOrCreated stores a preimage, or records the path as
	// created when it does not exist yet.
	captureOrCreated
	// captureSubtree is captureExisting, recursing into directories.
	captureSubtree
	// recordCreated marks a path the operation just created.
	recordCreated
)

type target struct {
	rel     string
	mode    captureMode
	created preimage.FileType
}

// hookPlan is what one hook invocation captures and counts.
type hookPlan struct {
	targets []target
	checks  func(step *openStep) []safeguardCheck
}

// PreWrite captures path before its content changes.
func (e *Engine) PreWrite(ctx context.Context, path string) error {
	return e.intercept(ctx, "write", []string{path}, func(rels []string) hookPlan {
		return hookPlan{
			targets: []target{{rel: rels[0], mode: captureOrCreated, created: preimage.Regular}},
			checks:  e.overwriteCheck(rels[0]),
		}
	})
}

// PreOpenTrunc captures path before an O_TRUNC open empties it.
func (e *Engine) PreOpenTrunc(ctx context.Context, path string) error {
	return e.intercept(ctx, "truncate", []string{path}, func(rels []string) hookPlan {
		return hookPlan{
			targets: []target{{rel: rels[0], mode: captureOrCreated, created: preimage.Regular}},
			checks:  e.overwriteCheck(rels[0]),
		}
	})
}

// PreUnlink captures path, and its whole subtree when isDir is set,
// before it is removed.
func (e *Engine) PreUnlink(ctx context.Context, path string, isDir bool) error {
	return e.intercept(ctx, "unlink", []string{path}, func(rels []string) hookPlan {
		mode := captureExisting
		if isDir {
			mode = captureSubtree
		}
		return hookPlan{
			targets: []target{{rel: rels[0], mode: mode}},
			checks: func(*openStep) []safeguardCheck {
				return []safeguardCheck{{kind: SafeguardDelete, threshold: e.safeguards.DeleteThreshold, rel: rels[0]}}
			},
		}
	})
}

// PreRename captures both ends of a rename. A missing destination is
// recorded as created with the source's type.
func (e *Engine) PreRename(ctx context.Context, from, to string) error {
	return e.intercept(ctx, "rename", []string{from, to}, func(rels []string) hookPlan {
		source, sourceErr := e.lstat(rels[0])
		if sourceErr == nil && source.Mode()&fs.ModeSymlink != 0 && e.options.Symlinks == SymlinksIgnore {
			return hookPlan{}
		}
		createdType := preimage.Regular
		if sourceErr == nil {
			createdType = fileTypeOf(source)
		}

		destination := target{rel: rels[1], mode: recordCreated, created: createdType}
		_, destinationErr := e.lstat(rels[1])
		destinationExists := destinationErr == nil
		if destinationExists {
			destination.mode = captureSubtree
		}
		return hookPlan{
			targets: []target{{rel: rels[0], mode: captureSubtree}, destination},
			checks: func(*openStep) []safeguardCheck {
				if !destinationExists || !e.safeguards.RenameOverExisting {
					return nil
				}
				return []safeguardCheck{{kind: SafeguardRenameOverExisting, threshold: 1, rel: rels[1]}}
			},
		}
	})
}

// PostCreate records a newly created file.
func (e *Engine) PostCreate(ctx context.Context, path string) error {
	return e.intercept(ctx, "create", []string{path}, func(rels []string) hookPlan {
		return hookPlan{targets: []target{{rel: rels[0], mode: recordCreated, created: preimage.Regular}}}
	})
}

// PostMkdir records a newly created directory.
func (e *Engine) PostMkdir(ctx context.Context, path string) error {
	return e.intercept(ctx, "mkdir", []string{path}, func(rels []string) hookPlan {
		return hookPlan{targets: []target{{rel: rels[0], mode: recordCreated, created: preimage.Directory}}}
	})
}

// PreSetattr captures path before chmod, chown, utimes, or truncate.
func (e *Engine) PreSetattr(ctx context.Context, path string) error {
	return e.captureOnly(ctx, "setattr", path)
}

// PreXattr captures path before an extended attribute changes.
func (e *Engine) PreXattr(ctx context.Context, path string) error {
	return e.captureOnly(ctx, "xattr", path)
}

// PreFallocate captures path before space is allocated or punched.
func (e *Engine) PreFallocate(ctx context.Context, path string) error {
	return e.captureOnly(ctx, "fallocate", path)
}

// PreCopyFileRange captures the destination of a copy_file_range.
func (e *Engine) PreCopyFileRange(ctx context.Context, destination string) error {
	return e.captureOnly(ctx, "copy_file_range", destination)
}

// PreLink captures the target of a hard link and records the new name.
// Under SymlinksIgnore link tracking is off.
func (e *Engine) PreLink(ctx context.Context, existing, link string) error {
	if e.options.Symlinks == SymlinksIgnore {
		return nil
	}
	return e.intercept(ctx, "link", []string{existing, link}, func(rels []string) hookPlan {
		return hookPlan{targets: []target{
			{rel: rels[0], mode: captureExisting},
			{rel: rels[1], mode: captureOrCreated, created: preimage.Regular},
		}}
	})
}

// PostSymlink records a newly created symlink. Under SymlinksIgnore it
// does nothing.
func (e *Engine) PostSymlink(ctx context.Context, linkTarget, link string) error {
	if e.options.Symlinks == SymlinksIgnore {
		return nil
	}
	return e.intercept(ctx, "symlink", []string{link}, func(rels []string) hookPlan {
		return hookPlan{targets: []target{{rel: rels[0], mode: recordCreated, created: preimage.Symlink}}}
	})
}

func (e *Engine) captureOnly(ctx context.Context, name, path string) error {
	return e.intercept(ctx, name, []string{path}, func(rels []string) hookPlan {
		return hookPlan{targets: []target{{rel: rels[0], mode: captureExisting}}}
	})
}

// overwriteCheck trips the large-file safeguard on the first touch of
// an existing regular file at or above the size threshold.
func (e *Engine) overwriteCheck(rel string) func(*openStep) []safeguardCheck {
	return func(step *openStep) []safeguardCheck {
		threshold := e.safeguards.OverwriteFileSizeThreshold
		if threshold <= 0 || step.touched[rel] {
			return nil
		}
		info, err := e.lstat(rel)
		if err != nil || !info.Mode().IsRegular() || info.Size() < threshold {
			return nil
		}
		return []safeguardCheck{{kind: SafeguardOverwriteLargeFile, threshold: 1, rel: rel}}
	}
}

func (e *Engine) lstat(rel string) (os.FileInfo, error) {
	return os.Lstat(filepath.Join(e.root, filepath.FromSlash(rel)))
}

func fileTypeOf(info os.FileInfo) preimage.FileType {
	switch {
	case info.IsDir():
		return preimage.Directory
	case info.Mode()&fs.ModeSymlink != 0:
		return preimage.Symlink
	default:
		return preimage.Regular
	}
}

// intercept is the common path of every hook: note the own write,
// drop excluded paths, wait behind any safeguard hold, resolve the
// step, run safeguard checks, then capture.
func (e *Engine) intercept(ctx context.Context, name string, paths []string, build func(rels []string) hookPlan) error {
	rels := make([]string, len(paths))
	for i, path := range paths {
		rel, ok := e.relative(path)
		if !ok {
			return nil
		}
		rels[i] = rel
	}
	e.ownWrites.record(e.clock.Now(), rels...)

	e.mu.Lock()
	defer e.unlockAndFlush()
	if e.closed || e.disabled != nil {
		return nil
	}
	if err := e.waitForHoldLocked(ctx); err != nil {
		return err
	}

	plan := build(rels)
	targets := e.includedTargets(plan.targets)
	if len(targets) == 0 {
		return nil
	}

	step, err := e.stepForHookLocked()
	if err != nil {
		return err
	}
	if plan.checks != nil {
		held, err := e.checkSafeguardsLocked(ctx, step, plan.checks(step))
		if err != nil {
			return err
		}
		if held {
			// The tree may have changed while the lock was released.
			targets = e.includedTargets(build(rels).targets)
		}
	}
	for _, candidate := range targets {
		if err := e.captureTargetLocked(step, candidate); err != nil {
			e.logger.Error("capture failed", "operation", name, "path", candidate.rel, "error", err)
			return err
		}
	}
	return nil
}

func (e *Engine) includedTargets(candidates []target) []target {
	targets := candidates[:0:0]
	for _, candidate := range candidates {
		if !e.excludedTarget(candidate) {
			targets = append(targets, candidate)
		}
	}
	return targets
}

func (e *Engine) excludedTarget(t target) bool {
	isDir := t.mode == recordCreated && t.created == preimage.Directory
	if info, err := e.lstat(t.rel); err == nil {
		isDir = info.IsDir()
	}
	return e.Excluded(t.rel, isDir)
}
