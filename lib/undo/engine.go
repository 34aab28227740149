// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bureau-foundation/rewind/lib/clock"
	"github.com/bureau-foundation/rewind/lib/preimage"
)

// Engine records preimages for one working root and rolls steps back.
// All step, barrier, and safeguard state is guarded by a single mutex;
// engines for different roots share nothing.
type Engine struct {
	options Options
	root    string
	logDir  string
	// logRel is the log directory relative to root, or empty when it
	// lies outside the root.
	logRel string
	layout layout
	clock  clock.Clock
	logger *slog.Logger

	lockFile  *os.File
	inflight  *inflight
	ownWrites *ownWrites

	mu           sync.Mutex
	closed       bool
	disabled     *UndoDisabledError
	limits       ResourceLimits
	safeguards   SafeguardConfig
	history      []*committedStep
	nextSequence uint64
	open         *openStep
	cancelled    map[StepID]bool
	// lowestAmbient and highestCommand track ids issued this session
	// so ids are not reused after rollback or eviction.
	lowestAmbient  StepID
	highestCommand StepID
	barriers       barrierLog
	hold           *hold
	pending        map[uint64]*hold
	nextSafeguard  uint64
	lastRecovery   *RecoveryInfo
	queuedEvents   []Event
}

// Open prepares the undo log for options.Root, takes its lock, loads
// history and barriers, and recovers any step left in progress by a
// crash. A log written by an incompatible version opens with undo
// disabled rather than failing.
func Open(ctx context.Context, options Options) (*Engine, error) {
	if options.Root == "" {
		return nil, errors.New("undo: root is required")
	}
	root, err := filepath.Abs(options.Root)
	if err != nil {
		return nil, fmt.Errorf("undo: resolving root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("undo: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("undo: root %s is not a directory", root)
	}

	logDir := options.LogDir
	if logDir == "" {
		logDir = filepath.Join(root, LogDirName)
	}
	logDir, err = filepath.Abs(logDir)
	if err != nil {
		return nil, fmt.Errorf("undo: resolving log directory: %w", err)
	}
	if err := options.Limits.Validate(); err != nil {
		return nil, err
	}
	if err := options.Safeguards.Validate(); err != nil {
		return nil, fmt.Errorf("undo: %w", err)
	}

	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.CaptureConcurrency <= 0 {
		options.CaptureConcurrency = 1
	}

	engine := &Engine{
		options:    options,
		root:       root,
		logDir:     logDir,
		layout:     layout{dir: logDir},
		clock:      options.Clock,
		logger:     options.Logger.With("root", root),
		inflight:   newInflight(),
		ownWrites:  newOwnWrites(options.OwnWriteWindow),
		limits:     options.Limits,
		safeguards: options.Safeguards,
		cancelled:  make(map[StepID]bool),
		pending:    make(map[uint64]*hold),
	}
	if rel, err := filepath.Rel(root, logDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		engine.logRel = filepath.ToSlash(rel)
	}

	if err := engine.layout.ensure(); err != nil {
		return nil, fmt.Errorf("undo: %w", err)
	}
	engine.lockFile, err = engine.layout.lockLog()
	if err != nil {
		return nil, err
	}

	if err := engine.load(ctx); err != nil {
		engine.lockFile.Close()
		return nil, err
	}
	// Deliver anything recovery queued.
	engine.mu.Lock()
	engine.unlockAndFlush()
	return engine, nil
}

// load reads the version marker, history, and barriers, then runs
// recovery.
func (e *Engine) load(ctx context.Context) error {
	if err := e.layout.checkVersion(); err != nil {
		var disabled *UndoDisabledError
		if errors.As(err, &disabled) {
			e.disabled = disabled
			e.logger.Warn("undo disabled by log version mismatch",
				"expected", disabled.Expected, "found", disabled.Found)
			return nil
		}
		return fmt.Errorf("undo: %w", err)
	}
	if err := e.loadHistory(); err != nil {
		return err
	}
	e.barriers = e.loadBarriers()

	info, err := e.recoverLocked(ctx)
	if err != nil {
		return err
	}
	e.lastRecovery = info
	return nil
}

// Close commits a live ambient step and releases the log lock. A
// pending safeguard hold is denied first, and Close waits for the held
// hook to finish rolling its step back. An open command step stays in
// progress and is rolled back by recovery on the next Open.
func (e *Engine) Close() error {
	e.mu.Lock()
	for !e.closed && e.hold != nil {
		h := e.hold
		select {
		case h.decision <- Deny:
		default:
		}
		e.mu.Unlock()
		<-h.done
		e.mu.Lock()
	}
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	var err error
	if e.open != nil && e.open.record.Kind == KindAmbient {
		_, err = e.commitOpenLocked()
	}
	if e.open != nil {
		e.open.stopTimer()
		e.open.journal.Close()
	}
	e.closed = true
	e.unlockAndFlush()
	return errors.Join(err, e.lockFile.Close())
}

// Root returns the absolute working root.
func (e *Engine) Root() string { return e.root }

// LogDir returns the absolute log directory.
func (e *Engine) LogDir() string { return e.logDir }

// Disabled returns the version mismatch that disabled undo, if any.
func (e *Engine) Disabled() *UndoDisabledError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disabled
}

// LastRecovery returns the result of the recovery run by Open, or nil
// when nothing was in progress.
func (e *Engine) LastRecovery() *RecoveryInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRecovery
}

// relative converts a host path to a normalized root-relative path.
// ok is false for the root itself and for anything outside it.
func (e *Engine) relative(path string) (string, bool) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.root, path)
	}
	rel, err := filepath.Rel(e.root, path)
	if err != nil {
		return "", false
	}
	normalized, err := preimage.NormalizePath(rel)
	if err != nil {
		return "", false
	}
	return normalized, true
}

// insideLog reports whether rel is the log directory or below it.
func (e *Engine) insideLog(rel string) bool {
	if e.logRel == "" {
		return false
	}
	return rel == e.logRel || strings.HasPrefix(rel, e.logRel+"/")
}

// Excluded reports whether rel is never captured: the log directory
// and paths matched by the ignore filter.
func (e *Engine) Excluded(rel string, isDir bool) bool {
	if e.insideLog(rel) {
		return true
	}
	if e.options.Ignore != nil && e.options.Ignore.Ignored(rel, isDir) {
		return true
	}
	return false
}

// IsOwnWrite reports whether the host path was recently written
// through the hooks or by a rollback. The watcher drops such events.
func (e *Engine) IsOwnWrite(path string) bool {
	rel, ok := e.relative(path)
	if !ok {
		return false
	}
	if e.insideLog(rel) {
		return true
	}
	return e.ownWrites.contains(e.clock.Now(), rel)
}

// emitLocked queues an event for delivery once the lock is released.
func (e *Engine) emitLocked(event Event) {
	if e.options.Notifier == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = e.clock.Now()
	}
	e.queuedEvents = append(e.queuedEvents, event)
}

// unlockAndFlush releases the engine lock and then delivers the events
// queued while it was held.
func (e *Engine) unlockAndFlush() {
	events := e.queuedEvents
	e.queuedEvents = nil
	e.mu.Unlock()
	for _, event := range events {
		e.options.Notifier.Notify(event)
	}
}

// lockChecked takes the lock and fails if undo is disabled or the
// engine is closed. On error the lock is not held.
func (e *Engine) lockChecked() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("undo: engine is closed")
	}
	if e.disabled != nil {
		err := *e.disabled
		e.mu.Unlock()
		return &err
	}
	return nil
}
