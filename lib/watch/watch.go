// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watch reports modifications made to a working tree by
// anything other than the filesystem bridge. It watches every
// directory under a root with fsnotify, drops events for excluded
// paths (the undo log, ignored files, and the engine's own recent
// writes), and delivers the rest in debounced batches.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bureau-foundation/rewind/lib/clock"
)

// DefaultDebounce is how long the watcher waits for a burst of events
// to settle before reporting it.
const DefaultDebounce = 100 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Root string

	// Exclude filters events by slash-separated root-relative path.
	// Excluded directories are not watched.
	Exclude func(rel string, isDir bool) bool

	Debounce time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger

	// OnChange receives each batch of changed paths, sorted and
	// without duplicates. It runs on the watcher's timer goroutine.
	OnChange func(paths []string)
}

// Watcher is a recursive, debounced fsnotify watcher.
type Watcher struct {
	options  Options
	root     string
	notify   *fsnotify.Watcher
	clock    clock.Clock
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *clock.Timer
	closed  bool
}

// New creates a watcher and registers every directory under
// options.Root. Events are not processed until Run is called.
func New(options Options) (*Watcher, error) {
	if options.Root == "" {
		return nil, errors.New("watch: root is required")
	}
	if options.OnChange == nil {
		return nil, errors.New("watch: OnChange is required")
	}
	root, err := filepath.Abs(options.Root)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{
		options:  options,
		root:     root,
		notify:   notify,
		clock:    options.Clock,
		logger:   options.Logger,
		debounce: debounce,
		pending:  make(map[string]struct{}),
	}
	if err := w.addTree(root); err != nil {
		notify.Close()
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx ends or Close is called. Pending
// changes are flushed before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.flush()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.notify.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.notify.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("watch event queue overflowed; some external changes may be missed")
				continue
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}

// Close stops the watcher. Run returns once the event channels close.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.notify.Close()
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		// Reads update atime and some editors chmod on save; neither
		// changes content a rollback would lose.
		return
	}
	rel, ok := w.relative(event.Name)
	if !ok {
		return
	}

	isDir := false
	if event.Has(fsnotify.Create) {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			isDir = true
		}
	}
	if w.options.Exclude != nil && w.options.Exclude(rel, isDir) {
		return
	}
	if isDir {
		if err := w.addTree(event.Name); err != nil {
			w.logger.Warn("watching new directory", "path", rel, "error", err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[rel] = struct{}{}
	if w.timer == nil {
		w.timer = w.clock.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for rel := range w.pending {
		paths = append(paths, rel)
	}
	w.pending = make(map[string]struct{})
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	sort.Strings(paths)
	w.logger.Debug("external changes", "paths", len(paths))
	w.options.OnChange(paths)
}

// addTree watches dir and every non-excluded directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if rel, ok := w.relative(path); ok && w.options.Exclude != nil && w.options.Exclude(rel, true) {
			return filepath.SkipDir
		}
		if err := w.notify.Add(path); err != nil {
			return fmt.Errorf("watch: adding %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == "../" {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
