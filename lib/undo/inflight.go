// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"sync"
	"time"
)

// inflight counts bridge operations between their start and the
// completion of the real filesystem call. CloseStep waits for it to
// drain so that late writes of the closing command land in its step.
type inflight struct {
	mu      sync.Mutex
	count   int
	started uint64
	drained chan struct{}
}

func newInflight() *inflight {
	tracker := &inflight{drained: make(chan struct{})}
	close(tracker.drained)
	return tracker
}

func (t *inflight) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		t.drained = make(chan struct{})
	}
	t.count++
	t.started++
}

func (t *inflight) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return
	}
	t.count--
	if t.count == 0 {
		close(t.drained)
	}
}

// snapshot returns the current count, the number of operations ever
// started, and a channel closed when the count next reaches zero.
func (t *inflight) snapshot() (count int, started uint64, drained <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count, t.started, t.drained
}

// TrackOperation marks a bridge operation in flight. Call the returned
// function when the host call has completed. It is safe to call more
// than once.
func (e *Engine) TrackOperation() (done func()) {
	e.inflight.begin()
	var once sync.Once
	return func() { once.Do(e.inflight.end) }
}

// InFlight reports the number of operations currently tracked.
func (e *Engine) InFlight() int {
	count, _, _ := e.inflight.snapshot()
	return count
}

// quiesce waits until no operation is in flight and none starts for
// QuiescenceIdle, giving up after QuiescenceMax. It reports whether
// the idle condition was reached.
func (e *Engine) quiesce(ctx context.Context) bool {
	idle, limit := e.options.QuiescenceIdle, e.options.QuiescenceMax
	if limit <= 0 {
		count, _, _ := e.inflight.snapshot()
		return count == 0
	}
	deadline := e.clock.After(limit)
	for {
		_, _, drained := e.inflight.snapshot()
		select {
		case <-drained:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}

		_, startedBefore, _ := e.inflight.snapshot()
		if idle > 0 {
			select {
			case <-e.clock.After(idle):
			case <-deadline:
				return false
			case <-ctx.Done():
				return false
			}
		}
		count, startedAfter, _ := e.inflight.snapshot()
		if count == 0 && startedAfter == startedBefore {
			return true
		}
	}
}

// ownWrites remembers root-relative paths the engine itself touched,
// or that were touched through the hooks, so the watcher can tell them
// apart from external modifications.
type ownWrites struct {
	mu     sync.Mutex
	window time.Duration
	paths  map[string]time.Time
}

func newOwnWrites(window time.Duration) *ownWrites {
	return &ownWrites{window: window, paths: make(map[string]time.Time)}
}

func (o *ownWrites) record(now time.Time, rels ...string) {
	if o.window <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	expiry := now.Add(o.window)
	for _, rel := range rels {
		o.paths[rel] = expiry
	}
	if len(o.paths) > 4096 {
		for rel, until := range o.paths {
			if !until.After(now) {
				delete(o.paths, rel)
			}
		}
	}
}

func (o *ownWrites) contains(now time.Time, rel string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	until, ok := o.paths[rel]
	if !ok {
		return false
	}
	if !until.After(now) {
		delete(o.paths, rel)
		return false
	}
	return true
}
