// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bureau-foundation/rewind/lib/atomicfile"
	"github.com/bureau-foundation/rewind/lib/codec"
)

// barrierLog is the persisted set of barriers. Ids are never reused
// within a log, even after the barriers they named are removed.
type barrierLog struct {
	Barriers []Barrier `cbor:"barriers"`
	NextID   uint64    `cbor:"next_id"`
}

// loadBarriers reads the barrier log. A missing file is an empty log;
// an unreadable one is reported and replaced by an empty log, since
// refusing to open would lock the user out of their history.
func (e *Engine) loadBarriers() barrierLog {
	data, err := os.ReadFile(e.layout.barrierFile())
	if errors.Is(err, fs.ErrNotExist) {
		return barrierLog{NextID: 1}
	}
	var log barrierLog
	if err == nil {
		err = codec.Unmarshal(data, &log)
	}
	if err != nil {
		e.logger.Warn("discarding unreadable barrier log", "path", e.layout.barrierFile(), "error", err)
		return barrierLog{NextID: 1}
	}
	for _, barrier := range log.Barriers {
		if barrier.ID >= log.NextID {
			log.NextID = barrier.ID + 1
		}
	}
	if log.NextID == 0 {
		log.NextID = 1
	}
	return log
}

func (e *Engine) saveBarriersLocked() error {
	data, err := codec.Marshal(e.barriers)
	if err != nil {
		return fmt.Errorf("undo: encoding barriers: %w", err)
	}
	if err := atomicfile.WriteFile(e.layout.barrierFile(), data, 0o600); err != nil {
		return fmt.Errorf("undo: writing barriers: %w", err)
	}
	return nil
}

// blockingLocked returns the barriers anchored at any of steps.
func (e *Engine) blockingLocked(steps []StepID) []Barrier {
	planned := make(map[StepID]bool, len(steps))
	for _, id := range steps {
		planned[id] = true
	}
	var blocking []Barrier
	for _, barrier := range e.barriers.Barriers {
		if planned[barrier.AfterStepID] {
			blocking = append(blocking, barrier)
		}
	}
	return blocking
}

// removeBarriersLocked drops every barrier anchored at one of steps
// and returns how many went.
func (e *Engine) removeBarriersLocked(steps []StepID) int {
	gone := make(map[StepID]bool, len(steps))
	for _, id := range steps {
		gone[id] = true
	}
	kept := e.barriers.Barriers[:0]
	for _, barrier := range e.barriers.Barriers {
		if !gone[barrier.AfterStepID] {
			kept = append(kept, barrier)
		}
	}
	removed := len(e.barriers.Barriers) - len(kept)
	e.barriers.Barriers = kept
	return removed
}

// NotifyExternalModification reports that paths changed outside the
// hooks. Under ExternalBarrier a barrier is anchored at the newest
// committed step and returned. ExternalWarn only notifies.
// ExternalLock returns ErrExternalLocked so the caller can refuse or
// revert the write.
func (e *Engine) NotifyExternalModification(paths []string) (*Barrier, error) {
	if err := e.lockChecked(); err != nil {
		return nil, err
	}
	defer e.unlockAndFlush()

	rels := make([]string, 0, len(paths))
	for _, path := range paths {
		if rel, ok := e.relative(path); ok && !e.insideLog(rel) {
			rels = append(rels, rel)
		}
	}
	if len(rels) == 0 {
		return nil, nil
	}

	var after StepID
	if n := len(e.history); n > 0 {
		after = e.history[n-1].record.ID
	}
	policy := e.options.ExternalPolicy
	e.logger.Info("external modification", "policy", policy, "after_step", after, "paths", len(rels))

	switch policy {
	case ExternalWarn:
		e.emitLocked(Event{Kind: EventExternalModification, StepID: after, Paths: rels, Message: policy.String()})
		return nil, nil
	case ExternalLock:
		e.emitLocked(Event{Kind: EventExternalModification, StepID: after, Paths: rels, Message: policy.String()})
		return nil, fmt.Errorf("%w: %d path(s)", ErrExternalLocked, len(rels))
	}

	barrier := Barrier{
		ID:          e.barriers.NextID,
		AfterStepID: after,
		Time:        e.clock.Now().UTC(),
		Paths:       rels,
	}
	e.barriers.NextID++
	e.barriers.Barriers = append(e.barriers.Barriers, barrier)
	if err := e.saveBarriersLocked(); err != nil {
		return nil, err
	}
	e.emitLocked(Event{Kind: EventBarrierCreated, StepID: after, Paths: rels, Barrier: &barrier})
	return &barrier, nil
}

// Barriers returns the current barriers, oldest first.
func (e *Engine) Barriers() ([]Barrier, error) {
	if err := e.lockChecked(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return append([]Barrier(nil), e.barriers.Barriers...), nil
}
