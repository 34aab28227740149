// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// SafeguardKind names a safeguard threshold.
type SafeguardKind string

const (
	SafeguardDelete             SafeguardKind = "delete_threshold"
	SafeguardOverwriteLargeFile SafeguardKind = "overwrite_large_file"
	SafeguardRenameOverExisting SafeguardKind = "rename_over_existing"
)

// Decision answers a safeguard hold.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// ParseDecision accepts "allow" or "deny".
func ParseDecision(name string) (Decision, error) {
	switch Decision(name) {
	case Allow, Deny:
		return Decision(name), nil
	}
	return "", fmt.Errorf("unknown safeguard decision %q", name)
}

const maxSamplePaths = 10

// SafeguardEvent describes a hold awaiting a decision.
type SafeguardEvent struct {
	ID          uint64        `json:"id"`
	StepID      StepID        `json:"step_id"`
	Kind        SafeguardKind `json:"kind"`
	Count       int           `json:"count"`
	Threshold   int           `json:"threshold"`
	SamplePaths []string      `json:"sample_paths,omitempty"`
}

// safeguardState holds a step's counters. It is created with the step
// and discarded with it.
type safeguardState struct {
	counts  map[SafeguardKind]int
	allowed map[SafeguardKind]bool
	samples map[SafeguardKind][]string
}

func newSafeguardState() *safeguardState {
	return &safeguardState{
		counts:  make(map[SafeguardKind]int),
		allowed: make(map[SafeguardKind]bool),
		samples: make(map[SafeguardKind][]string),
	}
}

// observe counts one occurrence of kind and reports whether it reached
// threshold for a kind not yet allowed in the step.
func (s *safeguardState) observe(kind SafeguardKind, threshold int, rel string) bool {
	s.counts[kind]++
	if len(s.samples[kind]) < maxSamplePaths {
		s.samples[kind] = append(s.samples[kind], rel)
	}
	return threshold > 0 && !s.allowed[kind] && s.counts[kind] >= threshold
}

// hold is an operation blocked on a safeguard decision. Other hooks
// for the root wait on done.
type hold struct {
	event    SafeguardEvent
	decision chan Decision
	done     chan struct{}
	outcome  Decision
	queued   int
}

// safeguardCheck is what a hook asks the safeguard tracker to count.
type safeguardCheck struct {
	kind      SafeguardKind
	threshold int
	rel       string
}

// ConfigureSafeguards replaces the safeguard thresholds. Counters of
// the open step are kept.
func (e *Engine) ConfigureSafeguards(config SafeguardConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("undo: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.safeguards = config
	return nil
}

// Safeguards returns the current thresholds.
func (e *Engine) Safeguards() SafeguardConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safeguards
}

// PendingSafeguards lists unresolved holds.
func (e *Engine) PendingSafeguards() []SafeguardEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	events := make([]SafeguardEvent, 0, len(e.pending))
	for _, h := range e.pending {
		events = append(events, h.event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events
}

// ConfirmSafeguard delivers a decision for hold id. The held operation
// applies it; this call does not wait for that.
func (e *Engine) ConfirmSafeguard(id uint64, decision Decision) error {
	if decision != Allow && decision != Deny {
		return fmt.Errorf("undo: invalid decision %q", decision)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.pending[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSafeguard, id)
	}
	select {
	case h.decision <- decision:
	default:
	}
	return nil
}

// checkSafeguardsLocked counts the operation against each threshold.
// When one trips, the calling hook holds: the lock is released while
// waiting for a decision and reacquired before returning, and held
// reports that the caller's view of the tree may be stale. On Deny the
// open step has been rolled back and cancelled when this returns.
func (e *Engine) checkSafeguardsLocked(ctx context.Context, step *openStep, checks []safeguardCheck) (held bool, err error) {
	for _, check := range checks {
		if !step.safeguards.observe(check.kind, check.threshold, check.rel) {
			continue
		}
		held = true
		if err := e.holdLocked(ctx, step, check); err != nil {
			return held, err
		}
	}
	return held, nil
}

func (e *Engine) holdLocked(ctx context.Context, step *openStep, check safeguardCheck) error {
	e.nextSafeguard++
	event := SafeguardEvent{
		ID:          e.nextSafeguard,
		StepID:      step.record.ID,
		Kind:        check.kind,
		Count:       step.safeguards.counts[check.kind],
		Threshold:   check.threshold,
		SamplePaths: append([]string(nil), step.safeguards.samples[check.kind]...),
	}
	holdContext, cancel := context.WithCancel(ctx)
	h := &hold{
		event:    event,
		decision: make(chan Decision, 1),
		done:     make(chan struct{}),
	}
	e.hold = h
	e.pending[event.ID] = h

	e.logger.Warn("safeguard triggered",
		"step", event.StepID,
		"kind", event.Kind,
		"count", event.Count,
		"threshold", event.Threshold,
	)
	e.emitLocked(Event{Kind: EventSafeguardTriggered, StepID: event.StepID, Safeguard: &event})

	timeout := e.safeguards.DecisionTimeout
	decision, reason := e.awaitDecision(holdContext, h, timeout)
	cancel()

	delete(e.pending, event.ID)
	e.hold = nil
	h.outcome = decision
	e.emitLocked(Event{Kind: EventSafeguardResolved, StepID: event.StepID, Safeguard: &event, Decision: decision, Message: reason})

	if decision == Allow {
		step.safeguards.allowed[check.kind] = true
		close(h.done)
		e.logger.Info("safeguard allowed", "step", event.StepID, "kind", event.Kind)
		return nil
	}

	var cancelErr error
	if e.open == step {
		cancelErr = e.cancelOpenLocked("safeguard " + string(event.Kind) + " denied")
	}
	close(h.done)
	if cancelErr != nil {
		e.logger.Error("rolling back denied step", "step", event.StepID, "error", cancelErr)
	}
	return &SafeguardDeniedError{Event: event, Reason: reason}
}

// awaitDecision releases the engine lock, flushes queued events, and
// waits for a decision. Timeout and context end both mean Deny.
func (e *Engine) awaitDecision(ctx context.Context, h *hold, timeout time.Duration) (Decision, string) {
	handler := e.options.SafeguardHandler
	e.unlockAndFlush()
	defer e.mu.Lock()

	if handler != nil {
		go func() {
			decision := handler.DecideSafeguard(ctx, h.event)
			if decision != Allow {
				decision = Deny
			}
			select {
			case h.decision <- decision:
			default:
			}
		}()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		expired = e.clock.After(timeout)
	}
	select {
	case decision := <-h.decision:
		return decision, "decided"
	case <-expired:
		e.logger.Warn("safeguard decision timed out", "step", h.event.StepID, "kind", h.event.Kind)
		return Deny, "timed out"
	case <-ctx.Done():
		return Deny, "context ended"
	}
}

// waitForHoldLocked queues the calling hook behind an active hold. It
// returns ErrStepCancelled if the hold ended in Deny.
func (e *Engine) waitForHoldLocked(ctx context.Context) error {
	for e.hold != nil {
		h := e.hold
		if limit := e.safeguards.MaxQueuedOperations; limit > 0 && h.queued >= limit {
			return ErrHoldQueueFull
		}
		h.queued++
		e.mu.Unlock()
		var ctxErr error
		select {
		case <-h.done:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}
		e.mu.Lock()
		h.queued--
		if ctxErr != nil {
			return ctxErr
		}
		if h.outcome == Deny {
			return fmt.Errorf("%w: step %d", ErrStepCancelled, h.event.StepID)
		}
	}
	return nil
}

// awaitHoldClearLocked waits, without a queue bound, for any active
// hold to resolve. Control operations use it so that a step cannot be
// committed or rolled back underneath a held hook.
func (e *Engine) awaitHoldClearLocked(ctx context.Context) error {
	for e.hold != nil {
		h := e.hold
		e.mu.Unlock()
		var ctxErr error
		select {
		case <-h.done:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}
		e.mu.Lock()
		if ctxErr != nil {
			return ctxErr
		}
	}
	return nil
}
