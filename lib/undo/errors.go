// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"errors"
	"fmt"
	"strings"
)

// Input errors. Operations returning these leave all state unchanged.
var (
	ErrInvalidLimits    = errors.New("undo: invalid resource limits")
	ErrInvalidCount     = errors.New("undo: rollback count must be at least 1")
	ErrInvalidStepID    = errors.New("undo: command step ids must be positive")
	ErrStepExists       = errors.New("undo: step id already in history")
	ErrStepActive       = errors.New("undo: a step is already open")
	ErrNoActiveStep     = errors.New("undo: no step is open")
	ErrStepNotActive    = errors.New("undo: step is not the open step")
	ErrUnknownSafeguard = errors.New("undo: no pending safeguard with that id")
	ErrUnknownStep      = errors.New("undo: no such step")
)

// Operational errors.
var (
	// ErrStepCancelled is returned to hooks that were queued behind
	// a safeguard hold that ended in Deny, and to CloseStep for a step
	// that was cancelled while it waited.
	ErrStepCancelled = errors.New("undo: step was cancelled")

	// ErrHoldQueueFull is returned when too many operations are
	// already waiting behind a safeguard hold.
	ErrHoldQueueFull = errors.New("undo: safeguard hold queue is full")

	// ErrExternalLocked is returned by NotifyExternalModification
	// under the lock policy.
	ErrExternalLocked = errors.New("undo: external modification refused by lock policy")

	// ErrLogLocked means another process owns the undo log.
	ErrLogLocked = errors.New("undo: log directory is in use by another process")

	ErrRollbackBlocked = errors.New("undo: rollback blocked by barrier")
	ErrSafeguardDenied = errors.New("undo: safeguard denied")
	ErrStepUnprotected = errors.New("undo: step is unprotected")
	ErrUndoDisabled    = errors.New("undo: undo is disabled")
)

// RollbackBlockedError lists the barriers that stand between the
// present and the requested rollback target.
type RollbackBlockedError struct {
	Barriers []Barrier
}

func (err *RollbackBlockedError) Error() string {
	ids := make([]string, len(err.Barriers))
	for i, barrier := range err.Barriers {
		ids[i] = fmt.Sprintf("%d (after step %d)", barrier.ID, barrier.AfterStepID)
	}
	return fmt.Sprintf("undo: rollback blocked by %d barrier(s): %s; use force to roll back anyway",
		len(err.Barriers), strings.Join(ids, ", "))
}

func (err *RollbackBlockedError) Unwrap() error { return ErrRollbackBlocked }

// SafeguardDeniedError is returned to the hook whose operation tripped
// a safeguard that was then denied. The step has already been rolled
// back and cancelled.
type SafeguardDeniedError struct {
	Event  SafeguardEvent
	Reason string
}

func (err *SafeguardDeniedError) Error() string {
	return fmt.Sprintf("undo: safeguard %s denied for step %d (%d/%d, %s)",
		err.Event.Kind, err.Event.StepID, err.Event.Count, err.Event.Threshold, err.Reason)
}

func (err *SafeguardDeniedError) Unwrap() error { return ErrSafeguardDenied }

// StepUnprotectedError stops a rollback at a step that exceeded the
// per-step capture budget. RolledBack lists steps undone before it.
type StepUnprotectedError struct {
	StepID     StepID
	RolledBack []StepID
}

func (err *StepUnprotectedError) Error() string {
	return fmt.Sprintf("undo: step %d is unprotected and cannot be rolled back (%d step(s) rolled back before it)",
		err.StepID, len(err.RolledBack))
}

func (err *StepUnprotectedError) Unwrap() error { return ErrStepUnprotected }

// UndoDisabledError reports a log written by an incompatible version.
// Only Discard clears it.
type UndoDisabledError struct {
	Expected string
	Found    string
}

func (err *UndoDisabledError) Error() string {
	return fmt.Sprintf("undo: disabled: log version %q, this build supports %q; discard the log to re-enable",
		err.Found, err.Expected)
}

func (err *UndoDisabledError) Unwrap() error { return ErrUndoDisabled }
