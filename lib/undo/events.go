// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"context"
	"time"
)

// EventKind names a notification.
type EventKind string

const (
	EventStepOpened           EventKind = "step_opened"
	EventStepCommitted        EventKind = "step_committed"
	EventStepCancelled        EventKind = "step_cancelled"
	EventStepUnprotected      EventKind = "step_unprotected"
	EventStepsEvicted         EventKind = "steps_evicted"
	EventRolledBack           EventKind = "rolled_back"
	EventRecovered            EventKind = "recovered"
	EventSafeguardTriggered   EventKind = "safeguard_triggered"
	EventSafeguardResolved    EventKind = "safeguard_resolved"
	EventBarrierCreated       EventKind = "barrier_created"
	EventExternalModification EventKind = "external_modification"
	EventLimitsChanged        EventKind = "limits_changed"
	EventDiscarded            EventKind = "discarded"
)

// Event is delivered to the Notifier. Only the fields relevant to the
// kind are set.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Time      time.Time       `json:"time"`
	StepID    StepID          `json:"step_id,omitempty"`
	Steps     []StepID        `json:"steps,omitempty"`
	Paths     []string        `json:"paths,omitempty"`
	Safeguard *SafeguardEvent `json:"safeguard,omitempty"`
	Decision  Decision        `json:"decision,omitempty"`
	Barrier   *Barrier        `json:"barrier,omitempty"`
	Recovery  *RecoveryInfo   `json:"recovery,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Notifier receives engine events. Notify is called without the
// engine lock held, so it may call back into the engine; it should not
// block for long, since the hook that produced the event waits for it.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(event Event) { f(event) }

// Notifiers fans one event out to several notifiers in order.
type Notifiers []Notifier

func (n Notifiers) Notify(event Event) {
	for _, notifier := range n {
		if notifier != nil {
			notifier.Notify(event)
		}
	}
}

// SafeguardHandler answers safeguard holds. The engine calls it on its
// own goroutine; the result is applied as if passed to
// ConfirmSafeguard. ctx ends when the hold does.
type SafeguardHandler interface {
	DecideSafeguard(ctx context.Context, event SafeguardEvent) Decision
}

// SafeguardHandlerFunc adapts a function to SafeguardHandler.
type SafeguardHandlerFunc func(ctx context.Context, event SafeguardEvent) Decision

func (f SafeguardHandlerFunc) DecideSafeguard(ctx context.Context, event SafeguardEvent) Decision {
	return f(ctx, event)
}
