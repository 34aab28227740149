// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations the undo engine depends on:
// quiescence windows, ambient step inactivity, safeguard decision
// timeouts, and watcher debouncing.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can
	// cancel or reschedule the call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled callback created by AfterFunc.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the callback from running. Returns false if it already
// ran or was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the callback to run d from now. Returns true if the
// timer was pending.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
