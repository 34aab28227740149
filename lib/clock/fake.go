// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock set to initial. Time only moves when
// Advance is called.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks
// run synchronously inside Advance, in deadline order, without the
// clock's lock held, so a callback may schedule further timers.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

type pendingTimer struct {
	deadline time.Time
	channel  chan time.Time
	callback func()
	active   bool
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that fires when the clock is advanced past
// now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.scheduleLocked(&pendingTimer{deadline: c.current.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f. With d <= 0, f runs before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	timer := &pendingTimer{deadline: c.current.Add(d), callback: f}
	c.scheduleLocked(timer)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := timer.active
			c.unscheduleLocked(timer)
			return wasActive
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := timer.active
			c.unscheduleLocked(timer)
			timer.deadline = c.current.Add(d)
			c.scheduleLocked(timer)
			return wasActive
		},
	}
}

// Advance moves the clock forward by d and fires every timer whose
// deadline is at or before the new time. The clock steps to each
// timer's deadline before firing it, so a timer scheduled from a
// callback fires in the same Advance when its deadline also falls
// inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		timer := c.popExpired(target)
		if timer == nil {
			break
		}
		if timer.callback != nil {
			timer.callback()
			continue
		}
		select {
		case timer.channel <- timer.deadline:
		default:
		}
	}

	c.mu.Lock()
	if target.After(c.current) {
		c.current = target
	}
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of timers that have not fired or
// been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) popExpired(target time.Time) *pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 || c.pending[0].deadline.After(target) {
		return nil
	}
	timer := c.pending[0]
	c.pending = c.pending[1:]
	timer.active = false
	if timer.deadline.After(c.current) {
		c.current = timer.deadline
	}
	return timer
}

func (c *FakeClock) scheduleLocked(timer *pendingTimer) {
	timer.active = true
	index := sort.Search(len(c.pending), func(i int) bool {
		return c.pending[i].deadline.After(timer.deadline)
	})
	c.pending = append(c.pending, nil)
	copy(c.pending[index+1:], c.pending[index:])
	c.pending[index] = timer
	c.changed.Broadcast()
}

func (c *FakeClock) unscheduleLocked(timer *pendingTimer) {
	if !timer.active {
		return
	}
	timer.active = false
	for i, candidate := range c.pending {
		if candidate == timer {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.changed.Broadcast()
}
