// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAdvanceMovesNow(t *testing.T) {
	c := Fake(epoch)
	c.Advance(3 * time.Second)
	if got, want := c.Now(), epoch.Add(3*time.Second); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	c := Fake(epoch)
	channel := c.After(2 * time.Second)

	c.Advance(time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-channel:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositiveIsReady(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) was not ready")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", c.PendingCount())
	}
}

func TestFakeAfterFuncOrderAndStop(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	c.AfterFunc(time.Second, func() { order = append(order, "early") })
	stopped := c.AfterFunc(2*time.Second, func() { order = append(order, "stopped") })

	if !stopped.Stop() {
		t.Fatal("Stop() on a pending timer returned false")
	}
	if stopped.Stop() {
		t.Fatal("second Stop() returned true")
	}

	c.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Fatalf("callbacks ran as %v, want [early late]", order)
	}
}

func TestFakeAfterFuncReset(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(500 * time.Millisecond)
	if !timer.Reset(time.Second) {
		t.Fatal("Reset() on a pending timer returned false")
	}
	c.Advance(700 * time.Millisecond)
	if fired != 0 {
		t.Fatal("timer fired at its original deadline after Reset")
	}
	c.Advance(300 * time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	if timer.Reset(time.Second) {
		t.Fatal("Reset() after firing reported an active timer")
	}
	c.Advance(time.Second)
	if fired != 2 {
		t.Fatalf("fired = %d after re-arming, want 2", fired)
	}
}

func TestFakeCallbackMaySchedule(t *testing.T) {
	c := Fake(epoch)
	fired := false
	c.AfterFunc(time.Second, func() {
		c.AfterFunc(time.Second, func() { fired = true })
	})
	c.Advance(2 * time.Second)
	if !fired {
		t.Fatal("timer scheduled from a callback inside the advance window did not fire")
	}
}

func TestFakeCallbackSeesItsDeadline(t *testing.T) {
	c := Fake(epoch)
	var seen []time.Time
	c.AfterFunc(time.Second, func() { seen = append(seen, c.Now()) })
	c.AfterFunc(3*time.Second, func() { seen = append(seen, c.Now()) })
	c.Advance(5 * time.Second)

	want := []time.Time{epoch.Add(time.Second), epoch.Add(3 * time.Second)}
	if len(seen) != len(want) || !seen[0].Equal(want[0]) || !seen[1].Equal(want[1]) {
		t.Errorf("callbacks saw %v, want %v", seen, want)
	}
	if got := c.Now(); !got.Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("Now after Advance = %v, want %v", got, epoch.Add(5*time.Second))
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)
	<-done
}
