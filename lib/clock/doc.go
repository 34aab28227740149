// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that wait (the step tracker's quiescence loop, the ambient
// step inactivity timer, safeguard holds, the filesystem watcher's
// debounce) take a Clock rather than calling the time package. In
// production they receive Real(); tests pass Fake() and move time
// explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	engine, _ := undo.Open(ctx, undo.Options{Clock: c, ...})
//	c.WaitForTimers(1)
//	c.Advance(5 * time.Second)
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
