// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout safety valve so tests do not call time.After
// directly.
//
// [WriteFile], [ReadFile], and [Snapshot] build and compare small
// directory trees. Undo tests capture a tree, mutate it through the
// engine's hooks, roll back, and compare snapshots.
//
// [UniqueID] generates monotonically increasing identifiers.
//
// All helpers call t.Fatalf on failure.
package testutil
