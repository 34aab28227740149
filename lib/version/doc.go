// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the rewind binary.
//
// GitCommit, GitDirty, BuildTime, and Version are injected with
// -ldflags -X and default to "unknown" and a dev version otherwise.
// [Full] also names the undo log format the binary reads and writes, so
// a log left disabled by a format mismatch can be matched to the build
// that wrote it.
package version
