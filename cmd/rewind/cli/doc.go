// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind the rewind binary:
// a tree of [Command] values dispatched by name, pflag flag sets built
// lazily per command, typo suggestions for unknown commands and flags,
// [ExitError] for handled non-zero exits, [JSONOutput] for --json, and
// [NewCommandLogger] for terminal-aware structured logging.
package cli
