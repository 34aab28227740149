// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for rewind.
//
// Configuration comes from a single file named by the REWIND_CONFIG
// environment variable (via [Load]) or a --config flag (via
// [LoadFile]). There is no ~/.config discovery and no file search.
// Commands run without either use [Default].
//
// The file may carry development, staging, and production sections
// that override base values when [Config].Environment matches.
// Production tightens safeguards when its section is absent: large
// deletes, large overwrites, and renames over existing files all hold
// for a decision.
//
// ${VAR} and ${VAR:-default} are expanded in path fields after
// loading. ${REWIND_ROOT} refers to the configured root.
//
// Key exports:
//
//   - [Config] -- master struct
//   - [Default], [Load], [LoadFile]
//   - [Config.EngineOptions] -- conversion to undo.Options
package config
