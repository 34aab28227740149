// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the pooled SQLite connections behind
// rewind's queryable event journal.
//
// It wraps zombiezen.com/go/sqlite with a fixed set of pragmas and a
// forward-only schema migrator keyed on PRAGMA user_version. Callers
// [Pool.Take] a connection, do their work, and [Pool.Put] it back.
// Connections are not safe for concurrent use.
//
// # Pragmas
//
//   - journal_mode=WAL: readers never block the single writer, so
//     `rewind events` can query while `rewind mount` appends.
//   - synchronous=NORMAL: commits survive a process crash. The journal
//     is an audit trail, not the undo log itself, so losing the tail to
//     a power failure is acceptable.
//   - busy_timeout=5000
//   - temp_store=MEMORY
//
// # Migrations
//
// [Config.Migrations] is an ordered list of SQL scripts. Script i
// moves the schema from version i to i+1. Each connection runs the
// pending scripts inside an immediate transaction on first use, so
// concurrent connections and concurrent processes agree on the result.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:       filepath.Join(logDir, "events.db"),
//	    Migrations: []string{schemaV1},
//	    Logger:     logger,
//	})
package sqlitepool
