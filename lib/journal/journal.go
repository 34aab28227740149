// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal persists undo engine events to a SQLite database so
// they can be listed after the process that produced them has exited.
// A Journal is an undo.Notifier: pass it in undo.Options.Notifier (or
// inside an undo.Notifiers list) and every event becomes a row.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/rewind/lib/clock"
	"github.com/bureau-foundation/rewind/lib/codec"
	"github.com/bureau-foundation/rewind/lib/sqlitepool"
	"github.com/bureau-foundation/rewind/lib/undo"
)

// FileName is the journal's name inside the undo log directory.
const FileName = "events.db"

// writeTimeout bounds how long Notify waits for a connection.
const writeTimeout = 5 * time.Second

var migrations = []string{`
CREATE TABLE events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	session TEXT    NOT NULL,
	time_ns INTEGER NOT NULL,
	kind    TEXT    NOT NULL,
	step_id INTEGER NOT NULL,
	payload BLOB    NOT NULL
);
CREATE INDEX events_kind ON events (kind, id);
CREATE INDEX events_step ON events (step_id, id);
`}

// Config configures a Journal.
type Config struct {
	Path string

	// Session tags every row written by this process. A random UUID is
	// used when empty.
	Session string

	Logger *slog.Logger
	Clock  clock.Clock
}

// Record is one stored event.
type Record struct {
	ID      int64          `json:"id"`
	Session string         `json:"session"`
	Time    time.Time      `json:"time"`
	Kind    undo.EventKind `json:"kind"`
	StepID  undo.StepID    `json:"step_id,omitempty"`
	Event   undo.Event     `json:"event"`
}

// Filter narrows List. Zero fields match everything. Records come back
// newest first.
type Filter struct {
	Kind   undo.EventKind
	StepID undo.StepID
	Limit  int
}

// Journal writes events to SQLite.
type Journal struct {
	pool    *sqlitepool.Pool
	session string
	logger  *slog.Logger
	clock   clock.Clock

	mu     sync.Mutex
	closed bool
}

var _ undo.Notifier = (*Journal)(nil)

// Open opens or creates the journal database and verifies its schema.
func Open(ctx context.Context, config Config) (*Journal, error) {
	if config.Path == "" {
		return nil, errors.New("journal: Path is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	session := config.Session
	if session == "" {
		session = uuid.NewString()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:       config.Path,
		PoolSize:   2,
		Migrations: migrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	// Take once so schema problems surface here rather than on the
	// first event.
	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}
	pool.Put(conn)

	return &Journal{pool: pool, session: session, logger: logger, clock: clk}, nil
}

// Session returns the id stamped on rows written by this journal.
func (j *Journal) Session() string { return j.session }

// Notify stores event. Failures are logged; the engine never waits on
// the journal's health.
func (j *Journal) Notify(event undo.Event) {
	if err := j.Append(context.Background(), event); err != nil {
		j.logger.Warn("journal write failed", "kind", event.Kind, "error", err)
	}
}

// Append stores event and reports any failure.
func (j *Journal) Append(ctx context.Context, event undo.Event) error {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return errors.New("journal: closed")
	}
	if event.Time.IsZero() {
		event.Time = j.clock.Now()
	}
	payload, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("journal: encoding event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	conn, err := j.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer j.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO events (session, time_ns, kind, step_id, payload) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{
			j.session,
			event.Time.UnixNano(),
			string(event.Kind),
			int64(event.StepID),
			payload,
		}})
	if err != nil {
		return fmt.Errorf("journal: inserting event: %w", err)
	}
	return nil
}

// List returns stored events matching filter, newest first.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Record, error) {
	conn, err := j.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	defer j.pool.Put(conn)

	query := "SELECT id, session, time_ns, kind, step_id, payload FROM events WHERE 1=1"
	var args []any
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.StepID != 0 {
		query += " AND step_id = ?"
		args = append(args, int64(filter.StepID))
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var records []Record
	var decodeErr error
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record := Record{
				ID:      stmt.ColumnInt64(0),
				Session: stmt.ColumnText(1),
				Time:    time.Unix(0, stmt.ColumnInt64(2)).UTC(),
				Kind:    undo.EventKind(stmt.ColumnText(3)),
				StepID:  undo.StepID(stmt.ColumnInt64(4)),
			}
			payload := make([]byte, stmt.ColumnLen(5))
			stmt.ColumnBytes(5, payload)
			if err := codec.Unmarshal(payload, &record.Event); err != nil {
				// Keep the row; the indexed columns are still useful.
				decodeErr = errors.Join(decodeErr, fmt.Errorf("event %d: %w", record.ID, err))
				record.Event = undo.Event{Kind: record.Kind, Time: record.Time, StepID: record.StepID}
			}
			records = append(records, record)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("journal: listing events: %w", err)
	}
	if decodeErr != nil {
		j.logger.Warn("journal rows with undecodable payloads", "error", decodeErr)
	}
	return records, nil
}

// Prune deletes all but the newest keep rows and returns how many
// were removed.
func (j *Journal) Prune(ctx context.Context, keep int) (int, error) {
	conn, err := j.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("journal: %w", err)
	}
	defer j.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)",
		&sqlitex.ExecOptions{Args: []any{keep}})
	if err != nil {
		return 0, fmt.Errorf("journal: pruning: %w", err)
	}
	return conn.Changes(), nil
}

// Close closes the database. Later Notify calls are logged and dropped.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()
	return j.pool.Close()
}
