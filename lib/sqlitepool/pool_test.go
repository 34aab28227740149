// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/rewind/lib/sqlitepool"
)

const createNumbers = `CREATE TABLE numbers (value INTEGER NOT NULL);`

func TestPragmasApplied(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "test.db"), nil)
	conn := take(t, pool)

	var journalMode string
	err := sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	first := openUnmanaged(t, path, []string{createNumbers})
	conn, err := first.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := sqlitex.Execute(conn, "INSERT INTO numbers (value) VALUES (7)", nil); err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	version, err := sqlitepool.SchemaVersion(conn)
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("user_version = %d, want 1", version)
	}
	first.Put(conn)
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening with an extra migration applies only the new script and
	// keeps existing rows.
	second := openTestPool(t, path, []string{createNumbers, `ALTER TABLE numbers ADD COLUMN label TEXT;`})
	conn = take(t, second)
	var count int
	err = sqlitex.Execute(conn, "SELECT count(*) FROM numbers WHERE label IS NULL", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}
}

func TestNewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	newer := openUnmanaged(t, path, []string{createNumbers, `SELECT 1;`})
	conn, err := newer.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	newer.Put(conn)
	if err := newer.Close(); err != nil {
		t.Fatal(err)
	}

	older := openTestPool(t, path, []string{createNumbers})
	_, err = older.Take(context.Background())
	if !errors.Is(err, sqlitepool.ErrSchemaTooNew) {
		t.Fatalf("Take = %v, want ErrSchemaTooNew", err)
	}
}

func TestConcurrentReads(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "test.db"), []string{
		createNumbers + ` INSERT INTO numbers (value) VALUES (1), (2), (3), (4), (5);`,
	})

	const goroutineCount = 8
	var waitGroup sync.WaitGroup
	failures := make(chan error, goroutineCount)
	for range goroutineCount {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			conn, err := pool.Take(context.Background())
			if err != nil {
				failures <- err
				return
			}
			defer pool.Put(conn)

			var sum int64
			err = sqlitex.Execute(conn, "SELECT value FROM numbers", &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					sum += stmt.ColumnInt64(0)
					return nil
				},
			})
			if err != nil {
				failures <- err
				return
			}
			if sum != 15 {
				failures <- fmt.Errorf("sum = %d, want 15", sum)
			}
		}()
	}
	waitGroup.Wait()
	close(failures)
	for err := range failures {
		t.Error(err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestCancelledTake(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "cancel.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("Take with cancelled context on an exhausted pool succeeded")
	}
}

func openTestPool(t *testing.T, path string, migrations []string) *sqlitepool.Pool {
	t.Helper()
	pool := openUnmanaged(t, path, migrations)
	t.Cleanup(func() { pool.Close() })
	return pool
}

// openUnmanaged leaves closing to the caller.
func openUnmanaged(t *testing.T, path string, migrations []string) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:       path,
		PoolSize:   4,
		Migrations: migrations,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return pool
}

func take(t *testing.T, pool *sqlitepool.Pool) *sqlite.Conn {
	t.Helper()
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	t.Cleanup(func() { pool.Put(conn) })
	return conn
}
