// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open with empty Path should fail")
	}
}

func TestTakePutRoundTrip(t *testing.T) {
	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}

	err = sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"session", "pickled"},
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	pool.Put(conn)

	conn, err = pool.Take(context.Background())
	if err != nil {
		t.Fatalf("second Take failed: %v", err)
	}
	defer pool.Put(conn)

	var got string
	err = sqlitex.Execute(conn, "SELECT v FROM kv WHERE k = ?", &sqlitex.ExecOptions{
		Args: []any{"session"},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			got = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if got != "pickled" {
		t.Errorf("unexpected value: %q", got)
	}
}

func TestOnConnectErrorSurfacesFromTake(t *testing.T) {
	pool, err := Open(Config{
		Path: filepath.Join(t.TempDir(), "bad.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "THIS IS NOT SQL", nil)
		},
	})
	if err != nil {
		// Some zombiezen versions prepare the first connection
		// eagerly; either failure point is acceptable.
		return
	}
	t.Cleanup(func() { pool.Close() })

	if _, err := pool.Take(context.Background()); err == nil {
		t.Fatal("Take should surface OnConnect failure")
	}
}
