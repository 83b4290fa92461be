// Package testutil provides fixtures shared by package tests: SQLite-backed
// store handles, healthy or permanently unreachable.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/dualstore/internal/store"
)

// OpenStore opens a bootstrapped SQLite store in a temp directory.
// The handle is closed when the test ends.
func OpenStore(t testing.TB, name string) *store.Handle {
	t.Helper()
	h := OpenBareStore(t, name)
	if err := store.Bootstrap(context.Background(), h); err != nil {
		t.Fatalf("Bootstrap(%s) failed: %v", name, err)
	}
	return h
}

// OpenBareStore opens a SQLite store with no tables, for schema drift tests.
func OpenBareStore(t testing.TB, name string) *store.Handle {
	t.Helper()
	h, err := store.Open(context.Background(), name, store.Config{
		Driver:         store.DriverSQLite,
		DSN:            filepath.Join(t.TempDir(), name+".db"),
		ConnectTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", name, err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// UnreachableStore returns a handle whose database file can never be opened.
// Every operation on it fails with store.ErrUnreachable.
func UnreachableStore(t testing.TB, name string) *store.Handle {
	t.Helper()
	h, err := store.Open(context.Background(), name, store.Config{
		Driver:         store.DriverSQLite,
		DSN:            filepath.Join(t.TempDir(), "missing", "dir", name+".db"),
		ConnectTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", name, err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// Count returns the number of rows in table on h.
func Count(t testing.TB, h *store.Handle, table string) int {
	t.Helper()
	res, err := h.Execute(context.Background(), "SELECT COUNT(*) FROM "+table)
	if err != nil {
		t.Fatalf("count %s on %s: %v", table, h.Name(), err)
	}
	n, ok := res.Rows[0][0].(int64)
	if !ok {
		t.Fatalf("count %s: unexpected type %T", table, res.Rows[0][0])
	}
	return int(n)
}
