package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// openTestHandle opens a bootstrapped SQLite handle in a temp directory.
func openTestHandle(t *testing.T, name string) *Handle {
	t.Helper()
	h, err := Open(context.Background(), name, Config{
		Driver:         DriverSQLite,
		DSN:            filepath.Join(t.TempDir(), name+".db"),
		ConnectTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	if err := Bootstrap(context.Background(), h); err != nil {
		t.Fatalf("Bootstrap() failed: %v", err)
	}
	return h
}

// unreachableConfig points at a database file that can never be opened.
func unreachableConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Driver:         DriverSQLite,
		DSN:            filepath.Join(t.TempDir(), "missing", "dir", "down.db"),
		ConnectTimeout: time.Second,
	}
}
