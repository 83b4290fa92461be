package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dualstore/internal/audit"
	"github.com/roach88/dualstore/internal/clock"
	"github.com/roach88/dualstore/internal/orders"
	"github.com/roach88/dualstore/internal/store"
	"github.com/roach88/dualstore/internal/testutil"
)

// cliEnv is a config file pointing at two SQLite stores in a temp dir.
type cliEnv struct {
	t            *testing.T
	dir          string
	configPath   string
	primaryDSN   string
	secondaryDSN string
	clock        *clock.Manual
	ids          *audit.SequenceGenerator
}

type envOption func(*cliEnv)

func withUnreachable(side string) envOption {
	return func(e *cliEnv) {
		dsn := filepath.Join(e.dir, "missing", "dir", side+".db")
		if side == "primary" {
			e.primaryDSN = dsn
		} else {
			e.secondaryDSN = dsn
		}
	}
}

func newEnv(t *testing.T, opts ...envOption) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	e := &cliEnv{
		t:            t,
		dir:          dir,
		configPath:   filepath.Join(dir, "dualstore.yaml"),
		primaryDSN:   filepath.Join(dir, "primary.db"),
		secondaryDSN: filepath.Join(dir, "secondary.db"),
		clock:        clock.NewManual(time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)),
		ids:          audit.NewSequenceGenerator("id"),
	}
	for _, opt := range opts {
		opt(e)
	}

	cfg := fmt.Sprintf(`primary:
  driver: sqlite3
  dsn: %s
  connect_timeout: 1s
secondary:
  driver: sqlite3
  dsn: %s
  connect_timeout: 1s
writes:
  secondary_grace: 5s
log:
  level: error
`, e.primaryDSN, e.secondaryDSN)
	require.NoError(t, os.WriteFile(e.configPath, []byte(cfg), 0o644))
	return e
}

// run executes one CLI invocation and returns its stdout.
func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}

	cmd := newRootCommand(&RootOptions{Clock: e.clock, IDs: e.ids})
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetContext(context.Background())

	err := cmd.Execute()
	return out.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, "dualstore %v\n%s", args, out)
	return out
}

// openStore opens one of the env's stores directly, bypassing the CLI.
func (e *cliEnv) openStore(name, dsn string) *store.Handle {
	e.t.Helper()
	h, err := store.Open(context.Background(), name, store.Config{Driver: store.DriverSQLite, DSN: dsn})
	require.NoError(e.t, err)
	e.t.Cleanup(func() { h.Close() })
	return h
}

func decodeData[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)

	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v), string(resp.Data))
	return v
}

func TestSchemaThenProbe(t *testing.T) {
	env := newEnv(t)

	out := env.mustRun("schema")
	assert.Contains(t, out, "primary: schema applied")
	assert.Contains(t, out, "secondary: schema applied")

	probe := decodeData[ProbeResult](t, env.mustRun("probe", "--format", "json"))
	require.Len(t, probe.Stores, 2)
	for _, s := range probe.Stores {
		assert.True(t, s.Up, s.Name)
		assert.Equal(t, store.DriverSQLite, s.Driver)
	}
}

func TestProbe_SecondaryDownStillSucceeds(t *testing.T) {
	env := newEnv(t, withUnreachable("secondary"))

	out, err := env.run("probe")
	require.NoError(t, err)
	assert.Regexp(t, `primary\s+sqlite3\s+up`, out)
	assert.Regexp(t, `secondary\s+sqlite3\s+down`, out)
}

func TestProbe_BothDownFails(t *testing.T) {
	env := newEnv(t, withUnreachable("primary"), withUnreachable("secondary"))

	_, err := env.run("probe")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "BOTH_UNAVAILABLE")
}

func TestSchema_FailsWhenAStoreIsDown(t *testing.T) {
	env := newEnv(t, withUnreachable("secondary"))

	out, err := env.run("schema")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "primary: schema applied")
	assert.Contains(t, out, "secondary: failed")
}

func TestCommandErrors(t *testing.T) {
	env := newEnv(t)

	t.Run("invalid format", func(t *testing.T) {
		_, err := env.run("probe", "--format", "yaml")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("missing config file", func(t *testing.T) {
		cmd := newRootCommand(&RootOptions{})
		cmd.SetArgs([]string{"--config", filepath.Join(env.dir, "nope.yaml"), "probe"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		err := cmd.Execute()
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("bad direction", func(t *testing.T) {
		_, err := env.run("reconcile", "--direction", "sideways")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("bad locked filter", func(t *testing.T) {
		_, err := env.run("orders", "list", "--locked", "maybe")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("lock without actor", func(t *testing.T) {
		_, err := env.run("lock", "o-1")
		assert.Error(t, err)
	})
}

func TestOrders_ListSweepsAndHistoryShowsTransitions(t *testing.T) {
	env := newEnv(t)
	env.mustRun("schema")

	env.mustRun("orders", "create", "--id", "o-old", "--customer", "c-1", "--date", "2024-03-01")
	env.mustRun("orders", "create", "--id", "o-new", "--customer", "c-1", "--date", "2024-03-09")

	list := decodeData[OrderList](t, env.mustRun("orders", "list", "--format", "json"))
	require.Len(t, list.Orders, 2)
	assert.Equal(t, "o-old", list.Orders[0].ID)
	assert.True(t, list.Orders[0].Locked, "nine-day-old pending order is auto-locked on read")
	require.NotNil(t, list.Orders[0].LockedAt)
	assert.True(t, env.clock.Now().Equal(*list.Orders[0].LockedAt))
	assert.False(t, list.Orders[1].Locked)

	history := decodeData[OrderHistory](t, env.mustRun("orders", "history", "o-old", "--format", "json"))
	require.Len(t, history.Transitions, 1)
	assert.Equal(t, orders.ActionAutoLock, history.Transitions[0].Action)
	assert.Equal(t, orders.ActorSystem, history.Transitions[0].Actor)
	assert.False(t, history.Transitions[0].PreviousLocked)

	// Both stores received the writes.
	secondary := env.openStore("secondary", env.secondaryDSN)
	assert.Equal(t, 2, testutil.Count(t, secondary, "orders"))
	assert.Equal(t, 1, testutil.Count(t, secondary, "order_lock_audit"))
}

func TestOrders_TextOutput(t *testing.T) {
	env := newEnv(t)
	env.mustRun("schema")
	env.mustRun("orders", "create", "--id", "o-1", "--customer", "c-9", "--date", "2024-03-01")

	env.clock.Advance(2 * time.Hour)
	out := env.mustRun("orders", "get", "o-1")
	assert.Contains(t, out, "ID")
	assert.Regexp(t, `o-1\s+c-9\s+pending\s+2024-03-01\s+yes\s+now`, out)

	env.clock.Advance(3 * time.Hour)
	out = env.mustRun("orders", "history", "o-1")
	assert.Regexp(t, `3 hours ago\s+auto_lock\s+system\s+false`, out)
}

func TestUnlock_IsPermanentAcrossSweeps(t *testing.T) {
	env := newEnv(t)
	env.mustRun("schema")
	env.mustRun("orders", "create", "--id", "o-1", "--customer", "c-1", "--date", "2024-03-01")

	sweep := decodeData[SweepResult](t, env.mustRun("sweep", "--format", "json"))
	assert.Equal(t, []string{"o-1"}, sweep.Locked)
	assert.Equal(t, 3, sweep.ThresholdDays)
	assert.Equal(t, "2024-03-07", sweep.Cutoff)

	out := env.mustRun("unlock", "o-1", "--actor", "alice")
	assert.Equal(t, "o-1: unlock by alice\n", out)

	env.clock.Advance(30 * 24 * time.Hour)
	out = env.mustRun("sweep")
	assert.Contains(t, out, "no orders to lock")

	got := decodeData[OrderList](t, env.mustRun("orders", "get", "o-1", "--format", "json"))
	require.Len(t, got.Orders, 1)
	assert.False(t, got.Orders[0].Locked)
	assert.True(t, got.Orders[0].ManuallyUnlocked)

	out = env.mustRun("lock", "o-1", "--actor", "bob")
	assert.Equal(t, "o-1: lock by bob\n", out)

	history := decodeData[OrderHistory](t, env.mustRun("orders", "history", "o-1", "--format", "json"))
	actions := make([]string, 0, len(history.Transitions))
	for _, tr := range history.Transitions {
		actions = append(actions, tr.Action)
	}
	assert.Equal(t, []string{orders.ActionAutoLock, orders.ActionUnlock, orders.ActionLock}, actions)
}

func TestLock_UnknownOrder(t *testing.T) {
	env := newEnv(t)
	env.mustRun("schema")

	out, err := env.run("lock", "o-404", "--actor", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [NOT_FOUND]")
}

func TestConfig_SetGetAndThresholdDrivesSweep(t *testing.T) {
	env := newEnv(t)
	env.mustRun("schema")

	got := decodeData[SettingList](t, env.mustRun("config", "get", "auto_lock_days", "--format", "json"))
	require.Len(t, got.Settings, 1)
	assert.Equal(t, "3", got.Settings[0].Value)
	assert.True(t, got.Settings[0].Default)

	set := decodeData[SettingList](t, env.mustRun("config", "set", "auto_lock_days", "10", "--actor", "ops", "--format", "json"))
	require.Len(t, set.Settings, 1)
	assert.Equal(t, "10", set.Settings[0].Value)
	assert.Equal(t, "ops", set.Settings[0].UpdatedBy)

	got = decodeData[SettingList](t, env.mustRun("config", "get", "auto_lock_days", "--format", "json"))
	assert.Equal(t, "10", got.Settings[0].Value)
	assert.False(t, got.Settings[0].Default)

	env.mustRun("orders", "create", "--id", "o-1", "--customer", "c-1", "--date", "2024-03-01")
	sweep := decodeData[SweepResult](t, env.mustRun("sweep", "--format", "json"))
	assert.Empty(t, sweep.Locked, "nine days is below the ten-day threshold")
	assert.Equal(t, "2024-02-29", sweep.Cutoff)

	out := env.mustRun("config", "list")
	assert.Regexp(t, `auto_lock_days\s+10\s+set by ops now`, out)
}

func TestConfig_GetUnknownKey(t *testing.T) {
	env := newEnv(t)
	env.mustRun("schema")

	_, err := env.run("config", "get", "no_such_key")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out := env.mustRun("config", "get", "no_such_key", "--default", "fallback")
	assert.Regexp(t, `no_such_key\s+fallback\s+\(default\)`, out)

	out = env.mustRun("config", "get", "default_rebate_percentage")
	assert.Regexp(t, `default_rebate_percentage\s+1\.00\s+\(default\)`, out)
}

func TestReconcile_CopiesMissingRowsOnce(t *testing.T) {
	env := newEnv(t)
	env.mustRun("schema")

	primary := env.openStore("primary", env.primaryDSN)
	for _, id := range []string{"A", "B", "C"} {
		_, err := primary.Execute(context.Background(), "INSERT INTO vendors (id, name) VALUES (?, ?)", id, "vendor "+id)
		require.NoError(t, err)
	}
	secondary := env.openStore("secondary", env.secondaryDSN)
	_, err := secondary.Execute(context.Background(), "INSERT INTO vendors (id, name) VALUES (?, ?)", "A", "vendor A")
	require.NoError(t, err)

	first := decodeData[ReconcileResult](t, env.mustRun("reconcile", "--format", "json"))
	assert.Equal(t, "to_secondary", first.Direction)
	assert.True(t, first.Clean)
	assert.Equal(t, 3, first.Totals.SourceRows)
	assert.Equal(t, 1, first.Totals.Present)
	assert.Equal(t, 2, first.Totals.Inserted)
	assert.Equal(t, 3, testutil.Count(t, secondary, "vendors"))

	second := decodeData[ReconcileResult](t, env.mustRun("reconcile", "--format", "json"))
	assert.Equal(t, 3, second.Totals.Present)
	assert.Zero(t, second.Totals.Inserted)

	out := env.mustRun("reconcile", "-d", "to_primary")
	assert.Contains(t, out, "to_primary (secondary -> primary)")
	assert.Contains(t, out, "inserted 0 of 0 missing rows")
}

func TestReconcile_UnreachableSourceFails(t *testing.T) {
	env := newEnv(t, withUnreachable("primary"))

	out, err := env.run("reconcile")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "error:")
}

func TestMetricsFile(t *testing.T) {
	env := newEnv(t, withUnreachable("secondary"))
	path := filepath.Join(env.dir, "dualstore.prom")

	env.mustRun("probe", "--metrics-file", path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `dualstore_store_up{store="primary"} 1`)
	assert.Contains(t, string(data), `dualstore_store_up{store="secondary"} 0`)
}
