package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dualstore/internal/store"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Op: OpCreateOrder, Stores: "primary=up secondary=up", Outcome: OutcomeOK},
		{Seq: 2, Op: OpStores, Stores: "primary=up secondary=down", Outcome: OutcomeOK},
		{Seq: 3, Op: OpRead, Stores: "primary=up secondary=down", Outcome: OutcomeOK},
		{Seq: 4, Op: OpStores, Stores: "primary=down secondary=down", Outcome: OutcomeOK},
		{Seq: 5, Op: OpRead, Stores: "primary=down secondary=down", Outcome: "BOTH_UNAVAILABLE"},
		{Seq: 6, Op: OpReconcile, Stores: "primary=down secondary=down", Outcome: OutcomeIncomplete},
	}
}

func TestAssertTraceOrder_Correct(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{
		Type: AssertTraceOrder,
		Ops:  []string{OpCreateOrder, OpStores, OpReconcile},
	})
	assert.NoError(t, err)
}

func TestAssertTraceOrder_FirstOccurrenceCounts(t *testing.T) {
	// read first runs at seq 3, before the second stores step.
	err := assertTraceOrder(sampleTrace(), Assertion{
		Type: AssertTraceOrder,
		Ops:  []string{OpStores, OpRead},
	})
	assert.NoError(t, err)
}

func TestAssertTraceOrder_WrongOrder(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{
		Type: AssertTraceOrder,
		Ops:  []string{OpReconcile, OpCreateOrder},
	})
	require.Error(t, err)

	var assertErr *AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, AssertTraceOrder, assertErr.Type)
	assert.Contains(t, assertErr.Actual, "reconcile (seq 6) should be before create_order (seq 1)")
	assert.Len(t, assertErr.Trace, 6)
}

func TestAssertTraceOrder_MissingOp(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{
		Type: AssertTraceOrder,
		Ops:  []string{OpCreateOrder, OpSweep},
	})
	require.Error(t, err)

	var assertErr *AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, "missing op: sweep", assertErr.Actual)
}

func TestAssertTraceCount(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		outcome string
		count   int
		wantErr bool
	}{
		{"any outcome", OpRead, "", 2, false},
		{"filtered by outcome", OpRead, "BOTH_UNAVAILABLE", 1, false},
		{"ok only", OpRead, OutcomeOK, 1, false},
		{"too few", OpStores, "", 3, true},
		{"too many", OpStores, "", 1, true},
		{"zero", OpSweep, "", 0, false},
		{"incomplete reconcile", OpReconcile, OutcomeIncomplete, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceCount(sampleTrace(), Assertion{
				Type:    AssertTraceCount,
				Op:      tt.op,
				Outcome: tt.outcome,
				Count:   tt.count,
			})
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "exactly")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "read exactly 2 time(s)",
		Actual:   "found 1 time(s)",
		Trace: []TraceEvent{
			{Seq: 1, Op: OpRead, Stores: "primary=up secondary=up", Outcome: OutcomeOK},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Expected: read exactly 2 time(s)")
	assert.Contains(t, msg, "Actual: found 1 time(s)")
	assert.Contains(t, msg, "[1] read primary=up secondary=up -> ok")
}

func TestBuildWhereClause_Empty(t *testing.T) {
	sql, args, err := buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)
}

func TestBuildWhereClause_MultipleKeys_SortedDeterministic(t *testing.T) {
	for range 10 {
		sql, args, err := buildWhereClause(map[string]any{"status": "pending", "id": "o-1", "locked": true})
		require.NoError(t, err)
		assert.Equal(t, "id = ? AND locked = ? AND status = ?", sql)
		assert.Equal(t, []any{"o-1", true, "pending"}, args)
	}
}

func TestBuildWhereClause_NoInterpolation(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"id": "'; DROP TABLE orders; --"})
	require.NoError(t, err)
	assert.Equal(t, "id = ?", sql)
	assert.Equal(t, []any{"'; DROP TABLE orders; --"}, args)
}

func TestBuildWhereClause_InvalidColumnName(t *testing.T) {
	for _, col := range []string{"id; DROP", "1id", "id-x", ""} {
		_, _, err := buildWhereClause(map[string]any{col: "x"})
		assert.Error(t, err, "column %q", col)
	}
}

func TestFormatWhereClause(t *testing.T) {
	assert.Equal(t, "(no conditions)", formatWhereClause(nil))
	assert.Equal(t, "action=unlock AND order_id=o-1", formatWhereClause(map[string]any{"order_id": "o-1", "action": "unlock"}))
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		want     bool
	}{
		{"strings", "pending", "pending", true},
		{"string mismatch", "pending", "shipped", false},
		{"string vs bytes", "c-1", []byte("c-1"), true},
		{"int vs int64", 3, int64(3), true},
		{"int mismatch", 3, int64(4), false},
		{"int vs text", 3, "3", true},
		{"bool vs bool", true, true, true},
		{"bool vs int64", true, int64(1), true},
		{"false vs zero", false, int64(0), true},
		{"bool mismatch", false, int64(1), false},
		{"date vs time", "2024-03-09", mustTime(t, "2024-03-09T00:00:00Z"), true},
		{"date mismatch", "2024-03-08", mustTime(t, "2024-03-09T00:00:00Z"), false},
		{"float default", 1.5, "1.5", true},
		{"both nil", nil, nil, true},
		{"nil vs value", nil, "x", false},
		{"value vs nil", "x", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual))
		})
	}
}

func mustTime(t *testing.T, s string) any {
	t.Helper()
	ts, ok := store.AsTime(s)
	require.True(t, ok, s)
	return ts
}

// setupTestStore opens a bootstrapped SQLite store with two orders.
func setupTestStore(t *testing.T) *store.Handle {
	t.Helper()
	ctx := context.Background()

	h, err := store.Open(ctx, "primary", store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "primary.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	require.NoError(t, store.Bootstrap(ctx, h))
	for _, o := range [][]any{
		{"o-1", "c-1", "pending", "2024-03-01", true},
		{"o-2", "c-1", "shipped", "2024-03-09", false},
	} {
		_, err := h.Execute(ctx, "INSERT INTO orders (id, customer_id, status, order_date, locked) VALUES (?, ?, ?, ?, ?)", o...)
		require.NoError(t, err)
	}
	return h
}

func TestAssertFinalState_RowFound_Pass(t *testing.T) {
	h := setupTestStore(t)

	err := assertFinalState(context.Background(), h, Assertion{
		Type:   AssertFinalState,
		Store:  "primary",
		Table:  "orders",
		Where:  map[string]any{"id": "o-1"},
		Expect: map[string]any{"status": "pending", "locked": true, "order_date": "2024-03-01"},
	})
	assert.NoError(t, err)
}

func TestAssertFinalState_RowNotFound_Fail(t *testing.T) {
	h := setupTestStore(t)

	err := assertFinalState(context.Background(), h, Assertion{
		Type:   AssertFinalState,
		Store:  "primary",
		Table:  "orders",
		Where:  map[string]any{"id": "o-9"},
		Expect: map[string]any{"status": "pending"},
	})
	require.Error(t, err)

	var assertErr *AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, "row not found", assertErr.Actual)
	assert.Contains(t, assertErr.Expected, "id=o-9")
}

func TestAssertFinalState_Ambiguous_Fail(t *testing.T) {
	h := setupTestStore(t)

	err := assertFinalState(context.Background(), h, Assertion{
		Type:   AssertFinalState,
		Store:  "primary",
		Table:  "orders",
		Where:  map[string]any{"customer_id": "c-1"},
		Expect: map[string]any{"status": "pending"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 rows matched")
}

func TestAssertFinalState_ValueMismatch_Fail(t *testing.T) {
	h := setupTestStore(t)

	err := assertFinalState(context.Background(), h, Assertion{
		Type:   AssertFinalState,
		Store:  "primary",
		Table:  "orders",
		Where:  map[string]any{"id": "o-2"},
		Expect: map[string]any{"status": "pending"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "status" = pending`)
	assert.Contains(t, err.Error(), `field "status" = shipped`)
}

func TestAssertFinalState_MissingColumn_Fail(t *testing.T) {
	h := setupTestStore(t)

	err := assertFinalState(context.Background(), h, Assertion{
		Type:   AssertFinalState,
		Store:  "primary",
		Table:  "orders",
		Where:  map[string]any{"id": "o-1"},
		Expect: map[string]any{"nonexistent": "x"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "nonexistent" to exist`)
}

func TestAssertFinalState_MultipleWhereConditions(t *testing.T) {
	h := setupTestStore(t)

	err := assertFinalState(context.Background(), h, Assertion{
		Type:   AssertFinalState,
		Store:  "primary",
		Table:  "orders",
		Where:  map[string]any{"customer_id": "c-1", "locked": false},
		Expect: map[string]any{"id": "o-2"},
	})
	assert.NoError(t, err)
}

func TestAssertFinalState_InvalidTableName(t *testing.T) {
	h := setupTestStore(t)

	err := assertFinalState(context.Background(), h, Assertion{
		Type:   AssertFinalState,
		Table:  "orders; DROP TABLE orders",
		Expect: map[string]any{"id": "o-1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid table name")
}

func TestAssertFinalState_TableNotFound_Fail(t *testing.T) {
	h := setupTestStore(t)

	err := assertFinalState(context.Background(), h, Assertion{
		Type:   AssertFinalState,
		Store:  "primary",
		Table:  "missing_table",
		Expect: map[string]any{"id": "o-1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query error")
}

func TestAssertRowCount(t *testing.T) {
	h := setupTestStore(t)
	ctx := context.Background()

	assert.NoError(t, assertRowCount(ctx, h, Assertion{Type: AssertRowCount, Table: "orders", Count: 2}))
	assert.NoError(t, assertRowCount(ctx, h, Assertion{Type: AssertRowCount, Table: "orders", Where: map[string]any{"locked": true}, Count: 1}))
	assert.NoError(t, assertRowCount(ctx, h, Assertion{Type: AssertRowCount, Table: "settings", Count: 0}))

	err := assertRowCount(ctx, h, Assertion{Type: AssertRowCount, Store: "primary", Table: "orders", Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 row(s)")
}

func TestEvaluateAssertions_AllPass(t *testing.T) {
	h := setupTestStore(t)
	result := NewResult()
	result.Trace = sampleTrace()

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceOrder, Ops: []string{OpCreateOrder, OpRead}},
		{Type: AssertTraceCount, Op: OpStores, Count: 2},
		{Type: AssertRowCount, Store: "primary", Table: "orders", Count: 2},
		{Type: AssertFinalState, Store: "primary", Table: "orders", Where: map[string]any{"id": "o-2"}, Expect: map[string]any{"locked": false}},
		{Type: AssertAuditCount, Kind: "lock_transition", Count: 2},
	}, &AssertionContext{
		Ctx:    context.Background(),
		Stores: map[string]*store.Handle{"primary": h},
		Audit:  map[string]int{"lock_transition": 2},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_SomeFail(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Op: OpStores, Count: 2},
		{Type: AssertTraceCount, Op: OpSweep, Count: 1},
		{Type: AssertAuditCount, Kind: "commit_divergence", Count: 1},
	}, &AssertionContext{Ctx: context.Background()})

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "sweep exactly 1 time(s)")
	assert.Contains(t, errs[1], "1 commit_divergence audit event(s)")
}

func TestEvaluateAssertions_StoreAssertionWithoutContext_Fail(t *testing.T) {
	result := NewResult()

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertRowCount, Store: "secondary", Table: "orders"},
	}, nil)

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "requires the secondary store")
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: "trace_contains"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "trace_contains"`)
}
