package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/dualstore/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s -> %s\n", event.Seq, event.Op, event.Stores, event.Outcome)
		}
	}

	return buf.String()
}

// assertTraceOrder checks that ops first appear in the specified order.
// Ops don't need to be consecutive (intervening steps are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for _, event := range trace {
		if _, seen := positions[event.Op]; !seen {
			positions[event.Op] = event.Seq
		}
	}

	for _, op := range assertion.Ops {
		if _, ok := positions[op]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all ops present: %v", assertion.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Ops); i++ {
		prev, curr := assertion.Ops[i-1], assertion.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", assertion.Ops),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks how many steps ran op, optionally with a given outcome.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Op == assertion.Op && (assertion.Outcome == "" || event.Outcome == assertion.Outcome) {
			count++
		}
	}
	if count != assertion.Count {
		what := assertion.Op
		if assertion.Outcome != "" {
			what += " with outcome " + assertion.Outcome
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s exactly %d time(s)", what, assertion.Count),
			Actual:   fmt.Sprintf("found %d time(s)", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertRowCount checks the number of rows in a table on one store.
func assertRowCount(ctx context.Context, h *store.Handle, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}
	query := "SELECT COUNT(*) FROM " + assertion.Table
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	res, err := h.Execute(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("count rows of %s on %s", assertion.Table, assertion.Store),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	n, _ := store.AsInt64(res.Rows[0][0])
	if int(n) != assertion.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d row(s) in %s on %s where %s", assertion.Count, assertion.Table, assertion.Store, formatWhereClause(assertion.Where)),
			Actual:   fmt.Sprintf("%d row(s)", n),
		}
	}
	return nil
}

// assertFinalState checks that exactly one row matches Where on one store
// and that it holds the expected values (subset semantics).
//
// Table and column names are validated against a whitelist pattern;
// values are always bound as parameters.
func assertFinalState(ctx context.Context, h *store.Handle, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}
	query := "SELECT * FROM " + assertion.Table
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	res, err := h.Execute(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s on %s", assertion.Table, assertion.Store),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	whereDesc := formatWhereClause(assertion.Where)
	switch res.Len() {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s on %s where %s", assertion.Table, assertion.Store, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s on %s where %s", assertion.Table, assertion.Store, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", res.Len()),
		}
	}

	actualRow := res.Maps()[0]
	keys := sortedKeys(assertion.Expect)
	for _, key := range keys {
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, res.Columns),
			}
		}
		if !stateValuesEqual(assertion.Expect[key], actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, assertion.Expect[key], assertion.Expect[key]),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are sorted
// for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, where[key])
	}
	return strings.Join(clauses, " AND "), args, nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateValuesEqual compares a YAML-decoded expectation with a value read
// from a store. Drivers disagree on booleans, integers and timestamps, so
// the actual value is converted to the expected value's kind first.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case bool:
		return exp == store.AsBool(actual)
	case int:
		n, ok := store.AsInt64(actual)
		return ok && n == int64(exp)
	case int64:
		n, ok := store.AsInt64(actual)
		return ok && n == exp
	case string:
		if _, isTime := store.AsTime(actual); isTime && len(exp) == len("2006-01-02") {
			return store.AsDate(actual) == exp
		}
		return store.AsString(actual) == exp
	default:
		return fmt.Sprint(expected) == store.AsString(actual)
	}
}

// AssertionContext provides the final stores and audit counts to assertions.
type AssertionContext struct {
	Ctx    context.Context
	Stores map[string]*store.Handle // keyed by "primary" / "secondary"
	Audit  map[string]int
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState, AssertRowCount:
			h := actx.store(assertion.Store)
			if h == nil {
				err = fmt.Errorf("assertion[%d]: %s requires the %s store", i, assertion.Type, assertion.Store)
			} else if assertion.Type == AssertFinalState {
				err = assertFinalState(actx.Ctx, h, assertion)
			} else {
				err = assertRowCount(actx.Ctx, h, assertion)
			}
		case AssertAuditCount:
			if got := actx.audit()[assertion.Kind]; got != assertion.Count {
				err = &AssertionError{
					Type:     AssertAuditCount,
					Expected: fmt.Sprintf("%d %s audit event(s)", assertion.Count, assertion.Kind),
					Actual:   fmt.Sprintf("%d", got),
				}
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}

func (a *AssertionContext) store(name string) *store.Handle {
	if a == nil {
		return nil
	}
	return a.Stores[name]
}

func (a *AssertionContext) audit() map[string]int {
	if a == nil {
		return nil
	}
	return a.Audit
}
