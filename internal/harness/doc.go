// Package harness runs scripted outage scenarios against a pair of SQLite
// stores and checks how the dual-store layer behaved.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: secondary_outage
//	description: "Writes continue on the primary while the secondary is down"
//	start: 2024-03-10T08:30:00Z
//	steps:
//	  - op: stores
//	    stores: { secondary: down }
//	  - op: create_order
//	    order: o-1
//	    customer: c-1
//	    date: "2024-03-01"
//	  - op: read
//	    sql: SELECT id FROM orders
//	    expect: { source: primary, rows: 1 }
//	  - op: stores
//	    stores: { secondary: up }
//	  - op: reconcile
//	    expect: { inserted: 1 }
//	assertions:
//	  - type: row_count
//	    store: secondary
//	    table: orders
//	    count: 1
//
// Steps are stores, write, read, transaction, advance, create_order,
// sweep, lock, unlock, set, get and reconcile. Each step may carry an
// expect clause; a step without one accepts any outcome.
//
// # Assertion Types
//
//   - trace_order: ops first appear in the given order
//   - trace_count: an op (optionally with an outcome) ran exactly N times
//   - final_state: one row of a table on one store holds the expected values
//   - row_count: a table on one store holds N matching rows
//   - audit_count: N audit events of a kind were recorded
//
// # Determinism
//
// The clock is simulated and only moves on advance steps; ids come from a
// sequence. Mirrored writes are flushed after every step, so a trace is
// identical across runs and can be compared with a golden file.
package harness
