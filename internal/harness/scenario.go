package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dualstore/internal/dual"
	"github.com/roach88/dualstore/internal/reconcile"
)

// Scenario is a scripted sequence of operations against a primary and a
// secondary store whose availability changes between steps.
type Scenario struct {
	// Name uniquely identifies this scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the simulated wall-clock time when the scenario begins.
	// Defaults to DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	// Steps run in order. Each one is traced.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and the final contents of both stores.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultStart is the simulated start time when a scenario names none.
var DefaultStart = time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)

// Step operations.
const (
	OpStores      = "stores"       // change availability: stores: {secondary: down}
	OpWrite       = "write"        // sql, args
	OpRead        = "read"         // sql, args
	OpTransaction = "transaction"  // statements
	OpAdvance     = "advance"      // duration
	OpCreateOrder = "create_order" // order, customer, date
	OpSweep       = "sweep"        // no fields
	OpLock        = "lock"         // order, actor
	OpUnlock      = "unlock"       // order, actor
	OpSet         = "set"          // key, value, actor
	OpGet         = "get"          // key, default
	OpReconcile   = "reconcile"    // direction (default to_secondary)
)

// Availability values for OpStores.
const (
	Up   = "up"
	Down = "down"
)

// Step is one operation. Only the fields its Op uses are read.
type Step struct {
	Op string `yaml:"op"`

	Stores map[string]string `yaml:"stores,omitempty"`

	SQL        string   `yaml:"sql,omitempty"`
	Args       []any    `yaml:"args,omitempty"`
	Statements []string `yaml:"statements,omitempty"`

	Duration string `yaml:"duration,omitempty"`

	Order    string `yaml:"order,omitempty"`
	Customer string `yaml:"customer,omitempty"`
	Date     string `yaml:"date,omitempty"`
	Actor    string `yaml:"actor,omitempty"`

	Key     string `yaml:"key,omitempty"`
	Value   string `yaml:"value,omitempty"`
	Default string `yaml:"default,omitempty"`

	Direction string `yaml:"direction,omitempty"`

	// Expect checks the step's outcome. If nil, any outcome is accepted.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected outcome of a step. Unset fields are not checked.
type Expect struct {
	// Outcome is "ok" or an error code such as BOTH_UNAVAILABLE.
	Outcome string `yaml:"outcome,omitempty"`

	Source   string `yaml:"source,omitempty"`
	Degraded *bool  `yaml:"degraded,omitempty"`
	Rows     *int   `yaml:"rows,omitempty"`

	// Value is the setting a get step returns.
	Value *string `yaml:"value,omitempty"`

	// Locked is the exact set of ids a sweep locks, in order.
	Locked []string `yaml:"locked,omitempty"`

	// Reconcile totals.
	Inserted *int `yaml:"inserted,omitempty"`
	Present  *int `yaml:"present,omitempty"`
	Failed   *int `yaml:"failed,omitempty"`
}

// Assertion validates the trace or the final state of one store.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Op and Outcome select trace events (trace_count).
	Op      string `yaml:"op,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Ops is the expected op order (trace_order).
	Ops []string `yaml:"ops,omitempty"`

	// Store is "primary" or "secondary" (final_state, row_count).
	Store string `yaml:"store,omitempty"`

	// Table, Where and Expect select one row and check a subset of its
	// columns (final_state).
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of events (trace_count) or rows (row_count).
	Count int `yaml:"count,omitempty"`

	// Kind and Count check recorded audit events (audit_count).
	Kind string `yaml:"kind,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceOrder = "trace_order"
	AssertTraceCount = "trace_count"
	AssertFinalState = "final_state"
	AssertRowCount   = "row_count"
	AssertAuditCount = "audit_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Start.IsZero() {
		scenario.Start = DefaultStart
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, st *Step) error {
	switch st.Op {
	case OpStores:
		if len(st.Stores) == 0 {
			return fmt.Errorf("steps[%d]: stores map is required", i)
		}
		for side, state := range st.Stores {
			if side != string(dual.Primary) && side != string(dual.Secondary) {
				return fmt.Errorf("steps[%d]: unknown store %q", i, side)
			}
			if state != Up && state != Down {
				return fmt.Errorf("steps[%d]: store %s must be up or down, got %q", i, side, state)
			}
		}
	case OpWrite, OpRead:
		if st.SQL == "" {
			return fmt.Errorf("steps[%d]: sql is required for %s", i, st.Op)
		}
	case OpTransaction:
		if len(st.Statements) == 0 {
			return fmt.Errorf("steps[%d]: statements are required for transaction", i)
		}
	case OpAdvance:
		if _, err := time.ParseDuration(st.Duration); err != nil {
			return fmt.Errorf("steps[%d]: duration: %w", i, err)
		}
	case OpCreateOrder:
		if st.Order == "" || st.Customer == "" || st.Date == "" {
			return fmt.Errorf("steps[%d]: order, customer and date are required for create_order", i)
		}
	case OpLock, OpUnlock:
		if st.Order == "" {
			return fmt.Errorf("steps[%d]: order is required for %s", i, st.Op)
		}
	case OpSet:
		if st.Key == "" || st.Actor == "" {
			return fmt.Errorf("steps[%d]: key and actor are required for set", i)
		}
	case OpGet:
		if st.Key == "" {
			return fmt.Errorf("steps[%d]: key is required for get", i)
		}
	case OpReconcile:
		if st.Direction != "" {
			if _, err := reconcile.ParseDirection(st.Direction); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
	case OpSweep:
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, st.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
	case AssertFinalState, AssertRowCount:
		if a.Store != string(dual.Primary) && a.Store != string(dual.Secondary) {
			return fmt.Errorf("assertions[%d]: store must be primary or secondary for %s", index, a.Type)
		}
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for %s", index, a.Type)
		}
		if a.Type == AssertFinalState && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertAuditCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for audit_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
