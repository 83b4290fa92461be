package harness

import "fmt"

// Outcome values recorded in the trace besides dual-store error codes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "ERROR"
	OutcomeNotFound = "NOT_FOUND"
)

// TraceEvent is one executed step.
type TraceEvent struct {
	Seq int    `json:"seq"`
	Op  string `json:"op"`

	// Stores is the availability the step ran under, e.g. "primary=up secondary=down".
	Stores string `json:"stores"`

	Outcome  string `json:"outcome"`
	Source   string `json:"source,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`

	// Rows is the row count of a read, or the rows affected by a write.
	Rows *int `json:"rows,omitempty"`

	// Detail holds op-specific output: locked ids, a setting value,
	// reconcile totals.
	Detail map[string]any `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Audit counts the audit events recorded during the run, by kind.
	Audit map[string]int `json:"audit,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Audit:  map[string]int{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddErrorf is AddError with formatting.
func (r *Result) AddErrorf(format string, args ...any) {
	r.AddError(fmt.Sprintf(format, args...))
}

// add appends ev with the next sequence number and returns it.
func (r *Result) add(ev TraceEvent) TraceEvent {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
	return ev
}
