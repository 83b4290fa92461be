package reconcile

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// CollectionReport holds the counts for one collection.
//
// Present + Missing = SourceRows, and Missing = Inserted + Skipped + Failed,
// unless the collection was skipped (SkippedReason) or failed (Err).
type CollectionReport struct {
	Collection string   `json:"collection"`
	Direction  string   `json:"direction"`
	SourceRows int      `json:"source_rows"`
	Present    int      `json:"present"`
	Missing    int      `json:"missing"`
	Inserted   int      `json:"inserted"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	FailedKeys []string `json:"failed_keys,omitempty"`

	SkippedReason string `json:"skipped_reason,omitempty"`
	Err           error  `json:"-"`
}

// Note summarizes why a collection was skipped or failed; empty otherwise.
func (c CollectionReport) Note() string {
	switch {
	case c.Err != nil:
		return "error: " + c.Err.Error()
	case c.SkippedReason != "":
		return c.SkippedReason
	case len(c.FailedKeys) > 0:
		return "failed keys: " + strings.Join(c.FailedKeys, ", ")
	default:
		return ""
	}
}

// Report is the result of one reconciliation run. It is not persisted.
type Report struct {
	ID          string             `json:"id"`
	Direction   Direction          `json:"-"`
	Source      string             `json:"source"`
	Dest        string             `json:"dest"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	Collections []CollectionReport `json:"collections"`
}

// Elapsed returns how long the run took.
func (r *Report) Elapsed() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Collection returns the report for one collection.
func (r *Report) Collection(name string) (CollectionReport, bool) {
	for _, c := range r.Collections {
		if c.Collection == name {
			return c, true
		}
	}
	return CollectionReport{}, false
}

// Totals sums the counts of every collection.
func (r *Report) Totals() CollectionReport {
	t := CollectionReport{Collection: "TOTAL", Direction: r.Direction.String()}
	for _, c := range r.Collections {
		t.SourceRows += c.SourceRows
		t.Present += c.Present
		t.Missing += c.Missing
		t.Inserted += c.Inserted
		t.Skipped += c.Skipped
		t.Failed += c.Failed
	}
	return t
}

// ErrorCount returns how many collections could not be reconciled at all.
func (r *Report) ErrorCount() int {
	n := 0
	for _, c := range r.Collections {
		if c.Err != nil {
			n++
		}
	}
	return n
}

// Clean reports whether every collection ran and every row was copied.
func (r *Report) Clean() bool {
	return r.ErrorCount() == 0 && r.Totals().Failed == 0
}

const rowFormat = "%-18s %7v %8v %8v %9v %8v %7v  %s"

// Render writes the report as a fixed-width table.
func (r *Report) Render(w io.Writer) error {
	lines := []string{
		fmt.Sprintf("run %s: %s (%s -> %s)", r.ID, r.Direction, r.Source, r.Dest),
		line("COLLECTION", "SOURCE", "PRESENT", "MISSING", "INSERTED", "SKIPPED", "FAILED", "NOTE"),
	}
	for _, c := range r.Collections {
		lines = append(lines, row(c))
	}
	lines = append(lines, row(r.Totals()))

	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

func row(c CollectionReport) string {
	return line(c.Collection, c.SourceRows, c.Present, c.Missing, c.Inserted, c.Skipped, c.Failed, c.Note())
}

func line(cols ...any) string {
	return strings.TrimRight(fmt.Sprintf(rowFormat, cols...), " ")
}
