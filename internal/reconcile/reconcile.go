// Package reconcile copies rows missing on one store from the other.
//
// For each configured collection, in order, the engine reads every source
// row and every destination key, then inserts the missing rows with
// ON CONFLICT DO NOTHING. A conflicting insert is counted as skipped, a
// failing insert as failed, and neither stops the run. A collection whose
// destination table is missing is skipped.
//
// The engine talks to both store handles directly, not through the
// coordinator's routing. It takes no locks: callers must not run two
// reconciliations in the same direction at once.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/roach88/dualstore/internal/audit"
	"github.com/roach88/dualstore/internal/clock"
	"github.com/roach88/dualstore/internal/dual"
	"github.com/roach88/dualstore/internal/metrics"
	"github.com/roach88/dualstore/internal/store"
)

// Direction selects which store is the source.
type Direction int

const (
	ToSecondary Direction = iota
	ToPrimary
)

func (d Direction) String() string {
	if d == ToPrimary {
		return "to_primary"
	}
	return "to_secondary"
}

// ParseDirection accepts "to_secondary"/"to-secondary"/"secondary" and the
// primary equivalents.
func ParseDirection(s string) (Direction, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "to_secondary", "secondary":
		return ToSecondary, nil
	case "to_primary", "primary":
		return ToPrimary, nil
	default:
		return 0, fmt.Errorf("unknown direction %q (want to_secondary or to_primary)", s)
	}
}

// Collection is one table to reconcile, keyed by a unique column.
type Collection struct {
	Name string `yaml:"name" json:"name"`
	Key  string `yaml:"key,omitempty" json:"key,omitempty"`
}

// KeyColumn returns the key column, defaulting to "id".
func (c Collection) KeyColumn() string {
	if c.Key == "" {
		return "id"
	}
	return c.Key
}

// DefaultCollections lists the bookkeeping tables in dependency order.
var DefaultCollections = []Collection{
	{Name: "vendors"},
	{Name: "contracts"},
	{Name: "orders"},
	{Name: "settings", Key: "key"},
	{Name: "order_lock_audit"},
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func quote(ident string) (string, error) {
	if !identifier.MatchString(ident) {
		return "", fmt.Errorf("invalid identifier %q", ident)
	}
	return `"` + ident + `"`, nil
}

// Engine reconciles a fixed list of collections between two stores.
type Engine struct {
	primary     *store.Handle
	secondary   *store.Handle
	collections []Collection

	logger  *slog.Logger
	sink    audit.Sink
	metrics *metrics.Metrics
	ids     audit.IDGenerator
	clock   clock.Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAuditSink sets where per-collection results are recorded.
func WithAuditSink(s audit.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithMetrics sets the collectors row outcomes are counted on.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithIDGenerator sets the generator for run and event ids.
func WithIDGenerator(g audit.IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithClock sets the clock for report timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// New creates an engine. Collection and key names must be plain SQL
// identifiers; they are quoted when used.
func New(primary, secondary *store.Handle, collections []Collection, opts ...Option) (*Engine, error) {
	if len(collections) == 0 {
		collections = DefaultCollections
	}
	for _, c := range collections {
		if _, err := quote(c.Name); err != nil {
			return nil, fmt.Errorf("collection: %w", err)
		}
		if _, err := quote(c.KeyColumn()); err != nil {
			return nil, fmt.Errorf("collection %s key: %w", c.Name, err)
		}
	}

	e := &Engine{
		primary:     primary,
		secondary:   secondary,
		collections: append([]Collection(nil), collections...),
		logger:      slog.Default(),
		sink:        audit.Discard{},
		ids:         audit.UUIDv7Generator{},
		clock:       clock.Real{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Collections returns the configured collections in run order.
func (e *Engine) Collections() []Collection {
	return append([]Collection(nil), e.collections...)
}

// Reconcile runs every collection in order. Per-collection failures are
// recorded in the report and do not stop the run; the returned error is
// non-nil only if ctx ends before the run completes.
func (e *Engine) Reconcile(ctx context.Context, dir Direction) (*Report, error) {
	src, dst := e.primary, e.secondary
	if dir == ToPrimary {
		src, dst = e.secondary, e.primary
	}

	report := &Report{
		ID:        e.ids.Generate(),
		Direction: dir,
		Source:    src.Name(),
		Dest:      dst.Name(),
		StartedAt: e.clock.Now(),
	}
	e.logger.Info("reconciliation started",
		"run_id", report.ID,
		"direction", dir.String(),
		"collections", len(e.collections))

	for _, c := range e.collections {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = e.clock.Now()
			return report, fmt.Errorf("reconcile %s: %w", dir, err)
		}

		cr := e.collection(ctx, src, dst, c)
		cr.Direction = dir.String()
		report.Collections = append(report.Collections, cr)
		e.emit(ctx, report.ID, cr)
	}

	report.FinishedAt = e.clock.Now()
	t := report.Totals()
	e.logger.Info("reconciliation finished",
		"run_id", report.ID,
		"direction", dir.String(),
		"inserted", t.Inserted,
		"skipped", t.Skipped,
		"failed", t.Failed,
		"errors", report.ErrorCount())
	return report, nil
}

func (e *Engine) collection(ctx context.Context, src, dst *store.Handle, c Collection) CollectionReport {
	cr := CollectionReport{Collection: c.Name}
	table, _ := quote(c.Name)
	keyCol := c.KeyColumn()
	key, _ := quote(keyCol)
	log := e.logger.With("collection", c.Name, "source", src.Name(), "dest", dst.Name())

	rows, err := src.Execute(ctx, "SELECT * FROM "+table)
	if err != nil {
		if store.IsMissingTable(err) {
			cr.SkippedReason = fmt.Sprintf("%s: source table missing", dual.ErrCodeSchemaMismatch)
			log.Warn("collection skipped", "code", dual.ErrCodeSchemaMismatch, "error", err)
			return cr
		}
		cr.Err = fmt.Errorf("read source: %w", err)
		log.Error("collection failed", "error", err)
		return cr
	}
	cr.SourceRows = rows.Len()

	keyIdx := -1
	for i, col := range rows.Columns {
		if col == keyCol {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		cr.Err = fmt.Errorf("key column %q not found in %s", keyCol, c.Name)
		log.Error("collection failed", "error", cr.Err)
		return cr
	}

	existing, err := dst.Execute(ctx, "SELECT "+key+" FROM "+table)
	if err != nil {
		if store.IsMissingTable(err) {
			cr.SkippedReason = fmt.Sprintf("%s: destination table missing", dual.ErrCodeSchemaMismatch)
			log.Warn("collection skipped", "code", dual.ErrCodeSchemaMismatch, "error", err)
			return cr
		}
		cr.Err = fmt.Errorf("read destination keys: %w", err)
		log.Error("collection failed", "error", err)
		return cr
	}

	present := make(map[string]struct{}, existing.Len())
	for _, row := range existing.Rows {
		present[store.AsString(row[0])] = struct{}{}
	}

	insert, err := insertStatement(table, key, rows.Columns)
	if err != nil {
		cr.Err = err
		log.Error("collection failed", "error", err)
		return cr
	}

	for _, row := range rows.Rows {
		k := store.AsString(row[keyIdx])
		if _, ok := present[k]; ok {
			cr.Present++
			continue
		}
		cr.Missing++

		res, err := dst.Execute(ctx, insert, bindable(row, rows.Types)...)
		switch {
		case err != nil:
			cr.Failed++
			cr.FailedKeys = append(cr.FailedKeys, k)
			log.Warn("row not copied", "key", k, "error", err)
		case res.RowsAffected == 0:
			// Inserted concurrently since the key scan.
			cr.Skipped++
			log.Debug("row already present", "key", k, "code", dual.ErrCodeRowConflict)
		default:
			cr.Inserted++
		}
	}
	return cr
}

// insertStatement builds an idempotent insert carrying every source column.
func insertStatement(table, key string, columns []string) (string, error) {
	cols := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		q, err := quote(c)
		if err != nil {
			return "", fmt.Errorf("column: %w", err)
		}
		cols[i] = q
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "), key), nil
}

// bindable prepares a scanned row for re-insertion. DATE values come back
// from some drivers as time.Time and are re-bound as YYYY-MM-DD so both
// stores hold the same text for them.
func bindable(row []any, types []string) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if t, ok := v.(time.Time); ok && i < len(types) && types[i] == "DATE" {
			out[i] = t.Format(time.DateOnly)
			continue
		}
		out[i] = v
	}
	return out
}

func (e *Engine) emit(ctx context.Context, runID string, cr CollectionReport) {
	e.metrics.ObserveReconcile(cr.Collection, cr.Direction, cr.Inserted, cr.Skipped, cr.Failed)

	ev := audit.Event{
		ID:         e.ids.Generate(),
		Kind:       audit.KindReconcile,
		At:         e.clock.Now(),
		Target:     runID,
		Collection: cr.Collection,
		Direction:  cr.Direction,
		Counts: &audit.Counts{
			Source:   cr.SourceRows,
			Present:  cr.Present,
			Missing:  cr.Missing,
			Inserted: cr.Inserted,
			Skipped:  cr.Skipped,
			Failed:   cr.Failed,
		},
		Detail: cr.Note(),
	}
	e.sink.Record(ctx, ev)
}
