package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/roach88/dualstore/internal/audit"
	"github.com/roach88/dualstore/internal/clock"
	"github.com/roach88/dualstore/internal/dual"
	"github.com/roach88/dualstore/internal/orders"
	"github.com/roach88/dualstore/internal/reconcile"
	"github.com/roach88/dualstore/internal/settings"
	"github.com/roach88/dualstore/internal/store"
)

// OutcomeIncomplete marks a reconcile run in which a collection failed.
const OutcomeIncomplete = "INCOMPLETE"

// DefaultActor is used by lock, unlock and set steps that name no actor.
const DefaultActor = "operator"

// Harness executes one scenario. Both stores are SQLite files in a private
// directory; a store marked down is opened at a path that cannot exist, so
// every operation on it fails the way a lost connection does.
//
// Changing availability closes and reopens every component, as a process
// restart would. The simulated clock, the id sequence and the audit
// recorder carry across.
type Harness struct {
	dir   string
	avail map[dual.Side]bool

	clock  *clock.Manual
	ids    *audit.SequenceGenerator
	sink   *audit.Recorder
	logger *slog.Logger

	coord      *dual.Coordinator
	settings   *settings.Cache
	locker     *orders.Locker
	orders     *orders.Service
	reconciler *reconcile.Engine
}

// Run executes a scenario in a fresh temporary directory and returns the
// result. The error is non-nil only if the harness itself could not run;
// failed expectations and assertions are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "dualstore-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	return RunIn(context.Background(), dir, scenario)
}

// RunIn executes a scenario with its stores under dir.
func RunIn(ctx context.Context, dir string, scenario *Scenario) (*Result, error) {
	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}

	h := &Harness{
		dir:    dir,
		avail:  map[dual.Side]bool{dual.Primary: true, dual.Secondary: true},
		clock:  clock.NewManual(start),
		ids:    audit.NewSequenceGenerator("id"),
		sink:   &audit.Recorder{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}

	if err := h.open(ctx); err != nil {
		return nil, err
	}
	for _, side := range []dual.Side{dual.Primary, dual.Secondary} {
		if err := store.Bootstrap(ctx, h.coord.Handle(side)); err != nil {
			h.close()
			return nil, fmt.Errorf("failed to bootstrap %s: %w", side, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, step)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		ev = result.add(ev)
		checkExpect(i, step, ev, result)

		h.logger.Debug("step completed", "step", i, "op", step.Op, "outcome", ev.Outcome)
	}
	h.close()

	for _, e := range h.sink.Events() {
		result.Audit[string(e.Kind)]++
	}

	// Final state is read from the files directly, whatever the scenario
	// left the availability at.
	final, err := h.openFinal(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, s := range final {
			s.Close()
		}
	}()

	actx := &AssertionContext{Ctx: ctx, Stores: final, Audit: result.Audit}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) dsn(side dual.Side) string {
	if h.avail[side] {
		return filepath.Join(h.dir, string(side)+".db")
	}
	return filepath.Join(h.dir, "missing", "dir", string(side)+".db")
}

func (h *Harness) openHandle(ctx context.Context, name, dsn string) (*store.Handle, error) {
	hd, err := store.Open(ctx, name, store.Config{
		Driver:         store.DriverSQLite,
		DSN:            dsn,
		ConnectTimeout: time.Second,
	}, store.WithLogger(h.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return hd, nil
}

// open builds every component against the current availability.
func (h *Harness) open(ctx context.Context) error {
	primary, err := h.openHandle(ctx, string(dual.Primary), h.dsn(dual.Primary))
	if err != nil {
		return err
	}
	secondary, err := h.openHandle(ctx, string(dual.Secondary), h.dsn(dual.Secondary))
	if err != nil {
		primary.Close()
		return err
	}

	h.coord = dual.New(primary, secondary,
		dual.WithLogger(h.logger),
		dual.WithAuditSink(h.sink),
		dual.WithIDGenerator(h.ids),
		dual.WithClock(h.clock),
		dual.WithSecondaryGrace(5*time.Second),
	)
	h.settings = settings.New(h.coord, settings.DefaultTTL,
		settings.WithClock(h.clock),
		settings.WithLogger(h.logger),
	)
	h.locker = orders.NewLocker(h.coord, h.settings,
		orders.WithClock(h.clock),
		orders.WithAuditSink(h.sink),
		orders.WithIDGenerator(h.ids),
		orders.WithLogger(h.logger),
	)
	h.orders = orders.NewService(h.coord, h.locker)

	h.reconciler, err = reconcile.New(primary, secondary, nil,
		reconcile.WithLogger(h.logger),
		reconcile.WithAuditSink(h.sink),
		reconcile.WithIDGenerator(h.ids),
		reconcile.WithClock(h.clock),
	)
	if err != nil {
		h.close()
		return fmt.Errorf("failed to build reconciler: %w", err)
	}
	return nil
}

func (h *Harness) close() {
	if h.coord == nil {
		return
	}
	if err := h.coord.Close(); err != nil {
		h.logger.Error("error closing stores", "error", err)
	}
	h.coord = nil
}

func (h *Harness) openFinal(ctx context.Context) (map[string]*store.Handle, error) {
	out := map[string]*store.Handle{}
	for _, side := range []dual.Side{dual.Primary, dual.Secondary} {
		hd, err := h.openHandle(ctx, string(side), filepath.Join(h.dir, string(side)+".db"))
		if err != nil {
			for _, s := range out {
				s.Close()
			}
			return nil, err
		}
		out[string(side)] = hd
	}
	return out, nil
}

func (h *Harness) storesLabel() string {
	state := func(side dual.Side) string {
		if h.avail[side] {
			return Up
		}
		return Down
	}
	return fmt.Sprintf("primary=%s secondary=%s", state(dual.Primary), state(dual.Secondary))
}

// execute runs one step. The returned error means the harness broke;
// operation failures are recorded in the event's outcome.
func (h *Harness) execute(ctx context.Context, st Step) (TraceEvent, error) {
	if st.Op == OpStores {
		h.close()
		for side, state := range st.Stores {
			h.avail[dual.Side(side)] = state == Up
		}
		if err := h.open(ctx); err != nil {
			return TraceEvent{}, err
		}
		return TraceEvent{Op: st.Op, Stores: h.storesLabel(), Outcome: OutcomeOK}, nil
	}

	ev := TraceEvent{Op: st.Op, Stores: h.storesLabel()}
	var err error

	switch st.Op {
	case OpWrite, OpRead:
		var res *dual.Result
		if st.Op == OpWrite {
			res, err = h.coord.Write(ctx, st.SQL, st.Args...)
		} else {
			res, err = h.coord.Read(ctx, st.SQL, st.Args...)
		}
		if err == nil {
			ev.Source = string(res.Source)
			ev.Degraded = res.Degraded
			n := int(res.RowsAffected)
			if st.Op == OpRead {
				n = res.Len()
			}
			ev.Rows = &n
		}

	case OpTransaction:
		err = h.coord.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
			for _, stmt := range st.Statements {
				if _, err := tx.Execute(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		})

	case OpAdvance:
		d, _ := time.ParseDuration(st.Duration)
		h.clock.Advance(d)
		ev.Detail = map[string]any{"now": h.clock.Now().UTC().Format(time.RFC3339)}

	case OpCreateOrder:
		_, err = h.orders.Create(ctx, orders.Order{ID: st.Order, CustomerID: st.Customer, OrderDate: st.Date})

	case OpSweep:
		var locked []string
		locked, err = h.locker.Sweep(ctx)
		if err == nil {
			if locked == nil {
				locked = []string{}
			}
			ev.Detail = map[string]any{"locked": locked}
		}

	case OpLock:
		err = h.locker.Lock(ctx, st.Order, actorOr(st.Actor))
	case OpUnlock:
		err = h.locker.Unlock(ctx, st.Order, actorOr(st.Actor))

	case OpSet:
		_, err = h.settings.Set(ctx, st.Key, st.Value, actorOr(st.Actor))
	case OpGet:
		ev.Detail = map[string]any{"value": h.settings.Get(ctx, st.Key, st.Default)}

	case OpReconcile:
		dir := reconcile.ToSecondary
		if st.Direction != "" {
			dir, _ = reconcile.ParseDirection(st.Direction)
		}
		var report *reconcile.Report
		report, err = h.reconciler.Reconcile(ctx, dir)
		if err == nil {
			t := report.Totals()
			ev.Detail = map[string]any{
				"direction": dir.String(),
				"present":   t.Present,
				"missing":   t.Missing,
				"inserted":  t.Inserted,
				"skipped":   t.Skipped,
				"failed":    t.Failed,
			}
			if n := report.ErrorCount(); n > 0 {
				ev.Detail["errors"] = n
				ev.Outcome = OutcomeIncomplete
			}
		}

	default:
		return TraceEvent{}, fmt.Errorf("unknown op %q", st.Op)
	}

	// Mirrored writes settle before the next step so traces are deterministic.
	if h.coord != nil {
		h.coord.Flush()
	}
	if ev.Outcome == "" {
		ev.Outcome = outcomeOf(err)
	}
	return ev, nil
}

func actorOr(actor string) string {
	if actor == "" {
		return DefaultActor
	}
	return actor
}

// outcomeOf maps an operation error to a trace outcome.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case dual.CodeOf(err) != "":
		return string(dual.CodeOf(err))
	case errors.Is(err, orders.ErrOrderNotFound):
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}

// checkExpect compares a step's event with its expect clause.
func checkExpect(i int, st Step, ev TraceEvent, result *Result) {
	exp := st.Expect
	if exp == nil {
		return
	}
	prefix := fmt.Sprintf("steps[%d] (%s)", i, st.Op)

	want := exp.Outcome
	if want == "" {
		want = OutcomeOK
	}
	if ev.Outcome != want {
		result.AddErrorf("%s: outcome = %s, want %s", prefix, ev.Outcome, want)
		return
	}
	if exp.Source != "" && ev.Source != exp.Source {
		result.AddErrorf("%s: source = %q, want %q", prefix, ev.Source, exp.Source)
	}
	if exp.Degraded != nil && ev.Degraded != *exp.Degraded {
		result.AddErrorf("%s: degraded = %t, want %t", prefix, ev.Degraded, *exp.Degraded)
	}
	if exp.Rows != nil && (ev.Rows == nil || *ev.Rows != *exp.Rows) {
		result.AddErrorf("%s: rows = %s, want %d", prefix, intOrNone(ev.Rows), *exp.Rows)
	}
	if exp.Value != nil && ev.Detail["value"] != *exp.Value {
		result.AddErrorf("%s: value = %v, want %q", prefix, ev.Detail["value"], *exp.Value)
	}
	if exp.Locked != nil {
		got, _ := ev.Detail["locked"].([]string)
		if !slices.Equal(got, exp.Locked) {
			result.AddErrorf("%s: locked = [%s], want [%s]", prefix, strings.Join(got, ", "), strings.Join(exp.Locked, ", "))
		}
	}
	for name, want := range map[string]*int{"inserted": exp.Inserted, "present": exp.Present, "failed": exp.Failed} {
		if want != nil && ev.Detail[name] != *want {
			result.AddErrorf("%s: %s = %v, want %d", prefix, name, ev.Detail[name], *want)
		}
	}
}

func intOrNone(p *int) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprint(*p)
}
