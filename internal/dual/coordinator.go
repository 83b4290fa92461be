// Package dual routes every persistence operation to a primary and a
// secondary store: reads fall back to the secondary, writes are mirrored
// best-effort, and transactions run independently on both sides.
package dual

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/dualstore/internal/audit"
	"github.com/roach88/dualstore/internal/clock"
	"github.com/roach88/dualstore/internal/metrics"
	"github.com/roach88/dualstore/internal/store"
)

// DefaultSecondaryGrace bounds how long a write waits for the mirrored
// secondary outcome after the primary has answered.
const DefaultSecondaryGrace = 2 * time.Second

// Coordinator owns a primary and a secondary store handle.
//
// Thread-safety: Coordinator is safe for concurrent use.
type Coordinator struct {
	primary   *store.Handle
	secondary *store.Handle

	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    audit.Sink
	ids     audit.IDGenerator
	clock   clock.Clock
	grace   time.Duration

	// pending tracks mirrored writes still running after their caller returned.
	pending sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the collectors routing outcomes are counted on.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithAuditSink sets where commit divergence events go.
func WithAuditSink(s audit.Sink) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithIDGenerator sets the generator for audit event ids.
func WithIDGenerator(g audit.IDGenerator) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.ids = g
		}
	}
}

// WithClock sets the clock used to stamp audit events.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithSecondaryGrace sets how long writes wait for the secondary outcome.
// Zero means do not wait at all.
func WithSecondaryGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// New creates a coordinator over two open handles. The coordinator takes
// ownership of both and closes them in Close.
func New(primary, secondary *store.Handle, opts ...Option) *Coordinator {
	c := &Coordinator{
		primary:   primary,
		secondary: secondary,
		logger:    slog.Default(),
		sink:      audit.Discard{},
		ids:       audit.UUIDv7Generator{},
		clock:     clock.Real{},
		grace:     DefaultSecondaryGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Primary returns the primary handle.
func (c *Coordinator) Primary() *store.Handle { return c.primary }

// Secondary returns the secondary handle.
func (c *Coordinator) Secondary() *store.Handle { return c.secondary }

// Handle returns the handle for side.
func (c *Coordinator) Handle(side Side) *store.Handle {
	if side == Secondary {
		return c.secondary
	}
	return c.primary
}

// Execute classifies stmt and routes it as a read or a write.
func (c *Coordinator) Execute(ctx context.Context, stmt string, args ...any) (*Result, error) {
	return c.Run(ctx, NewOperation(stmt, args...))
}

// Read routes stmt as a read regardless of its leading keyword.
func (c *Coordinator) Read(ctx context.Context, stmt string, args ...any) (*Result, error) {
	return c.read(ctx, Operation{Statement: stmt, Args: args, Kind: KindRead})
}

// Write routes stmt as a write regardless of its leading keyword.
func (c *Coordinator) Write(ctx context.Context, stmt string, args ...any) (*Result, error) {
	return c.write(ctx, Operation{Statement: stmt, Args: args, Kind: KindWrite})
}

// Run routes an already classified operation.
func (c *Coordinator) Run(ctx context.Context, op Operation) (*Result, error) {
	if op.Kind == KindWrite {
		return c.write(ctx, op)
	}
	return c.read(ctx, op)
}

func (c *Coordinator) read(ctx context.Context, op Operation) (*Result, error) {
	res, perr := c.primary.Execute(ctx, op.Statement, op.Args...)
	c.metrics.SetStoreUp(c.primary.Name(), c.primary.Alive())
	if perr == nil {
		c.metrics.ObserveRead(string(Primary), false)
		return &Result{Result: res, Source: Primary}, nil
	}

	sres, serr := c.secondary.Execute(ctx, op.Statement, op.Args...)
	c.metrics.SetStoreUp(c.secondary.Name(), c.secondary.Alive())
	if serr != nil {
		c.logger.Error("read failed on both stores",
			"primary_error", perr,
			"secondary_error", serr)
		return nil, bothFailed("read", perr, serr)
	}

	c.logger.Warn("read served by secondary", "primary_error", perr)
	c.metrics.ObserveRead(string(Secondary), true)
	return &Result{Result: sres, Source: Secondary, Degraded: true}, nil
}

type outcome struct {
	res *store.Result
	err error
}

func (c *Coordinator) write(ctx context.Context, op Operation) (*Result, error) {
	// The mirrored write may outlive the caller; handle timeouts still bound it.
	sctx := context.WithoutCancel(ctx)
	mirrored := make(chan outcome)
	// Closed when the caller stops waiting; the mirror then records its own outcome.
	abandoned := make(chan struct{})
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		res, err := c.secondary.Execute(sctx, op.Statement, op.Args...)
		c.metrics.SetStoreUp(c.secondary.Name(), c.secondary.Alive())
		select {
		case mirrored <- outcome{res: res, err: err}:
		case <-abandoned:
			c.recordMirror(err)
		}
	}()

	res, perr := c.primary.Execute(ctx, op.Statement, op.Args...)
	c.metrics.SetStoreUp(c.primary.Name(), c.primary.Alive())

	if perr != nil {
		// The secondary's outcome now decides the result, so wait for it.
		s := <-mirrored
		if s.err != nil {
			c.logger.Error("write failed on both stores",
				"primary_error", perr,
				"secondary_error", s.err)
			return nil, bothFailed("write", perr, s.err)
		}
		c.logger.Warn("write served by secondary", "primary_error", perr)
		return &Result{Result: s.res, Source: Secondary, Degraded: true}, nil
	}

	out := &Result{Result: res, Source: Primary}
	if c.grace <= 0 {
		close(abandoned)
		return out, nil
	}

	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case s := <-mirrored:
		c.recordMirror(s.err)
		out.SecondaryErr = s.err
	case <-timer.C:
		close(abandoned)
	}
	return out, nil
}

func (c *Coordinator) recordMirror(err error) {
	if err == nil {
		return
	}
	c.logger.Warn("secondary write failed",
		"code", ErrCodePartialWrite,
		"store", c.secondary.Name(),
		"error", err)
	c.metrics.SecondaryWriteFailed()
}

// Probe pings both stores and reports each side's error, nil if reachable.
func (c *Coordinator) Probe(ctx context.Context) map[Side]error {
	out := map[Side]error{
		Primary:   c.primary.Probe(ctx),
		Secondary: c.secondary.Probe(ctx),
	}
	c.metrics.SetStoreUp(c.primary.Name(), out[Primary] == nil)
	c.metrics.SetStoreUp(c.secondary.Name(), out[Secondary] == nil)
	return out
}

// Flush waits for mirrored writes still running in the background.
func (c *Coordinator) Flush() {
	c.pending.Wait()
}

// Close waits for outstanding mirrored writes, then closes both handles.
func (c *Coordinator) Close() error {
	c.pending.Wait()
	return errors.Join(c.primary.Close(), c.secondary.Close())
}
