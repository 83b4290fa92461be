// Package audit records lock-state transitions, reconciliation results and
// commit divergence as structured events.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies what an event describes.
type Kind string

const (
	KindLockTransition   Kind = "lock_transition"
	KindReconcile        Kind = "reconcile_collection"
	KindCommitDivergence Kind = "commit_divergence"
)

// Counts carries per-collection reconciliation numbers.
type Counts struct {
	Source   int `json:"source"`
	Present  int `json:"present"`
	Missing  int `json:"missing"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Event is one audit record. Which fields are set depends on Kind:
// lock transitions carry Actor, Action, Target and PreviousLocked;
// reconciliation carries Collection, Direction and Counts.
type Event struct {
	ID   string    `json:"id"`
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	Actor          string `json:"actor,omitempty"`
	Action         string `json:"action,omitempty"`
	Target         string `json:"target,omitempty"`
	PreviousLocked *bool  `json:"previous_locked,omitempty"`

	Collection string  `json:"collection,omitempty"`
	Direction  string  `json:"direction,omitempty"`
	Counts     *Counts `json:"counts,omitempty"`

	Detail string `json:"detail,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// SlogSink writes events as structured log records.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink logging to l, or slog.Default() when l is nil.
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{logger: l}
}

// Record logs e. Commit divergence is logged at warn level.
func (s *SlogSink) Record(ctx context.Context, e Event) {
	attrs := []slog.Attr{
		slog.String("audit_id", e.ID),
		slog.String("kind", string(e.Kind)),
		slog.Time("at", e.At),
	}
	if e.Actor != "" {
		attrs = append(attrs, slog.String("actor", e.Actor))
	}
	if e.Action != "" {
		attrs = append(attrs, slog.String("action", e.Action))
	}
	if e.Target != "" {
		attrs = append(attrs, slog.String("target", e.Target))
	}
	if e.PreviousLocked != nil {
		attrs = append(attrs, slog.Bool("previous_locked", *e.PreviousLocked))
	}
	if e.Collection != "" {
		attrs = append(attrs, slog.String("collection", e.Collection))
	}
	if e.Direction != "" {
		attrs = append(attrs, slog.String("direction", e.Direction))
	}
	if c := e.Counts; c != nil {
		attrs = append(attrs, slog.Group("counts",
			slog.Int("source", c.Source),
			slog.Int("present", c.Present),
			slog.Int("missing", c.Missing),
			slog.Int("inserted", c.Inserted),
			slog.Int("skipped", c.Skipped),
			slog.Int("failed", c.Failed),
		))
	}
	if e.Detail != "" {
		attrs = append(attrs, slog.String("detail", e.Detail))
	}

	level := slog.LevelInfo
	if e.Kind == KindCommitDivergence {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record appends e.
func (r *Recorder) Record(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByKind returns recorded events of one kind, in order.
func (r *Recorder) ByKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans an event out to several sinks.
type Multi []Sink

// Record forwards e to every sink.
func (m Multi) Record(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

// Discard drops every event.
type Discard struct{}

// Record does nothing.
func (Discard) Record(context.Context, Event) {}
