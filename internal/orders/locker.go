package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/dualstore/internal/audit"
	"github.com/roach88/dualstore/internal/clock"
	"github.com/roach88/dualstore/internal/dual"
	"github.com/roach88/dualstore/internal/settings"
	"github.com/roach88/dualstore/internal/store"
)

// Order statuses. Only pending orders are eligible for auto-lock.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Transition actions recorded in the audit trail.
const (
	ActionAutoLock = "auto_lock"
	ActionLock     = "lock"
	ActionUnlock   = "unlock"
)

// ActorSystem is the actor recorded for automatic transitions.
const ActorSystem = "system"

// ErrOrderNotFound is returned by manual transitions and Get for unknown ids.
var ErrOrderNotFound = errors.New("order not found")

// Router is the subset of *dual.Coordinator this package needs.
type Router interface {
	Read(ctx context.Context, stmt string, args ...any) (*dual.Result, error)
	Write(ctx context.Context, stmt string, args ...any) (*dual.Result, error)
}

// Settings supplies the auto-lock threshold.
type Settings interface {
	GetInt(ctx context.Context, key string, fallback int) int
}

// Locker applies lock transitions.
//
// Thread-safety: Locker is safe for concurrent use; concurrent sweeps are
// serialized by the guard in the update itself.
type Locker struct {
	router   Router
	settings Settings
	clock    clock.Clock
	sink     audit.Sink
	ids      audit.IDGenerator
	logger   *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithClock sets the clock that decides order age.
func WithClock(c clock.Clock) Option {
	return func(l *Locker) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithAuditSink sets where transition events go.
func WithAuditSink(s audit.Sink) Option {
	return func(l *Locker) {
		if s != nil {
			l.sink = s
		}
	}
}

// WithIDGenerator sets the generator for audit row ids.
func WithIDGenerator(g audit.IDGenerator) Option {
	return func(l *Locker) {
		if g != nil {
			l.ids = g
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Locker) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLocker creates a Locker that writes through r and reads the threshold
// from s on every sweep.
func NewLocker(r Router, s Settings, opts ...Option) *Locker {
	l := &Locker{
		router:   r,
		settings: s,
		clock:    clock.Real{},
		sink:     audit.Discard{},
		ids:      audit.UUIDv7Generator{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the locker's current time, the reference point for order age.
func (l *Locker) Now() time.Time {
	return l.clock.Now()
}

// The guard makes the sweep idempotent: a locked or manually unlocked
// order never matches.
const sweepStmt = `UPDATE orders SET locked = ?, locked_at = ?
WHERE status = ? AND locked = ? AND manually_unlocked = ? AND order_date <= ?
RETURNING id`

// Cutoff returns the latest order date that is old enough to auto-lock
// at now, given a threshold in days.
func Cutoff(now time.Time, days int) string {
	return now.UTC().AddDate(0, 0, -days).Format(time.DateOnly)
}

// Sweep locks every eligible pending order in one guarded bulk update and
// returns the ids it locked. Running it twice in a row locks nothing the
// second time.
func (l *Locker) Sweep(ctx context.Context) ([]string, error) {
	days := l.settings.GetInt(ctx, settings.KeyAutoLockDays, settings.DefaultAutoLockDays)
	if days < 0 {
		l.logger.Warn("negative auto-lock threshold, using default",
			"configured", days, "default", settings.DefaultAutoLockDays)
		days = settings.DefaultAutoLockDays
	}

	now := l.clock.Now().UTC()
	cutoff := Cutoff(now, days)

	res, err := l.router.Write(ctx, sweepStmt, true, now, StatusPending, false, false, cutoff)
	if err != nil {
		return nil, fmt.Errorf("auto-lock sweep: %w", err)
	}

	ids := make([]string, 0, res.Len())
	for _, row := range res.Rows {
		ids = append(ids, store.AsString(row[0]))
	}
	if len(ids) == 0 {
		return ids, nil
	}

	l.logger.Info("auto-locked orders",
		"count", len(ids),
		"threshold_days", days,
		"cutoff", cutoff,
		"source", res.Source)

	for _, id := range ids {
		if err := l.record(ctx, id, ActorSystem, ActionAutoLock, false, now); err != nil {
			l.logger.Error("audit row not written", "order_id", id, "action", ActionAutoLock, "error", err)
		}
	}
	return ids, nil
}

// Lock sets locked on an order regardless of its age or status. It does
// not touch manually_unlocked.
func (l *Locker) Lock(ctx context.Context, orderID, actor string) error {
	now := l.clock.Now().UTC()
	return l.transition(ctx, orderID, actor, ActionLock, now,
		"UPDATE orders SET locked = ?, locked_at = ? WHERE id = ?", true, now, orderID)
}

// Unlock clears locked and sets manually_unlocked, permanently exempting
// the order from auto-lock.
func (l *Locker) Unlock(ctx context.Context, orderID, actor string) error {
	now := l.clock.Now().UTC()
	return l.transition(ctx, orderID, actor, ActionUnlock, now,
		"UPDATE orders SET locked = ?, locked_at = NULL, manually_unlocked = ? WHERE id = ?", false, true, orderID)
}

func (l *Locker) transition(ctx context.Context, orderID, actor, action string, now time.Time, stmt string, args ...any) error {
	if actor == "" {
		return fmt.Errorf("%s %s: actor is required", action, orderID)
	}

	prev, err := l.locked(ctx, orderID)
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, orderID, err)
	}

	res, err := l.router.Write(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, orderID, err)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", action, orderID, ErrOrderNotFound)
	}

	l.logger.Info("order lock changed",
		"order_id", orderID,
		"actor", actor,
		"action", action,
		"previous_locked", prev)

	if err := l.record(ctx, orderID, actor, action, prev, now); err != nil {
		return fmt.Errorf("%s %s: audit: %w", action, orderID, err)
	}
	return nil
}

func (l *Locker) locked(ctx context.Context, orderID string) (bool, error) {
	res, err := l.router.Read(ctx, "SELECT locked FROM orders WHERE id = ?", orderID)
	if err != nil {
		return false, err
	}
	if res.Len() == 0 {
		return false, ErrOrderNotFound
	}
	return store.AsBool(res.Rows[0][0]), nil
}

const insertAudit = `INSERT INTO order_lock_audit (id, order_id, actor, action, previous_locked, created_at)
VALUES (?, ?, ?, ?, ?, ?)`

// record appends the audit row and emits the event. The event is emitted
// even if the row could not be written.
func (l *Locker) record(ctx context.Context, orderID, actor, action string, prev bool, at time.Time) error {
	id := l.ids.Generate()
	l.sink.Record(ctx, audit.Event{
		ID:             id,
		Kind:           audit.KindLockTransition,
		At:             at,
		Actor:          actor,
		Action:         action,
		Target:         orderID,
		PreviousLocked: &prev,
	})

	if _, err := l.router.Write(ctx, insertAudit, id, orderID, actor, action, prev, at); err != nil {
		return err
	}
	return nil
}
