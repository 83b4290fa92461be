package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/dualstore/internal/store"
)

// Order is one row of the orders table.
type Order struct {
	ID               string     `json:"id"`
	CustomerID       string     `json:"customer_id"`
	Status           string     `json:"status"`
	OrderDate        string     `json:"order_date"` // YYYY-MM-DD
	Locked           bool       `json:"locked"`
	LockedAt         *time.Time `json:"locked_at,omitempty"`
	ManuallyUnlocked bool       `json:"manually_unlocked"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Transition is one row of the lock audit trail.
type Transition struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"order_id"`
	Actor          string    `json:"actor"`
	Action         string    `json:"action"`
	PreviousLocked bool      `json:"previous_locked"`
	CreatedAt      time.Time `json:"created_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status     string
	CustomerID string
	Locked     *bool
	Limit      int
}

// Service is the read/write surface for orders. Every read runs the
// auto-lock sweep first.
type Service struct {
	router Router
	locker *Locker
}

// NewService creates a Service that sweeps with l before reads.
func NewService(r Router, l *Locker) *Service {
	return &Service{router: r, locker: l}
}

// Locker returns the locker used for sweeps and manual transitions.
func (s *Service) Locker() *Locker {
	return s.locker
}

const orderColumns = "id, customer_id, status, order_date, locked, locked_at, manually_unlocked, created_at"

// List sweeps, then returns matching orders by order date then id.
func (s *Service) List(ctx context.Context, f Filter) ([]Order, error) {
	if _, err := s.locker.Sweep(ctx); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.Locked != nil {
		where = append(where, "locked = ?")
		args = append(args, *f.Locked)
	}

	q := "SELECT " + orderColumns + " FROM orders"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY order_date, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	res, err := s.router.Read(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	out := make([]Order, 0, res.Len())
	for _, row := range res.Maps() {
		out = append(out, orderFromRow(row))
	}
	return out, nil
}

// Get sweeps, then returns one order.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	if _, err := s.locker.Sweep(ctx); err != nil {
		return Order{}, fmt.Errorf("get order %s: %w", id, err)
	}

	res, err := s.router.Read(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	if err != nil {
		return Order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	if res.Len() == 0 {
		return Order{}, fmt.Errorf("get order %s: %w", id, ErrOrderNotFound)
	}
	return orderFromRow(res.Maps()[0]), nil
}

// Create inserts a new unlocked order. A missing id is generated and a
// missing status defaults to pending.
func (s *Service) Create(ctx context.Context, o Order) (Order, error) {
	if o.CustomerID == "" {
		return Order{}, errors.New("create order: customer_id is required")
	}
	if _, err := time.Parse(time.DateOnly, o.OrderDate); err != nil {
		return Order{}, fmt.Errorf("create order: order_date must be YYYY-MM-DD: %w", err)
	}
	if o.ID == "" {
		o.ID = s.locker.ids.Generate()
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	o.Locked = false
	o.LockedAt = nil
	o.ManuallyUnlocked = false
	o.CreatedAt = s.locker.clock.Now().UTC()

	_, err := s.router.Write(ctx,
		"INSERT INTO orders (id, customer_id, status, order_date, locked, manually_unlocked, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		o.ID, o.CustomerID, o.Status, o.OrderDate, false, false, o.CreatedAt)
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

// History returns the audit trail of one order, oldest first.
func (s *Service) History(ctx context.Context, orderID string) ([]Transition, error) {
	res, err := s.router.Read(ctx,
		"SELECT id, order_id, actor, action, previous_locked, created_at FROM order_lock_audit WHERE order_id = ? ORDER BY created_at, id",
		orderID)
	if err != nil {
		return nil, fmt.Errorf("order history %s: %w", orderID, err)
	}

	out := make([]Transition, 0, res.Len())
	for _, row := range res.Maps() {
		created, _ := store.AsTime(row["created_at"])
		out = append(out, Transition{
			ID:             store.AsString(row["id"]),
			OrderID:        store.AsString(row["order_id"]),
			Actor:          store.AsString(row["actor"]),
			Action:         store.AsString(row["action"]),
			PreviousLocked: store.AsBool(row["previous_locked"]),
			CreatedAt:      created,
		})
	}
	return out, nil
}

func orderFromRow(row map[string]any) Order {
	o := Order{
		ID:               store.AsString(row["id"]),
		CustomerID:       store.AsString(row["customer_id"]),
		Status:           store.AsString(row["status"]),
		OrderDate:        store.AsDate(row["order_date"]),
		Locked:           store.AsBool(row["locked"]),
		ManuallyUnlocked: store.AsBool(row["manually_unlocked"]),
	}
	if t, ok := store.AsTime(row["locked_at"]); ok {
		o.LockedAt = &t
	}
	if t, ok := store.AsTime(row["created_at"]); ok {
		o.CreatedAt = t
	}
	return o
}
