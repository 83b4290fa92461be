// Package settings is a bounded-staleness cache over the settings table.
//
// Reads are served from an in-memory snapshot while it is younger than the
// TTL; otherwise the whole table is reloaded once, synchronously, and the
// snapshot is swapped atomically. Writes go through the dual-store
// coordinator and then invalidate the snapshot, so a read never returns a
// value older than the last write made through the same cache.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/dualstore/internal/clock"
	"github.com/roach88/dualstore/internal/dual"
	"github.com/roach88/dualstore/internal/store"
)

// Keys consumed by this module, with their defaults.
const (
	KeyAutoLockDays     = "auto_lock_days"
	DefaultAutoLockDays = 3

	KeyDefaultRebatePercentage = "default_rebate_percentage"
	DefaultRebatePercentage    = 1.00
)

// DefaultTTL is used when New is given a non-positive TTL.
const DefaultTTL = 60 * time.Second

// ErrEmptyKey is returned by Set for a blank key.
var ErrEmptyKey = errors.New("settings: empty key")

// Router is the subset of *dual.Coordinator the cache needs.
type Router interface {
	Read(ctx context.Context, stmt string, args ...any) (*dual.Result, error)
	Write(ctx context.Context, stmt string, args ...any) (*dual.Result, error)
}

// Entry is one configuration value.
type Entry struct {
	Key         string
	Value       string
	UpdatedBy   string
	UpdatedAt   time.Time
	RefreshedAt time.Time
}

type snapshot struct {
	entries  map[string]Entry
	loadedAt time.Time
}

// Cache holds the settings snapshot. The zero value is not usable; call New.
//
// Thread-safety: Cache is safe for concurrent use. Concurrent readers that
// observe an expired snapshot may each refresh; the last swap wins.
type Cache struct {
	router Router
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger

	snap      atomic.Pointer[snapshot]
	refreshes atomic.Int64

	// generation is bumped by Invalidate; a refresh that started before an
	// invalidation does not install its snapshot. install serializes the
	// generation check and swap against Invalidate.
	install    sync.Mutex
	generation atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the clock used for TTL checks and write timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a cache reading and writing through r.
func New(r Router, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		router: r,
		ttl:    ttl,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeKey trims key and converts it to Unicode NFC, so visually equal
// keys typed on different systems match.
func NormalizeKey(key string) string {
	return norm.NFC.String(strings.TrimSpace(key))
}

// Get returns the value for key, or fallback if it is absent or no
// snapshot can be loaded. Get never fails.
func (c *Cache) Get(ctx context.Context, key, fallback string) string {
	if e, ok := c.Lookup(ctx, key); ok {
		return e.Value
	}
	return fallback
}

// Lookup returns the entry for key.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool) {
	s, _ := c.current(ctx)
	if s == nil {
		return Entry{}, false
	}
	e, ok := s.entries[NormalizeKey(key)]
	return e, ok
}

// GetNumber parses the value as a finite decimal, or returns fallback.
func (c *Cache) GetNumber(ctx context.Context, key string, fallback float64) float64 {
	v, ok := c.Lookup(ctx, key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.Value), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		c.logger.Debug("setting is not a number", "key", key, "value", v.Value)
		return fallback
	}
	return f
}

// GetInt parses the value as a base-10 integer, or returns fallback.
func (c *Cache) GetInt(ctx context.Context, key string, fallback int) int {
	v, ok := c.Lookup(ctx, key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v.Value))
	if err != nil {
		c.logger.Debug("setting is not an integer", "key", key, "value", v.Value)
		return fallback
	}
	return n
}

// GetBool accepts exactly "true" or "false"; anything else returns fallback.
func (c *Cache) GetBool(ctx context.Context, key string, fallback bool) bool {
	v, ok := c.Lookup(ctx, key)
	if !ok {
		return fallback
	}
	switch strings.TrimSpace(v.Value) {
	case "true":
		return true
	case "false":
		return false
	default:
		return fallback
	}
}

const upsertSetting = `INSERT INTO settings (key, value, updated_by, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_by = excluded.updated_by, updated_at = excluded.updated_at`

// Set upserts key through the coordinator, then invalidates the snapshot.
// The snapshot is invalidated even when the write fails, since a failed
// dual write may still have landed on one store.
func (c *Cache) Set(ctx context.Context, key, value, actor string) (Entry, error) {
	key = NormalizeKey(key)
	if key == "" {
		return Entry{}, ErrEmptyKey
	}
	defer c.Invalidate()

	now := c.clock.Now().UTC()
	res, err := c.router.Write(ctx, upsertSetting, key, value, actor, now)
	if err != nil {
		return Entry{}, fmt.Errorf("set %s: %w", key, err)
	}
	if res.Degraded {
		c.logger.Warn("setting written to secondary only", "key", key)
	}

	return Entry{Key: key, Value: value, UpdatedBy: actor, UpdatedAt: now}, nil
}

// Invalidate drops the snapshot; the next read reloads it.
func (c *Cache) Invalidate() {
	c.install.Lock()
	defer c.install.Unlock()
	c.generation.Add(1)
	c.snap.Store(nil)
}

// All returns every entry in the current snapshot, sorted by key.
func (c *Cache) All(ctx context.Context) ([]Entry, error) {
	s, err := c.current(ctx)
	if s == nil {
		return nil, err
	}
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Refreshes reports how many full reloads have completed.
func (c *Cache) Refreshes() int64 {
	return c.refreshes.Load()
}

// current returns a snapshot no older than the TTL, refreshing if needed.
// If the refresh fails, an expired snapshot is served as-is; after an
// explicit invalidation there is none and the caller falls back.
func (c *Cache) current(ctx context.Context) (*snapshot, error) {
	s := c.snap.Load()
	if s != nil && c.clock.Now().Sub(s.loadedAt) < c.ttl {
		return s, nil
	}

	fresh, err := c.refresh(ctx)
	if err != nil {
		c.logger.Warn("settings refresh failed", "error", err, "serving_stale", s != nil)
		return s, err
	}
	return fresh, nil
}

func (c *Cache) refresh(ctx context.Context) (*snapshot, error) {
	gen := c.generation.Load()
	res, err := c.router.Read(ctx, "SELECT key, value, updated_by, updated_at FROM settings")
	if err != nil {
		return nil, fmt.Errorf("refresh settings: %w", err)
	}

	now := c.clock.Now()
	s := &snapshot{entries: make(map[string]Entry, res.Len()), loadedAt: now}
	for _, row := range res.Maps() {
		updatedAt, _ := store.AsTime(row["updated_at"])
		e := Entry{
			Key:         NormalizeKey(store.AsString(row["key"])),
			Value:       store.AsString(row["value"]),
			UpdatedBy:   store.AsString(row["updated_by"]),
			UpdatedAt:   updatedAt,
			RefreshedAt: now,
		}
		s.entries[e.Key] = e
	}

	c.install.Lock()
	if c.generation.Load() == gen {
		c.snap.Store(s)
	}
	c.install.Unlock()
	c.refreshes.Add(1)
	return s, nil
}
