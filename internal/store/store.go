package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite3"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxOpenConns   = 10
	DefaultIdleTimeout    = 30 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultQueryTimeout   = 30 * time.Second
)

// ErrClosed is returned for operations issued after Close.
var ErrClosed = errors.New("store handle closed")

// Config holds the connection parameters for one backing store.
// Primary and secondary are configured independently.
type Config struct {
	Driver string `yaml:"driver"`

	// DSN overrides the host/port/credential fields when set.
	// For sqlite3 it is the database path.
	DSN string `yaml:"dsn,omitempty"`

	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Database string `yaml:"database,omitempty"`

	MaxOpenConns   int           `yaml:"max_open_conns,omitempty"`
	IdleTimeout    time.Duration `yaml:"idle_timeout,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	QueryTimeout   time.Duration `yaml:"query_timeout,omitempty"`
	TLS            bool          `yaml:"tls,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	return c
}

// dataSourceName renders the driver-specific connection string.
func (c Config) dataSourceName() (string, error) {
	switch c.Driver {
	case DriverSQLite:
		if c.DSN == "" {
			return "", fmt.Errorf("sqlite3 requires dsn (database path)")
		}
		if strings.Contains(c.DSN, "?") {
			return c.DSN, nil
		}
		// Per-connection settings go in the DSN so every pooled connection gets them.
		return c.DSN + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", nil

	case DriverPostgres, DriverPgx:
		if c.DSN != "" {
			return c.DSN, nil
		}
		if c.Host == "" || c.Database == "" {
			return "", fmt.Errorf("%s requires host and database (or dsn)", c.Driver)
		}
		port := c.Port
		if port == 0 {
			port = 5432
		}
		sslmode := "disable"
		if c.TLS {
			sslmode = "require"
		}
		// connect_timeout is whole seconds; round up so a sub-second value is not disabled.
		secs := int((c.ConnectTimeout + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		u := url.URL{
			Scheme: "postgres",
			Host:   c.Host + ":" + strconv.Itoa(port),
			Path:   "/" + c.Database,
		}
		if c.User != "" {
			u.User = url.UserPassword(c.User, c.Password)
		}
		q := url.Values{}
		q.Set("sslmode", sslmode)
		q.Set("connect_timeout", strconv.Itoa(secs))
		u.RawQuery = q.Encode()
		return u.String(), nil

	default:
		return "", fmt.Errorf("unsupported driver %q", c.Driver)
	}
}

// Handle is a single logical connection to one backing relational store.
// It owns its connection pool and tracks liveness. Handles never retry;
// retry and fallback policy belongs to the caller.
type Handle struct {
	name    string
	cfg     Config
	dialect dialect
	db      *sql.DB
	logger  *slog.Logger

	alive atomic.Bool

	// mu orders closed against inflight.Add so Close never races a new operation.
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the logger used for liveness transitions.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.logger = l
		}
	}
}

// Open creates a handle for the named store and probes it once.
//
// An unreachable store is not an error here: the handle is returned with
// its liveness flag cleared so a dual-store caller can keep serving from
// the other side. Only configuration errors fail Open.
func Open(ctx context.Context, name string, cfg Config, opts ...Option) (*Handle, error) {
	cfg = cfg.withDefaults()
	dsn, err := cfg.dataSourceName()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.IdleTimeout)

	h := &Handle{
		name:    name,
		cfg:     cfg,
		dialect: dialectFor(cfg.Driver),
		db:      db,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if err := h.Probe(ctx); err != nil {
		h.logger.Warn("store unreachable at startup", "store", name, "driver", cfg.Driver, "error", err)
	} else {
		h.logger.Info("store ready", "store", name, "driver", cfg.Driver)
	}

	return h, nil
}

// Name returns the store's name ("primary", "secondary", ...).
func (h *Handle) Name() string {
	return h.name
}

// Driver returns the configured driver name.
func (h *Handle) Driver() string {
	return h.cfg.Driver
}

// Alive reports the liveness observed by the most recent probe or operation.
func (h *Handle) Alive() bool {
	return h.alive.Load()
}

// Probe pings the store within the connect timeout and updates liveness.
func (h *Handle) Probe(ctx context.Context) error {
	if err := h.enter(); err != nil {
		return err
	}
	defer h.inflight.Done()

	pctx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	defer cancel()

	if err := h.db.PingContext(pctx); err != nil {
		h.markDown(err)
		return &UnreachableError{Store: h.name, Err: err}
	}
	h.markUp()
	return nil
}

// Close refuses new operations, waits for in-flight operations and open
// transactions to finish, then closes the pool. Safe to call twice.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.inflight.Wait()
	h.alive.Store(false)
	return h.db.Close()
}

// enter registers an in-flight operation. Callers must call inflight.Done.
func (h *Handle) enter() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return &UnreachableError{Store: h.name, Err: ErrClosed}
	}
	h.inflight.Add(1)
	return nil
}

// acquire takes a dedicated connection from the pool within the connect
// timeout. Pool exhaustion and a dead store look identical to callers.
func (h *Handle) acquire(ctx context.Context) (*sql.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	defer cancel()

	conn, err := h.db.Conn(actx)
	if err != nil {
		h.markDown(err)
		return nil, &UnreachableError{Store: h.name, Err: err}
	}
	h.markUp()
	return conn, nil
}

func (h *Handle) markUp() {
	if !h.alive.Swap(true) {
		h.logger.Debug("store up", "store", h.name)
	}
}

func (h *Handle) markDown(err error) {
	if h.alive.Swap(false) {
		h.logger.Warn("store down", "store", h.name, "error", err)
	}
}
