package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/dualstore/internal/audit"
	"github.com/roach88/dualstore/internal/clock"
	"github.com/roach88/dualstore/internal/config"
	"github.com/roach88/dualstore/internal/dual"
	"github.com/roach88/dualstore/internal/metrics"
	"github.com/roach88/dualstore/internal/orders"
	"github.com/roach88/dualstore/internal/reconcile"
	"github.com/roach88/dualstore/internal/settings"
	"github.com/roach88/dualstore/internal/store"
)

// app is everything one command invocation needs, wired from the config file.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	coord      *dual.Coordinator
	settings   *settings.Cache
	locker     *orders.Locker
	orders     *orders.Service
	reconciler *reconcile.Engine

	metricsFile string
}

// openApp loads the config, opens both stores and builds the components on
// top of them. An unreachable store does not fail here; commands decide.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log config", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = audit.UUIDv7Generator{}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sink := audit.NewSlogSink(logger)

	primary, err := store.Open(ctx, string(dual.Primary), cfg.Primary, store.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open primary store", err)
	}
	secondary, err := store.Open(ctx, string(dual.Secondary), cfg.Secondary, store.WithLogger(logger))
	if err != nil {
		primary.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open secondary store", err)
	}
	m.SetStoreUp(primary.Name(), primary.Alive())
	m.SetStoreUp(secondary.Name(), secondary.Alive())

	coord := dual.New(primary, secondary,
		dual.WithLogger(logger),
		dual.WithMetrics(m),
		dual.WithAuditSink(sink),
		dual.WithIDGenerator(ids),
		dual.WithClock(clk),
		dual.WithSecondaryGrace(cfg.Writes.Grace()),
	)

	cache := settings.New(coord, cfg.Settings.TTL,
		settings.WithClock(clk),
		settings.WithLogger(logger),
	)
	locker := orders.NewLocker(coord, cache,
		orders.WithClock(clk),
		orders.WithAuditSink(sink),
		orders.WithIDGenerator(ids),
		orders.WithLogger(logger),
	)

	engine, err := reconcile.New(primary, secondary, cfg.Reconcile.Collections,
		reconcile.WithLogger(logger),
		reconcile.WithAuditSink(sink),
		reconcile.WithMetrics(m),
		reconcile.WithIDGenerator(ids),
		reconcile.WithClock(clk),
	)
	if err != nil {
		coord.Close()
		return nil, WrapExitError(ExitCommandError, "invalid reconcile config", err)
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		registry:    reg,
		metrics:     m,
		coord:       coord,
		settings:    cache,
		locker:      locker,
		orders:      orders.NewService(coord, locker),
		reconciler:  engine,
		metricsFile: opts.MetricsFile,
	}, nil
}

// Close drains mirrored writes, closes both stores and writes the metrics
// file if one was requested.
func (a *app) Close() error {
	err := a.coord.Close()
	if a.metricsFile != "" {
		err = errors.Join(err, metrics.WriteTextfile(a.metricsFile, a.registry))
	}
	if err != nil {
		a.logger.Error("error closing stores", "error", err)
	}
	return err
}

// withApp opens the app, runs fn and closes the app on every path.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *app, f *OutputFormatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)

	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			_ = f.Error(errorCode(exitErr.Err), exitErr.Error(), nil)
		}
		return err
	}
	defer a.Close()

	f.VerboseLog("config loaded from %s", opts.ConfigPath)
	return fn(ctx, a, f)
}

// newLogger builds the process logger from the log config. --verbose
// forces debug level.
func newLogger(w io.Writer, lc config.LogConfig, verbose bool) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", lc.Level, err)
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(lc.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", lc.Format)
	}
}
