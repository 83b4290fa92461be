package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/dualstore/internal/orders"
	"github.com/roach88/dualstore/internal/settings"
)

// SweepResult is the output of the sweep command.
type SweepResult struct {
	ThresholdDays int      `json:"threshold_days"`
	Cutoff        string   `json:"cutoff"`
	Locked        []string `json:"locked"`
}

func (r SweepResult) renderText(w io.Writer) error {
	if len(r.Locked) == 0 {
		_, err := fmt.Fprintf(w, "no orders to lock (cutoff %s)\n", r.Cutoff)
		return err
	}
	_, err := fmt.Fprintf(w, "locked %s %s dated on or before %s: %s\n",
		humanize.Comma(int64(len(r.Locked))),
		plural(len(r.Locked), "order", "orders"),
		r.Cutoff,
		strings.Join(r.Locked, ", "))
	return err
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Auto-lock pending orders older than the threshold",
		Long: `Lock every pending, unlocked order whose order date is at least
auto_lock_days old. Orders a user unlocked by hand are never re-locked.

Listing or fetching orders runs the same sweep first; this command runs it
on its own.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, runSweep)
		},
	}
}

func runSweep(ctx context.Context, a *app, f *OutputFormatter) error {
	days := a.settings.GetInt(ctx, settings.KeyAutoLockDays, settings.DefaultAutoLockDays)
	if days < 0 {
		days = settings.DefaultAutoLockDays
	}

	locked, err := a.locker.Sweep(ctx)
	if err != nil {
		return f.Fail(ExitFailure, "auto-lock sweep failed", err)
	}
	if locked == nil {
		locked = []string{}
	}

	return f.Success(SweepResult{
		ThresholdDays: days,
		Cutoff:        orders.Cutoff(a.locker.Now(), days),
		Locked:        locked,
	})
}

// TransitionResult is the output of lock and unlock.
type TransitionResult struct {
	OrderID string `json:"order_id"`
	Action  string `json:"action"`
	Actor   string `json:"actor"`
}

func (r TransitionResult) renderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s: %s by %s\n", r.OrderID, r.Action, r.Actor)
	return err
}

// NewLockCommand creates the lock command.
func NewLockCommand(opts *RootOptions) *cobra.Command {
	return newTransitionCommand(opts, orders.ActionLock,
		"Lock an order by hand",
		`Lock one order regardless of its age. The transition is written to the
order's audit trail.`)
}

// NewUnlockCommand creates the unlock command.
func NewUnlockCommand(opts *RootOptions) *cobra.Command {
	return newTransitionCommand(opts, orders.ActionUnlock,
		"Unlock an order by hand",
		`Unlock one order and mark it manually unlocked, so the auto-lock sweep
never locks it again. The transition is written to the order's audit trail.`)
}

func newTransitionCommand(opts *RootOptions, action, short, long string) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:           action + " <order-id>",
		Short:         short,
		Long:          long,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				return NewExitError(ExitCommandError, "--actor is required")
			}
			return withApp(opts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				return runTransition(ctx, a, f, action, args[0], actor)
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "user performing the change (required)")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func runTransition(ctx context.Context, a *app, f *OutputFormatter, action, orderID, actor string) error {
	var err error
	switch action {
	case orders.ActionLock:
		err = a.locker.Lock(ctx, orderID, actor)
	case orders.ActionUnlock:
		err = a.locker.Unlock(ctx, orderID, actor)
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown action %q", action))
	}
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			return f.Fail(ExitFailure, "no such order", err)
		}
		return f.Fail(ExitFailure, action+" failed", err)
	}

	return f.Success(TransitionResult{OrderID: orderID, Action: action, Actor: actor})
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
