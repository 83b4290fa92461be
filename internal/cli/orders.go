package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/dualstore/internal/orders"
)

// OrderList is the output of orders list and orders get.
type OrderList struct {
	Orders []orders.Order `json:"orders"`
	now    time.Time
}

func (l OrderList) renderText(w io.Writer) error {
	if len(l.Orders) == 0 {
		_, err := fmt.Fprintln(w, "no orders")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCUSTOMER\tSTATUS\tDATE\tLOCKED\tSINCE")
	for _, o := range l.Orders {
		state, since := "no", ""
		if o.Locked {
			state = "yes"
			if o.LockedAt != nil {
				since = humanize.RelTime(*o.LockedAt, l.now, "ago", "from now")
			}
		} else if o.ManuallyUnlocked {
			state = "unlocked"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", o.ID, o.CustomerID, o.Status, o.OrderDate, state, since)
	}
	return tw.Flush()
}

// OrderHistory is the output of orders history.
type OrderHistory struct {
	OrderID     string              `json:"order_id"`
	Transitions []orders.Transition `json:"transitions"`
	now         time.Time
}

func (h OrderHistory) renderText(w io.Writer) error {
	if len(h.Transitions) == 0 {
		_, err := fmt.Fprintf(w, "%s: no lock transitions\n", h.OrderID)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tACTION\tACTOR\tWAS LOCKED")
	for _, t := range h.Transitions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n",
			humanize.RelTime(t.CreatedAt, h.now, "ago", "from now"), t.Action, t.Actor, t.PreviousLocked)
	}
	return tw.Flush()
}

// NewOrdersCommand creates the orders command group.
func NewOrdersCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List, fetch and create orders",
		Long: `Read and write orders through the dual-store layer.

list and get run the auto-lock sweep before reading, so the lock state they
show is current.`,
	}

	cmd.AddCommand(newOrdersListCommand(opts))
	cmd.AddCommand(newOrdersGetCommand(opts))
	cmd.AddCommand(newOrdersCreateCommand(opts))
	cmd.AddCommand(newOrdersHistoryCommand(opts))

	return cmd
}

func newOrdersListCommand(opts *RootOptions) *cobra.Command {
	var (
		status, customer, locked string
		limit                    int
	)

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List orders by order date",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := orders.Filter{Status: status, CustomerID: customer, Limit: limit}
			if locked != "" {
				b, err := strconv.ParseBool(locked)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --locked", err)
				}
				filter.Locked = &b
			}
			return withApp(opts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				list, err := a.orders.List(ctx, filter)
				if err != nil {
					return f.Fail(ExitFailure, "list orders failed", err)
				}
				return f.Success(OrderList{Orders: list, now: a.locker.Now()})
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only orders with this status")
	cmd.Flags().StringVar(&customer, "customer", "", "only orders of this customer")
	cmd.Flags().StringVar(&locked, "locked", "", "only locked (true) or unlocked (false) orders")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of orders (0 = no limit)")

	return cmd
}

func newOrdersGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <order-id>",
		Short:         "Show one order",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				o, err := a.orders.Get(ctx, args[0])
				if err != nil {
					if errors.Is(err, orders.ErrOrderNotFound) {
						return f.Fail(ExitFailure, "no such order", err)
					}
					return f.Fail(ExitFailure, "get order failed", err)
				}
				return f.Success(OrderList{Orders: []orders.Order{o}, now: a.locker.Now()})
			})
		},
	}
}

func newOrdersCreateCommand(opts *RootOptions) *cobra.Command {
	var o orders.Order

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an unlocked order",
		Long: `Create an order on both stores. New orders always start unlocked.

Example:
  dualstore orders create --customer c-17 --date 2024-03-01`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				created, err := a.orders.Create(ctx, o)
				if err != nil {
					return f.Fail(ExitFailure, "create order failed", err)
				}
				return f.Success(OrderList{Orders: []orders.Order{created}, now: a.locker.Now()})
			})
		},
	}

	cmd.Flags().StringVar(&o.ID, "id", "", "order id (generated when empty)")
	cmd.Flags().StringVar(&o.CustomerID, "customer", "", "customer id (required)")
	cmd.Flags().StringVar(&o.OrderDate, "date", "", "order date, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&o.Status, "status", orders.StatusPending, "order status")
	_ = cmd.MarkFlagRequired("customer")
	_ = cmd.MarkFlagRequired("date")

	return cmd
}

func newOrdersHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "history <order-id>",
		Short:         "Show the lock audit trail of an order",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				ts, err := a.orders.History(ctx, args[0])
				if err != nil {
					return f.Fail(ExitFailure, "order history failed", err)
				}
				return f.Success(OrderHistory{OrderID: args[0], Transitions: ts, now: a.locker.Now()})
			})
		},
	}
}
