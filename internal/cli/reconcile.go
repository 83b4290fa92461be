package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/dualstore/internal/reconcile"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	Direction string
}

// ReconcileResult is the output of the reconcile command.
type ReconcileResult struct {
	*reconcile.Report
	Direction string                     `json:"direction"`
	Totals    reconcile.CollectionReport `json:"totals"`
	Clean     bool                       `json:"clean"`
}

func (r ReconcileResult) renderText(w io.Writer) error {
	if err := r.Render(w); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\ninserted %s of %s missing rows in %s\n",
		humanize.Comma(int64(r.Totals.Inserted)),
		humanize.Comma(int64(r.Totals.Missing)),
		r.Elapsed())
	return err
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Copy rows missing on one store from the other",
		Long: `Walk every configured collection and insert the rows whose key is
present on the source store but absent on the destination.

Existing rows are never updated or deleted, so running it twice is safe.
Exits 1 if any collection could not be read or any row failed to copy.

Example:
  dualstore reconcile --direction to_secondary
  dualstore reconcile --direction to_primary --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := reconcile.ParseDirection(opts.Direction)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --direction", err)
			}
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				return runReconcile(ctx, a, f, dir)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Direction, "direction", "d", reconcile.ToSecondary.String(), "to_secondary or to_primary")

	return cmd
}

func runReconcile(ctx context.Context, a *app, f *OutputFormatter, dir reconcile.Direction) error {
	report, err := a.reconciler.Reconcile(ctx, dir)
	if err != nil {
		return f.Fail(ExitFailure, "reconciliation interrupted", err)
	}

	result := ReconcileResult{
		Report:    report,
		Direction: dir.String(),
		Totals:    report.Totals(),
		Clean:     report.Clean(),
	}
	if err := f.Success(result); err != nil {
		return err
	}
	if !result.Clean {
		return NewExitError(ExitFailure, fmt.Sprintf("reconciliation incomplete: %d collection error(s), %d row(s) failed",
			report.ErrorCount(), result.Totals.Failed))
	}
	return nil
}
