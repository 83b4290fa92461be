package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/dualstore/internal/dual"
	"github.com/roach88/dualstore/internal/store"
)

// SchemaResult reports which stores had the schema applied.
type SchemaResult struct {
	Stores []StoreStatus `json:"stores"`
}

func (r SchemaResult) renderText(w io.Writer) error {
	for _, s := range r.Stores {
		if s.Up {
			fmt.Fprintf(w, "%s: schema applied\n", s.Name)
		} else {
			fmt.Fprintf(w, "%s: failed: %s\n", s.Name, s.Error)
		}
	}
	return nil
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the tables on both stores",
		Long: `Apply the table definitions to the primary and the secondary.

Safe to run repeatedly: existing tables are left alone. Exits 1 if either
store could not be bootstrapped.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, runSchema)
		},
	}
}

func runSchema(ctx context.Context, a *app, f *OutputFormatter) error {
	var (
		result SchemaResult
		failed int
	)
	for _, side := range []dual.Side{dual.Primary, dual.Secondary} {
		h := a.coord.Handle(side)
		st := StoreStatus{Name: h.Name(), Driver: h.Driver(), Up: true}
		if err := store.Bootstrap(ctx, h); err != nil {
			st.Up = false
			st.Error = err.Error()
			failed++
			a.logger.Error("schema bootstrap failed", "store", h.Name(), "error", err)
		}
		result.Stores = append(result.Stores, st)
	}

	if err := f.Success(result); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("schema bootstrap failed on %d store(s)", failed))
	}
	return nil
}
