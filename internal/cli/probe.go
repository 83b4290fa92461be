package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/dualstore/internal/dual"
)

// StoreStatus is the probe outcome for one store.
type StoreStatus struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
	Up     bool   `json:"up"`
	Error  string `json:"error,omitempty"`
}

// ProbeResult is the output of the probe command.
type ProbeResult struct {
	Stores []StoreStatus `json:"stores"`
}

func (r ProbeResult) renderText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range r.Stores {
		state := "up"
		if !s.Up {
			state = "down"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Driver, state, s.Error)
	}
	return tw.Flush()
}

// NewProbeCommand creates the probe command.
func NewProbeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check that both stores are reachable",
		Long: `Ping the primary and secondary stores and report which are up.

Exits 0 while at least one store is reachable, since every operation can
still be served; exits 1 when both are down.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, runProbe)
		},
	}
}

func runProbe(ctx context.Context, a *app, f *OutputFormatter) error {
	probed := a.coord.Probe(ctx)

	var result ProbeResult
	up := 0
	for _, side := range []dual.Side{dual.Primary, dual.Secondary} {
		h := a.coord.Handle(side)
		st := StoreStatus{Name: h.Name(), Driver: h.Driver(), Up: probed[side] == nil}
		if err := probed[side]; err != nil {
			st.Error = err.Error()
		} else {
			up++
		}
		result.Stores = append(result.Stores, st)
	}

	if err := f.Success(result); err != nil {
		return err
	}
	if up == 0 {
		return NewExitError(ExitFailure, string(dual.ErrCodeBothUnavailable)+": no store reachable")
	}
	return nil
}
