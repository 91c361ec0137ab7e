package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (a *app) limitsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Fetch the published rate limits and show the computed pacing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			cfg.Credentials = nil

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			ex, err := a.newExchange(cfg, logger)
			if err != nil {
				return err
			}
			defer shutdown(ex, logger)

			th := ex.Throttler()
			if err := th.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh limits: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tINTERVAL\tLIMIT\tPER SECOND")
			for _, l := range th.Limits() {
				fmt.Fprintf(w, "%s\t%d %s\t%d\t%.2f\n", l.Type, l.IntervalNum, l.Interval, l.Limit, l.PerSecond())
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Printf("\nunit cost:           %s per weight unit\n", th.UnitCost())
			fmt.Printf("stream command cost: %s\n", th.StreamUnitCost())
			fmt.Printf("default retry-after: %s\n", th.DefaultRetryAfter())

			usage := ex.REST().Stats().Usage
			for _, name := range slices.Sorted(maps.Keys(usage)) {
				fmt.Printf("%-20s %d\n", name+":", usage[name])
			}
			return nil
		},
	}
}
