package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"spotlink/pkg/stream"
)

func (a *app) depthCommand() *cobra.Command {
	var (
		levels int
		speed  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "depth SYMBOL",
		Short: "Stream the top levels of a symbol's order book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			if err := ex.Start(ctx); err != nil {
				return err
			}

			symbol := args[0]
			id, err := ex.Market().SubscribePartialDepth(ctx, symbol, levels, speed, func(d stream.PartialDepth) {
				printDepth(symbol, d)
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", stream.PartialDepthKey(symbol, levels, speed), err)
			}
			logger.Info().
				Int64("subscription", id).
				Str("key", stream.PartialDepthKey(symbol, levels, speed)).
				Msg("streaming depth, press Ctrl+C to stop")

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&levels, "levels", stream.DepthLevels5, "book levels per side: 5, 10 or 20")
	cmd.Flags().DurationVar(&speed, "speed", 0, "update speed; up to 550ms selects the 100ms stream, 0 the default 1s stream")
	return cmd
}

func printDepth(symbol string, d stream.PartialDepth) {
	fmt.Printf("%s  update %d\n", symbol, d.LastUpdateID)
	for i := len(d.Asks) - 1; i >= 0; i-- {
		fmt.Printf("    ask %16s  %16s\n", d.Asks[i].Price.String(), d.Asks[i].Quantity.String())
	}
	for _, l := range d.Bids {
		fmt.Printf("    bid %16s  %16s\n", l.Price.String(), l.Quantity.String())
	}
}
