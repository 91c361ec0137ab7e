package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"spotlink/pkg/account"
	"spotlink/pkg/exchange/binance"
	"spotlink/pkg/userdata"
)

func (a *app) accountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Follow the account balances and log every change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			if err := cfg.RequireCredentials(); err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			ex, err := a.newExchange(cfg, logger, binance.WithAccountUpdate(func(s *account.Snapshot) {
				logBalances(logger, s)
			}))
			if err != nil {
				return err
			}
			defer shutdown(ex, logger)

			ex.UserData().AddHandler(func(ev userdata.Event) {
				switch e := ev.(type) {
				case *userdata.ExecutionReport:
					logger.Info().
						Str("symbol", e.Symbol).
						Str("side", string(e.Side)).
						Str("status", string(e.Status)).
						Str("price", e.Price.String()).
						Str("filled", e.CumulativeQuantity.String()).
						Msg("order update")
				case *userdata.BalanceUpdate:
					logger.Info().
						Str("asset", e.Asset).
						Str("delta", e.Delta.String()).
						Msg("balance update")
				}
			})

			if err := ex.Start(ctx); err != nil {
				return err
			}

			if err := ex.Account().WaitReady(ctx); err != nil && ctx.Err() == nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
}

func logBalances(logger zerolog.Logger, s *account.Snapshot) {
	arr := zerolog.Arr()
	for _, asset := range s.Assets() {
		b, _ := s.Balance(asset)
		total := b.Total()
		arr.Dict(zerolog.Dict().
			Str("asset", asset).
			Str("free", b.Free.String()).
			Str("locked", b.Locked.String()).
			Str("total", total.String()))
	}
	logger.Info().
		Int64("watermark", s.UpdateTime).
		Time("updated", s.Updated()).
		Array("balances", arr).
		Msg("account")
}
