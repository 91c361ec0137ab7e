package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"spotlink/pkg/core"
	"spotlink/pkg/exchange/binance"
)

const exchangeName = "binance"

type app struct {
	configPath string
	sandbox    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "spotlink",
		Short:        "Spot exchange client core",
		Long:         "spotlink paces REST calls against the published rate limits, multiplexes market streams and keeps a reconciled account view.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("SPOTLINK_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().BoolVar(&a.sandbox, "sandbox", false, "use the testnet endpoints")

	root.AddCommand(a.limitsCommand())
	root.AddCommand(a.depthCommand())
	root.AddCommand(a.accountCommand())
	return root
}

// load reads the config and builds the console logger at its level.
func (a *app) load() (*core.Config, zerolog.Logger, error) {
	cfg, err := core.LoadConfig(a.configPath, exchangeName)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	if a.sandbox {
		cfg.WithSandbox(true)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().
		Timestamp().
		Logger()
	return cfg, logger, nil
}

func (a *app) newExchange(cfg *core.Config, logger zerolog.Logger, opts ...binance.Option) (*binance.Exchange, error) {
	ex, err := binance.New(cfg, append([]binance.Option{binance.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create exchange: %w", err)
	}
	return ex, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// shutdown closes ex with a fresh deadline so the listen key can still be
// released after the run context is cancelled.
func shutdown(ex *binance.Exchange, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ex.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}
