package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spotlink/internal/keyring"
	"spotlink/internal/ratelimit"
	"spotlink/internal/transport"
	"spotlink/internal/ws"
	"spotlink/pkg/account"
	"spotlink/pkg/core"
	"spotlink/pkg/stream"
	"spotlink/pkg/userdata"
)

const (
	SandboxMarketURL   = "wss://testnet.binance.vision/stream"
	SandboxUserDataURL = "wss://testnet.binance.vision/ws"
)

// Option is a functional option for configuring the Exchange.
type Option func(*Options)

// Options holds configuration options for the Exchange.
type Options struct {
	KeyRing *keyring.KeyRing
	Logger  zerolog.Logger
	Dialer  transport.Dialer
	// OnAccountUpdate receives a copy of every new account snapshot.
	OnAccountUpdate func(*account.Snapshot)
}

// WithKeyRing returns an option that sets the API key ring used for signed
// and user-stream calls. It takes precedence over config credentials.
func WithKeyRing(kr *keyring.KeyRing) Option {
	return func(o *Options) {
		o.KeyRing = kr
	}
}

// WithLogger returns an option that sets the logger for the exchange.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithDialer replaces the websocket dialer used by both streams.
func WithDialer(d transport.Dialer) Option {
	return func(o *Options) {
		o.Dialer = d
	}
}

// WithAccountUpdate registers fn with the account reconciler. It has no
// effect without credentials.
func WithAccountUpdate(fn func(*account.Snapshot)) Option {
	return func(o *Options) {
		o.OnAccountUpdate = fn
	}
}

// Exchange assembles the throttler, the REST caller, the market stream and,
// when credentials are present, the user-data stream and the account
// reconciler.
type Exchange struct {
	config    *core.Config
	logger    zerolog.Logger
	throttler *ratelimit.Throttler
	rest      *Client
	market    *stream.Multiplexer
	userData  *userdata.Stream
	account   *account.Reconciler

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds every component without connecting anything.
func New(config *core.Config, opts ...Option) (*Exchange, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	options := &Options{
		Logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.Dialer == nil {
		d := ws.NewDialer()
		d.SetLogger(options.Logger)
		options.Dialer = d
	}
	if options.KeyRing != nil {
		options.KeyRing.SetLogger(options.Logger)
	}

	e := &Exchange{
		config: config,
		logger: options.Logger.With().Str("component", "exchange").Logger(),
	}

	throttler, err := ratelimit.New(throttleConfig(config),
		ratelimit.WithLogger(options.Logger.With().Str("component", "throttler").Logger()),
		ratelimit.WithProvider(func(ctx context.Context) ([]core.RateLimit, error) {
			return e.rest.RateLimits(ctx)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create throttler: %w", err)
	}
	e.throttler = throttler

	rest, err := NewClient(config, throttler, options.KeyRing)
	if err != nil {
		throttler.Close()
		return nil, fmt.Errorf("create rest client: %w", err)
	}
	rest.SetLogger(options.Logger)
	e.rest = rest

	market, err := stream.New(options.Dialer, marketConfig(config),
		stream.WithLogger(options.Logger),
		stream.WithThrottler(throttler),
	)
	if err != nil {
		e.closeCore()
		return nil, fmt.Errorf("create market stream: %w", err)
	}
	e.market = market

	if rest.keys == nil {
		return e, nil
	}

	userData, err := userdata.New(rest, options.Dialer, userDataConfig(config))
	if err != nil {
		e.closeCore()
		return nil, fmt.Errorf("create user data stream: %w", err)
	}
	userData.SetLogger(options.Logger)
	e.userData = userData

	accountOpts := []account.Option{account.WithLogger(options.Logger)}
	if options.OnAccountUpdate != nil {
		accountOpts = append(accountOpts, account.WithOnUpdate(options.OnAccountUpdate))
	}
	reconciler, err := account.New(rest, userData, account.DefaultConfig(), accountOpts...)
	if err != nil {
		e.closeCore()
		return nil, fmt.Errorf("create account reconciler: %w", err)
	}
	e.account = reconciler

	return e, nil
}

func throttleConfig(config *core.Config) ratelimit.Config {
	c := ratelimit.DefaultConfig(config.Exchange)
	c.Lanes = config.Throttle.Lanes
	c.PriorityLanes = config.Throttle.PriorityLanes
	c.StreamLanes = config.Throttle.StreamLanes
	c.StreamMessagesPerSecond = config.Throttle.StreamMessagesPerSecond
	c.RefreshInterval = config.Throttle.RefreshInterval
	c.RefreshTimeout = config.REST.Timeout
	c.SlowWaitThreshold = config.Throttle.SlowWaitThreshold
	return c
}

func marketConfig(config *core.Config) stream.Config {
	c := stream.DefaultConfig()
	c.Exchange = config.Exchange
	c.URL = marketURL(config)
	c.RequestTimeout = config.Streams.RequestTimeout
	c.DialTimeout = config.Streams.DialTimeout
	c.PongInterval = config.Streams.PongInterval
	c.ReconnectStep = config.Streams.ReconnectStep
	c.ReconnectMax = config.Streams.ReconnectMax
	c.UnsubscribeAttempts = config.Streams.UnsubscribeAttempts
	return c
}

func userDataConfig(config *core.Config) userdata.Config {
	c := userdata.DefaultConfig()
	c.Exchange = config.Exchange
	c.BaseURL = strings.TrimSuffix(userDataURL(config), "/")
	c.DialTimeout = config.Streams.DialTimeout
	c.PongInterval = config.Streams.PongInterval
	c.ReconnectStep = config.Streams.ReconnectStep
	c.ReconnectMax = config.Streams.ReconnectMax
	c.RenewInterval = config.Streams.RenewInterval
	c.CallTimeout = config.REST.Timeout
	return c
}

// marketURL returns the combined-stream URL based on sandbox mode.
func marketURL(config *core.Config) string {
	switch {
	case config.Streams.MarketURL != "":
		return config.Streams.MarketURL
	case config.Sandbox:
		return SandboxMarketURL
	default:
		return stream.DefaultURL
	}
}

// userDataURL returns the raw-stream URL based on sandbox mode.
func userDataURL(config *core.Config) string {
	switch {
	case config.Streams.UserDataURL != "":
		return config.Streams.UserDataURL
	case config.Sandbox:
		return SandboxUserDataURL
	default:
		return userdata.DefaultURL
	}
}

// Name returns the exchange identifier.
func (e *Exchange) Name() string {
	return e.config.Exchange
}

func (e *Exchange) REST() *Client                   { return e.rest }
func (e *Exchange) Throttler() *ratelimit.Throttler { return e.throttler }
func (e *Exchange) Market() *stream.Multiplexer     { return e.market }

// UserData returns the user-data stream, or nil without credentials.
func (e *Exchange) UserData() *userdata.Stream { return e.userData }

// Account returns the reconciler, or nil without credentials.
func (e *Exchange) Account() *account.Reconciler { return e.account }

// Start applies the published limits, starts the limit refresh and opens
// the streams. ctx bounds the background refresh and the reconciler, so it
// should live as long as the Exchange. A failed limit fetch is logged and
// the conservative defaults stay in force. If a stream fails to open, the
// Exchange is closed.
func (e *Exchange) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrClientClosed
	}
	if e.started {
		return nil
	}

	if err := e.throttler.Refresh(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("initial rate limit fetch failed, using defaults")
	}
	e.throttler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.market.Open(gctx)
	})
	if e.userData != nil {
		g.Go(func() error {
			return e.userData.Open(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		_ = e.closeLocked(context.WithoutCancel(ctx))
		return fmt.Errorf("open streams: %w", err)
	}

	if e.account != nil {
		if err := e.account.Start(ctx); err != nil {
			_ = e.closeLocked(context.WithoutCancel(ctx))
			return fmt.Errorf("start account reconciler: %w", err)
		}
	}

	e.started = true
	e.logger.Info().
		Bool("user_data", e.userData != nil).
		Dur("unit_cost", e.throttler.UnitCost()).
		Msg("exchange started")
	return nil
}

// Close shuts components down in reverse order of Start. ctx bounds the
// listen-key release. A closed Exchange cannot be started again.
func (e *Exchange) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.closeLocked(ctx)
}

func (e *Exchange) closeLocked(ctx context.Context) error {
	e.closed = true

	var errs []error
	if e.account != nil {
		errs = append(errs, e.account.Close())
	}
	if e.userData != nil {
		errs = append(errs, e.userData.Close(ctx))
	}
	errs = append(errs, e.market.Close())
	errs = append(errs, e.closeCore())
	return errors.Join(errs...)
}

func (e *Exchange) closeCore() error {
	e.throttler.Close()
	return e.rest.Close()
}
