// Package ratelimit turns exchange-published weight limits into a
// bounded-concurrency gate.
//
// Every call takes one lane and holds it for weight * unit cost, where the
// unit cost spreads the tightest REQUEST_WEIGHT budget over all lanes. The
// hold runs on after the caller gets control back, so calls are paced by
// lane availability rather than by sleeping. A rate-limit breach reported by
// the server trips a pause during which every REST call fails fast.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"spotlink/internal/circuitbreaker"
	"spotlink/internal/lanes"
	"spotlink/pkg/core"
)

// LimitsProvider returns the currently published limits.
type LimitsProvider func(ctx context.Context) ([]core.RateLimit, error)

// ErrNoProvider is returned by Refresh when no LimitsProvider is configured.
var ErrNoProvider = errors.New("no limits provider configured")

type Config struct {
	Exchange                string        `validate:"required"`
	Lanes                   int           `validate:"min=1"`
	PriorityLanes           int           `validate:"min=0"`
	StreamLanes             int           `validate:"min=1"`
	StreamMessagesPerSecond int           `validate:"min=1"`
	RefreshInterval         time.Duration `validate:"min=0"`
	RefreshTimeout          time.Duration `validate:"min=0"`
	SlowWaitThreshold       time.Duration `validate:"min=0"`
}

// DefaultConfig returns 5 REST lanes with 1 priority lane, 5 stream lanes
// at 5 messages per second, and a 10 minute refresh.
func DefaultConfig(exchange string) Config {
	return Config{
		Exchange:                exchange,
		Lanes:                   5,
		PriorityLanes:           1,
		StreamLanes:             5,
		StreamMessagesPerSecond: 5,
		RefreshInterval:         10 * time.Minute,
		RefreshTimeout:          30 * time.Second,
		SlowWaitThreshold:       5 * time.Second,
	}
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Throttler) {
		t.logger = l
	}
}

// WithProvider sets the source used by Refresh and the background refresh.
func WithProvider(p LimitsProvider) Option {
	return func(t *Throttler) {
		t.provider = p
	}
}

// Throttler paces REST calls and outbound stream commands.
type Throttler struct {
	config     Config
	rest       *lanes.Pool
	stream     *lanes.Pool
	streamCost time.Duration
	pause      *circuitbreaker.Breaker
	provider   LimitsProvider
	refresh    singleflight.Group
	logger     zerolog.Logger
	metrics    *Metrics

	unitCost   atomic.Int64
	retryAfter atomic.Int64
	limits     atomic.Pointer[[]core.RateLimit]

	slowWarn rate.Sometimes

	startOnce sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// New builds a Throttler calibrated with InitialLimits. A priority lane
// count that is not below the lane count is clamped to Lanes-1.
func New(config Config, opts ...Option) (*Throttler, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	t := &Throttler{
		logger:   zerolog.Nop(),
		pause:    circuitbreaker.New(),
		metrics:  &Metrics{},
		slowWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	if config.PriorityLanes >= config.Lanes {
		t.logger.Warn().
			Int("priority_lanes", config.PriorityLanes).
			Int("lanes", config.Lanes).
			Msg("priority lanes must be fewer than lanes, clamping")
		config.PriorityLanes = config.Lanes - 1
	}
	t.config = config

	rest, err := lanes.New(config.Lanes, config.PriorityLanes)
	if err != nil {
		return nil, fmt.Errorf("create rest lanes: %w", err)
	}
	stream, err := lanes.New(config.StreamLanes, 0)
	if err != nil {
		rest.Close()
		return nil, fmt.Errorf("create stream lanes: %w", err)
	}
	t.rest = rest
	t.stream = stream
	t.streamCost = StreamUnitCost(config.StreamLanes, config.StreamMessagesPerSecond)

	t.ApplyLimits(InitialLimits())
	return t, nil
}

// ApplyLimits recalibrates the unit cost from limits. It never fails: with
// no usable REQUEST_WEIGHT limit it falls back to DefaultUnitsPerSecond.
func (t *Throttler) ApplyLimits(limits []core.RateLimit) {
	c := Calibrate(limits, t.config.Lanes)
	if c.Fallback {
		t.logger.Warn().
			Int("limits", len(limits)).
			Float64("units_per_second", c.UnitsPerSecond).
			Msg("no valid REQUEST_WEIGHT limit, using default weight budget")
	}

	stored := append([]core.RateLimit(nil), limits...)
	t.limits.Store(&stored)
	t.unitCost.Store(int64(c.UnitCost))
	t.retryAfter.Store(int64(c.RetryAfter))
	t.metrics.limitUpdates.Add(1)

	t.logger.Debug().
		Dur("unit_cost", c.UnitCost).
		Dur("default_retry_after", c.RetryAfter).
		Float64("units_per_second", c.UnitsPerSecond).
		Msg("rate limits applied")
}

// Throttle blocks until a lane is free, holds it for weight unit costs and
// returns. While a server-imposed pause is active it fails immediately. A
// call rejected by a pause that began while it waited frees its lane.
func (t *Throttler) Throttle(ctx context.Context, weight int, highPriority bool) error {
	if err := t.checkPause(); err != nil {
		return err
	}

	start := time.Now()
	lane, err := t.rest.Acquire(ctx, highPriority)
	if err != nil {
		return fmt.Errorf("acquire lane: %w", err)
	}
	wait := time.Since(start)

	if err := t.checkPause(); err != nil {
		lane.Release()
		return err
	}
	lane.ReleaseAfter(time.Duration(max(weight, 0)) * t.UnitCost())

	t.metrics.record(wait)
	if t.config.SlowWaitThreshold > 0 && wait > t.config.SlowWaitThreshold {
		t.metrics.slowWaits.Add(1)
		t.slowWarn.Do(func() {
			t.logger.Warn().
				Dur("wait", wait).
				Int("weight", weight).
				Bool("high_priority", highPriority).
				Msg("throttle wait exceeded threshold, requests are issued faster than the exchange allows")
		})
	}
	return nil
}

// ThrottleStream paces one outbound stream command of the given weight.
func (t *Throttler) ThrottleStream(ctx context.Context, weight int) error {
	lane, err := t.stream.Acquire(ctx, false)
	if err != nil {
		return fmt.Errorf("acquire stream lane: %w", err)
	}
	lane.ReleaseAfter(time.Duration(max(weight, 0)) * t.streamCost)
	t.metrics.streamThrottled.Add(1)
	return nil
}

func (t *Throttler) checkPause() error {
	if t.pause.Allow() {
		return nil
	}
	t.metrics.rejected.Add(1)
	return core.NewRateLimitError(t.config.Exchange, t.pause.OpenUntil())
}

// NotifyRateLimited pauses every REST call for retryAfter, or for the widest
// configured window when retryAfter is nil or not positive.
func (t *Throttler) NotifyRateLimited(retryAfter *time.Duration) time.Time {
	d := time.Duration(t.retryAfter.Load())
	if retryAfter != nil && *retryAfter > 0 {
		d = *retryAfter
	}
	until := t.pause.TripFor(d)

	t.logger.Warn().
		Dur("retry_after", d).
		Time("paused_until", until).
		Msg("rate limit breached, pausing requests")
	return until
}

// PausedUntil returns the end of the current pause, or the zero time.
func (t *Throttler) PausedUntil() time.Time {
	return t.pause.OpenUntil()
}

// UnitCost returns the current lane hold per weight unit.
func (t *Throttler) UnitCost() time.Duration {
	return time.Duration(t.unitCost.Load())
}

// StreamUnitCost returns the lane hold per stream command.
func (t *Throttler) StreamUnitCost() time.Duration {
	return t.streamCost
}

// DefaultRetryAfter returns the pause used when the server gives none.
func (t *Throttler) DefaultRetryAfter() time.Duration {
	return time.Duration(t.retryAfter.Load())
}

// Limits returns a copy of the limit set last applied.
func (t *Throttler) Limits() []core.RateLimit {
	p := t.limits.Load()
	if p == nil {
		return nil
	}
	return append([]core.RateLimit(nil), (*p)...)
}

// Refresh fetches limits from the provider and applies them. Concurrent
// calls share one fetch.
func (t *Throttler) Refresh(ctx context.Context) error {
	if t.provider == nil {
		return ErrNoProvider
	}

	_, err, _ := t.refresh.Do("limits", func() (any, error) {
		t.metrics.refreshes.Add(1)
		limits, err := t.provider(ctx)
		if err != nil {
			t.metrics.refreshFailures.Add(1)
			return nil, fmt.Errorf("fetch limits: %w", err)
		}
		t.ApplyLimits(limits)
		return nil, nil
	})
	return err
}

// Start runs the background refresh until ctx is done or Close is called.
// It is a no-op without a provider or with a zero RefreshInterval.
func (t *Throttler) Start(ctx context.Context) {
	if t.provider == nil || t.config.RefreshInterval <= 0 {
		return
	}
	t.startOnce.Do(func() {
		t.wg.Go(func() {
			t.refreshLoop(ctx)
		})
	})
}

func (t *Throttler) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rctx, cancel := context.WithTimeout(ctx, t.config.RefreshTimeout)
		if err := t.Refresh(rctx); err != nil {
			t.logger.Warn().Err(err).Msg("rate limit refresh failed, retrying next tick")
		}
		cancel()
	}
}

// Close stops the refresh loop and wakes every blocked caller.
func (t *Throttler) Close() {
	t.closeOnce.Do(func() {
		close(t.stopChan)
		t.wg.Wait()
		t.rest.Close()
		t.stream.Close()
	})
}

// Metrics returns a snapshot of throttler statistics.
func (t *Throttler) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Throttled:         t.metrics.throttled.Load(),
		Rejected:          t.metrics.rejected.Load(),
		SlowWaits:         t.metrics.slowWaits.Load(),
		TotalWait:         time.Duration(t.metrics.totalWait.Load()),
		MaxWait:           time.Duration(t.metrics.maxWait.Load()),
		StreamThrottled:   t.metrics.streamThrottled.Load(),
		Refreshes:         t.metrics.refreshes.Load(),
		RefreshFailures:   t.metrics.refreshFailures.Load(),
		LimitUpdates:      t.metrics.limitUpdates.Load(),
		UnitCost:          t.UnitCost(),
		DefaultRetryAfter: t.DefaultRetryAfter(),
		PausedUntil:       t.PausedUntil(),
		Lanes:             t.rest.Stats(),
	}
}
