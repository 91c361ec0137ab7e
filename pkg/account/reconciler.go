// Package account keeps a local copy of the account balances consistent
// with the exchange.
//
// A REST snapshot sets the baseline and its update time becomes the
// watermark. Balance deltas from the user-data stream are queued and
// applied by a single dispatcher in arrival order. Deltas at or before the
// watermark are dropped, so duplicates delivered across reconnects are
// harmless. Readers always get a copy.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"spotlink/pkg/core"
	"spotlink/pkg/userdata"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("reconciler already started")

// Loader fetches the authoritative account snapshot.
type Loader interface {
	AccountSnapshot(ctx context.Context) (*Snapshot, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (*Snapshot, error)

func (f LoaderFunc) AccountSnapshot(ctx context.Context) (*Snapshot, error) { return f(ctx) }

// EventSource is the user-data stream the reconciler follows.
type EventSource interface {
	AddHandler(h userdata.Handler) (remove func())
	WaitActive(ctx context.Context) error
}

type Config struct {
	RetryStep time.Duration `validate:"gt=0"`
	RetryMax  time.Duration `validate:"gtefield=RetryStep"`
	// StallWarnAfter is how long initialisation may take before warnings
	// are logged, at most once per StallWarnInterval.
	StallWarnAfter    time.Duration `validate:"gt=0"`
	StallWarnInterval time.Duration `validate:"gt=0"`
	// RefreshInterval reloads the snapshot periodically. Zero disables it.
	RefreshInterval time.Duration `validate:"min=0"`
}

func DefaultConfig() Config {
	return Config{
		RetryStep:         time.Second,
		RetryMax:          15 * time.Second,
		StallWarnAfter:    time.Minute,
		StallWarnInterval: time.Minute,
	}
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}

type Option func(*Reconciler)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// WithOnUpdate registers fn to receive a copy of every new snapshot. It
// runs on the dispatcher.
func WithOnUpdate(fn func(*Snapshot)) Option {
	return func(r *Reconciler) {
		r.onUpdate = fn
	}
}

// item is either a delta or a full snapshot.
type item struct {
	delta    *userdata.AccountPosition
	snapshot *Snapshot
}

type Reconciler struct {
	config   Config
	loader   Loader
	source   EventSource
	logger   zerolog.Logger
	onUpdate func(*Snapshot)

	current atomic.Pointer[Snapshot]
	queue   *fifo[item]

	ready     chan struct{}
	readyOnce sync.Once
	started   atomic.Bool
	stopChan  chan struct{}
	stopOnce  sync.Once
	remove    func()
	wg        sync.WaitGroup

	applied       atomic.Int64
	discarded     atomic.Int64
	loads         atomic.Int64
	loadFailures  atomic.Int64
	stallWarnings atomic.Int64
}

func New(loader Loader, source EventSource, config Config, opts ...Option) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if loader == nil || source == nil {
		return nil, errors.New("loader and event source are required")
	}

	r := &Reconciler{
		config:   config,
		loader:   loader,
		source:   source,
		logger:   zerolog.Nop(),
		queue:    newFIFO[item](),
		ready:    make(chan struct{}),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "account").Logger()
	return r, nil
}

// Start subscribes to the event source and begins initialisation in the
// background. Events that arrive before the first snapshot are held and
// applied against it.
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	r.remove = r.source.AddHandler(r.onEvent)

	ctx, cancel := context.WithCancel(ctx)
	r.wg.Go(func() {
		<-r.stopChan
		cancel()
	})
	r.wg.Go(r.dispatch)
	r.wg.Go(func() { r.run(ctx) })
	return nil
}

// Close stops the loops. Queued deltas are discarded.
func (r *Reconciler) Close() error {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		if r.remove != nil {
			r.remove()
		}
	})
	r.wg.Wait()
	return nil
}

// Snapshot returns a copy of the current snapshot, or nil before the first
// one is loaded.
func (r *Reconciler) Snapshot() *Snapshot {
	return r.current.Load().Clone()
}

// WaitReady blocks until the first snapshot is loaded.
func (r *Reconciler) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-r.stopChan:
		return core.ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) onEvent(ev userdata.Event) {
	if ap, ok := ev.(*userdata.AccountPosition); ok {
		r.queue.Push(item{delta: ap})
	}
}

// run loads the first snapshot and, when configured, keeps reloading it.
func (r *Reconciler) run(ctx context.Context) {
	if !r.initialise(ctx) || r.config.RefreshInterval <= 0 {
		return
	}

	ticker := time.NewTicker(r.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := r.load(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("refresh account snapshot failed")
			continue
		}
		r.queue.Push(item{snapshot: snap})
	}
}

func (r *Reconciler) initialise(ctx context.Context) bool {
	started := time.Now()
	stall := &rate.Sometimes{Interval: r.config.StallWarnInterval}

	for attempt := 1; ; attempt++ {
		err := r.waitActive(ctx, started, stall)
		if err == nil {
			var snap *Snapshot
			snap, err = r.load(ctx)
			if err == nil {
				r.queue.Push(item{snapshot: snap})
				r.logger.Info().
					Int("attempts", attempt).
					Int64("watermark", snap.UpdateTime).
					Msg("account snapshot loaded")
				return true
			}
		}
		if ctx.Err() != nil || errors.Is(err, core.ErrStreamClosed) {
			return false
		}

		wait := min(time.Duration(attempt)*r.config.RetryStep, r.config.RetryMax)
		r.logger.Error().Err(err).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("account initialisation failed")
		r.warnStalled(started, stall)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// waitActive blocks until the event source is Active. It wakes every
// StallWarnInterval to report a stalled initialisation.
func (r *Reconciler) waitActive(ctx context.Context, started time.Time, stall *rate.Sometimes) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, r.config.StallWarnInterval)
		err := r.source.WaitActive(waitCtx)
		cancel()

		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case !errors.Is(err, context.DeadlineExceeded):
			return err
		}
		r.warnStalled(started, stall)
	}
}

func (r *Reconciler) warnStalled(started time.Time, stall *rate.Sometimes) {
	elapsed := time.Since(started)
	if elapsed <= r.config.StallWarnAfter {
		return
	}
	stall.Do(func() {
		r.stallWarnings.Add(1)
		r.logger.Warn().Dur("elapsed", elapsed).Msg("account initialisation stalled")
	})
}

func (r *Reconciler) load(ctx context.Context) (*Snapshot, error) {
	snap, err := r.loader.AccountSnapshot(ctx)
	if err != nil {
		r.loadFailures.Add(1)
		return nil, fmt.Errorf("load account snapshot: %w", err)
	}
	if snap == nil {
		r.loadFailures.Add(1)
		return nil, errors.New("load account snapshot: empty response")
	}
	r.loads.Add(1)
	return snap.Clone(), nil
}

// dispatch is the only writer of current.
func (r *Reconciler) dispatch() {
	var held []*userdata.AccountPosition

	for {
		select {
		case <-r.stopChan:
			return
		case <-r.queue.Ready():
		}

		for _, it := range r.queue.Drain() {
			if it.snapshot != nil {
				r.applySnapshot(it.snapshot)
				for _, d := range held {
					r.applyDelta(d)
				}
				held = nil
				continue
			}
			if r.current.Load() == nil {
				held = append(held, it.delta)
				continue
			}
			r.applyDelta(it.delta)
		}
	}
}

func (r *Reconciler) applySnapshot(snap *Snapshot) {
	if cur := r.current.Load(); cur != nil && snap.UpdateTime < cur.UpdateTime {
		r.logger.Debug().
			Int64("snapshot", snap.UpdateTime).
			Int64("watermark", cur.UpdateTime).
			Msg("ignoring older snapshot")
		return
	}
	if snap.Balances == nil {
		snap.Balances = make(map[string]core.Balance)
	}

	r.current.Store(snap)
	r.readyOnce.Do(func() { close(r.ready) })
	r.notify(snap)
}

func (r *Reconciler) applyDelta(d *userdata.AccountPosition) {
	cur := r.current.Load()
	if d.LastUpdate <= cur.UpdateTime {
		r.discarded.Add(1)
		r.logger.Debug().
			Int64("update", d.LastUpdate).
			Int64("watermark", cur.UpdateTime).
			Msg("discarding stale delta")
		return
	}

	next := cur.Clone()
	for _, b := range d.Balances {
		next.Balances[b.Asset] = b.Balance()
	}
	next.UpdateTime = d.LastUpdate

	r.current.Store(next)
	r.applied.Add(1)
	r.notify(next)
}

func (r *Reconciler) notify(snap *Snapshot) {
	if r.onUpdate == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("snapshot update callback panicked")
		}
	}()
	r.onUpdate(snap.Clone())
}

// MetricsSnapshot reports reconciler counters.
type MetricsSnapshot struct {
	Applied       int64
	Discarded     int64
	Queued        int
	Loads         int64
	LoadFailures  int64
	StallWarnings int64
	Ready         bool
	Watermark     int64
}

func (r *Reconciler) Metrics() MetricsSnapshot {
	m := MetricsSnapshot{
		Applied:       r.applied.Load(),
		Discarded:     r.discarded.Load(),
		Queued:        r.queue.Len(),
		Loads:         r.loads.Load(),
		LoadFailures:  r.loadFailures.Load(),
		StallWarnings: r.stallWarnings.Load(),
	}
	if cur := r.current.Load(); cur != nil {
		m.Ready = true
		m.Watermark = cur.UpdateTime
	}
	return m
}
