package pool

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrSignalTimeout is returned by Signal.Wait when the timeout elapses first.
var ErrSignalTimeout = errors.New("signal wait timed out")

// Signal is a reusable one-shot wait handle. One goroutine waits, another
// sets it. Reset drains a Set that arrived after the waiter gave up so the
// handle can be pooled again.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns an unset Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Set wakes the waiter. Extra calls before a Reset are no-ops.
func (s *Signal) Set() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Set, the timeout or ctx cancellation. A zero timeout
// waits on ctx alone.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-s.ch:
		return nil
	case <-timer:
		return ErrSignalTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns the Signal to the unset state.
func (s *Signal) Reset() {
	select {
	case <-s.ch:
	default:
	}
}

// SignalOptions is the sizing the stream multiplexer uses for its pending
// request handles.
func SignalOptions() Options {
	return Options{
		StartSize:           20,
		MinSize:             10,
		MaxSize:             0,
		Increment:           5,
		AvailableLimit:      200,
		MaintenanceInterval: time.Second,
	}
}

// NewSignalPool builds a pool of Signals. Returned handles are reset before
// they become available again.
func NewSignalPool(opts Options) (*SignalPool, error) {
	p, err := New(NewSignal, nil, opts)
	if err != nil {
		return nil, err
	}
	return &SignalPool{pool: p}, nil
}

// SignalPool wraps Pool so every returned Signal is drained first.
type SignalPool struct {
	pool *Pool[*Signal]
}

func (p *SignalPool) SetLogger(logger zerolog.Logger) {
	p.pool.SetLogger(logger)
}

// Get checks out an unset Signal.
func (p *SignalPool) Get() *Signal {
	return p.pool.Get()
}

// Put resets s and returns it to the pool.
func (p *SignalPool) Put(s *Signal) {
	s.Reset()
	p.pool.Put(s)
}

// Close releases the pool. Signals still checked out may be Put afterwards.
func (p *SignalPool) Close() {
	p.pool.Close()
}

// Stats reports the underlying pool counters.
func (p *SignalPool) Stats() Stats {
	return p.pool.Stats()
}
