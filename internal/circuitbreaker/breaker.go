// Package circuitbreaker provides a timed breaker: once tripped it rejects
// every call until its pause elapses, then closes again on its own.
package circuitbreaker

import (
	"sync/atomic"
	"time"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

type Breaker struct {
	openUntil atomic.Int64
	now       func() time.Time
	metrics   *Metrics
}

type Metrics struct {
	totalRequests    atomic.Int64
	allowedRequests  atomic.Int64
	rejectedRequests atomic.Int64
	trips            atomic.Int32
}

func New() *Breaker {
	return &Breaker{
		now:     time.Now,
		metrics: &Metrics{},
	}
}

// Allow reports whether a call may proceed now.
func (b *Breaker) Allow() bool {
	b.metrics.totalRequests.Add(1)
	if b.now().UnixNano() < b.openUntil.Load() {
		b.metrics.rejectedRequests.Add(1)
		return false
	}
	b.metrics.allowedRequests.Add(1)
	return true
}

// TripFor opens the breaker for d from now. A trip never shortens a pause
// that is already longer.
func (b *Breaker) TripFor(d time.Duration) time.Time {
	return b.TripUntil(b.now().Add(d))
}

// TripUntil opens the breaker until t and returns the effective deadline.
func (b *Breaker) TripUntil(t time.Time) time.Time {
	until := t.UnixNano()
	for {
		cur := b.openUntil.Load()
		if cur >= until {
			return time.Unix(0, cur)
		}
		if b.openUntil.CompareAndSwap(cur, until) {
			b.metrics.trips.Add(1)
			return t
		}
	}
}

// OpenUntil returns the end of the current pause, or the zero time if closed.
func (b *Breaker) OpenUntil() time.Time {
	until := b.openUntil.Load()
	if until == 0 || b.now().UnixNano() >= until {
		return time.Time{}
	}
	return time.Unix(0, until)
}

func (b *Breaker) State() State {
	if b.now().UnixNano() < b.openUntil.Load() {
		return StateOpen
	}
	return StateClosed
}

func (b *Breaker) Reset() {
	b.openUntil.Store(0)
}

func (b *Breaker) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests:    b.metrics.totalRequests.Load(),
		AllowedRequests:  b.metrics.allowedRequests.Load(),
		RejectedRequests: b.metrics.rejectedRequests.Load(),
		Trips:            b.metrics.trips.Load(),
		CurrentState:     b.State().String(),
		OpenUntil:        b.OpenUntil(),
	}
}

type MetricsSnapshot struct {
	TotalRequests    int64
	AllowedRequests  int64
	RejectedRequests int64
	Trips            int32
	CurrentState     string
	OpenUntil        time.Time
}
