package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidOptions is wrapped by every Options validation failure.
var ErrInvalidOptions = errors.New("invalid pool options")

// Options controls pool sizing.
type Options struct {
	// StartSize is the number of objects created up front.
	StartSize int
	// MinSize is the floor the maintenance tick grows back to.
	MinSize int
	// MaxSize caps the number of pooled objects alive at once. Zero means unbounded.
	MaxSize int
	// Increment is the step used for both growth and shrinking.
	Increment int
	// AvailableLimit is the idle count above which the maintenance tick shrinks the pool.
	AvailableLimit int
	// MaintenanceInterval is the period of the grow/shrink tick.
	MaintenanceInterval time.Duration
}

// DefaultOptions returns the sizing used when nothing else is configured.
func DefaultOptions() Options {
	return Options{
		StartSize:           10,
		MinSize:             3,
		MaxSize:             0,
		Increment:           1,
		AvailableLimit:      100,
		MaintenanceInterval: time.Second,
	}
}

// Validate checks the sizing rules between the fields.
func (o Options) Validate() error {
	switch {
	case o.MinSize < 1:
		return fmt.Errorf("%w: min size %d must be at least 1", ErrInvalidOptions, o.MinSize)
	case o.StartSize < o.MinSize:
		return fmt.Errorf("%w: start size %d below min size %d", ErrInvalidOptions, o.StartSize, o.MinSize)
	case o.Increment < 1:
		return fmt.Errorf("%w: increment %d must be at least 1", ErrInvalidOptions, o.Increment)
	case o.Increment > o.MinSize:
		return fmt.Errorf("%w: increment %d exceeds min size %d", ErrInvalidOptions, o.Increment, o.MinSize)
	case o.MaxSize > 0 && o.StartSize > o.MaxSize:
		return fmt.Errorf("%w: start size %d exceeds max size %d", ErrInvalidOptions, o.StartSize, o.MaxSize)
	case o.MaxSize > 0 && o.Increment > o.MaxSize-o.MinSize:
		return fmt.Errorf("%w: increment %d exceeds max-min span %d", ErrInvalidOptions, o.Increment, o.MaxSize-o.MinSize)
	case o.AvailableLimit <= o.MinSize:
		return fmt.Errorf("%w: available limit %d must exceed min size %d", ErrInvalidOptions, o.AvailableLimit, o.MinSize)
	case o.MaintenanceInterval <= 0:
		return fmt.Errorf("%w: maintenance interval must be positive", ErrInvalidOptions)
	}
	return nil
}

// Pool is an elastic pool of reusable objects. Get never blocks: when the
// ceiling is reached it builds an object outside the pool accounting, and
// Put destroys whatever the pool has no room for.
type Pool[T any] struct {
	opts    Options
	newFn   func() T
	destroy func(T)
	logger  zerolog.Logger

	mu           sync.Mutex
	available    []T
	created      int
	closed       bool
	achievedMax  int
	achievedMin  int
	stopChan     chan struct{}
	wg           sync.WaitGroup
	overflow     atomic.Int64
	gets         atomic.Int64
	puts         atomic.Int64
	destroyed    atomic.Int64
	maintenances atomic.Int64
}

// New builds a pool, pre-allocates StartSize objects and starts the
// maintenance tick. destroy may be nil.
func New[T any](newFn func() T, destroy func(T), opts Options) (*Pool[T], error) {
	if newFn == nil {
		return nil, fmt.Errorf("%w: constructor is required", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p := &Pool[T]{
		opts:     opts,
		newFn:    newFn,
		destroy:  destroy,
		logger:   zerolog.Nop(),
		stopChan: make(chan struct{}),
	}

	p.mu.Lock()
	p.growLocked(opts.StartSize)
	p.achievedMax = len(p.available)
	p.achievedMin = len(p.available)
	p.mu.Unlock()

	p.wg.Go(p.maintain)
	return p, nil
}

// SetLogger configures the logger for the pool.
func (p *Pool[T]) SetLogger(logger zerolog.Logger) {
	p.logger = logger
}

// Get returns an idle object, growing the pool if none is idle.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)

	p.mu.Lock()
	if !p.closed && len(p.available) == 0 {
		p.growLocked(p.opts.Increment)
	}
	if n := len(p.available); n > 0 {
		obj := p.available[n-1]
		var zero T
		p.available[n-1] = zero
		p.available = p.available[:n-1]
		p.trackLocked()
		p.mu.Unlock()
		return obj
	}
	p.mu.Unlock()

	p.overflow.Add(1)
	p.logger.Debug().Int("max_size", p.opts.MaxSize).Msg("pool exhausted, constructing overflow object")
	return p.newFn()
}

// Put hands an object back to the pool.
func (p *Pool[T]) Put(obj T) {
	p.puts.Add(1)

	p.mu.Lock()
	switch {
	case p.closed:
	case len(p.available) < p.created:
		p.available = append(p.available, obj)
		p.trackLocked()
		p.mu.Unlock()
		return
	case p.opts.MaxSize == 0 || p.created < p.opts.MaxSize:
		// an overflow object is adopted while there is room under the cap
		p.available = append(p.available, obj)
		p.created++
		p.trackLocked()
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.destroyOne(obj)
}

// Close stops maintenance and destroys every idle object. Objects still
// checked out are destroyed when they come back through Put.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.available
	p.available = nil
	p.created -= len(idle)
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	for _, obj := range idle {
		p.destroyOne(obj)
	}
}

func (p *Pool[T]) maintain() {
	ticker := time.NewTicker(p.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.Maintain()
		}
	}
}

// Maintain runs one grow/shrink step. The background tick calls it; it is
// exported so callers and tests can force a step.
func (p *Pool[T]) Maintain() {
	p.maintenances.Add(1)

	var shrink []T
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	switch {
	case len(p.available) < p.opts.MinSize:
		p.growLocked(p.opts.Increment)
	case len(p.available) > p.opts.AvailableLimit:
		n := min(p.opts.Increment, len(p.available))
		cut := len(p.available) - n
		shrink = append(shrink, p.available[cut:]...)
		clear(p.available[cut:])
		p.available = p.available[:cut]
		p.created -= n
	}
	p.trackLocked()
	p.mu.Unlock()

	for _, obj := range shrink {
		p.destroyOne(obj)
	}
}

func (p *Pool[T]) growLocked(n int) {
	if p.opts.MaxSize > 0 {
		n = min(n, p.opts.MaxSize-p.created)
	}
	for range max(n, 0) {
		p.available = append(p.available, p.newFn())
		p.created++
	}
}

func (p *Pool[T]) trackLocked() {
	n := len(p.available)
	if n > p.achievedMax {
		p.achievedMax = n
	}
	if n < p.achievedMin {
		p.achievedMin = n
	}
}

func (p *Pool[T]) destroyOne(obj T) {
	p.destroyed.Add(1)
	if p.destroy != nil {
		p.destroy(obj)
	}
}

// Stats returns a point-in-time view of the pool.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Available:    len(p.available),
		Created:      p.created,
		AchievedMax:  p.achievedMax,
		AchievedMin:  p.achievedMin,
		Overflow:     p.overflow.Load(),
		Gets:         p.gets.Load(),
		Puts:         p.puts.Load(),
		Destroyed:    p.destroyed.Load(),
		Maintenances: p.maintenances.Load(),
		Closed:       p.closed,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	// Available is the number of idle objects.
	Available int
	// Created is the number of pooled objects alive, idle or checked out.
	Created int
	// AchievedMax is the highest idle count observed.
	AchievedMax int
	// AchievedMin is the lowest idle count observed.
	AchievedMin int
	// Overflow counts objects built outside the pool because the cap was reached.
	Overflow int64
	Gets     int64
	Puts     int64
	// Destroyed counts objects handed to the destroy function.
	Destroyed    int64
	Maintenances int64
	Closed       bool
}
