// Package lanes implements a fixed set of concurrency lanes, each held for a
// caller-chosen duration after it is acquired.
//
// Lanes [0, priority) only serve priority callers. Lanes [priority, n) serve
// everyone. A caller blocks in a single select over the lanes it is allowed
// to use, so a priority caller is never queued behind standard callers once
// a priority lane frees up.
package lanes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Acquire once the pool is closed.
var ErrClosed = errors.New("lane pool closed")

// Pool is a set of timed concurrency lanes.
type Pool struct {
	size     int
	priority int

	priorityFree chan int
	standardFree chan int

	releaseAt []atomic.Int64
	sched     *scheduler

	closeOnce sync.Once
	done      chan struct{}

	acquired atomic.Int64
	waiting  atomic.Int32
}

// Lane is one acquisition of a slot. It must be released exactly once;
// further releases are ignored.
type Lane struct {
	pool     *Pool
	index    int
	released atomic.Bool
}

// New creates a pool with size lanes of which priority are reserved for
// priority callers. It requires 0 <= priority < size.
func New(size, priority int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("lane count %d must be positive", size)
	}
	if priority < 0 || priority >= size {
		return nil, fmt.Errorf("priority lane count %d must be in [0, %d)", priority, size)
	}

	p := &Pool{
		size:         size,
		priority:     priority,
		priorityFree: make(chan int, max(priority, 1)),
		standardFree: make(chan int, size-priority),
		releaseAt:    make([]atomic.Int64, size),
		sched:        newScheduler(),
		done:         make(chan struct{}),
	}
	for i := range size {
		p.free(i)
	}
	return p, nil
}

// Size returns the total lane count.
func (p *Pool) Size() int {
	return p.size
}

// PrioritySize returns the number of priority-only lanes.
func (p *Pool) PrioritySize() int {
	return p.priority
}

// Acquire blocks until an eligible lane is free, ctx is done or the pool is
// closed.
func (p *Pool) Acquire(ctx context.Context, priority bool) (*Lane, error) {
	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}

	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	var idx int
	if priority && p.priority > 0 {
		select {
		case idx = <-p.priorityFree:
		case idx = <-p.standardFree:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrClosed
		}
	} else {
		select {
		case idx = <-p.standardFree:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrClosed
		}
	}

	select {
	case <-p.done:
		p.free(idx)
		return nil, ErrClosed
	default:
	}

	p.acquired.Add(1)
	return &Lane{pool: p, index: idx}, nil
}

// Index returns the slot number of the lane.
func (l *Lane) Index() int {
	return l.index
}

// ReleaseAfter frees the lane once d has elapsed and returns immediately.
func (l *Lane) ReleaseAfter(d time.Duration) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.releaseAt[l.index].Store(time.Now().Add(d).UnixNano())
	if d <= 0 {
		l.pool.free(l.index)
		return
	}
	l.pool.sched.after(d, func() { l.pool.free(l.index) })
}

// Release frees the lane now.
func (l *Lane) Release() {
	l.ReleaseAfter(0)
}

func (p *Pool) free(idx int) {
	if idx < p.priority {
		p.priorityFree <- idx
		return
	}
	p.standardFree <- idx
}

// ReleaseTime returns when lane idx was last scheduled to become free.
func (p *Pool) ReleaseTime(idx int) time.Time {
	return time.Unix(0, p.releaseAt[idx].Load())
}

// Close wakes every blocked Acquire with ErrClosed. Pending releases run
// immediately.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.sched.stop()
	})
}

// Stats returns a point-in-time view of the pool.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:            p.size,
		PrioritySize:    p.priority,
		FreePriority:    len(p.priorityFree),
		FreeStandard:    len(p.standardFree),
		PendingReleases: p.sched.pending(),
		Waiting:         int(p.waiting.Load()),
		Acquired:        p.acquired.Load(),
	}
}

// Stats is a snapshot of lane usage.
type Stats struct {
	Size            int
	PrioritySize    int
	FreePriority    int
	FreeStandard    int
	PendingReleases int
	Waiting         int
	Acquired        int64
}
