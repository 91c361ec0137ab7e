package account

import "sync"

// fifo is an unbounded queue with one consumer. Push never blocks.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{notify: make(chan struct{}, 1)}
}

func (q *fifo[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything queued, oldest first.
func (q *fifo[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *fifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready is signalled after a Push.
func (q *fifo[T]) Ready() <-chan struct{} {
	return q.notify
}
