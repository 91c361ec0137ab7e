package lanes

import (
	"container/heap"
	"sync"
	"time"
)

// scheduler runs deferred callbacks from one goroutine and one timer, no
// matter how many are pending.
type scheduler struct {
	mu       sync.Mutex
	tasks    taskHeap
	seq      uint64
	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

type task struct {
	at  time.Time
	seq uint64
	fn  func()
}

func newScheduler() *scheduler {
	s := &scheduler{
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
	s.wg.Go(s.run)
	return s
}

// after queues fn to run once d has elapsed.
func (s *scheduler) after(d time.Duration, fn func()) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.tasks, &task{at: s.now().Add(d), seq: s.seq, fn: fn})
	head := s.tasks[0].seq == s.seq
	s.mu.Unlock()

	if head {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, next := s.popDue()
		for _, t := range due {
			t.fn()
		}

		if next > 0 {
			timer.Reset(next)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-s.stopChan:
			return
		case <-s.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

func (s *scheduler) popDue() ([]*task, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*task
	for len(s.tasks) > 0 && !s.tasks[0].at.After(now) {
		due = append(due, heap.Pop(&s.tasks).(*task))
	}
	if len(s.tasks) == 0 {
		return due, 0
	}
	return due, s.tasks[0].at.Sub(now)
}

// stop ends the loop and runs every pending callback immediately.
func (s *scheduler) stop() {
	close(s.stopChan)
	s.wg.Wait()

	s.mu.Lock()
	pending := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	for _, t := range pending {
		t.fn()
	}
}

func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
