// Package timer provides the shared one-shot scheduler used for
// no-answer deadlines, registration refresh and dialog expiry. Pending
// timers sit in a binary heap ordered by due time; cancellation marks
// the id in a set so an already-popped entry is discarded instead of
// fired. A single worker goroutine fires callbacks at 100 ms
// resolution. Callbacks must not block: owners enqueue a message to
// their own mailbox and return.
package timer

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Resolution is the worker tick interval. A timer fires at most this
// long after its due time.
const Resolution = 100 * time.Millisecond

// ID identifies a scheduled timer for cancellation.
type ID uint64

type entry struct {
	id    ID
	due   time.Time
	owner string
	fn    func()
	index int
}

type timerHeap []*entry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Service is the shared timer scheduler. The zero value is not usable;
// construct with New and call Stop on shutdown.
type Service struct {
	logger *slog.Logger

	mu        sync.Mutex
	heap      timerHeap
	cancelled map[ID]struct{}
	nextID    ID

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a timer service and starts its worker goroutine.
func New(logger *slog.Logger) *Service {
	s := &Service{
		logger:    logger.With("component", "timer"),
		cancelled: make(map[ID]struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	heap.Init(&s.heap)
	go s.run()
	return s
}

// Schedule registers fn to fire once at due. owner is recorded for
// logging only (typically a call id or extension number).
func (s *Service) Schedule(due time.Time, owner string, fn func()) ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	heap.Push(&s.heap, &entry{id: id, due: due, owner: owner, fn: fn})
	return id
}

// After is shorthand for Schedule(now+d, owner, fn).
func (s *Service) After(d time.Duration, owner string, fn func()) ID {
	return s.Schedule(time.Now().Add(d), owner, fn)
}

// Cancel marks the timer so it will not fire. Cancelling an unknown or
// already-fired id is a no-op.
func (s *Service) Cancel(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[id] = struct{}{}
}

// Pending returns the number of timers still in the heap, including
// cancelled entries not yet reaped. Used by tests and metrics.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Stop terminates the worker. Timers that have not fired are dropped.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Service) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(Resolution)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			for _, e := range s.collectDue(now) {
				e.fn()
			}
		}
	}
}

// collectDue pops every entry due at or before now, dropping cancelled
// ones. Callbacks run outside the lock.
func (s *Service) collectDue(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for len(s.heap) > 0 && !s.heap[0].due.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		if _, ok := s.cancelled[e.id]; ok {
			delete(s.cancelled, e.id)
			continue
		}
		due = append(due, e)
	}
	return due
}
