package sync

import (
	"sync"
)

// Queue is an unbounded FIFO of functions with a single consumer. Push never
// blocks, so producers may push from inside a function being run.
type Queue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

func (q *Queue) Push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Ready is signalled after a Push. A signal may cover several pushes.
func (q *Queue) Ready() <-chan struct{} {
	return q.wake
}

// Take removes and returns everything queued so far.
func (q *Queue) Take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
