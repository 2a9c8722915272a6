package util

import (
	"sync"
	"sync/atomic"
)

// Queue is a count-bounded FIFO queue that never blocks producers. When full,
// the oldest item is evicted to make room for the new one.
//
// It backs the relay's per-connection outbox and the ordered event streams of
// sessions and transports.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	limit int
	items []T

	drops atomic.Uint64
}

// NewQueue creates a queue holding at most limit items. A limit <= 0 means
// unbounded.
func NewQueue[T any](limit int) *Queue[T] {
	q := &Queue[T]{limit: limit}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends v. It reports false only when the queue is closed; an eviction
// caused by a full queue is counted in Drops but still accepts v.
func (q *Queue[T]) Push(v T) bool {
	ok, _ := q.PushEvicting(v)
	return ok
}

// PushEvicting is Push that also reports whether the oldest item was dropped
// to make room for v.
func (q *Queue[T]) PushEvicting(v T) (ok, evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, false
	}

	if q.limit > 0 && len(q.items) >= q.limit {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.drops.Add(1)
		evicted = true
	}

	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return true, evicted
}

// Pop blocks until an item is available. After Close it keeps returning the
// remaining items and then reports false.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Close stops accepting new items and wakes all blocked consumers.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drops returns how many items were evicted because the queue was full.
func (q *Queue[T]) Drops() uint64 {
	return q.drops.Load()
}

// Pump forwards every item of q to the returned channel in order and closes
// the channel once q is closed and drained. The consumer must keep reading
// until the channel is closed.
func Pump[T any](q *Queue[T]) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			v, ok := q.Pop()
			if !ok {
				return
			}
			out <- v
		}
	}()
	return out
}
