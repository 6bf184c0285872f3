// Package ring provides a bounded single-producer single-consumer queue
// built on atomic head/tail indices. It is the communication primitive
// between the conductor and the duty-cycle agents: the producer side is
// always exactly one goroutine, so no compare-and-swap is needed on either
// end of the queue.
package ring

import (
	"sync/atomic"

	"github.com/c360/mediadriver/errors"
)

// Queue is a bounded SPSC queue over a power-of-two slot array. Head and
// tail are monotonic; the slot index is the counter masked by capacity-1.
//
// Offer may only be called from one goroutine at a time, and Poll from one
// goroutine at a time. The two sides may be different goroutines.
type Queue[T any] struct {
	_     [56]byte // keep head and tail on separate cache lines
	head  atomic.Int64
	_     [56]byte
	tail  atomic.Int64
	_     [56]byte
	mask  int64
	slots []slot[T]
}

type slot[T any] struct {
	ready atomic.Bool
	value T
}

// New creates a queue with at least the requested capacity, rounded up to
// the next power of two. Capacity must be positive.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	c := int64(1)
	for c < int64(capacity) {
		c <<= 1
	}
	return &Queue[T]{
		mask:  c - 1,
		slots: make([]slot[T], c),
	}
}

// Capacity returns the number of slots.
func (q *Queue[T]) Capacity() int {
	return len(q.slots)
}

// Size returns the number of queued items. It is exact only when observed
// from the producer or consumer goroutine.
func (q *Queue[T]) Size() int {
	return int(q.tail.Load() - q.head.Load())
}

// Offer enqueues v. It never blocks; when the queue is full it returns
// ErrCommandQueueFull and the caller decides whether to retry or drop.
func (q *Queue[T]) Offer(v T) error {
	tail := q.tail.Load()
	if tail-q.head.Load() >= int64(len(q.slots)) {
		return errors.ErrCommandQueueFull
	}

	s := &q.slots[tail&q.mask]
	s.value = v
	// The ready flag is the release point: the consumer must not observe
	// the slot before the value store above it.
	s.ready.Store(true)
	q.tail.Store(tail + 1)
	return nil
}

// Poll dequeues one item. The second return is false when the queue is
// empty.
func (q *Queue[T]) Poll() (T, bool) {
	var zero T
	head := q.head.Load()
	if head >= q.tail.Load() {
		return zero, false
	}

	s := &q.slots[head&q.mask]
	if !s.ready.Load() {
		// Producer has bumped tail but the slot publish is not yet
		// visible; treat as empty and let the consumer retry.
		return zero, false
	}
	v := s.value
	s.value = zero // release for GC
	s.ready.Store(false)
	q.head.Store(head + 1)
	return v, true
}

// Drain dequeues up to limit items, invoking fn for each, and returns the
// number consumed. A limit <= 0 drains everything currently queued.
func (q *Queue[T]) Drain(limit int, fn func(T)) int {
	if limit <= 0 {
		limit = len(q.slots)
	}
	n := 0
	for n < limit {
		v, ok := q.Poll()
		if !ok {
			break
		}
		fn(v)
		n++
	}
	return n
}
