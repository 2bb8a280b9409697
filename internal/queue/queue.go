// Package queue implements the persistence handoff between the capture
// producer and the storage worker.
//
// The queue is strictly FIFO and grows on demand. Push wakes exactly one
// waiting consumer. Once Stop is called, Pop keeps returning queued entries
// until the queue is empty and only then reports exhaustion, so stopping
// never discards accepted work.
//
// With MaxBytes set the queue is hardened against runaway memory: a Push
// that would exceed the byte budget blocks until the consumer frees room.
package queue

import (
	"errors"
	"sync"

	"github.com/gammazero/deque"
)

// ErrStopped is returned by Push after Stop.
var ErrStopped = errors.New("queue: stopped")

// Config tunes the queue. The zero value is an unbounded queue.
type Config[T any] struct {
	// MaxBytes caps total queued bytes; 0 disables the cap.
	MaxBytes int64
	// SizeOf reports an entry's byte weight. Required when MaxBytes > 0.
	SizeOf func(T) int
}

// Queue is a blocking FIFO safe for one or more producers and consumers.
type Queue[T any] struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond
	space    *sync.Cond

	items    deque.Deque[T]
	bytes    int64
	maxBytes int64
	sizeOf   func(T) int
	stopped  bool

	pushed      uint64
	popped      uint64
	highWater   int
	pushBlocked uint64
}

// New creates a queue. A MaxBytes without SizeOf is ignored.
func New[T any](cfg Config[T]) *Queue[T] {
	q := &Queue[T]{sizeOf: cfg.SizeOf}
	if cfg.MaxBytes > 0 && cfg.SizeOf != nil {
		q.maxBytes = cfg.MaxBytes
	}
	q.nonEmpty = sync.NewCond(&q.mu)
	q.space = sync.NewCond(&q.mu)
	return q
}

// Push appends v and wakes one waiting consumer.
//
// Under a byte cap Push blocks while v would not fit. A single entry larger
// than the whole budget is admitted once the queue is empty.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}

	var n int64
	if q.sizeOf != nil {
		n = int64(q.sizeOf(v))
	}
	if q.maxBytes > 0 {
		blocked := false
		for !q.stopped && q.items.Len() > 0 && q.bytes+n > q.maxBytes {
			if !blocked {
				q.pushBlocked++
				blocked = true
			}
			q.space.Wait()
		}
		if q.stopped {
			return ErrStopped
		}
	}

	q.items.PushBack(v)
	q.bytes += n
	q.pushed++
	if l := q.items.Len(); l > q.highWater {
		q.highWater = l
	}
	q.nonEmpty.Signal()
	return nil
}

// Pop removes the oldest entry, blocking while the queue is empty and not
// stopped. ok is false only when the queue is stopped and fully drained.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.stopped {
		q.nonEmpty.Wait()
	}
	if q.items.Len() == 0 {
		return v, false
	}

	v = q.items.PopFront()
	if q.sizeOf != nil {
		q.bytes -= int64(q.sizeOf(v))
	}
	q.popped++
	q.space.Signal()
	return v, true
}

// Stop refuses further pushes and wakes every waiter. Entries already
// queued remain poppable. Idempotent.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	q.nonEmpty.Broadcast()
	q.space.Broadcast()
}

// Len returns the number of queued entries. Diagnostic only.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Bytes returns the total weight of queued entries.
func (q *Queue[T]) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Stats is a snapshot of queue activity.
type Stats struct {
	Len         int    `json:"len"`
	Bytes       int64  `json:"bytes"`
	MaxBytes    int64  `json:"max_bytes"`
	Pushed      uint64 `json:"pushed"`
	Popped      uint64 `json:"popped"`
	HighWater   int    `json:"high_water"`
	PushBlocked uint64 `json:"push_blocked"`
	Stopped     bool   `json:"stopped"`
}

// Stats returns a consistent snapshot taken under the queue lock.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:         q.items.Len(),
		Bytes:       q.bytes,
		MaxBytes:    q.maxBytes,
		Pushed:      q.pushed,
		Popped:      q.popped,
		HighWater:   q.highWater,
		PushBlocked: q.pushBlocked,
		Stopped:     q.stopped,
	}
}
