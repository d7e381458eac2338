package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// errQueueClosed is returned by push after the queue shuts down.
	errQueueClosed = errors.New("adapter queue closed")

	// errQueueStall is returned when a critical event could not be enqueued
	// within the grace period. The bus responds by dropping the adapter.
	errQueueStall = errors.New("adapter queue stalled on critical event")
)

// queue is the bounded per-adapter event buffer. Non-critical events shed
// head-first when the queue is full; critical events block the producer up
// to the grace period and report a stall if space never opens up.
//
// One producer (the bus publish path) and one consumer (the adapter's
// delivery goroutine) interact with a queue at a time.
type queue struct {
	mu      sync.Mutex
	buf     []Event
	start   int
	count   int
	dropped uint64
	closed  bool

	wake  chan struct{} // consumer wakeup, buffered 1
	space chan struct{} // producer wakeup after a pop, buffered 1
	grace time.Duration
}

func newQueue(capacity int, grace time.Duration) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{
		buf:   make([]Event, capacity),
		wake:  make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		grace: grace,
	}
}

// push enqueues an event. For non-critical events a full queue sheds its
// oldest entry. For critical events push waits up to the grace period for
// the consumer to free a slot, then returns errQueueStall.
// Returns whether an older event was shed.
func (q *queue) push(ev Event, critical bool) (bool, error) {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return false, errQueueClosed
	}

	if q.count < len(q.buf) {
		q.insertLocked(ev)
		q.mu.Unlock()
		q.signal(q.wake)
		return false, nil
	}

	if !critical {
		// Shed the oldest event to make room
		q.start = (q.start + 1) % len(q.buf)
		q.count--
		q.dropped++
		q.insertLocked(ev)
		q.mu.Unlock()
		q.signal(q.wake)
		return true, nil
	}

	// Critical event on a full queue: bounded block
	deadline := time.NewTimer(q.grace)
	defer deadline.Stop()
	for {
		q.mu.Unlock()
		select {
		case <-q.space:
		case <-deadline.C:
			return false, errQueueStall
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false, errQueueClosed
		}
		if q.count < len(q.buf) {
			q.insertLocked(ev)
			q.mu.Unlock()
			q.signal(q.wake)
			return false, nil
		}
	}
}

// insertLocked appends at the logical tail. Caller holds q.mu.
func (q *queue) insertLocked(ev Event) {
	idx := (q.start + q.count) % len(q.buf)
	q.buf[idx] = ev
	q.count++
}

// pop blocks until an event is available, the queue closes, or ctx is
// cancelled. The second return is false once no further events will arrive.
func (q *queue) pop(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			ev := q.buf[q.start]
			q.buf[q.start] = Event{} // release payload reference
			q.start = (q.start + 1) % len(q.buf)
			q.count--
			q.mu.Unlock()
			q.signal(q.space)
			return ev, true
		}
		if q.closed {
			q.mu.Unlock()
			return Event{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// close wakes any blocked producer and consumer. The consumer drains what
// remains unless its context is already cancelled.
func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signal(q.wake)
	q.signal(q.space)
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *queue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// signal performs a non-blocking send on a buffered notification channel.
func (q *queue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
