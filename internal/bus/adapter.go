package bus

import (
	"context"
	"sync/atomic"
)

// Adapter is the egress surface for one client connection. The bus enqueues
// matching events onto the adapter's bounded queue; a dedicated delivery
// goroutine calls Deliver in publish order. Deliver may block on the wire;
// it never blocks a publisher.
type Adapter interface {
	// ID uniquely identifies the adapter within the bus.
	ID() string

	// Filter returns the event subset this adapter wants. Called once at
	// attach time.
	Filter() Filter

	// Deliver writes one event to the wire. Returning an error counts
	// toward the eviction threshold.
	Deliver(ev Event) error

	// Close tears down the underlying connection. Called by the bus on
	// eviction and shutdown, not on caller-initiated detach.
	Close() error
}

// adapterEntry pairs an attached adapter with its queue and delivery
// goroutine lifecycle. stopped closes when the delivery goroutine exits.
type adapterEntry struct {
	adapter  Adapter
	filter   Filter
	queue    *queue
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}
	failures atomic.Int32
}

// chanAdapter backs Bus.Subscribe: an in-process adapter that forwards
// events to a channel instead of a network connection. It rides the same
// queue and delivery path as wire adapters.
type chanAdapter struct {
	id     string
	filter Filter
	ch     chan Event
	done   chan struct{}
	closed atomic.Bool
}

func newChanAdapter(id string, filter Filter, buffer int) *chanAdapter {
	if buffer <= 0 {
		buffer = 1
	}
	return &chanAdapter{
		id:     id,
		filter: filter,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

func (a *chanAdapter) ID() string     { return a.id }
func (a *chanAdapter) Filter() Filter { return a.filter }

func (a *chanAdapter) Deliver(ev Event) error {
	select {
	case a.ch <- ev:
		return nil
	case <-a.done:
		return errQueueClosed
	}
}

func (a *chanAdapter) Close() error {
	if a.closed.CompareAndSwap(false, true) {
		close(a.done)
	}
	return nil
}

// Events returns the receive side of the subscription.
func (a *chanAdapter) Events() <-chan Event { return a.ch }
