package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/cadre/internal/log"
)

const (
	// DefaultQueueCapacity bounds each adapter's event queue.
	DefaultQueueCapacity = 1024

	// DefaultCriticalBlockGrace is how long a publisher blocks on a full
	// queue for a critical event before the adapter is dropped.
	DefaultCriticalBlockGrace = 250 * time.Millisecond

	// deliverFailureThreshold is the consecutive Deliver error count after
	// which an adapter is evicted.
	deliverFailureThreshold = 3
)

// ErrBusClosed is returned by Attach after Close.
var ErrBusClosed = errors.New("event bus closed")

// Config controls bus queue sizing and backpressure.
type Config struct {
	// QueueCapacity bounds each adapter queue. Zero means DefaultQueueCapacity.
	QueueCapacity int

	// CriticalBlockGrace bounds the producer block for critical events on a
	// full queue. Zero means DefaultCriticalBlockGrace.
	CriticalBlockGrace time.Duration
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published uint64
	Dropped   uint64
	Evicted   uint64
	Adapters  int
}

// Bus is the in-process topic event bus. Publish stamps each event with the
// next process-wide sequence number and enqueues it onto every matching
// adapter queue before returning; delivery to the wire happens on
// per-adapter goroutines.
type Bus struct {
	mu       sync.Mutex
	adapters map[string]*adapterEntry
	seq      uint64
	closed   bool

	queueCapacity int
	grace         time.Duration

	published atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64

	wg sync.WaitGroup
}

// New creates a Bus with the given queue configuration.
func New(cfg Config) *Bus {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.CriticalBlockGrace <= 0 {
		cfg.CriticalBlockGrace = DefaultCriticalBlockGrace
	}
	return &Bus{
		adapters:      make(map[string]*adapterEntry),
		queueCapacity: cfg.QueueCapacity,
		grace:         cfg.CriticalBlockGrace,
	}
}

// Publish stamps the event and enqueues it for every matching adapter.
// It returns the stamped event. Publishing never waits on the wire; the
// only bounded block is a critical event against a full queue, after which
// the stalled adapter is dropped.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ev
	}

	b.seq++
	ev.Sequence = b.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.published.Add(1)

	critical := ev.Critical()
	var stalled []string
	for id, entry := range b.adapters {
		if !entry.filter.Matches(ev) {
			continue
		}
		shed, err := entry.queue.push(ev, critical)
		if shed {
			b.dropped.Add(1)
		}
		if err != nil {
			if errors.Is(err, errQueueStall) {
				stalled = append(stalled, id)
			}
			// errQueueClosed races a concurrent detach; nothing to do
		}
	}
	b.mu.Unlock()

	for _, id := range stalled {
		b.evictAdapter(id, "critical enqueue stalled")
	}
	return ev
}

// Attach registers an adapter for delivery. The adapter's filter is captured
// once; delivery starts immediately on a dedicated goroutine.
func (b *Bus) Attach(a Adapter) error {
	_, err := b.attach(a)
	return err
}

func (b *Bus) attach(a Adapter) (*adapterEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.adapters[a.ID()]; exists {
		return nil, fmt.Errorf("adapter %s already attached", a.ID())
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &adapterEntry{
		adapter: a,
		filter:  a.Filter(),
		queue:   newQueue(b.queueCapacity, b.grace),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	b.adapters[a.ID()] = entry

	b.wg.Add(1)
	log.SafeGo("bus.deliver."+a.ID(), func() {
		defer b.wg.Done()
		defer close(entry.stopped)
		b.deliverLoop(entry)
	})

	log.Debug(log.CatBus, "adapter attached", "adapter_id", a.ID())
	return entry, nil
}

// Detach removes an adapter without closing its connection. Used when the
// connection owner is tearing down on its own. Returns false if the adapter
// was not attached.
func (b *Bus) Detach(id string) bool {
	entry := b.unlink(id)
	if entry == nil {
		return false
	}
	entry.cancel()
	entry.queue.close()
	log.Debug(log.CatBus, "adapter detached", "adapter_id", id)
	return true
}

// unlink removes the entry from the registry under the bus lock.
func (b *Bus) unlink(id string) *adapterEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.adapters[id]
	if !ok {
		return nil
	}
	delete(b.adapters, id)
	return entry
}

// evictAdapter force-drops an unhealthy adapter: detach plus connection
// close.
func (b *Bus) evictAdapter(id, reason string) {
	entry := b.unlink(id)
	if entry == nil {
		return
	}
	entry.cancel()
	entry.queue.close()
	b.evicted.Add(1)
	if err := entry.adapter.Close(); err != nil {
		log.ErrorErr(log.CatBus, "adapter close failed", err, "adapter_id", id)
	}
	log.Warn(log.CatBus, "adapter evicted", "adapter_id", id, "reason", reason)
}

// deliverLoop drains one adapter queue in order. Consecutive delivery
// failures evict the adapter.
func (b *Bus) deliverLoop(entry *adapterEntry) {
	id := entry.adapter.ID()
	for {
		ev, ok := entry.queue.pop(entry.ctx)
		if !ok {
			return
		}
		if err := entry.adapter.Deliver(ev); err != nil {
			n := entry.failures.Add(1)
			log.Warn(log.CatBus, "adapter delivery failed",
				"adapter_id", id, "failures", n, "error", err)
			if n >= deliverFailureThreshold {
				b.evictAdapter(id, "delivery failure threshold")
				return
			}
			continue
		}
		entry.failures.Store(0)
	}
}

// Subscribe returns a channel of events matching the given topic patterns
// (all events when none are given). The subscription rides the same adapter
// queue machinery as wire clients and is released when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, patterns ...string) <-chan Event {
	return b.SubscribeFiltered(ctx, Filter{Patterns: patterns})
}

// SubscribeFiltered is Subscribe with a full Filter.
func (b *Bus) SubscribeFiltered(ctx context.Context, f Filter) <-chan Event {
	a := newChanAdapter("sub-"+uuid.NewString(), f, b.queueCapacity)
	entry, err := b.attach(a)
	if err != nil {
		close(a.ch)
		return a.ch
	}

	// The subscription channel closes only after the delivery goroutine has
	// stopped, so a consumer never races an in-flight send.
	log.SafeGo("bus.subscription."+a.id, func() {
		select {
		case <-ctx.Done():
			b.Detach(a.id)
			_ = a.Close()
		case <-a.done: // evicted by the bus
		}
		<-entry.stopped
		close(a.ch)
	})

	return a.Events()
}

// AdapterCount returns the number of attached adapters, subscriptions
// included.
func (b *Bus) AdapterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.adapters)
}

// Sequence returns the last assigned sequence number.
func (b *Bus) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Stats snapshots the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	adapters := len(b.adapters)
	b.mu.Unlock()

	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Evicted:   b.evicted.Load(),
		Adapters:  adapters,
	}
}

// Close shuts the bus down: all adapters are closed, delivery goroutines
// joined. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	entries := make([]*adapterEntry, 0, len(b.adapters))
	for _, entry := range b.adapters {
		entries = append(entries, entry)
	}
	b.adapters = make(map[string]*adapterEntry)
	b.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
		entry.queue.close()
		if err := entry.adapter.Close(); err != nil {
			log.ErrorErr(log.CatBus, "adapter close failed", err,
				"adapter_id", entry.adapter.ID())
		}
	}
	b.wg.Wait()
}
