package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/cadre/internal/log"
)

func init() {
	log.InitDiscard()
}

// recordingAdapter captures delivered events for assertions.
type recordingAdapter struct {
	id     string
	filter Filter

	mu     sync.Mutex
	events []Event
	closed bool

	deliverErr error
	notify     chan Event
}

func newRecordingAdapter(id string, filter Filter) *recordingAdapter {
	return &recordingAdapter{id: id, filter: filter, notify: make(chan Event, 256)}
}

func (a *recordingAdapter) ID() string     { return a.id }
func (a *recordingAdapter) Filter() Filter { return a.filter }

func (a *recordingAdapter) Deliver(ev Event) error {
	a.mu.Lock()
	err := a.deliverErr
	if err == nil {
		a.events = append(a.events, ev)
	}
	a.mu.Unlock()
	if err == nil {
		select {
		case a.notify <- ev:
		default:
		}
	}
	return err
}

func (a *recordingAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *recordingAdapter) recorded() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}

func (a *recordingAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *recordingAdapter) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if evs := a.recorded(); len(evs) >= n {
			return evs
		}
		select {
		case <-a.notify:
		case <-deadline:
			evs := a.recorded()
			require.GreaterOrEqual(t, len(evs), n, "timed out waiting for deliveries")
			return evs
		}
	}
}

func TestBus_PublishDeliversToMatchingAdapter(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	a := newRecordingAdapter("a1", Filter{Patterns: []string{"workflow.created"}})
	require.NoError(t, b.Attach(a))

	b.Publish(NewEvent(TopicWorkflowCreated, WorkflowCreated{WorkflowID: "wf-1"}).WithWorkflow("wf-1"))
	b.Publish(NewEvent(TopicWorkerAdded, WorkerAdded{WorkerID: "w-1"}).WithWorker("w-1"))

	evs := a.waitFor(t, 1)
	require.Len(t, evs, 1)
	require.Equal(t, TopicWorkflowCreated, evs[0].Topic)
	require.Equal(t, "wf-1", evs[0].WorkflowID)
	require.NotZero(t, evs[0].Sequence)
	require.False(t, evs[0].Timestamp.IsZero())
}

func TestBus_WildcardPatterns(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	a := newRecordingAdapter("a1", Filter{Patterns: []string{"workflow.step.*"}})
	require.NoError(t, b.Attach(a))

	b.Publish(NewEvent(TopicStepStarted, StepStarted{WorkflowID: "wf-1", StepID: "step_1"}))
	b.Publish(NewEvent(TopicStepCompleted, StepCompleted{WorkflowID: "wf-1", StepID: "step_1"}))
	b.Publish(NewEvent(TopicWorkflowCreated, WorkflowCreated{WorkflowID: "wf-1"}))

	evs := a.waitFor(t, 2)
	require.Equal(t, TopicStepStarted, evs[0].Topic)
	require.Equal(t, TopicStepCompleted, evs[1].Topic)
	for _, ev := range evs {
		require.NotEqual(t, TopicWorkflowCreated, ev.Topic)
	}
}

func TestBus_WorkflowScopedFilter(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	a := newRecordingAdapter("a1", Filter{WorkflowIDs: []string{"wf-2"}})
	require.NoError(t, b.Attach(a))

	b.Publish(NewEvent(TopicStepStarted, StepStarted{WorkflowID: "wf-1"}).WithWorkflow("wf-1"))
	b.Publish(NewEvent(TopicStepStarted, StepStarted{WorkflowID: "wf-2"}).WithWorkflow("wf-2"))
	b.Publish(NewEvent(TopicWorkerAdded, WorkerAdded{WorkerID: "w-1"}).WithWorker("w-1"))

	evs := a.waitFor(t, 1)
	require.Len(t, evs, 1)
	require.Equal(t, "wf-2", evs[0].WorkflowID)
}

func TestBus_SequenceStrictlyIncreasingPerAdapter(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	a := newRecordingAdapter("a1", Filter{})
	require.NoError(t, b.Attach(a))

	const producers = 4
	const perProducer = 25

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Publish(NewEvent(TopicStepStarted, StepStarted{
					WorkflowID: fmt.Sprintf("wf-%d", p),
					StepID:     fmt.Sprintf("step_%d", i),
				}))
			}
		}(p)
	}
	wg.Wait()

	evs := a.waitFor(t, producers*perProducer)
	for i := 1; i < len(evs); i++ {
		require.Greater(t, evs[i].Sequence, evs[i-1].Sequence,
			"sequence must strictly increase per adapter")
	}
}

func TestBus_Subscribe(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "workflow.*")

	b.Publish(NewEvent(TopicWorkflowCreated, WorkflowCreated{WorkflowID: "wf-1"}))
	b.Publish(NewEvent(TopicStepStarted, StepStarted{WorkflowID: "wf-1"})) // 3 segments, no match

	select {
	case ev := <-ch:
		require.Equal(t, TopicWorkflowCreated, ev.Topic)
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for subscribed event")
	}

	select {
	case ev := <-ch:
		require.Failf(t, "unexpected event", "topic %s", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SubscribeChannelClosesOnCancel(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)

	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok, "subscription channel should close after cancel")
	case <-time.After(time.Second):
		require.Fail(t, "subscription channel did not close")
	}
	require.Equal(t, 0, b.AdapterCount())
}

func TestBus_EvictsAfterDeliveryFailures(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	a := newRecordingAdapter("a1", Filter{})
	a.deliverErr = errors.New("wire broken")
	require.NoError(t, b.Attach(a))

	for i := 0; i < deliverFailureThreshold; i++ {
		b.Publish(NewEvent(TopicStepStarted, StepStarted{WorkflowID: "wf-1"}))
	}

	require.Eventually(t, func() bool {
		return b.AdapterCount() == 0 && a.isClosed()
	}, 2*time.Second, 10*time.Millisecond, "failing adapter should be evicted and closed")

	stats := b.Stats()
	require.Equal(t, uint64(1), stats.Evicted)
}

func TestBus_CriticalStallEvictsAdapter(t *testing.T) {
	b := New(Config{QueueCapacity: 1, CriticalBlockGrace: 30 * time.Millisecond})
	defer b.Close()

	a := newBlockingAdapter("slow")
	defer close(a.release)
	require.NoError(t, b.Attach(a))

	// First event occupies the delivery goroutine, second fills the queue.
	b.Publish(NewEvent(TopicStepStarted, StepStarted{WorkflowID: "wf-1"}))
	a.awaitFirstDeliver(t)
	b.Publish(NewEvent(TopicStepStarted, StepStarted{WorkflowID: "wf-1"}))

	// Critical publish against the stuck adapter must evict it after grace.
	b.Publish(NewEvent(TopicWorkflowCompleted, WorkflowCompleted{WorkflowID: "wf-1"}))

	require.Eventually(t, func() bool {
		return b.AdapterCount() == 0 && a.wasClosed()
	}, 2*time.Second, 10*time.Millisecond, "stalled adapter should be force-dropped")
}

// blockingAdapter parks Deliver until released, simulating a wedged client.
type blockingAdapter struct {
	id        string
	release   chan struct{}
	started   chan struct{}
	startOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newBlockingAdapter(id string) *blockingAdapter {
	return &blockingAdapter{
		id:      id,
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
}

func (a *blockingAdapter) ID() string     { return a.id }
func (a *blockingAdapter) Filter() Filter { return Filter{} }

func (a *blockingAdapter) Deliver(Event) error {
	a.startOnce.Do(func() { close(a.started) })
	<-a.release
	return nil
}

func (a *blockingAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *blockingAdapter) wasClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *blockingAdapter) awaitFirstDeliver(t *testing.T) {
	t.Helper()
	select {
	case <-a.started:
	case <-time.After(time.Second):
		require.Fail(t, "delivery goroutine never picked up the first event")
	}
}

func TestBus_ShedsOldestNonCritical(t *testing.T) {
	b := New(Config{QueueCapacity: 2, CriticalBlockGrace: 30 * time.Millisecond})
	defer b.Close()

	a := newBlockingAdapter("slow")
	defer close(a.release)
	require.NoError(t, b.Attach(a))

	// One event parks in the delivery goroutine, two fill the queue, two
	// more shed the oldest queued entries.
	b.Publish(NewEvent(TopicWorkerMetrics, WorkerMetricsUpdated{WorkerID: "w-1"}))
	a.awaitFirstDeliver(t)
	for i := 0; i < 4; i++ {
		b.Publish(NewEvent(TopicWorkerMetrics, WorkerMetricsUpdated{WorkerID: "w-1"}))
	}

	stats := b.Stats()
	require.Equal(t, uint64(5), stats.Published)
	require.Equal(t, uint64(2), stats.Dropped)
	require.Equal(t, 1, stats.Adapters)
}

func TestBus_AttachDuplicateID(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	require.NoError(t, b.Attach(newRecordingAdapter("a1", Filter{})))
	err := b.Attach(newRecordingAdapter("a1", Filter{}))
	require.Error(t, err)
}

func TestBus_Detach(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	a := newRecordingAdapter("a1", Filter{})
	require.NoError(t, b.Attach(a))

	require.True(t, b.Detach("a1"))
	require.False(t, b.Detach("a1"))
	require.Equal(t, 0, b.AdapterCount())

	// Detach does not force-close the connection
	require.False(t, a.isClosed())
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	b := New(Config{})

	a := newRecordingAdapter("a1", Filter{})
	require.NoError(t, b.Attach(a))

	b.Close()
	b.Close()

	require.True(t, a.isClosed())
	require.ErrorIs(t, b.Attach(newRecordingAdapter("a2", Filter{})), ErrBusClosed)

	// Publish after close is a no-op
	ev := b.Publish(NewEvent(TopicWorkflowCreated, WorkflowCreated{}))
	require.Zero(t, ev.Sequence)
}

// ============================================================================
// Property-Based Tests
// ============================================================================

// TestProperty_AdapterSequencesStrictlyIncrease verifies invariant: every
// adapter observes strictly increasing sequence numbers regardless of
// publisher interleaving and filter shape.
func TestProperty_AdapterSequencesStrictlyIncrease(t *testing.T) {
	topics := AllTopics()

	rapid.Check(t, func(t *rapid.T) {
		b := New(Config{QueueCapacity: 512})
		defer b.Close()

		numAdapters := rapid.IntRange(1, 4).Draw(t, "numAdapters")
		adapters := make([]*recordingAdapter, numAdapters)
		for i := range adapters {
			var f Filter
			if rapid.Bool().Draw(t, fmt.Sprintf("scoped-%d", i)) {
				f.Patterns = []string{"workflow.*", "workflow.*.*", "npu.worker.*"}
			}
			adapters[i] = newRecordingAdapter(fmt.Sprintf("a%d", i), f)
			require.NoError(t, b.Attach(adapters[i]))
		}

		numEvents := rapid.IntRange(1, 64).Draw(t, "numEvents")
		for i := 0; i < numEvents; i++ {
			topic := topics[rapid.IntRange(0, len(topics)-1).Draw(t, fmt.Sprintf("topic-%d", i))]
			b.Publish(NewEvent(topic, nil))
		}

		// Any delivered prefix must already be strictly increasing; a short
		// settle just widens the observed window.
		time.Sleep(5 * time.Millisecond)

		for _, a := range adapters {
			evs := a.recorded()
			for i := 1; i < len(evs); i++ {
				require.Greater(t, evs[i].Sequence, evs[i-1].Sequence)
			}
		}
	})
}
