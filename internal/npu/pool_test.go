package npu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/cadre/internal/bus"
	"github.com/zjrosen/cadre/internal/log"
)

func init() {
	log.InitDiscard()
}

type fakeTransport struct {
	mu         sync.Mutex
	pairErr    error
	pairCalls  int
	acks       map[string]PairAck
	dispatchFn func(workerID string, task Task) (TaskResult, error)
	revoked    []string
	closed     bool
}

func (f *fakeTransport) Pair(_ context.Context, rawURL string, _ PairCommand) (PairAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairCalls++
	if f.pairErr != nil {
		return PairAck{}, f.pairErr
	}
	if ack, ok := f.acks[rawURL]; ok {
		return ack, nil
	}
	return PairAck{Platform: "metal"}, nil
}

func (f *fakeTransport) Dispatch(_ context.Context, workerID string, task Task) (TaskResult, error) {
	f.mu.Lock()
	fn := f.dispatchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(workerID, task)
	}
	return TaskResult{TaskID: task.ID, Status: "success"}, nil
}

func (f *fakeTransport) TestConnection(context.Context, string) error { return nil }

func (f *fakeTransport) Revoke(_ context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, workerID)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeTransport, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Config{})
	tr := &fakeTransport{}
	p := NewPool(b, tr, cfg)
	t.Cleanup(func() {
		_ = p.Close()
		b.Close()
	})
	return p, tr, b
}

func pairWorker(t *testing.T, p *Pool, req PairRequest) Snapshot {
	t.Helper()
	snap, err := p.Pair(context.Background(), req)
	require.NoError(t, err)
	return snap
}

func awaitWorkerEvent(t *testing.T, events <-chan bus.Event, topic bus.Topic) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Topic == topic {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", topic)
			return bus.Event{}
		}
	}
}

func TestPool_PairRegistersWorker(t *testing.T) {
	p, _, b := newTestPool(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := b.Subscribe(ctx, "npu.worker.*", "npu.worker.*.*")

	snap := pairWorker(t, p, PairRequest{URL: "10.0.0.5:9000"})
	require.NotEmpty(t, snap.ID)
	require.Equal(t, StatePaired, snap.State)
	require.Equal(t, StatusOnline, snap.Status)
	require.Equal(t, "metal", snap.Platform)
	require.Equal(t, DefaultMaxConcurrentTasks, snap.MaxConcurrentTasks)
	require.Equal(t, DefaultPriority, snap.Priority)
	require.Equal(t, DefaultWeight, snap.Weight)
	require.Zero(t, snap.CurrentLoad)

	added := awaitWorkerEvent(t, events, bus.TopicWorkerAdded)
	payload, ok := added.Payload.(bus.WorkerAdded)
	require.True(t, ok)
	require.Equal(t, snap.ID, payload.WorkerID)
	require.Equal(t, "10.0.0.5:9000", payload.URL)

	status := awaitWorkerEvent(t, events, bus.TopicWorkerStatus)
	sp, ok := status.Payload.(bus.WorkerStatusChanged)
	require.True(t, ok)
	require.Equal(t, string(StatusUnknown), sp.From)
	require.Equal(t, string(StatusOnline), sp.To)
}

func TestPool_PairIsIdempotentPerURL(t *testing.T) {
	p, tr, _ := newTestPool(t, Config{})

	first := pairWorker(t, p, PairRequest{URL: "10.0.0.5:9000"})
	second := pairWorker(t, p, PairRequest{URL: "10.0.0.5:9000"})

	require.Equal(t, first.ID, second.ID)
	require.Len(t, p.Workers(), 1)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Equal(t, 1, tr.pairCalls)
}

func TestPool_PairHandshakeFailure(t *testing.T) {
	p, tr, _ := newTestPool(t, Config{})
	tr.pairErr = errors.New("connection refused")

	_, err := p.Pair(context.Background(), PairRequest{URL: "10.0.0.9:9000"})
	require.Error(t, err)
	require.Empty(t, p.Workers())
}

func TestPool_UnpairRemovesWorker(t *testing.T) {
	p, tr, b := newTestPool(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := b.Subscribe(ctx, "npu.worker.removed")

	snap := pairWorker(t, p, PairRequest{URL: "10.0.0.5:9000"})
	require.NoError(t, p.Unpair(context.Background(), snap.ID))
	require.Empty(t, p.Workers())

	removed := awaitWorkerEvent(t, events, bus.TopicWorkerRemoved)
	payload, ok := removed.Payload.(bus.WorkerRemoved)
	require.True(t, ok)
	require.Equal(t, snap.ID, payload.WorkerID)

	tr.mu.Lock()
	require.Contains(t, tr.revoked, snap.ID)
	tr.mu.Unlock()

	require.ErrorIs(t, p.Unpair(context.Background(), snap.ID), ErrWorkerNotFound)
}

func TestPool_HeartbeatUpdatesWorker(t *testing.T) {
	p, _, b := newTestPool(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := b.Subscribe(ctx, "npu.worker.metrics.updated")

	snap := pairWorker(t, p, PairRequest{URL: "10.0.0.5:9000"})

	hb := Heartbeat{
		CurrentLoad: 2,
		InFlightIDs: []string{"task-1", "task-2"},
		Counters:    Counters{TasksCompleted: 40, TasksFailed: 3, MeanLatencyMS: 120.5},
	}
	require.NoError(t, p.Heartbeat(snap.ID, hb))

	got, err := p.Worker(snap.ID)
	require.NoError(t, err)
	require.Equal(t, hb.Counters, got.Reported)
	require.Equal(t, []string{"task-1", "task-2"}, got.InFlightIDs)
	require.WithinDuration(t, time.Now(), got.LastHeartbeat, time.Second)

	ev := awaitWorkerEvent(t, events, bus.TopicWorkerMetrics)
	payload, ok := ev.Payload.(bus.WorkerMetricsUpdated)
	require.True(t, ok)
	require.Equal(t, int64(40), payload.TasksCompleted)
}

func TestPool_HeartbeatRejections(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})

	require.ErrorIs(t, p.Heartbeat("ghost", Heartbeat{}), ErrWorkerNotFound)

	snap := pairWorker(t, p, PairRequest{URL: "10.0.0.5:9000"})
	p.mu.RLock()
	w := p.workers[snap.ID]
	p.mu.RUnlock()
	w.mu.Lock()
	w.state = StateUnpaired
	w.mu.Unlock()

	require.ErrorIs(t, p.Heartbeat(snap.ID, Heartbeat{}), ErrNotPaired)
}

func TestPool_HealthLadder(t *testing.T) {
	interval := 200 * time.Millisecond
	p, _, b := newTestPool(t, Config{HeartbeatInterval: interval, MissThreshold: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := b.Subscribe(ctx, "npu.worker.status.changed")

	snap := pairWorker(t, p, PairRequest{URL: "10.0.0.5:9000"})
	base := time.Now()

	// One missed interval degrades
	p.checkHealth(base.Add(interval + 50*time.Millisecond))
	got, err := p.Worker(snap.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, got.Status)

	// Three intervals without a beat is offline
	p.checkHealth(base.Add(3*interval + 50*time.Millisecond))
	got, err = p.Worker(snap.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOffline, got.Status)

	// An accepted heartbeat revives the worker
	require.NoError(t, p.Heartbeat(snap.ID, Heartbeat{}))
	got, err = p.Worker(snap.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOnline, got.Status)

	var transitions []string
	for i := 0; i < 4; i++ {
		ev := awaitWorkerEvent(t, events, bus.TopicWorkerStatus)
		payload, ok := ev.Payload.(bus.WorkerStatusChanged)
		require.True(t, ok)
		transitions = append(transitions, payload.From+">"+payload.To)
	}
	require.Equal(t, []string{
		"unknown>online",
		"online>degraded",
		"degraded>offline",
		"offline>online",
	}, transitions)
}

func TestPool_AcquireRespectsCapacity(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})
	snap := pairWorker(t, p, PairRequest{URL: "10.0.0.5:9000", MaxConcurrentTasks: 2})

	l1, err := p.Acquire()
	require.NoError(t, err)
	l2, err := p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrNoWorkerAvailable)

	got, err := p.Worker(snap.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.CurrentLoad)

	l1.Release(true, 10*time.Millisecond)
	l1.Release(true, 10*time.Millisecond) // double release is a no-op

	got, err = p.Worker(snap.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentLoad)

	l3, err := p.Acquire()
	require.NoError(t, err)
	l2.Release(true, time.Millisecond)
	l3.Release(false, time.Millisecond)

	got, err = p.Worker(snap.ID)
	require.NoError(t, err)
	require.Zero(t, got.CurrentLoad)
	require.Equal(t, int64(2), got.Metrics.TasksCompleted)
	require.Equal(t, int64(1), got.Metrics.TasksFailed)
}

func TestPool_AcquireSkipsOfflineWorkers(t *testing.T) {
	p, _, _ := newTestPool(t, Config{HeartbeatInterval: 20 * time.Millisecond, MissThreshold: 3})

	a := pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000"})
	b := pairWorker(t, p, PairRequest{URL: "10.0.0.2:9000"})

	// Silence worker a long enough to go offline, keep b alive
	p.mu.RLock()
	wa := p.workers[a.ID]
	p.mu.RUnlock()
	wa.mu.Lock()
	wa.lastHeartbeat = time.Now().Add(-time.Minute)
	wa.mu.Unlock()
	require.NoError(t, p.Heartbeat(b.ID, Heartbeat{}))
	p.checkHealth(time.Now())

	for i := 0; i < 5; i++ {
		lease, err := p.Acquire()
		require.NoError(t, err)
		require.Equal(t, b.ID, lease.WorkerID())
		lease.Release(true, time.Millisecond)
	}
}

func TestPool_RoundRobinCycles(t *testing.T) {
	p, _, _ := newTestPool(t, Config{Strategy: StrategyRoundRobin})

	seen := make(map[string]int)
	for i := 1; i <= 3; i++ {
		pairWorker(t, p, PairRequest{URL: fmt.Sprintf("10.0.0.%d:9000", i)})
	}

	for i := 0; i < 9; i++ {
		lease, err := p.Acquire()
		require.NoError(t, err)
		seen[lease.WorkerID()]++
		lease.Release(true, time.Millisecond)
	}

	require.Len(t, seen, 3)
	for id, count := range seen {
		require.Equal(t, 3, count, "worker %s", id)
	}
}

func TestPool_LeastLoadedPrefersIdleWorker(t *testing.T) {
	p, _, _ := newTestPool(t, Config{Strategy: StrategyLeastLoaded})

	a := pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000", MaxConcurrentTasks: 4})
	b := pairWorker(t, p, PairRequest{URL: "10.0.0.2:9000", MaxConcurrentTasks: 4})

	l1, err := p.Acquire()
	require.NoError(t, err)
	first := l1.WorkerID()

	l2, err := p.Acquire()
	require.NoError(t, err)
	second := l2.WorkerID()

	require.NotEqual(t, first, second)
	require.ElementsMatch(t, []string{a.ID, b.ID}, []string{first, second})
	l1.Release(true, time.Millisecond)
	l2.Release(true, time.Millisecond)
}

func TestPool_PriorityStrategyFallsThrough(t *testing.T) {
	p, _, _ := newTestPool(t, Config{Strategy: StrategyPriority})

	primary := pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000", Priority: 1, MaxConcurrentTasks: 1})
	backup := pairWorker(t, p, PairRequest{URL: "10.0.0.2:9000", Priority: 10, MaxConcurrentTasks: 4})

	l1, err := p.Acquire()
	require.NoError(t, err)
	require.Equal(t, primary.ID, l1.WorkerID())

	// Primary is at capacity; the ladder falls through to the backup
	l2, err := p.Acquire()
	require.NoError(t, err)
	require.Equal(t, backup.ID, l2.WorkerID())

	l1.Release(true, time.Millisecond)
	l2.Release(true, time.Millisecond)

	l3, err := p.Acquire()
	require.NoError(t, err)
	require.Equal(t, primary.ID, l3.WorkerID())
	l3.Release(true, time.Millisecond)
}

func TestPool_WeightedReachesEveryWorker(t *testing.T) {
	p, _, _ := newTestPool(t, Config{Strategy: StrategyWeighted})

	pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000", Weight: 9})
	pairWorker(t, p, PairRequest{URL: "10.0.0.2:9000", Weight: 1})

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		lease, err := p.Acquire()
		require.NoError(t, err)
		seen[lease.WorkerID()] = true
		lease.Release(true, time.Millisecond)
	}
	require.Len(t, seen, 2)
}

func TestPool_DispatchRetriesNextWorker(t *testing.T) {
	p, tr, _ := newTestPool(t, Config{Strategy: StrategyLeastLoaded})

	// Equal load; the tie-break routes to the lower priority value first
	bad := pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000", Priority: 1})
	good := pairWorker(t, p, PairRequest{URL: "10.0.0.2:9000", Priority: 2})

	tr.mu.Lock()
	tr.dispatchFn = func(workerID string, task Task) (TaskResult, error) {
		if workerID == bad.ID {
			return TaskResult{}, errors.New("connection reset")
		}
		return TaskResult{TaskID: task.ID, Status: "success"}, nil
	}
	tr.mu.Unlock()

	res, err := p.Dispatch(context.Background(), Task{ID: "task-1", Action: "scan"})
	require.NoError(t, err)
	require.Equal(t, "success", res.Status)

	badSnap, err := p.Worker(bad.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, badSnap.Status)
	require.Equal(t, int64(1), badSnap.Metrics.TasksFailed)
	require.Zero(t, badSnap.CurrentLoad)

	goodSnap, err := p.Worker(good.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), goodSnap.Metrics.TasksCompleted)
}

func TestPool_DispatchExhaustsRetryBudget(t *testing.T) {
	p, tr, _ := newTestPool(t, Config{RetryBudget: 1})

	pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000"})
	pairWorker(t, p, PairRequest{URL: "10.0.0.2:9000"})

	tr.mu.Lock()
	tr.dispatchFn = func(string, Task) (TaskResult, error) {
		return TaskResult{}, errors.New("connection reset")
	}
	tr.mu.Unlock()

	_, err := p.Dispatch(context.Background(), Task{ID: "task-1"})
	require.ErrorIs(t, err, ErrNoCapacity)
}

func TestPool_DispatchWithEmptyPool(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})
	_, err := p.Dispatch(context.Background(), Task{ID: "task-1"})
	require.ErrorIs(t, err, ErrNoWorkerAvailable)
}

func TestPool_ConsecutiveFailuresTakeWorkerOffline(t *testing.T) {
	p, tr, _ := newTestPool(t, Config{RetryBudget: -1})

	snap := pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000"})
	tr.mu.Lock()
	tr.dispatchFn = func(string, Task) (TaskResult, error) {
		return TaskResult{}, errors.New("connection reset")
	}
	tr.mu.Unlock()

	_, err := p.Dispatch(context.Background(), Task{ID: "t1"})
	require.Error(t, err)
	got, err := p.Worker(snap.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, got.Status)

	// Degraded workers are still dispatchable; the second failure finishes
	// the ladder
	_, err = p.Dispatch(context.Background(), Task{ID: "t2"})
	require.Error(t, err)
	got, err = p.Worker(snap.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOffline, got.Status)

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrNoWorkerAvailable)
}

func TestPool_UpdatePatchesBalancingParams(t *testing.T) {
	p, _, b := newTestPool(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := b.Subscribe(ctx, "npu.worker.updated")

	snap := pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000"})

	weight := 7
	maxTasks := 9
	got, err := p.Update(snap.ID, UpdateRequest{Weight: &weight, MaxConcurrentTasks: &maxTasks})
	require.NoError(t, err)
	require.Equal(t, 7, got.Weight)
	require.Equal(t, 9, got.MaxConcurrentTasks)
	require.Equal(t, snap.Priority, got.Priority)

	ev := awaitWorkerEvent(t, events, bus.TopicWorkerUpdated)
	payload, ok := ev.Payload.(bus.WorkerUpdated)
	require.True(t, ok)
	require.Equal(t, 7, payload.Weight)

	_, err = p.Update("ghost", UpdateRequest{})
	require.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestPool_RepairRefreshesWorker(t *testing.T) {
	p, tr, _ := newTestPool(t, Config{})

	snap := pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000"})

	// Knock the worker offline, then repair it
	p.mu.RLock()
	w := p.workers[snap.ID]
	p.mu.RUnlock()
	w.mu.Lock()
	p.transitionLocked(w, StatusOffline, "test")
	w.mu.Unlock()

	repaired, err := p.Repair(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOnline, repaired.Status)
	require.Equal(t, StatePaired, repaired.State)

	// A failing handshake leaves the worker paired but offline
	tr.mu.Lock()
	tr.pairErr = errors.New("connection refused")
	tr.mu.Unlock()

	broken, err := p.Repair(context.Background(), snap.ID)
	require.Error(t, err)
	require.Equal(t, StatusOffline, broken.Status)
	require.Equal(t, StatePaired, broken.State)

	_, err = p.Repair(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestPool_StatusAggregatesTotals(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})

	pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000", MaxConcurrentTasks: 2})
	pairWorker(t, p, PairRequest{URL: "10.0.0.2:9000", MaxConcurrentTasks: 3})

	lease, err := p.Acquire()
	require.NoError(t, err)

	status := p.Status()
	require.Len(t, status.Workers, 2)
	require.Equal(t, StrategyLeastLoaded, status.Strategy)
	require.Equal(t, 2, status.Totals.Workers)
	require.Equal(t, 2, status.Totals.Online)
	require.Equal(t, 5, status.Totals.Capacity)
	require.Equal(t, 1, status.Totals.Load)

	lease.Release(true, time.Millisecond)
}

func TestPool_SetStrategy(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})

	require.Equal(t, StrategyLeastLoaded, p.Strategy())
	require.NoError(t, p.SetStrategy(StrategyPriority))
	require.Equal(t, StrategyPriority, p.Strategy())
	require.Error(t, p.SetStrategy("fastest"))
	require.Equal(t, StrategyPriority, p.Strategy())
}

func TestPool_MonitorRunsInBackground(t *testing.T) {
	p, _, _ := newTestPool(t, Config{HeartbeatInterval: 15 * time.Millisecond, MissThreshold: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	snap := pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000"})

	require.Eventually(t, func() bool {
		got, err := p.Worker(snap.ID)
		return err == nil && got.Status == StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_ConcurrentAcquireReleaseBounds(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})

	snap := pairWorker(t, p, PairRequest{URL: "10.0.0.1:9000", MaxConcurrentTasks: 3})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				lease, err := p.Acquire()
				if err != nil {
					continue
				}
				got, werr := p.Worker(snap.ID)
				if werr == nil && (got.CurrentLoad < 0 || got.CurrentLoad > 3) {
					t.Errorf("load out of bounds: %d", got.CurrentLoad)
				}
				lease.Release(true, time.Microsecond)
			}
		}()
	}
	wg.Wait()

	got, err := p.Worker(snap.ID)
	require.NoError(t, err)
	require.Zero(t, got.CurrentLoad)
}

// ============================================================================
// Property-Based Tests
// ============================================================================

// Random interleavings of acquire and release must keep every worker's load
// within [0, max] and equal to its outstanding lease count.
func TestProperty_LoadStaysWithinCapacity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := bus.New(bus.Config{})
		defer b.Close()
		p := NewPool(b, &fakeTransport{}, Config{
			Strategy: StrategyLeastLoaded,
		})
		defer func() { _ = p.Close() }()

		numWorkers := rapid.IntRange(1, 4).Draw(rt, "numWorkers")
		maxByID := make(map[string]int, numWorkers)
		for i := 0; i < numWorkers; i++ {
			maxTasks := rapid.IntRange(1, 4).Draw(rt, "maxTasks")
			snap, err := p.Pair(context.Background(), PairRequest{
				URL:                fmt.Sprintf("10.0.0.%d:9000", i+1),
				MaxConcurrentTasks: maxTasks,
			})
			if err != nil {
				rt.Fatalf("pair: %v", err)
			}
			maxByID[snap.ID] = maxTasks
		}

		var leases []*Lease
		held := make(map[string]int)
		ops := rapid.IntRange(1, 60).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			if len(leases) > 0 && rapid.Bool().Draw(rt, "release") {
				idx := rapid.IntRange(0, len(leases)-1).Draw(rt, "idx")
				lease := leases[idx]
				lease.Release(rapid.Bool().Draw(rt, "success"), time.Millisecond)
				held[lease.WorkerID()]--
				leases = append(leases[:idx], leases[idx+1:]...)
			} else {
				lease, err := p.Acquire()
				if err != nil {
					continue
				}
				leases = append(leases, lease)
				held[lease.WorkerID()]++
			}

			for _, snap := range p.Workers() {
				if snap.CurrentLoad < 0 || snap.CurrentLoad > maxByID[snap.ID] {
					rt.Fatalf("worker %s load %d outside [0,%d]", snap.ID, snap.CurrentLoad, maxByID[snap.ID])
				}
				if snap.CurrentLoad != held[snap.ID] {
					rt.Fatalf("worker %s load %d, held leases %d", snap.ID, snap.CurrentLoad, held[snap.ID])
				}
			}
		}
	})
}
