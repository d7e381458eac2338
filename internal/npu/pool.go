package npu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/cadre/internal/bus"
	"github.com/zjrosen/cadre/internal/log"
	"github.com/zjrosen/cadre/internal/tracing"
)

const (
	DefaultHeartbeatInterval  = 10 * time.Second
	DefaultMissThreshold      = 3
	DefaultRetryBudget        = 2
	DefaultMaxConcurrentTasks = 4
	DefaultPriority           = 100
	DefaultWeight             = 1
)

var (
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrNotPaired         = errors.New("worker is not paired")
	ErrNoWorkerAvailable = errors.New("no worker available")
	ErrNoCapacity        = errors.New("no capacity after retries")
)

type Config struct {
	HeartbeatInterval         time.Duration
	MissThreshold             int
	Strategy                  Strategy
	RetryBudget               int
	DefaultMaxConcurrentTasks int

	// Tracer records dispatch spans. Optional; defaults to a noop tracer.
	Tracer trace.Tracer
}

// PairRequest is the operator's submission for a new worker.
type PairRequest struct {
	URL                string
	Platform           string
	Priority           int
	Weight             int
	MaxConcurrentTasks int
}

// UpdateRequest patches a worker's balancing parameters. Nil fields are
// untouched.
type UpdateRequest struct {
	Priority           *int
	Weight             *int
	MaxConcurrentTasks *int
}

// Totals aggregates the pool for the status endpoint.
type Totals struct {
	Workers        int   `json:"workers"`
	Online         int   `json:"online"`
	Degraded       int   `json:"degraded"`
	Offline        int   `json:"offline"`
	Capacity       int   `json:"capacity"`
	Load           int   `json:"load"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
}

// PoolStatus is the copy-out answer for GET pool.status.
type PoolStatus struct {
	Workers  []Snapshot `json:"workers"`
	Strategy Strategy   `json:"strategy"`
	Totals   Totals     `json:"totals"`
}

// Pool owns the worker registry. The registry map is guarded by mu; each
// worker guards its own fields. Lock order is always pool then worker.
type Pool struct {
	b      *bus.Bus
	tr     Transport
	cfg    Config
	tracer trace.Tracer

	mu      sync.RWMutex
	workers map[string]*Worker
	byURL   map[string]string

	strategy atomic.Value // Strategy
	rr       atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPool(b *bus.Bus, tr Transport, cfg Config) *Pool {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = DefaultMissThreshold
	}
	// Zero means unset; a negative budget explicitly disables retries
	if cfg.RetryBudget == 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if cfg.DefaultMaxConcurrentTasks <= 0 {
		cfg.DefaultMaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLeastLoaded
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	p := &Pool{
		b:       b,
		tr:      tr,
		cfg:     cfg,
		tracer:  cfg.Tracer,
		workers: make(map[string]*Worker),
		byURL:   make(map[string]string),
		stop:    make(chan struct{}),
	}
	p.strategy.Store(cfg.Strategy)
	return p
}

// Start launches the heartbeat monitor. The monitor runs until ctx is
// cancelled or Close is called.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	log.SafeGo("npu.health", func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.checkHealth(time.Now())
			}
		}
	})
}

// Pair runs the core-initiated handshake and registers the worker. Pairing
// the same URL twice returns the existing worker without a new handshake.
func (p *Pool) Pair(ctx context.Context, req PairRequest) (Snapshot, error) {
	if req.URL == "" {
		return Snapshot{}, errors.New("worker url is required")
	}

	p.mu.RLock()
	if id, ok := p.byURL[req.URL]; ok {
		if w := p.workers[id]; w != nil {
			p.mu.RUnlock()
			return w.Snapshot(), nil
		}
	}
	p.mu.RUnlock()

	id := uuid.NewString()
	credential := uuid.NewString()

	ack, err := p.tr.Pair(ctx, req.URL, PairCommand{WorkerID: id, Credential: credential})
	if err != nil {
		return Snapshot{}, fmt.Errorf("pair %s: %w", req.URL, err)
	}

	platform := req.Platform
	if platform == "" {
		platform = ack.Platform
	}
	maxTasks := req.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = p.cfg.DefaultMaxConcurrentTasks
	}
	priority := req.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}
	weight := req.Weight
	if weight <= 0 {
		weight = DefaultWeight
	}

	now := time.Now()
	w := &Worker{
		id:                 id,
		url:                req.URL,
		platform:           platform,
		credential:         credential,
		priority:           priority,
		weight:             weight,
		maxConcurrentTasks: maxTasks,
		state:              StatePaired,
		status:             StatusUnknown,
		lastHeartbeat:      now,
		pairedAt:           now,
	}

	p.mu.Lock()
	if existingID, ok := p.byURL[req.URL]; ok {
		// Lost the race to a concurrent pair of the same URL
		existing := p.workers[existingID]
		p.mu.Unlock()
		_ = p.tr.Revoke(ctx, id)
		return existing.Snapshot(), nil
	}
	p.workers[id] = w
	p.byURL[req.URL] = id
	p.mu.Unlock()

	log.Info(log.CatNPU, "worker paired",
		"worker_id", id,
		"url", req.URL,
		"platform", platform)

	p.b.Publish(bus.NewEvent(bus.TopicWorkerAdded, bus.WorkerAdded{
		WorkerID: id,
		URL:      req.URL,
		Platform: platform,
	}).WithWorker(id))

	w.mu.Lock()
	p.transitionLocked(w, StatusOnline, "paired")
	snap := w.snapshotLocked()
	w.mu.Unlock()

	return snap, nil
}

// Unpair revokes the credential and removes the worker.
func (p *Pool) Unpair(ctx context.Context, id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return ErrWorkerNotFound
	}
	delete(p.workers, id)
	delete(p.byURL, w.url)
	p.mu.Unlock()

	w.mu.Lock()
	w.state = StateUnpaired
	w.mu.Unlock()

	if err := p.tr.Revoke(ctx, id); err != nil {
		log.Warn(log.CatNPU, "credential revoke failed",
			"worker_id", id,
			"error", err.Error())
	}

	log.Info(log.CatNPU, "worker unpaired", "worker_id", id)
	p.b.Publish(bus.NewEvent(bus.TopicWorkerRemoved, bus.WorkerRemoved{
		WorkerID: id,
	}).WithWorker(id))
	return nil
}

// Repair re-runs the pairing handshake with a fresh credential. Failure
// leaves the worker paired but offline so the monitor and operator can see
// it needs attention.
func (p *Pool) Repair(ctx context.Context, id string) (Snapshot, error) {
	p.mu.RLock()
	w := p.workers[id]
	p.mu.RUnlock()
	if w == nil {
		return Snapshot{}, ErrWorkerNotFound
	}

	credential := uuid.NewString()
	w.mu.Lock()
	workerURL := w.url
	w.mu.Unlock()

	ack, err := p.tr.Pair(ctx, workerURL, PairCommand{WorkerID: id, Credential: credential})

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		p.transitionLocked(w, StatusOffline, "repair failed")
		return w.snapshotLocked(), fmt.Errorf("repair %s: %w", id, err)
	}
	w.credential = credential
	w.state = StatePaired
	if ack.Platform != "" {
		w.platform = ack.Platform
	}
	w.consecutiveFailures = 0
	w.lastHeartbeat = time.Now()
	p.transitionLocked(w, StatusOnline, "repaired")
	log.Info(log.CatNPU, "worker repaired", "worker_id", id)
	return w.snapshotLocked(), nil
}

// Update patches balancing parameters at runtime.
func (p *Pool) Update(id string, req UpdateRequest) (Snapshot, error) {
	p.mu.RLock()
	w := p.workers[id]
	p.mu.RUnlock()
	if w == nil {
		return Snapshot{}, ErrWorkerNotFound
	}

	w.mu.Lock()
	if req.Priority != nil {
		w.priority = *req.Priority
	}
	if req.Weight != nil {
		w.weight = *req.Weight
	}
	if req.MaxConcurrentTasks != nil && *req.MaxConcurrentTasks > 0 {
		w.maxConcurrentTasks = *req.MaxConcurrentTasks
	}
	snap := w.snapshotLocked()
	w.mu.Unlock()

	p.b.Publish(bus.NewEvent(bus.TopicWorkerUpdated, bus.WorkerUpdated{
		WorkerID:           snap.ID,
		Priority:           snap.Priority,
		Weight:             snap.Weight,
		MaxConcurrentTasks: snap.MaxConcurrentTasks,
	}).WithWorker(snap.ID))
	return snap, nil
}

// Heartbeat records a worker push. Unknown ids and unpaired workers are
// rejected; an accepted heartbeat revives offline workers.
func (p *Pool) Heartbeat(id string, hb Heartbeat) error {
	p.mu.RLock()
	w := p.workers[id]
	p.mu.RUnlock()
	if w == nil {
		return ErrWorkerNotFound
	}

	w.mu.Lock()
	if w.state != StatePaired {
		w.mu.Unlock()
		return ErrNotPaired
	}
	w.lastHeartbeat = time.Now()
	w.reported = hb.Counters
	w.reportedLoad = hb.CurrentLoad
	w.inFlight = append([]string(nil), hb.InFlightIDs...)
	w.consecutiveFailures = 0
	p.transitionLocked(w, StatusOnline, "heartbeat")
	load := w.currentLoad
	w.mu.Unlock()

	p.b.Publish(bus.NewEvent(bus.TopicWorkerMetrics, bus.WorkerMetricsUpdated{
		WorkerID:       id,
		TasksCompleted: hb.Counters.TasksCompleted,
		TasksFailed:    hb.Counters.TasksFailed,
		MeanLatencyMS:  hb.Counters.MeanLatencyMS,
		CurrentLoad:    load,
	}).WithWorker(id))
	return nil
}

// Lease is one claimed load slot. Release exactly once, with the dispatch
// outcome; double releases are ignored.
type Lease struct {
	pool   *Pool
	worker *Worker
	once   sync.Once
}

func (l *Lease) WorkerID() string { return l.worker.id }

func (l *Lease) Release(success bool, latency time.Duration) {
	l.once.Do(func() {
		l.pool.release(l.worker, success, latency)
	})
}

// Acquire claims the best worker under the current strategy, or reports
// ErrNoWorkerAvailable. The load slot is held until Release.
func (p *Pool) Acquire() (*Lease, error) {
	return p.acquire(nil)
}

// acquire walks online workers in strategy order, then degraded ones as a
// second tier. Degraded workers remain reachable so the failure ladder can
// finish the job of taking them offline.
func (p *Pool) acquire(exclude map[string]struct{}) (*Lease, error) {
	online, degraded := p.candidates(exclude)
	if len(online)+len(degraded) == 0 {
		return nil, ErrNoWorkerAvailable
	}
	strategy := p.Strategy()
	tick := p.rr.Add(1)
	for _, tier := range [][]candidate{online, degraded} {
		if len(tier) == 0 {
			continue
		}
		for _, c := range orderCandidates(strategy, tier, tick) {
			if c.w.tryAcquire() {
				return &Lease{pool: p, worker: c.w}, nil
			}
		}
	}
	return nil, ErrNoWorkerAvailable
}

func (p *Pool) candidates(exclude map[string]struct{}) (online, degraded []candidate) {
	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	for _, w := range workers {
		if _, skip := exclude[w.id]; skip {
			continue
		}
		w.mu.Lock()
		eligible := w.state == StatePaired && w.currentLoad < w.maxConcurrentTasks
		status := w.status
		c := candidate{
			w:        w,
			id:       w.id,
			priority: w.priority,
			weight:   w.weight,
			load:     w.currentLoad,
			ratio:    float64(w.currentLoad) / float64(w.maxConcurrentTasks),
		}
		w.mu.Unlock()
		if !eligible {
			continue
		}
		switch status {
		case StatusOnline:
			online = append(online, c)
		case StatusDegraded:
			degraded = append(degraded, c)
		}
	}
	return online, degraded
}

// release returns a load slot and applies the failure ladder: one dispatch
// failure degrades the worker, a second consecutive one takes it offline.
func (p *Pool) release(w *Worker, success bool, latency time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentLoad > 0 {
		w.currentLoad--
	}
	w.totalLatency += latency
	if success {
		w.tasksCompleted++
		w.consecutiveFailures = 0
		return
	}
	w.tasksFailed++
	w.consecutiveFailures++
	if w.consecutiveFailures >= 2 {
		p.transitionLocked(w, StatusOffline, "consecutive dispatch failures")
	} else {
		p.transitionLocked(w, StatusDegraded, "dispatch failure")
	}
}

// Dispatch runs the retry ladder: acquire, send, and on transport failure
// move to the next-best worker. Task-level errors reported by a healthy
// worker are returned as results, not retried here.
func (p *Pool) Dispatch(ctx context.Context, task Task) (TaskResult, error) {
	var span trace.Span
	ctx, span = p.tracer.Start(ctx, tracing.SpanDispatch,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(tracing.AttrWorkflowID, task.WorkflowID),
			attribute.String(tracing.AttrTaskID, task.ID),
			attribute.String(tracing.AttrAgentType, task.AgentType),
		))
	defer span.End()

	res, err := p.dispatch(ctx, task, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return res, err
}

// dispatch walks the retry ladder with span events per worker selection.
func (p *Pool) dispatch(ctx context.Context, task Task, span trace.Span) (TaskResult, error) {
	tried := make(map[string]struct{})
	var lastErr error

	for attempt := 0; attempt <= p.cfg.RetryBudget; attempt++ {
		lease, err := p.acquire(tried)
		if err != nil {
			if lastErr != nil {
				return TaskResult{}, fmt.Errorf("%w: %v", ErrNoCapacity, lastErr)
			}
			return TaskResult{}, err
		}
		tried[lease.WorkerID()] = struct{}{}
		span.AddEvent(tracing.EventWorkerSelected, trace.WithAttributes(
			attribute.String(tracing.AttrWorkerID, lease.WorkerID()),
			attribute.Int("attempt", attempt+1)))

		start := time.Now()
		res, err := p.tr.Dispatch(ctx, lease.WorkerID(), task)
		latency := time.Since(start)
		if err != nil {
			lease.Release(false, latency)
			if ctx.Err() != nil {
				return TaskResult{}, ctx.Err()
			}
			lastErr = err
			log.Warn(log.CatNPU, "dispatch failed",
				"worker_id", lease.WorkerID(),
				"task_id", task.ID,
				"attempt", attempt+1,
				"error", err.Error())
			continue
		}
		lease.Release(true, latency)
		span.SetAttributes(attribute.String(tracing.AttrWorkerID, lease.WorkerID()))
		return res, nil
	}
	return TaskResult{}, fmt.Errorf("%w: %v", ErrNoCapacity, lastErr)
}

// Worker returns a snapshot of one worker.
func (p *Pool) Worker(id string) (Snapshot, error) {
	p.mu.RLock()
	w := p.workers[id]
	p.mu.RUnlock()
	if w == nil {
		return Snapshot{}, ErrWorkerNotFound
	}
	return w.Snapshot(), nil
}

// Workers returns snapshots sorted by pairing time then id.
func (p *Pool) Workers() []Snapshot {
	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	out := make([]Snapshot, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PairedAt.Equal(out[j].PairedAt) {
			return out[i].PairedAt.Before(out[j].PairedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Status aggregates the pool for the status API.
func (p *Pool) Status() PoolStatus {
	snaps := p.Workers()
	totals := Totals{Workers: len(snaps)}
	for _, s := range snaps {
		switch s.Status {
		case StatusOnline:
			totals.Online++
		case StatusDegraded:
			totals.Degraded++
		case StatusOffline:
			totals.Offline++
		}
		totals.Capacity += s.MaxConcurrentTasks
		totals.Load += s.CurrentLoad
		totals.TasksCompleted += s.Metrics.TasksCompleted
		totals.TasksFailed += s.Metrics.TasksFailed
	}
	return PoolStatus{Workers: snaps, Strategy: p.Strategy(), Totals: totals}
}

func (p *Pool) Strategy() Strategy {
	return p.strategy.Load().(Strategy)
}

func (p *Pool) SetStrategy(s Strategy) error {
	if _, err := ParseStrategy(string(s)); err != nil {
		return err
	}
	p.strategy.Store(s)
	log.Info(log.CatNPU, "load balancing strategy changed", "strategy", string(s))
	return nil
}

// Close stops the monitor and tears down worker connections.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	return p.tr.Close()
}

// checkHealth walks paired workers and applies the heartbeat ladder: one
// missed interval degrades, MissThreshold intervals without a beat is
// offline.
func (p *Pool) checkHealth(now time.Time) {
	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	offlineAfter := time.Duration(p.cfg.MissThreshold) * p.cfg.HeartbeatInterval
	for _, w := range workers {
		w.mu.Lock()
		if w.state != StatePaired {
			w.mu.Unlock()
			continue
		}
		elapsed := now.Sub(w.lastHeartbeat)
		switch {
		case elapsed >= offlineAfter:
			p.transitionLocked(w, StatusOffline, "heartbeat lost")
		case elapsed > p.cfg.HeartbeatInterval:
			p.transitionLocked(w, StatusDegraded, "heartbeat missed")
		}
		w.mu.Unlock()
	}
}

// transitionLocked applies one health transition and publishes it. Caller
// holds w.mu, which is what keeps one worker's transitions ordered on the
// bus.
func (p *Pool) transitionLocked(w *Worker, to Status, reason string) {
	if w.status == to || !w.status.CanTransitionTo(to) {
		return
	}
	from := w.status
	w.status = to
	log.Info(log.CatNPU, "worker status changed",
		"worker_id", w.id,
		"from", string(from),
		"to", string(to),
		"reason", reason)
	p.b.Publish(bus.NewEvent(bus.TopicWorkerStatus, bus.WorkerStatusChanged{
		WorkerID: w.id,
		From:     string(from),
		To:       string(to),
	}).WithWorker(w.id))
}
