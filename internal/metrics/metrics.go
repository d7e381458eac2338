// Package metrics instruments the daemon with a dedicated prometheus
// registry and answers scrapes on the pull endpoint. The collector also
// keeps a small counting rollup that the status API and the store flush
// read without touching prometheus internals.
package metrics

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zjrosen/cadre/internal/bus"
	"github.com/zjrosen/cadre/internal/log"
	"github.com/zjrosen/cadre/internal/npu"
)

const namespace = "cadre"

// Options wires optional scrape-time sources into the collector.
type Options struct {
	// Pool contributes worker totals as gauges read at scrape time.
	Pool *npu.Pool

	// Bus contributes publish, drop, and eviction counters read at scrape
	// time.
	Bus *bus.Bus
}

// Rollup is the counting view of everything the collector has seen. Maps are
// keyed by status or kind strings; a zero Rollup means nothing was recorded.
type Rollup struct {
	WorkflowsStarted  int64            `json:"workflows_started"`
	WorkflowsActive   int64            `json:"workflows_active"`
	WorkflowsByStatus map[string]int64 `json:"workflows_by_status,omitempty"`
	StepsByStatus     map[string]int64 `json:"steps_by_status,omitempty"`
	ErrorsByKind      map[string]int64 `json:"errors_by_kind,omitempty"`
	ApprovalsResolved int64            `json:"approvals_resolved"`
	ApprovalWaitMS    int64            `json:"approval_wait_ms_total"`
}

// Collector owns the registry and every instrument. It satisfies the
// engine's Recorder interface; worker-side series ride on scrape-time
// functions and a bus watch instead of engine callbacks.
type Collector struct {
	reg *prometheus.Registry

	workflowsStarted  *prometheus.CounterVec
	workflowsFinished *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	activeWorkflows   *prometheus.GaugeVec
	stepsFinished     *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	approvalWait      *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	workerEvents      *prometheus.CounterVec

	mu     sync.Mutex
	rollup Rollup
}

// New builds a collector with its own registry. Go runtime and process
// series are registered alongside the daemon's own instruments.
func New(opts Options) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		reg: reg,
		workflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Workflows admitted and announced, by classification.",
		}, []string{"classification"}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Workflows that reached a terminal state.",
		}, []string{"classification", "status"}),
		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "End to end workflow duration.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"classification", "status"}),
		activeWorkflows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_active",
			Help:      "Workflows currently between admission and terminal.",
		}, []string{"classification"}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_finished_total",
			Help:      "Step execution attempts by agent type and outcome.",
		}, []string{"agent_type", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Single step execution duration.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"agent_type", "status"}),
		approvalWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time a gated step waited for its decision.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}, []string{"decision"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors recorded by taxonomy kind.",
		}, []string{"kind"}),
		workerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_events_total",
			Help:      "Worker lifecycle events observed on the bus.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		c.workflowsStarted,
		c.workflowsFinished,
		c.workflowDuration,
		c.activeWorkflows,
		c.stepsFinished,
		c.stepDuration,
		c.approvalWait,
		c.errorsTotal,
		c.workerEvents,
	)

	if opts.Pool != nil {
		registerPoolFuncs(reg, opts.Pool)
	}
	if opts.Bus != nil {
		registerBusFuncs(reg, opts.Bus)
	}
	return c
}

// registerPoolFuncs exposes pool totals as scrape-time reads.
func registerPoolFuncs(reg *prometheus.Registry, pool *npu.Pool) {
	gauge := func(name, help string, read func(npu.Totals) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return read(pool.Status().Totals) })
	}
	reg.MustRegister(
		gauge("worker_pool_workers", "Paired workers.", func(t npu.Totals) float64 { return float64(t.Workers) }),
		gauge("worker_pool_online", "Workers currently online.", func(t npu.Totals) float64 { return float64(t.Online) }),
		gauge("worker_pool_degraded", "Workers currently degraded.", func(t npu.Totals) float64 { return float64(t.Degraded) }),
		gauge("worker_pool_offline", "Workers currently offline.", func(t npu.Totals) float64 { return float64(t.Offline) }),
		gauge("worker_pool_capacity", "Total concurrent task capacity.", func(t npu.Totals) float64 { return float64(t.Capacity) }),
		gauge("worker_pool_load", "Tasks currently leased to workers.", func(t npu.Totals) float64 { return float64(t.Load) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_completed_total",
			Help:      "Remote tasks finished successfully.",
		}, func() float64 { return float64(pool.Status().Totals.TasksCompleted) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_failed_total",
			Help:      "Remote tasks that failed.",
		}, func() float64 { return float64(pool.Status().Totals.TasksFailed) }),
	)
}

// registerBusFuncs exposes bus accounting as scrape-time reads.
func registerBusFuncs(reg *prometheus.Registry, b *bus.Bus) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Events accepted by the bus.",
		}, func() float64 { return float64(b.Stats().Published) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Events shed from full adapter queues.",
		}, func() float64 { return float64(b.Stats().Dropped) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_evicted_total",
			Help:      "Adapters evicted after repeated delivery failures.",
		}, func() float64 { return float64(b.Stats().Evicted) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_adapters",
			Help:      "Attached adapters.",
		}, func() float64 { return float64(b.Stats().Adapters) }),
	)
}

// Handler answers prometheus scrapes for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for host wiring.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// WorkflowStarted records an admitted workflow.
func (c *Collector) WorkflowStarted(classification string) {
	classification = orUnknown(classification)
	c.workflowsStarted.WithLabelValues(classification).Inc()
	c.activeWorkflows.WithLabelValues(classification).Inc()

	c.mu.Lock()
	c.rollup.WorkflowsStarted++
	c.rollup.WorkflowsActive++
	c.mu.Unlock()
}

// WorkflowFinished records a terminal transition. Called exactly once per
// announced workflow.
func (c *Collector) WorkflowFinished(classification, status string, d time.Duration) {
	classification = orUnknown(classification)
	c.workflowsFinished.WithLabelValues(classification, status).Inc()
	c.workflowDuration.WithLabelValues(classification, status).Observe(d.Seconds())
	c.activeWorkflows.WithLabelValues(classification).Dec()

	c.mu.Lock()
	if c.rollup.WorkflowsByStatus == nil {
		c.rollup.WorkflowsByStatus = make(map[string]int64)
	}
	c.rollup.WorkflowsByStatus[status]++
	c.rollup.WorkflowsActive--
	c.mu.Unlock()
}

// StepFinished records one step execution attempt.
func (c *Collector) StepFinished(agentType, status string, d time.Duration) {
	agentType = orUnknown(agentType)
	c.stepsFinished.WithLabelValues(agentType, status).Inc()
	c.stepDuration.WithLabelValues(agentType, status).Observe(d.Seconds())

	c.mu.Lock()
	if c.rollup.StepsByStatus == nil {
		c.rollup.StepsByStatus = make(map[string]int64)
	}
	c.rollup.StepsByStatus[status]++
	c.mu.Unlock()
}

// ApprovalMeasured records how long a gated step waited and how it resolved.
func (c *Collector) ApprovalMeasured(decision string, wait time.Duration) {
	c.approvalWait.WithLabelValues(orUnknown(decision)).Observe(wait.Seconds())

	c.mu.Lock()
	c.rollup.ApprovalsResolved++
	c.rollup.ApprovalWaitMS += wait.Milliseconds()
	c.mu.Unlock()
}

// ErrorRecorded counts one taxonomy error.
func (c *Collector) ErrorRecorded(kind string) {
	c.errorsTotal.WithLabelValues(orUnknown(kind)).Inc()

	c.mu.Lock()
	if c.rollup.ErrorsByKind == nil {
		c.rollup.ErrorsByKind = make(map[string]int64)
	}
	c.rollup.ErrorsByKind[kind]++
	c.mu.Unlock()
}

// Rollup returns a copy of the counting view.
func (c *Collector) Rollup() Rollup {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.rollup
	out.WorkflowsByStatus = copyCounts(c.rollup.WorkflowsByStatus)
	out.StepsByStatus = copyCounts(c.rollup.StepsByStatus)
	out.ErrorsByKind = copyCounts(c.rollup.ErrorsByKind)
	return out
}

// workerTopics is the closed set of worker lifecycle topics WatchWorkers
// counts. Wildcards do not span the four-segment topics, so the list is
// explicit.
var workerTopics = []string{
	string(bus.TopicWorkerAdded),
	string(bus.TopicWorkerRemoved),
	string(bus.TopicWorkerUpdated),
	string(bus.TopicWorkerStatus),
	string(bus.TopicWorkerMetrics),
}

// WatchWorkers counts worker lifecycle events from the bus until ctx is
// done.
func (c *Collector) WatchWorkers(ctx context.Context, b *bus.Bus) {
	events := b.Subscribe(ctx, workerTopics...)
	log.SafeGo("metrics.workers", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				event := strings.TrimPrefix(string(ev.Topic), "npu.worker.")
				c.workerEvents.WithLabelValues(event).Inc()
			}
		}
	})
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func copyCounts(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
