// Package npu maintains the registry of remote compute workers: pairing
// lifecycle, heartbeat-driven health, and strategy-selectable load balancing
// for step dispatch.
package npu

import (
	"sync"
	"time"
)

// State is the pairing state. Pairing is always initiated by the core; a
// worker never self-claims an id.
type State string

const (
	StatePaired   State = "paired"
	StateUnpaired State = "unpaired"
)

// Status is the health ladder driven by heartbeats and dispatch outcomes.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

var validStatusTransitions = map[Status][]Status{
	StatusUnknown:  {StatusOnline, StatusOffline},
	StatusOnline:   {StatusDegraded, StatusOffline},
	StatusDegraded: {StatusOnline, StatusOffline},
	StatusOffline:  {StatusOnline},
}

// CanTransitionTo reports whether the health ladder permits moving to target.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validStatusTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Counters are the rolling totals a worker reports in its heartbeats.
type Counters struct {
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	MeanLatencyMS  float64 `json:"mean_latency_ms"`
}

// Heartbeat is the payload a paired worker pushes at a fixed interval.
type Heartbeat struct {
	CurrentLoad int      `json:"current_load"`
	InFlightIDs []string `json:"in_flight_ids,omitempty"`
	Counters    Counters `json:"counters"`
}

// MetricsSnapshot is the core-observed view of one worker's dispatch history.
type MetricsSnapshot struct {
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	MeanLatencyMS  float64 `json:"mean_latency_ms"`
}

// Snapshot is a copy-out view of one worker, safe to hold across I/O.
type Snapshot struct {
	ID                 string          `json:"id"`
	URL                string          `json:"url"`
	Platform           string          `json:"platform,omitempty"`
	Priority           int             `json:"priority"`
	Weight             int             `json:"weight"`
	MaxConcurrentTasks int             `json:"max_concurrent_tasks"`
	State              State           `json:"state"`
	Status             Status          `json:"status"`
	CurrentLoad        int             `json:"current_load"`
	LastHeartbeat      time.Time       `json:"last_heartbeat"`
	PairedAt           time.Time       `json:"paired_at"`
	UptimeSeconds      int64           `json:"uptime_seconds"`
	Metrics            MetricsSnapshot `json:"metrics"`
	Reported           Counters        `json:"reported_counters"`
	InFlightIDs        []string        `json:"in_flight_ids,omitempty"`
}

// Worker is the registry entry for one remote compute node. All mutable
// fields are guarded by mu; status publishes happen inside the critical
// section so one worker's transitions reach the bus in order.
type Worker struct {
	mu sync.Mutex

	id         string
	url        string
	platform   string
	credential string

	priority           int
	weight             int
	maxConcurrentTasks int

	state  State
	status Status

	currentLoad   int
	lastHeartbeat time.Time
	pairedAt      time.Time

	consecutiveFailures int

	tasksCompleted int64
	tasksFailed    int64
	totalLatency   time.Duration

	reported     Counters
	reportedLoad int
	inFlight     []string
}

func (w *Worker) ID() string { return w.id }

// tryAcquire claims one load slot. Degraded workers still accept work, at
// lower preference, so a second consecutive failure can take them offline.
// Overcommit beyond maxConcurrentTasks is impossible here.
func (w *Worker) tryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StatePaired || w.currentLoad >= w.maxConcurrentTasks {
		return false
	}
	if w.status != StatusOnline && w.status != StatusDegraded {
		return false
	}
	w.currentLoad++
	return true
}

func (w *Worker) snapshotLocked() Snapshot {
	var mean float64
	samples := w.tasksCompleted + w.tasksFailed
	if samples > 0 {
		mean = float64(w.totalLatency.Milliseconds()) / float64(samples)
	}
	var uptime int64
	if !w.pairedAt.IsZero() {
		uptime = int64(time.Since(w.pairedAt).Seconds())
	}
	return Snapshot{
		ID:                 w.id,
		URL:                w.url,
		Platform:           w.platform,
		Priority:           w.priority,
		Weight:             w.weight,
		MaxConcurrentTasks: w.maxConcurrentTasks,
		State:              w.state,
		Status:             w.status,
		CurrentLoad:        w.currentLoad,
		LastHeartbeat:      w.lastHeartbeat,
		PairedAt:           w.pairedAt,
		UptimeSeconds:      uptime,
		Metrics: MetricsSnapshot{
			TasksCompleted: w.tasksCompleted,
			TasksFailed:    w.tasksFailed,
			MeanLatencyMS:  mean,
		},
		Reported:    w.reported,
		InFlightIDs: append([]string(nil), w.inFlight...),
	}
}

// Snapshot returns a consistent copy of the worker.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}
