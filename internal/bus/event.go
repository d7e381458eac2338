package bus

import (
	"time"
)

// Event is the envelope delivered to adapters and internal taps. Sequence is
// assigned by the bus at publish time and increases monotonically across the
// process; adapters use it to detect gaps. Events are immutable once
// published.
type Event struct {
	Topic      Topic     `json:"topic"`
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Payload    any       `json:"payload"`
}

// NewEvent creates an unstamped event for the given topic. Sequence and
// Timestamp are filled in by Bus.Publish.
func NewEvent(topic Topic, payload any) Event {
	return Event{Topic: topic, Payload: payload}
}

// WithWorkflow scopes the event to a workflow for filtered subscriptions.
func (e Event) WithWorkflow(id string) Event {
	e.WorkflowID = id
	return e
}

// WithWorker scopes the event to a worker.
func (e Event) WithWorker(id string) Event {
	e.WorkerID = id
	return e
}

// Critical reports whether the event belongs to a critical message class.
// Critical events are never shed from adapter queues: approval requests,
// terminal workflow states, and worker offline notifications.
func (e Event) Critical() bool {
	switch e.Topic {
	case TopicApprovalRequired,
		TopicWorkflowCompleted,
		TopicWorkflowFailed,
		TopicWorkflowCancelled,
		TopicWorkflowTimeout:
		return true
	case TopicWorkerStatus:
		if p, ok := e.Payload.(WorkerStatusChanged); ok {
			return p.To == "offline"
		}
	}
	return false
}

// Filter selects the subset of events an adapter or tap receives.
// A zero Filter matches every event.
type Filter struct {
	// Patterns holds exact topics or single-level wildcard patterns.
	// Empty means all topics.
	Patterns []string

	// WorkflowIDs restricts delivery to events scoped to these workflows.
	// Events with no workflow scope (worker events) are excluded when set.
	WorkflowIDs []string
}

// Matches reports whether the filter selects the event.
func (f Filter) Matches(e Event) bool {
	if len(f.Patterns) > 0 {
		matched := false
		for _, p := range f.Patterns {
			if MatchTopic(p, e.Topic) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(f.WorkflowIDs) > 0 {
		for _, id := range f.WorkflowIDs {
			if e.WorkflowID == id {
				return true
			}
		}
		return false
	}

	return true
}

// Payload types for the closed topic set. These are the shapes engine, gate,
// and pool publish and adapters serialize to the wire.

// WorkflowCreated is published once planning succeeds.
type WorkflowCreated struct {
	WorkflowID     string   `json:"workflow_id"`
	Classification string   `json:"classification"`
	TotalSteps     int      `json:"total_steps"`
	PlanSummary    string   `json:"plan_summary"`
	AgentsInvolved []string `json:"agents_involved,omitempty"`
}

// StepStarted is published when a step enters in_progress.
type StepStarted struct {
	WorkflowID  string `json:"workflow_id"`
	StepID      string `json:"step_id"`
	Index       int    `json:"index"`
	Total       int    `json:"total"`
	Description string `json:"description,omitempty"`
	AgentType   string `json:"agent_type,omitempty"`
}

// StepCompleted is published when a step finishes successfully.
type StepCompleted struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	Index      int    `json:"index"`
	Result     any    `json:"result,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// StepFailed is published when a step fails terminally.
type StepFailed struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	Index      int    `json:"index"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ApprovalRequired is published when a step registers with the gate.
type ApprovalRequired struct {
	WorkflowID  string    `json:"workflow_id"`
	StepID      string    `json:"step_id"`
	Description string    `json:"description,omitempty"`
	Action      string    `json:"action,omitempty"`
	Deadline    time.Time `json:"deadline"`
}

// ApprovalResolved is published when a pending approval resolves.
type ApprovalResolved struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	Decision   string `json:"decision"`
	Approved   bool   `json:"approved"`
	Timeout    bool   `json:"timeout,omitempty"`
	UserInput  string `json:"user_input,omitempty"`
}

// WorkflowCompleted is the successful terminal event.
type WorkflowCompleted struct {
	WorkflowID string `json:"workflow_id"`
	TotalSteps int    `json:"total_steps"`
	DurationMS int64  `json:"duration_ms"`
}

// WorkflowFailed is the failure terminal event.
type WorkflowFailed struct {
	WorkflowID string `json:"workflow_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// WorkflowCancelled is the cancellation terminal event.
type WorkflowCancelled struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason,omitempty"`
}

// WorkflowTimeout is the deadline-expiry terminal event.
type WorkflowTimeout struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id,omitempty"`
}

// WorkerAdded is published when pairing succeeds.
type WorkerAdded struct {
	WorkerID string `json:"worker_id"`
	URL      string `json:"url"`
	Platform string `json:"platform,omitempty"`
}

// WorkerRemoved is published when a worker is unpaired.
type WorkerRemoved struct {
	WorkerID string `json:"worker_id"`
}

// WorkerUpdated is published when static worker config changes.
type WorkerUpdated struct {
	WorkerID           string `json:"worker_id"`
	Priority           int    `json:"priority"`
	Weight             int    `json:"weight"`
	MaxConcurrentTasks int    `json:"max_concurrent_tasks"`
}

// WorkerStatusChanged is published on every health transition.
type WorkerStatusChanged struct {
	WorkerID string `json:"worker_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// WorkerMetricsUpdated is published when heartbeat counters advance.
type WorkerMetricsUpdated struct {
	WorkerID       string  `json:"worker_id"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	MeanLatencyMS  float64 `json:"mean_latency_ms"`
	CurrentLoad    int     `json:"current_load"`
}
