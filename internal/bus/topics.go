// Package bus provides the in-process topic event bus and the channel
// adapter registry that fans events out to connected clients. Publishing
// assigns a process-wide sequence number and enqueues onto every matching
// adapter's bounded queue; per-adapter delivery goroutines drain the queues
// so a slow client never blocks a publisher.
package bus

import "strings"

// Topic is a dotted event identifier, e.g. "workflow.step.started".
type Topic string

// The closed set of topics the core publishes.
const (
	TopicWorkflowCreated   Topic = "workflow.created"
	TopicStepStarted       Topic = "workflow.step.started"
	TopicStepCompleted     Topic = "workflow.step.completed"
	TopicStepFailed        Topic = "workflow.step.failed"
	TopicApprovalRequired  Topic = "workflow.approval.required"
	TopicApprovalResolved  Topic = "workflow.approval.resolved"
	TopicWorkflowCompleted Topic = "workflow.completed"
	TopicWorkflowFailed    Topic = "workflow.failed"
	TopicWorkflowCancelled Topic = "workflow.cancelled"
	TopicWorkflowTimeout   Topic = "workflow.timeout"
	TopicWorkerAdded       Topic = "npu.worker.added"
	TopicWorkerRemoved     Topic = "npu.worker.removed"
	TopicWorkerUpdated     Topic = "npu.worker.updated"
	TopicWorkerStatus      Topic = "npu.worker.status.changed"
	TopicWorkerMetrics     Topic = "npu.worker.metrics.updated"
)

// AllTopics lists every topic the core publishes, in a stable order.
func AllTopics() []Topic {
	return []Topic{
		TopicWorkflowCreated,
		TopicStepStarted,
		TopicStepCompleted,
		TopicStepFailed,
		TopicApprovalRequired,
		TopicApprovalResolved,
		TopicWorkflowCompleted,
		TopicWorkflowFailed,
		TopicWorkflowCancelled,
		TopicWorkflowTimeout,
		TopicWorkerAdded,
		TopicWorkerRemoved,
		TopicWorkerUpdated,
		TopicWorkerStatus,
		TopicWorkerMetrics,
	}
}

// MatchTopic reports whether topic matches pattern. A pattern is either an
// exact topic name or contains single-level wildcards: "*" matches exactly
// one dotted segment, so "workflow.*" matches "workflow.created" but not
// "workflow.step.started".
func MatchTopic(pattern string, topic Topic) bool {
	if pattern == string(topic) {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(string(topic), ".")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ts[i] {
			return false
		}
	}
	return true
}
