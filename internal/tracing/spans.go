package tracing

// Span names. workflow.run covers a whole workflow from admission to its
// terminal state; step.execute covers one step attempt; npu.dispatch covers
// one remote send including retries across workers.
const (
	SpanWorkflowRun = "workflow.run"
	SpanStepExecute = "step.execute"
	SpanDispatch    = "npu.dispatch"

	// SpanPrefixHTTP prefixes server request spans, followed by the route
	// pattern.
	SpanPrefixHTTP = "http."
)

// Span attribute keys.
const (
	AttrWorkflowID     = "workflow.id"
	AttrClassification = "workflow.classification"
	AttrWorkflowStatus = "workflow.status"

	AttrStepID    = "step.id"
	AttrStepIndex = "step.index"
	AttrAgentType = "agent.type"
	AttrRemote    = "step.remote"

	AttrWorkerID = "worker.id"
	AttrTaskID   = "task.id"

	AttrDecision  = "approval.decision"
	AttrErrorKind = "error.kind"

	AttrHTTPMethod = "http.method"
	AttrHTTPRoute  = "http.route"
	AttrHTTPStatus = "http.status_code"
)

// Event names for span events.
const (
	EventApprovalRequired = "approval.required"
	EventApprovalResolved = "approval.resolved"
	EventStepRetried      = "step.retried"
	EventWorkerSelected   = "worker.selected"
)
