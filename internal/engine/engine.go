package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/cadre/internal/bus"
	"github.com/zjrosen/cadre/internal/gate"
	"github.com/zjrosen/cadre/internal/log"
	"github.com/zjrosen/cadre/internal/npu"
	"github.com/zjrosen/cadre/internal/plan"
	"github.com/zjrosen/cadre/internal/retain"
	"github.com/zjrosen/cadre/internal/tracing"
)

const (
	// DefaultMaxConcurrentWorkflows caps in-flight workflows. Admission
	// beyond the cap fails fast instead of queueing.
	DefaultMaxConcurrentWorkflows = 32

	// DefaultTerminalRetention keeps finished workflows queryable in memory
	// after they leave the active table.
	DefaultTerminalRetention = time.Hour

	// terminalSweepInterval is how often expired terminal snapshots are
	// evicted.
	terminalSweepInterval = 10 * time.Minute
)

// CancelReasonUser marks a caller-requested cancellation.
const CancelReasonUser = "user_requested"

// CancelReasonShutdown marks cancellation caused by engine shutdown.
const CancelReasonShutdown = "shutdown"

// cancelReasonDenied marks cancellation caused by an approval denial.
const cancelReasonDenied = "approval_denied"

// Recorder receives engine measurements. The metrics collector implements
// it; a no-op stands in when none is wired.
type Recorder interface {
	// WorkflowStarted increments the active gauge for a classification.
	WorkflowStarted(classification string)
	// WorkflowFinished decrements the gauge and records the outcome.
	// Called exactly once per admitted workflow.
	WorkflowFinished(classification, status string, d time.Duration)
	// StepFinished records one step execution.
	StepFinished(agentType, status string, d time.Duration)
	// ApprovalMeasured records how long a decision took.
	ApprovalMeasured(decision string, wait time.Duration)
	// ErrorRecorded counts a classified failure.
	ErrorRecorded(kind string)
}

type nopRecorder struct{}

func (nopRecorder) WorkflowStarted(string)                         {}
func (nopRecorder) WorkflowFinished(string, string, time.Duration) {}
func (nopRecorder) StepFinished(string, string, time.Duration)     {}
func (nopRecorder) ApprovalMeasured(string, time.Duration)         {}
func (nopRecorder) ErrorRecorded(string)                           {}

// Config wires the engine's collaborators. Bus, Gate, and Plans are
// required; everything else has a default.
type Config struct {
	Bus   *bus.Bus
	Gate  *gate.Gate
	Plans *plan.Registry

	// Pool dispatches remote steps. Optional; without it remote steps run
	// on local agents.
	Pool *npu.Pool

	// Agents overrides the default local agent registry.
	Agents *AgentRegistry

	// Classifier overrides the keyword classifier.
	Classifier Classifier

	// Recorder receives measurements. Optional.
	Recorder Recorder

	// OnTerminal is invoked with the final snapshot after the terminal
	// event is published. Hosts use it to archive terminal records.
	OnTerminal func(Snapshot)

	// Tracer records workflow and step spans. Optional; defaults to a noop
	// tracer.
	Tracer trace.Tracer

	MaxConcurrentWorkflows int
	ApprovalTimeout        time.Duration // gate deadline per gated step (default: gate.DefaultTimeout)
	StepTimeout            time.Duration // local execution ceiling (default: 5m)
	LocalSlots             int           // concurrent local steps (default: 8)
	CancelGrace            time.Duration // executor abandon window (default: 5s)
	TerminalRetention      time.Duration // finished snapshot TTL (default: 1h)
}

// Engine drives workflows from request to terminal state. Each admitted
// workflow runs in its own task; the engine's lock covers only the active
// table, never I/O.
type Engine struct {
	b        *bus.Bus
	gate     *gate.Gate
	planner  *Planner
	executor *Executor
	recorder Recorder
	tracer   trace.Tracer

	onTerminal      func(Snapshot)
	approvalTimeout time.Duration
	maxConcurrent   int

	mu     sync.RWMutex
	active map[string]*workflowTask
	closed bool

	retained *retain.Cache[Snapshot]
	wg       sync.WaitGroup
}

// workflowTask pairs a workflow with its cancellation handle.
type workflowTask struct {
	wf     *Workflow
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Bus == nil {
		return nil, E(KindValidation, "engine requires a bus")
	}
	if cfg.Gate == nil {
		return nil, E(KindValidation, "engine requires an approval gate")
	}
	if cfg.Plans == nil {
		return nil, E(KindValidation, "engine requires a plan registry")
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = DefaultMaxConcurrentWorkflows
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = gate.DefaultTimeout
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = DefaultTerminalRetention
	}

	executor := NewExecutor(ExecutorConfig{
		Agents:      cfg.Agents,
		Pool:        cfg.Pool,
		LocalSlots:  cfg.LocalSlots,
		StepTimeout: cfg.StepTimeout,
		CancelGrace: cfg.CancelGrace,
		Tracer:      cfg.Tracer,
	})

	return &Engine{
		b:               cfg.Bus,
		gate:            cfg.Gate,
		planner:         NewPlanner(cfg.Plans, cfg.Classifier),
		executor:        executor,
		recorder:        cfg.Recorder,
		tracer:          cfg.Tracer,
		onTerminal:      cfg.OnTerminal,
		approvalTimeout: cfg.ApprovalTimeout,
		maxConcurrent:   cfg.MaxConcurrentWorkflows,
		active:          make(map[string]*workflowTask),
		retained:        retain.New[Snapshot](cfg.TerminalRetention, terminalSweepInterval),
	}, nil
}

// Agents exposes the executor's agent registry.
func (e *Engine) Agents() *AgentRegistry {
	return e.executor.Agents()
}

// ExecuteRequest is the ingress shape for submitting a workflow.
type ExecuteRequest struct {
	UserMessage string `json:"user_message"`
	AutoApprove bool   `json:"auto_approve,omitempty"`
}

// Execute validates, admits, and plans a workflow, then starts its task.
// The returned snapshot carries the plan; execution continues in the
// background. Planning failures return the failed snapshot alongside the
// error.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (Snapshot, error) {
	if strings.TrimSpace(req.UserMessage) == "" {
		return Snapshot{}, E(KindValidation, "user_message is required")
	}

	wf := NewWorkflow(req.UserMessage, req.AutoApprove)

	// The workflow outlives the submitting request, so its context is
	// detached from ctx; cancellation goes through Cancel.
	wfCtx, cancel := context.WithCancel(context.Background())
	task := &workflowTask{wf: wf, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return Snapshot{}, ErrEngineClosed
	}
	if len(e.active) >= e.maxConcurrent {
		e.mu.Unlock()
		cancel()
		return Snapshot{}, ErrTooManyWorkflows
	}
	e.active[wf.ID] = task
	e.mu.Unlock()

	if err := e.planner.Plan(ctx, wf); err != nil {
		kind := KindOf(err)
		if kind == "" {
			kind = KindPlanning
		}
		e.recorder.ErrorRecorded(string(kind))
		e.finalize(wf, terminalOutcome{
			status:  StatusFailed,
			failure: &Failure{Code: string(kind), Message: err.Error(), Suggestion: SuggestionOf(err)},
		})
		cancel()
		return wf.Snapshot(), err
	}

	wf.mu.Lock()
	if err := wf.transitionToLocked(StatusPlanned); err != nil {
		wf.mu.Unlock()
		e.mu.Lock()
		delete(e.active, wf.ID)
		e.mu.Unlock()
		cancel()
		return wf.Snapshot(), err
	}
	wf.announced = true
	snap := wf.snapshotLocked()
	wf.mu.Unlock()

	e.b.Publish(bus.NewEvent(bus.TopicWorkflowCreated, bus.WorkflowCreated{
		WorkflowID:     wf.ID,
		Classification: string(snap.Classification),
		TotalSteps:     len(snap.Steps),
		PlanSummary:    snap.PlanSummary,
		AgentsInvolved: snap.AgentsInvolved,
	}).WithWorkflow(wf.ID))

	e.recorder.WorkflowStarted(string(snap.Classification))
	log.Info(log.CatEngine, "workflow admitted",
		"workflow_id", wf.ID,
		"classification", string(snap.Classification),
		"steps", len(snap.Steps),
		"auto_approve", req.AutoApprove)

	e.wg.Add(1)
	log.SafeGoWithRecovery("engine.workflow", func() {
		defer e.wg.Done()
		defer close(task.done)
		e.run(wfCtx, wf)
	}, func(recovered any) {
		// A panicking task must not leave the workflow wedged in executing.
		e.finalize(wf, terminalOutcome{
			status: StatusFailed,
			failure: &Failure{
				Code:    string(KindStepFatal),
				Message: fmt.Sprintf("workflow task panic: %v", recovered),
			},
		})
	})

	return snap, nil
}

// run is the per-workflow task: it walks the planned steps, gates approvals,
// executes, and finalizes exactly once.
func (e *Engine) run(ctx context.Context, wf *Workflow) {
	var span trace.Span
	ctx, span = e.tracer.Start(ctx, tracing.SpanWorkflowRun,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(tracing.AttrWorkflowID, wf.ID)))
	defer func() {
		snap := wf.Snapshot()
		span.SetAttributes(attribute.String(tracing.AttrWorkflowStatus, string(snap.Status)))
		switch snap.Status {
		case StatusFailed, StatusTimeout:
			msg := string(snap.Status)
			if snap.Failure != nil {
				msg = snap.Failure.Message
			}
			span.SetStatus(codes.Error, msg)
		default:
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	wf.mu.Lock()
	if err := wf.transitionToLocked(StatusExecuting); err != nil {
		wf.mu.Unlock()
		log.ErrorErr(log.CatEngine, "workflow could not start", err, "workflow_id", wf.ID)
		e.finalize(wf, terminalOutcome{status: StatusCancelled, reason: CancelReasonShutdown})
		return
	}
	steps := wf.steps
	total := len(steps)
	span.SetAttributes(attribute.String(tracing.AttrClassification, string(wf.classification)))
	wf.mu.Unlock()

	for i, step := range steps {
		if ctx.Err() != nil {
			e.finalize(wf, terminalOutcome{status: StatusCancelled})
			return
		}

		wf.mu.Lock()
		wf.currentStep = i
		if err := step.transitionTo(StepInProgress); err != nil {
			wf.mu.Unlock()
			log.ErrorErr(log.CatEngine, "step could not start", err,
				"workflow_id", wf.ID, "step_id", step.ID)
			e.finalize(wf, terminalOutcome{status: StatusCancelled})
			return
		}
		started := bus.StepStarted{
			WorkflowID:  wf.ID,
			StepID:      step.ID,
			Index:       step.Index,
			Total:       total,
			Description: step.Description,
			AgentType:   step.AgentType,
		}
		needsApproval := step.RequiresApproval && !wf.AutoApprove
		wf.mu.Unlock()

		e.b.Publish(bus.NewEvent(bus.TopicStepStarted, started).WithWorkflow(wf.ID))

		if needsApproval {
			if done := e.awaitApproval(ctx, wf, step, span); done {
				return
			}
		}

		if done := e.executeStep(ctx, wf, step, span); done {
			return
		}
	}

	e.finalize(wf, terminalOutcome{status: StatusCompleted})
}

// awaitApproval gates one step on the approval gate. Returns true when the
// workflow was finalized (denied, timed out, or cancelled).
func (e *Engine) awaitApproval(ctx context.Context, wf *Workflow, step *Step, span trace.Span) bool {
	wf.mu.Lock()
	if err := step.transitionTo(StepWaitingApproval); err == nil {
		_ = wf.transitionToLocked(StatusWaitingApproval)
	}
	req := gate.Request{
		WorkflowID:  wf.ID,
		StepID:      step.ID,
		Description: step.Description,
		Action:      step.Action,
		Deadline:    time.Now().Add(e.approvalTimeout),
	}
	wf.mu.Unlock()

	future, err := e.gate.Register(req)
	if err != nil {
		// Register only fails on shutdown races; fold into cancellation.
		log.ErrorErr(log.CatEngine, "approval registration failed", err,
			"workflow_id", wf.ID, "step_id", step.ID)
		wf.mu.Lock()
		_ = step.transitionTo(StepCancelled)
		wf.mu.Unlock()
		e.finalize(wf, terminalOutcome{status: StatusCancelled, reason: CancelReasonShutdown})
		return true
	}
	span.AddEvent(tracing.EventApprovalRequired,
		trace.WithAttributes(attribute.String(tracing.AttrStepID, step.ID)))

	requestedAt := time.Now()
	var res gate.Resolution
	select {
	case res = <-future:
	case <-ctx.Done():
		// The record may still be pending; resolve it as cancelled, then
		// collect the buffered resolution.
		e.gate.CancelForWorkflow(wf.ID)
		res = <-future
	}

	wait := time.Since(requestedAt)
	e.recorder.ApprovalMeasured(string(res.Decision), wait)
	span.AddEvent(tracing.EventApprovalResolved, trace.WithAttributes(
		attribute.String(tracing.AttrStepID, step.ID),
		attribute.String(tracing.AttrDecision, string(res.Decision))))

	wf.mu.Lock()
	step.ApprovalWait = wait
	switch res.Decision {
	case gate.DecisionApproved:
		_ = step.transitionTo(StepApproved)
		_ = step.transitionTo(StepInProgress)
		_ = wf.transitionToLocked(StatusExecuting)
		if res.UserInput != "" {
			if step.Inputs == nil {
				step.Inputs = make(map[string]any)
			}
			step.Inputs["user_input"] = res.UserInput
		}
		wf.mu.Unlock()
		return false

	case gate.DecisionDenied:
		_ = step.transitionTo(StepDenied)
		wf.mu.Unlock()
		e.recorder.ErrorRecorded(string(KindApprovalDenied))
		e.finalize(wf, terminalOutcome{
			status: StatusCancelled,
			reason: cancelReasonDenied,
			failure: &Failure{
				Code:    string(KindApprovalDenied),
				Message: "approval denied for step " + step.ID,
			},
		})
		return true

	case gate.DecisionTimeout:
		_ = step.transitionTo(StepTimeout)
		wf.mu.Unlock()
		e.recorder.ErrorRecorded(string(KindApprovalTimeout))
		e.finalize(wf, terminalOutcome{
			status: StatusTimeout,
			stepID: step.ID,
			failure: &Failure{
				Code:    string(KindApprovalTimeout),
				Message: "approval deadline expired for step " + step.ID,
			},
		})
		return true

	default: // cancelled
		_ = step.transitionTo(StepCancelled)
		wf.mu.Unlock()
		e.finalize(wf, terminalOutcome{status: StatusCancelled})
		return true
	}
}

// executeStep runs one step with a single repair retry. Returns true when
// the workflow was finalized.
func (e *Engine) executeStep(ctx context.Context, wf *Workflow, step *Step, span trace.Span) bool {
	wf.mu.Lock()
	req := AgentRequest{
		WorkflowID:  wf.ID,
		StepID:      step.ID,
		AgentType:   step.AgentType,
		Description: step.Description,
		Action:      step.Action,
		Inputs:      copyInputs(step.Inputs),
	}
	remote := step.Remote
	timeoutSec := step.TimeoutSec
	wf.mu.Unlock()

	var first *Failure
	for attempt := 0; ; attempt++ {
		startedAt := time.Now()
		res, err := e.executor.Execute(ctx, req, remote, timeoutSec)
		elapsed := time.Since(startedAt)

		if err != nil && (KindOf(err) == KindCancellation || ctx.Err() != nil) {
			wf.mu.Lock()
			_ = step.transitionTo(StepCancelled)
			wf.mu.Unlock()
			e.finalize(wf, terminalOutcome{status: StatusCancelled})
			return true
		}

		failure := classifyOutcome(res, err)
		if failure == nil {
			wf.mu.Lock()
			step.Result = res
			_ = step.transitionTo(StepCompleted)
			completed := bus.StepCompleted{
				WorkflowID: wf.ID,
				StepID:     step.ID,
				Index:      step.Index,
				Result:     res.Result,
				DurationMS: elapsed.Milliseconds(),
			}
			wf.mu.Unlock()

			e.b.Publish(bus.NewEvent(bus.TopicStepCompleted, completed).WithWorkflow(wf.ID))
			e.recorder.StepFinished(req.AgentType, "success", elapsed)
			return false
		}

		e.recorder.StepFinished(req.AgentType, "error", elapsed)
		if first == nil {
			first = failure
		}

		if failure.Code == string(KindStepRepairable) && attempt == 0 {
			// One local repair attempt with the suggestion surfaced to the
			// agent. The original error stays the failure of record.
			log.Warn(log.CatEngine, "step failed, retrying with repair hint",
				"workflow_id", wf.ID,
				"step_id", step.ID,
				"error", failure.Message,
				"suggestion", failure.Suggestion)
			span.AddEvent(tracing.EventStepRetried, trace.WithAttributes(
				attribute.String(tracing.AttrStepID, step.ID),
				attribute.String(tracing.AttrErrorKind, failure.Code)))
			wf.mu.Lock()
			step.Retried = true
			wf.mu.Unlock()
			if req.Inputs == nil {
				req.Inputs = make(map[string]any)
			}
			req.Inputs["repair_hint"] = failure.Suggestion
			continue
		}

		// Terminal step failure; the first error is preserved.
		wf.mu.Lock()
		step.Result = &StepResult{Status: "error", Error: first.Message}
		_ = step.transitionTo(StepFailed)
		failed := bus.StepFailed{
			WorkflowID: wf.ID,
			StepID:     step.ID,
			Index:      step.Index,
			Code:       first.Code,
			Message:    first.Message,
			Suggestion: first.Suggestion,
		}
		wf.mu.Unlock()

		e.b.Publish(bus.NewEvent(bus.TopicStepFailed, failed).WithWorkflow(wf.ID))
		e.recorder.ErrorRecorded(first.Code)
		e.finalize(wf, terminalOutcome{status: StatusFailed, failure: first})
		return true
	}
}

// classifyOutcome folds executor results and errors into a Failure, or nil
// on success.
func classifyOutcome(res *StepResult, err error) *Failure {
	if err != nil {
		kind := KindOf(err)
		suggestion := SuggestionOf(err)
		if kind == "" {
			kind, suggestion = ClassifyFailure(err.Error())
		}
		return &Failure{Code: string(kind), Message: err.Error(), Suggestion: suggestion}
	}
	if res != nil && res.Status == "error" {
		kind, suggestion := ClassifyFailure(res.Error)
		return &Failure{Code: string(kind), Message: res.Error, Suggestion: suggestion}
	}
	return nil
}

// terminalOutcome describes how a workflow ends.
type terminalOutcome struct {
	status  Status
	reason  string
	stepID  string
	failure *Failure
}

// finalize moves the workflow to a terminal state exactly once: gate records
// are cleared first, then the state flips, the terminal event publishes, and
// the snapshot moves to the retention cache.
func (e *Engine) finalize(wf *Workflow, out terminalOutcome) {
	// Clear gate records first so no approval outlives the workflow.
	e.gate.CancelForWorkflow(wf.ID)

	wf.mu.Lock()
	if wf.status.IsTerminal() {
		wf.mu.Unlock()
		return
	}
	if err := wf.transitionToLocked(out.status); err != nil {
		wf.mu.Unlock()
		log.ErrorErr(log.CatEngine, "terminal transition rejected", err,
			"workflow_id", wf.ID, "target", string(out.status))
		return
	}
	if out.failure != nil {
		wf.failure = out.failure
	}
	if out.reason != "" {
		wf.cancelReason = out.reason
	}
	if wf.cancelReason == "" && out.status == StatusCancelled {
		wf.cancelReason = CancelReasonUser
	}
	reason := wf.cancelReason
	classification := string(wf.classification)
	announced := wf.announced
	snap := wf.snapshotLocked()
	wf.mu.Unlock()

	// Terminal event goes out before resources are released. Workflows that
	// died before workflow.created stay silent.
	if announced {
		switch out.status {
		case StatusCompleted:
			e.b.Publish(bus.NewEvent(bus.TopicWorkflowCompleted, bus.WorkflowCompleted{
				WorkflowID: wf.ID,
				TotalSteps: len(snap.Steps),
				DurationMS: snap.DurationMS,
			}).WithWorkflow(wf.ID))
		case StatusFailed:
			ev := bus.WorkflowFailed{WorkflowID: wf.ID}
			if out.failure != nil {
				ev.Code = out.failure.Code
				ev.Message = out.failure.Message
				ev.Suggestion = out.failure.Suggestion
			}
			e.b.Publish(bus.NewEvent(bus.TopicWorkflowFailed, ev).WithWorkflow(wf.ID))
		case StatusCancelled:
			e.b.Publish(bus.NewEvent(bus.TopicWorkflowCancelled, bus.WorkflowCancelled{
				WorkflowID: wf.ID,
				Reason:     reason,
			}).WithWorkflow(wf.ID))
		case StatusTimeout:
			e.b.Publish(bus.NewEvent(bus.TopicWorkflowTimeout, bus.WorkflowTimeout{
				WorkflowID: wf.ID,
				StepID:     out.stepID,
			}).WithWorkflow(wf.ID))
		}
	}

	log.Info(log.CatEngine, "workflow finished",
		"workflow_id", wf.ID,
		"status", string(out.status),
		"duration_ms", snap.DurationMS)

	// WorkflowStarted fired when the workflow was announced, so the matching
	// gauge decrement happens exactly once, and only for announced workflows.
	if announced {
		e.recorder.WorkflowFinished(classification, string(out.status), time.Duration(snap.DurationMS)*time.Millisecond)
	}

	e.mu.Lock()
	delete(e.active, wf.ID)
	e.mu.Unlock()

	e.retained.Put(wf.ID, snap)
	if e.onTerminal != nil {
		e.onTerminal(snap)
	}
}

// Approve forwards a decision to the gate for an active workflow.
func (e *Engine) Approve(workflowID, stepID string, approved bool, userInput string) error {
	e.mu.RLock()
	_, ok := e.active[workflowID]
	e.mu.RUnlock()
	if !ok {
		if _, found := e.retained.Get(workflowID); found {
			return ErrWorkflowTerminal
		}
		return ErrWorkflowNotFound
	}
	return e.gate.Resolve(workflowID, stepID, approved, userInput)
}

// Cancel stops a workflow at its next safe point. Pending approvals resolve
// as cancelled before the context is cut so the waiting task wakes with a
// decision.
func (e *Engine) Cancel(workflowID string) error {
	e.mu.RLock()
	task, ok := e.active[workflowID]
	e.mu.RUnlock()
	if !ok {
		if _, found := e.retained.Get(workflowID); found {
			return ErrWorkflowTerminal
		}
		return ErrWorkflowNotFound
	}

	task.wf.mu.Lock()
	if task.wf.cancelReason == "" {
		task.wf.cancelReason = CancelReasonUser
	}
	task.wf.mu.Unlock()

	log.Info(log.CatEngine, "workflow cancel requested", "workflow_id", workflowID)
	e.gate.CancelForWorkflow(workflowID)
	task.cancel()
	return nil
}

// Get returns the snapshot of an active or recently finished workflow.
func (e *Engine) Get(workflowID string) (Snapshot, error) {
	e.mu.RLock()
	task, ok := e.active[workflowID]
	e.mu.RUnlock()
	if ok {
		return task.wf.Snapshot(), nil
	}
	if snap, found := e.retained.Get(workflowID); found {
		return snap, nil
	}
	return Snapshot{}, ErrWorkflowNotFound
}

// List returns summaries of active and retained workflows, newest first.
func (e *Engine) List() []Summary {
	e.mu.RLock()
	snaps := make([]Snapshot, 0, len(e.active))
	for _, task := range e.active {
		snaps = append(snaps, task.wf.Snapshot())
	}
	e.mu.RUnlock()

	for _, snap := range e.retained.Items() {
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].ID > snaps[j].ID
	})

	out := make([]Summary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap.Summarize())
	}
	return out
}

// ActiveCount returns the number of in-flight workflows.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

// doneChan returns the completion channel of an active workflow. A workflow
// that is no longer active yields a closed channel.
func (e *Engine) doneChan(workflowID string) <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if task, ok := e.active[workflowID]; ok {
		return task.done
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Close cancels every active workflow and waits for their tasks to finish.
// Safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.wg.Wait()
		return
	}
	e.closed = true
	tasks := make([]*workflowTask, 0, len(e.active))
	for _, task := range e.active {
		tasks = append(tasks, task)
	}
	e.mu.Unlock()

	for _, task := range tasks {
		task.wf.mu.Lock()
		if task.wf.cancelReason == "" {
			task.wf.cancelReason = CancelReasonShutdown
		}
		task.wf.mu.Unlock()
		e.gate.CancelForWorkflow(task.wf.ID)
		task.cancel()
	}
	e.wg.Wait()
	log.Info(log.CatEngine, "engine closed", "cancelled", len(tasks))
}

// copyInputs shallow-copies a step's inputs so agents never see the
// aggregate's map.
func copyInputs(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
