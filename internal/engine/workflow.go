package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/cadre/internal/plan"
)

// Status is the lifecycle state of a workflow.
// Valid transitions:
//
//	created          -> planned, failed, cancelled
//	planned          -> executing, cancelled
//	executing        -> waiting_approval, completed, failed, cancelled, timeout
//	waiting_approval -> executing, cancelled, timeout
//	completed        -> (terminal)
//	failed           -> (terminal)
//	cancelled        -> (terminal)
//	timeout          -> (terminal)
type Status string

const (
	// StatusCreated indicates the workflow is admitted but not yet planned.
	StatusCreated Status = "created"
	// StatusPlanned indicates planning produced a step list.
	StatusPlanned Status = "planned"
	// StatusExecuting indicates the engine task is driving steps.
	StatusExecuting Status = "executing"
	// StatusWaitingApproval indicates the active step is gated on a decision.
	StatusWaitingApproval Status = "waiting_approval"
	// StatusCompleted indicates every step finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a step failed terminally or planning failed.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the caller or an approval denial stopped it.
	StatusCancelled Status = "cancelled"
	// StatusTimeout indicates an approval deadline expired.
	StatusTimeout Status = "timeout"
)

// validTransitions defines the allowed workflow state transitions.
// The key is the current state, the value is the set of valid targets.
var validTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusPlanned:   true,
		StatusFailed:    true, // planning failure
		StatusCancelled: true,
	},
	StatusPlanned: {
		StatusExecuting: true,
		StatusCancelled: true,
	},
	StatusExecuting: {
		StatusWaitingApproval: true,
		StatusCompleted:       true,
		StatusFailed:          true,
		StatusCancelled:       true,
		StatusTimeout:         true,
	},
	StatusWaitingApproval: {
		StatusExecuting: true,
		StatusCancelled: true,
		StatusTimeout:   true,
	},
	// Terminal states have no valid transitions
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusTimeout:   {},
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true for states with no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled || s == StatusTimeout
}

// CanTransitionTo returns true if moving from the current state to the
// target state is valid.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepInProgress      StepStatus = "in_progress"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepApproved        StepStatus = "approved"
	StepDenied          StepStatus = "denied"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepCancelled       StepStatus = "cancelled"
	StepTimeout         StepStatus = "timeout"
)

// validStepTransitions mirrors the workflow table at step granularity.
// Approved is a transit state: the step returns to in_progress for execution
// in the same critical section, so observers only ever see one active step.
var validStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {
		StepInProgress: true,
		StepCancelled:  true,
	},
	StepInProgress: {
		StepWaitingApproval: true,
		StepCompleted:       true,
		StepFailed:          true,
		StepCancelled:       true,
		StepTimeout:         true,
	},
	StepWaitingApproval: {
		StepApproved:  true,
		StepDenied:    true,
		StepCancelled: true,
		StepTimeout:   true,
	},
	StepApproved: {
		StepInProgress: true,
		StepCancelled:  true,
	},
	StepDenied:    {},
	StepCompleted: {},
	StepFailed:    {},
	StepCancelled: {},
	StepTimeout:   {},
}

// IsTerminal returns true for step states with no outgoing transitions.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepDenied, StepCompleted, StepFailed, StepCancelled, StepTimeout:
		return true
	}
	return false
}

// CanTransitionTo returns true if the step transition is valid.
func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	allowed, ok := validStepTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// StepResult is the normalized executor output stored on a step.
// Status is "success" or "error"; Error is set only for "error".
type StepResult struct {
	Status   string         `json:"status"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Step is one unit of planned work. Fields are guarded by the owning
// workflow's mutex.
type Step struct {
	ID               string
	Index            int
	Description      string
	AgentType        string
	Action           string
	Inputs           map[string]any
	RequiresApproval bool
	Remote           bool
	TimeoutSec       int

	Status       StepStatus
	Result       *StepResult
	Retried      bool
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ApprovalWait time.Duration
}

// transitionTo moves the step to target, enforcing the state machine.
// Caller holds the workflow mutex.
func (s *Step) transitionTo(target StepStatus) error {
	if !s.Status.CanTransitionTo(target) {
		return fmt.Errorf("invalid step transition from %s to %s", s.Status, target)
	}
	s.Status = target

	now := time.Now()
	switch target {
	case StepInProgress:
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
	case StepDenied, StepCompleted, StepFailed, StepCancelled, StepTimeout:
		s.CompletedAt = &now
	}
	return nil
}

// Failure is the concise terminal error carried on failed, cancelled, and
// timed-out workflows.
type Failure struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Workflow is the mutable aggregate owned by one engine task. All fields
// below mu are guarded by it; external readers go through Snapshot.
type Workflow struct {
	ID          string
	Request     string
	AutoApprove bool
	CreatedAt   time.Time

	mu             sync.Mutex
	classification plan.Classification
	templateID     string
	planSummary    string
	agentsInvolved []string
	status         Status
	steps          []*Step
	currentStep    int
	failure        *Failure
	cancelReason   string
	startedAt      *time.Time
	completedAt    *time.Time
	updatedAt      time.Time

	// announced flips once workflow.created has been published. Workflows
	// that fail before announcement emit no lifecycle events at all.
	announced bool
}

// NewWorkflow creates a workflow in created state with a fresh id.
func NewWorkflow(request string, autoApprove bool) *Workflow {
	now := time.Now()
	return &Workflow{
		ID:          uuid.New().String(),
		Request:     request,
		AutoApprove: autoApprove,
		CreatedAt:   now,
		status:      StatusCreated,
		currentStep: -1,
		updatedAt:   now,
	}
}

// transitionToLocked moves the workflow to target, enforcing the state
// machine. Caller holds w.mu.
func (w *Workflow) transitionToLocked(target Status) error {
	if !w.status.CanTransitionTo(target) {
		return fmt.Errorf("invalid workflow transition from %s to %s", w.status, target)
	}
	w.status = target
	w.updatedAt = time.Now()

	if target == StatusExecuting && w.startedAt == nil {
		now := w.updatedAt
		w.startedAt = &now
	}
	if target.IsTerminal() {
		now := w.updatedAt
		w.completedAt = &now
	}
	return nil
}

// Status returns the current state.
func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// StepSnapshot is the immutable view of one step.
type StepSnapshot struct {
	ID               string         `json:"id"`
	Index            int            `json:"index"`
	Description      string         `json:"description"`
	AgentType        string         `json:"agent_type"`
	Action           string         `json:"action,omitempty"`
	Inputs           map[string]any `json:"inputs,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Remote           bool           `json:"remote,omitempty"`
	Status           StepStatus     `json:"status"`
	Result           *StepResult    `json:"result,omitempty"`
	Retried          bool           `json:"retried,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	DurationMS       int64          `json:"duration_ms,omitempty"`
	ApprovalWaitMS   int64          `json:"approval_wait_ms,omitempty"`
}

// Progress summarizes step accounting. Skipped counts steps still pending
// when the workflow went terminal.
type Progress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Total     int `json:"total"`
}

// Snapshot is the externally visible view of a workflow at one instant.
type Snapshot struct {
	ID             string              `json:"id"`
	Request        string              `json:"request"`
	AutoApprove    bool                `json:"auto_approve,omitempty"`
	Classification plan.Classification `json:"classification,omitempty"`
	TemplateID     string              `json:"template_id,omitempty"`
	PlanSummary    string              `json:"plan_summary,omitempty"`
	AgentsInvolved []string            `json:"agents_involved,omitempty"`
	Status         Status              `json:"status"`
	Steps          []StepSnapshot      `json:"steps"`
	CurrentStep    int                 `json:"current_step"`
	Progress       Progress            `json:"progress"`
	Failure        *Failure            `json:"error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	DurationMS     int64               `json:"duration_ms,omitempty"`
}

// Snapshot copies the workflow state for external readers.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Workflow) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:             w.ID,
		Request:        w.Request,
		AutoApprove:    w.AutoApprove,
		Classification: w.classification,
		TemplateID:     w.templateID,
		PlanSummary:    w.planSummary,
		AgentsInvolved: append([]string(nil), w.agentsInvolved...),
		Status:         w.status,
		CurrentStep:    w.currentStep,
		CreatedAt:      w.CreatedAt,
		StartedAt:      w.startedAt,
		CompletedAt:    w.completedAt,
	}
	if w.failure != nil {
		f := *w.failure
		snap.Failure = &f
	}
	if w.startedAt != nil {
		end := time.Now()
		if w.completedAt != nil {
			end = *w.completedAt
		}
		snap.DurationMS = end.Sub(*w.startedAt).Milliseconds()
	}

	terminal := w.status.IsTerminal()
	snap.Steps = make([]StepSnapshot, 0, len(w.steps))
	snap.Progress.Total = len(w.steps)
	for _, st := range w.steps {
		ss := StepSnapshot{
			ID:               st.ID,
			Index:            st.Index,
			Description:      st.Description,
			AgentType:        st.AgentType,
			Action:           st.Action,
			RequiresApproval: st.RequiresApproval,
			Remote:           st.Remote,
			Status:           st.Status,
			Retried:          st.Retried,
			StartedAt:        st.StartedAt,
			CompletedAt:      st.CompletedAt,
			ApprovalWaitMS:   st.ApprovalWait.Milliseconds(),
		}
		if len(st.Inputs) > 0 {
			inputs := make(map[string]any, len(st.Inputs))
			for k, v := range st.Inputs {
				inputs[k] = v
			}
			ss.Inputs = inputs
		}
		if st.Result != nil {
			r := *st.Result
			ss.Result = &r
		}
		if st.StartedAt != nil && st.CompletedAt != nil {
			ss.DurationMS = st.CompletedAt.Sub(*st.StartedAt).Milliseconds()
		}
		snap.Steps = append(snap.Steps, ss)

		switch st.Status {
		case StepCompleted:
			snap.Progress.Completed++
		case StepFailed, StepDenied, StepTimeout:
			snap.Progress.Failed++
		case StepPending:
			if terminal {
				snap.Progress.Skipped++
			}
		case StepCancelled:
			snap.Progress.Skipped++
		}
	}
	return snap
}

// Summary is the compact listing shape returned by List.
type Summary struct {
	ID             string              `json:"id"`
	Request        string              `json:"request"`
	Classification plan.Classification `json:"classification,omitempty"`
	Status         Status              `json:"status"`
	CurrentStep    int                 `json:"current_step"`
	TotalSteps     int                 `json:"total_steps"`
	CreatedAt      time.Time           `json:"created_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

// Summarize reduces a snapshot to its listing shape.
func (s Snapshot) Summarize() Summary {
	return Summary{
		ID:             s.ID,
		Request:        s.Request,
		Classification: s.Classification,
		Status:         s.Status,
		CurrentStep:    s.CurrentStep,
		TotalSteps:     len(s.Steps),
		CreatedAt:      s.CreatedAt,
		CompletedAt:    s.CompletedAt,
	}
}
