package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"created to planned", StatusCreated, StatusPlanned, true},
		{"created to failed on planning error", StatusCreated, StatusFailed, true},
		{"created skips planning", StatusCreated, StatusExecuting, false},
		{"planned to executing", StatusPlanned, StatusExecuting, true},
		{"planned to cancelled", StatusPlanned, StatusCancelled, true},
		{"planned straight to completed", StatusPlanned, StatusCompleted, false},
		{"executing to waiting_approval", StatusExecuting, StatusWaitingApproval, true},
		{"executing to completed", StatusExecuting, StatusCompleted, true},
		{"executing to timeout", StatusExecuting, StatusTimeout, true},
		{"waiting_approval back to executing", StatusWaitingApproval, StatusExecuting, true},
		{"waiting_approval to cancelled", StatusWaitingApproval, StatusCancelled, true},
		{"waiting_approval to timeout", StatusWaitingApproval, StatusTimeout, true},
		{"waiting_approval to completed", StatusWaitingApproval, StatusCompleted, false},
		{"completed is terminal", StatusCompleted, StatusExecuting, false},
		{"failed is terminal", StatusFailed, StatusCreated, false},
		{"cancelled is terminal", StatusCancelled, StatusExecuting, false},
		{"timeout is terminal", StatusTimeout, StatusExecuting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout}
	for _, s := range terminal {
		require.True(t, s.IsTerminal(), "%s should be terminal", s)
		require.Empty(t, validTransitions[s], "%s should have no outgoing transitions", s)
	}

	live := []Status{StatusCreated, StatusPlanned, StatusExecuting, StatusWaitingApproval}
	for _, s := range live {
		require.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestStepStatus_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    StepStatus
		to      StepStatus
		allowed bool
	}{
		{"pending starts", StepPending, StepInProgress, true},
		{"pending cancelled", StepPending, StepCancelled, true},
		{"pending cannot complete", StepPending, StepCompleted, false},
		{"in_progress gates", StepInProgress, StepWaitingApproval, true},
		{"in_progress completes", StepInProgress, StepCompleted, true},
		{"in_progress times out", StepInProgress, StepTimeout, true},
		{"waiting approved", StepWaitingApproval, StepApproved, true},
		{"waiting denied", StepWaitingApproval, StepDenied, true},
		{"waiting cannot complete directly", StepWaitingApproval, StepCompleted, false},
		{"approved resumes", StepApproved, StepInProgress, true},
		{"denied is terminal", StepDenied, StepInProgress, false},
		{"completed is terminal", StepCompleted, StepInProgress, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestWorkflow_TransitionSetsTimestamps(t *testing.T) {
	wf := NewWorkflow("list files", false)
	require.Equal(t, StatusCreated, wf.Status())
	require.NotEmpty(t, wf.ID)

	wf.mu.Lock()
	require.NoError(t, wf.transitionToLocked(StatusPlanned))
	require.Nil(t, wf.startedAt)
	require.NoError(t, wf.transitionToLocked(StatusExecuting))
	require.NotNil(t, wf.startedAt)
	require.Nil(t, wf.completedAt)
	require.NoError(t, wf.transitionToLocked(StatusCompleted))
	require.NotNil(t, wf.completedAt)

	err := wf.transitionToLocked(StatusExecuting)
	wf.mu.Unlock()
	require.Error(t, err)
}

func TestSnapshot_ProgressAccounting(t *testing.T) {
	wf := NewWorkflow("scan the lab", false)
	wf.mu.Lock()
	wf.steps = []*Step{
		{ID: "step_1", Index: 0, Status: StepCompleted},
		{ID: "step_2", Index: 1, Status: StepDenied},
		{ID: "step_3", Index: 2, Status: StepPending},
	}
	_ = wf.transitionToLocked(StatusPlanned)
	_ = wf.transitionToLocked(StatusCancelled)
	snap := wf.snapshotLocked()
	wf.mu.Unlock()

	require.Equal(t, 3, snap.Progress.Total)
	require.Equal(t, 1, snap.Progress.Completed)
	require.Equal(t, 1, snap.Progress.Failed)
	require.Equal(t, 1, snap.Progress.Skipped)

	sum := snap.Progress.Completed + snap.Progress.Failed + snap.Progress.Skipped
	require.Equal(t, snap.Progress.Total, sum,
		"every step must be accounted for once the workflow is terminal")
}

func TestSnapshot_CopiesAreIndependent(t *testing.T) {
	wf := NewWorkflow("research quic", false)
	wf.mu.Lock()
	wf.steps = []*Step{{
		ID:     "step_1",
		Status: StepCompleted,
		Inputs: map[string]any{"topic": "quic"},
		Result: &StepResult{Status: "success", Result: "notes"},
	}}
	wf.agentsInvolved = []string{"research"}
	snap := wf.snapshotLocked()
	wf.mu.Unlock()

	snap.Steps[0].Inputs["topic"] = "mutated"
	snap.Steps[0].Result.Result = "mutated"
	snap.AgentsInvolved[0] = "mutated"

	wf.mu.Lock()
	require.Equal(t, "quic", wf.steps[0].Inputs["topic"])
	require.Equal(t, "notes", wf.steps[0].Result.Result)
	require.Equal(t, "research", wf.agentsInvolved[0])
	wf.mu.Unlock()
}

func TestSummary_FromSnapshot(t *testing.T) {
	now := time.Now()
	snap := Snapshot{
		ID:          "wf-1",
		Request:     "list files",
		Status:      StatusCompleted,
		CurrentStep: 0,
		Steps:       []StepSnapshot{{ID: "step_1"}},
		CreatedAt:   now,
		CompletedAt: &now,
	}
	sum := snap.Summarize()
	require.Equal(t, "wf-1", sum.ID)
	require.Equal(t, 1, sum.TotalSteps)
	require.Equal(t, StatusCompleted, sum.Status)
	require.NotNil(t, sum.CompletedAt)
}

// ============================================================================
// Property-Based Tests
// ============================================================================

// TestProperty_TerminalStatesAreSinks verifies no sequence of transition
// attempts escapes a terminal state.
func TestProperty_TerminalStatesAreSinks(t *testing.T) {
	all := []Status{
		StatusCreated, StatusPlanned, StatusExecuting, StatusWaitingApproval,
		StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout,
	}

	rapid.Check(t, func(t *rapid.T) {
		from := all[rapid.IntRange(0, len(all)-1).Draw(t, "from")]
		to := all[rapid.IntRange(0, len(all)-1).Draw(t, "to")]

		if from.IsTerminal() {
			require.False(t, from.CanTransitionTo(to),
				"terminal state %s must not transition to %s", from, to)
		}
		if from.CanTransitionTo(to) {
			require.True(t, from.IsValid())
			require.True(t, to.IsValid())
		}
	})
}
