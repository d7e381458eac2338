// Package server exposes the core's in-process API over HTTP: REST endpoints
// for workflows, workers, and the pool, SSE for event streaming, and the
// prometheus scrape endpoint.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/cadre/internal/bus"
	"github.com/zjrosen/cadre/internal/core"
	"github.com/zjrosen/cadre/internal/engine"
	"github.com/zjrosen/cadre/internal/gate"
	"github.com/zjrosen/cadre/internal/log"
	"github.com/zjrosen/cadre/internal/npu"
)

// heartbeatInterval is the SSE keep-alive comment cadence.
const heartbeatInterval = 30 * time.Second

// Handler provides HTTP endpoints for core operations.
type Handler struct {
	core *core.Core
}

// NewHandler creates an API handler wrapping the given core.
func NewHandler(c *core.Core) *Handler {
	return &Handler{core: c}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Workflow lifecycle
	mux.HandleFunc("POST /workflows", h.ExecuteWorkflow)
	mux.HandleFunc("GET /workflows", h.ListWorkflows)
	mux.HandleFunc("GET /workflows/{id}", h.GetWorkflow)
	mux.HandleFunc("POST /workflows/{id}/approve", h.ApproveStep)
	mux.HandleFunc("DELETE /workflows/{id}", h.CancelWorkflow)

	// Worker pool
	mux.HandleFunc("POST /workers", h.PairWorker)
	mux.HandleFunc("DELETE /workers/{id}", h.UnpairWorker)
	mux.HandleFunc("POST /workers/{id}/repair", h.RepairWorker)
	mux.HandleFunc("POST /workers/{id}/heartbeat", h.WorkerHeartbeat)
	mux.HandleFunc("PATCH /workers/{id}", h.UpdateWorker)
	mux.HandleFunc("GET /pool", h.PoolStatus)
	mux.HandleFunc("PUT /pool/strategy", h.SetStrategy)

	// Event streaming
	mux.HandleFunc("GET /events", h.StreamEvents)

	// Observability
	mux.Handle("GET /metrics", h.core.Metrics().Handler())
	mux.HandleFunc("GET /healthz", h.Healthz)

	return mux
}

// === Request/Response Types ===

// ExecuteWorkflowRequest is the request body for submitting a workflow.
type ExecuteWorkflowRequest struct {
	// UserMessage is the natural-language request to plan and run (required).
	UserMessage string `json:"user_message"`
	// AutoApprove resolves every gated step without waiting for a decision.
	AutoApprove bool `json:"auto_approve,omitempty"`
}

// ExecuteWorkflowResponse is the response body for a submitted workflow.
type ExecuteWorkflowResponse struct {
	WorkflowID     string `json:"workflow_id"`
	PlanSummary    string `json:"plan_summary,omitempty"`
	Classification string `json:"classification,omitempty"`
	Status         string `json:"status"`
	TotalSteps     int    `json:"total_steps"`
}

// ListWorkflowsResponse is the response body for listing workflows.
type ListWorkflowsResponse struct {
	Workflows []engine.Summary `json:"workflows"`
	Total     int              `json:"total"`
}

// ApproveRequest is the request body for resolving a gated step.
type ApproveRequest struct {
	StepID    string `json:"step_id"`
	Approved  bool   `json:"approved"`
	UserInput string `json:"user_input,omitempty"`
}

// PairWorkerRequest is the request body for pairing a worker.
type PairWorkerRequest struct {
	URL                string `json:"url"`
	Platform           string `json:"platform,omitempty"`
	Priority           int    `json:"priority,omitempty"`
	Weight             int    `json:"weight,omitempty"`
	MaxConcurrentTasks int    `json:"max_concurrent_tasks,omitempty"`
}

// PairWorkerResponse is the response body for a paired worker.
type PairWorkerResponse struct {
	ID string `json:"id"`
}

// UpdateWorkerRequest patches a worker's balancing parameters. Absent fields
// are untouched.
type UpdateWorkerRequest struct {
	Priority           *int `json:"priority,omitempty"`
	Weight             *int `json:"weight,omitempty"`
	MaxConcurrentTasks *int `json:"max_concurrent_tasks,omitempty"`
}

// StrategyRequest is the request body for switching load balancing.
type StrategyRequest struct {
	Strategy string `json:"strategy"`
}

// StrategyResponse echoes the active strategy after a switch.
type StrategyResponse struct {
	Strategy string `json:"strategy"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// === Workflow Handlers ===

// ExecuteWorkflow plans and starts a workflow.
// POST /workflows
func (h *Handler) ExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var req ExecuteWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	snap, err := h.core.Execute(r.Context(), engine.ExecuteRequest{
		UserMessage: req.UserMessage,
		AutoApprove: req.AutoApprove,
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrTooManyWorkflows):
			h.writeError(w, http.StatusTooManyRequests, "too_many_workflows", "Concurrent workflow limit reached", "")
		case errors.Is(err, engine.ErrEngineClosed):
			h.writeError(w, http.StatusServiceUnavailable, "shutting_down", "Daemon is shutting down", "")
		case engine.KindOf(err) == engine.KindValidation:
			h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		default:
			h.writeError(w, http.StatusInternalServerError, "execute_failed", "Failed to start workflow", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, ExecuteWorkflowResponse{
		WorkflowID:     snap.ID,
		PlanSummary:    snap.PlanSummary,
		Classification: string(snap.Classification),
		Status:         string(snap.Status),
		TotalSteps:     len(snap.Steps),
	})
}

// ListWorkflows returns live and recently archived workflows, newest first.
// GET /workflows?status=completed&limit=20
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer", "")
			return
		}
		limit = n
	}

	workflows, err := h.core.Workflows(r.Context(), status, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list workflows", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, ListWorkflowsResponse{
		Workflows: workflows,
		Total:     len(workflows),
	})
}

// GetWorkflow returns a single workflow snapshot by ID.
// GET /workflows/{id}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, err := h.core.Workflow(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrWorkflowNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Workflow not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "get_failed", "Failed to get workflow", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

// ApproveStep resolves a pending approval.
// POST /workflows/{id}/approve
func (h *Handler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.StepID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "step_id is required", "")
		return
	}

	if err := h.core.Approve(id, req.StepID, req.Approved, req.UserInput); err != nil {
		switch {
		case errors.Is(err, engine.ErrWorkflowNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Workflow not found", "")
		case errors.Is(err, engine.ErrWorkflowTerminal):
			h.writeError(w, http.StatusConflict, "workflow_terminal", "Workflow already finished", "")
		case errors.Is(err, gate.ErrNotPending):
			h.writeError(w, http.StatusNotFound, "no_pending_approval", "No approval is pending for this step", "")
		case errors.Is(err, gate.ErrAlreadyResolved):
			h.writeError(w, http.StatusConflict, "already_resolved", "Approval was already resolved", "")
		default:
			h.writeError(w, http.StatusInternalServerError, "approve_failed", "Failed to resolve approval", err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CancelWorkflow stops a running workflow.
// DELETE /workflows/{id}
func (h *Handler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.core.Cancel(id); err != nil {
		switch {
		case errors.Is(err, engine.ErrWorkflowNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Workflow not found", "")
		case errors.Is(err, engine.ErrWorkflowTerminal):
			h.writeError(w, http.StatusConflict, "workflow_terminal", "Workflow already finished", "")
		default:
			h.writeError(w, http.StatusInternalServerError, "cancel_failed", "Failed to cancel workflow", err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// === Worker Handlers ===

// PairWorker runs the pairing handshake and registers the worker.
// POST /workers
func (h *Handler) PairWorker(w http.ResponseWriter, r *http.Request) {
	var req PairWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.URL == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "url is required", "")
		return
	}

	snap, err := h.core.Pool().Pair(r.Context(), npu.PairRequest{
		URL:                req.URL,
		Platform:           req.Platform,
		Priority:           req.Priority,
		Weight:             req.Weight,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
	})
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "pair_failed", "Failed to pair worker", err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, PairWorkerResponse{ID: snap.ID})
}

// UnpairWorker revokes and removes a worker.
// DELETE /workers/{id}
func (h *Handler) UnpairWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.core.Pool().Unpair(r.Context(), id); err != nil {
		if errors.Is(err, npu.ErrWorkerNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Worker not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "unpair_failed", "Failed to unpair worker", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RepairWorker re-runs the handshake for a broken worker.
// POST /workers/{id}/repair
func (h *Handler) RepairWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, err := h.core.Pool().Repair(r.Context(), id)
	if err != nil {
		if errors.Is(err, npu.ErrWorkerNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Worker not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "repair_failed", "Failed to repair worker", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

// WorkerHeartbeat records a liveness report from a worker.
// POST /workers/{id}/heartbeat
func (h *Handler) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var hb npu.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	if err := h.core.Pool().Heartbeat(id, hb); err != nil {
		switch {
		case errors.Is(err, npu.ErrWorkerNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Worker not found", "")
		case errors.Is(err, npu.ErrNotPaired):
			h.writeError(w, http.StatusConflict, "not_paired", "Worker is not paired", "")
		default:
			h.writeError(w, http.StatusInternalServerError, "heartbeat_failed", "Failed to record heartbeat", err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateWorker patches a worker's balancing parameters.
// PATCH /workers/{id}
func (h *Handler) UpdateWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req UpdateWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	snap, err := h.core.Pool().Update(id, npu.UpdateRequest{
		Priority:           req.Priority,
		Weight:             req.Weight,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
	})
	if err != nil {
		if errors.Is(err, npu.ErrWorkerNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Worker not found", "")
			return
		}
		h.writeError(w, http.StatusBadRequest, "update_failed", "Failed to update worker", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

// PoolStatus returns every worker plus pool totals.
// GET /pool
func (h *Handler) PoolStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.core.Pool().Status())
}

// SetStrategy switches the pool's load balancing strategy.
// PUT /pool/strategy
func (h *Handler) SetStrategy(w http.ResponseWriter, r *http.Request) {
	var req StrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	strategy, err := npu.ParseStrategy(req.Strategy)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_strategy", err.Error(), "")
		return
	}

	if err := h.core.SetStrategy(strategy); err != nil {
		h.writeError(w, http.StatusBadRequest, "strategy_failed", "Failed to switch strategy", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, StrategyResponse{Strategy: string(strategy)})
}

// === Event Streaming ===

// StreamEvents streams bus events via SSE. Query parameters narrow the feed:
// topics takes comma-separated patterns (workflow.*, npu.worker.added, ...)
// and workflow_id restricts to one or more workflows.
// GET /events?topics=workflow.*&workflow_id=wf-1
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	filter := bus.Filter{}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				filter.Patterns = append(filter.Patterns, p)
			}
		}
	}
	filter.WorkflowIDs = append(filter.WorkflowIDs, r.URL.Query()["workflow_id"]...)

	// One channel adapter per connection; it detaches when the request
	// context ends.
	events := h.core.Bus().SubscribeFiltered(r.Context(), filter)

	h.streamEvents(w, r, events)
}

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan bus.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	// Send initial connection event
	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	// Heartbeat ticker to keep the connection alive through proxies
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				log.ErrorErr(log.CatServer, "event marshal failed", err, "topic", string(event.Topic))
				continue
			}

			// The id line carries the adapter sequence so clients can spot
			// gaps after a reconnect via Last-Event-ID.
			_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.Topic, data)
			flusher.Flush()
		}
	}
}

// === Observability ===

// Healthz returns daemon liveness and headline counts.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.core.Health())
}

// === Helpers ===

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatServer, "response encode failed", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
