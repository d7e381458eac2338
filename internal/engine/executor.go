package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/cadre/internal/log"
	"github.com/zjrosen/cadre/internal/npu"
	"github.com/zjrosen/cadre/internal/tracing"
)

// DefaultStepTimeout bounds local step execution when a step does not carry
// its own timeout.
const DefaultStepTimeout = 5 * time.Minute

// DefaultLocalSlots caps concurrent in-process steps across all workflows.
const DefaultLocalSlots = 8

// DefaultCancelGrace is how long an abandoned executor is given to return
// after its context expires before the engine moves on without it.
const DefaultCancelGrace = 5 * time.Second

// ExecutorConfig configures the step executor.
type ExecutorConfig struct {
	// Agents resolves agent types to local handlers. Defaults to
	// DefaultAgents when nil.
	Agents *AgentRegistry

	// Pool dispatches remote steps. When nil, remote-flagged steps run on
	// the local agent instead.
	Pool *npu.Pool

	// Tracer records step spans. Optional; defaults to a noop tracer.
	Tracer trace.Tracer

	LocalSlots  int           // concurrent local steps (default: 8)
	StepTimeout time.Duration // per-step ceiling (default: 5m)
	CancelGrace time.Duration // wait after ctx expiry (default: 5s)
}

// Executor runs single steps to completion, locally or via the worker pool.
type Executor struct {
	agents      *AgentRegistry
	pool        *npu.Pool
	tracer      trace.Tracer
	slots       chan struct{}
	stepTimeout time.Duration
	cancelGrace time.Duration
}

// NewExecutor creates an executor from cfg, applying defaults.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Agents == nil {
		cfg.Agents = DefaultAgents()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if cfg.LocalSlots <= 0 {
		cfg.LocalSlots = DefaultLocalSlots
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	return &Executor{
		agents:      cfg.Agents,
		pool:        cfg.Pool,
		tracer:      cfg.Tracer,
		slots:       make(chan struct{}, cfg.LocalSlots),
		stepTimeout: cfg.StepTimeout,
		cancelGrace: cfg.CancelGrace,
	}
}

// Agents exposes the registry so callers can add handlers.
func (x *Executor) Agents() *AgentRegistry {
	return x.agents
}

// Execute runs one step and returns its normalized result. Task-level
// failures come back as a result with status "error"; transport, capacity,
// timeout, and cancellation failures come back as Go errors.
func (x *Executor) Execute(ctx context.Context, req AgentRequest, remote bool, timeoutSec int) (*StepResult, error) {
	var span trace.Span
	ctx, span = x.tracer.Start(ctx, tracing.SpanStepExecute,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(tracing.AttrWorkflowID, req.WorkflowID),
			attribute.String(tracing.AttrStepID, req.StepID),
			attribute.String(tracing.AttrAgentType, req.AgentType),
			attribute.Bool(tracing.AttrRemote, remote && x.pool != nil),
		))
	defer span.End()

	res, err := x.execute(ctx, req, remote, timeoutSec)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res != nil && res.Status == "error":
		span.SetStatus(codes.Error, res.Error)
	default:
		span.SetStatus(codes.Ok, "")
	}
	return res, err
}

func (x *Executor) execute(ctx context.Context, req AgentRequest, remote bool, timeoutSec int) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapErr(KindCancellation, err, "step cancelled before start")
	}

	timeout := x.stepTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}

	if remote && x.pool != nil {
		return x.executeRemote(ctx, req, timeout)
	}
	if remote {
		log.Warn(log.CatEngine, "no worker pool attached, running remote step locally",
			"workflow_id", req.WorkflowID,
			"step_id", req.StepID,
			"agent_type", req.AgentType)
	}
	return x.executeLocal(ctx, req, timeout)
}

func (x *Executor) executeLocal(ctx context.Context, req AgentRequest, timeout time.Duration) (*StepResult, error) {
	select {
	case x.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, WrapErr(KindCancellation, ctx.Err(), "step cancelled before start")
	}
	defer func() { <-x.slots }()

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	agent := x.agents.Lookup(req.AgentType)

	type outcome struct {
		res *StepResult
		err error
	}
	// Buffered so an abandoned agent can still deliver without leaking.
	done := make(chan outcome, 1)
	log.SafeGo("engine.step", func() {
		res, err := agent.Execute(stepCtx, req)
		done <- outcome{res, err}
	})

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		return normalizeResult(out.res), nil
	case <-stepCtx.Done():
	}

	// Context expired. Give the agent a grace window to notice, then abandon.
	select {
	case out := <-done:
		if out.err == nil && ctx.Err() == nil {
			return normalizeResult(out.res), nil
		}
	case <-time.After(x.cancelGrace):
		log.Warn(log.CatEngine, "abandoning unresponsive step",
			"workflow_id", req.WorkflowID,
			"step_id", req.StepID)
	}

	if ctx.Err() != nil {
		return nil, WrapErr(KindCancellation, ctx.Err(), "step cancelled")
	}
	return nil, fmt.Errorf("step timed out after %s", timeout)
}

func (x *Executor) executeRemote(ctx context.Context, req AgentRequest, timeout time.Duration) (*StepResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task := npu.Task{
		ID:         req.StepID,
		WorkflowID: req.WorkflowID,
		StepID:     req.StepID,
		AgentType:  req.AgentType,
		Action:     req.Action,
		Inputs:     req.Inputs,
		TimeoutSec: int(timeout / time.Second),
	}

	res, err := x.pool.Dispatch(stepCtx, task)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, WrapErr(KindCancellation, ctx.Err(), "remote step cancelled")
		case stepCtx.Err() != nil:
			return nil, fmt.Errorf("remote step timed out after %s", timeout)
		case errors.Is(err, npu.ErrNoWorkerAvailable), errors.Is(err, npu.ErrNoCapacity):
			return nil, WrapErr(KindNoCapacity, err, "no worker capacity")
		default:
			return nil, WrapErr(KindWorkerTransport, err, "worker dispatch failed")
		}
	}

	out := &StepResult{
		Status: res.Status,
		Error:  res.Error,
		Metadata: map[string]any{
			"transport":   "npu",
			"duration_ms": res.DurationMS,
		},
	}
	if len(res.Result) > 0 {
		var decoded any
		if err := json.Unmarshal(res.Result, &decoded); err == nil {
			out.Result = decoded
		} else {
			out.Result = string(res.Result)
		}
	}
	return normalizeResult(out), nil
}

// normalizeResult coerces executor output to {status, result, error?,
// metadata?} with status success or error.
func normalizeResult(res *StepResult) *StepResult {
	if res == nil {
		return &StepResult{Status: "success"}
	}
	out := *res
	switch out.Status {
	case "success", "error":
	case "ok", "":
		if out.Error != "" {
			out.Status = "error"
		} else {
			out.Status = "success"
		}
	default:
		if out.Error != "" {
			out.Status = "error"
		} else {
			out.Status = "success"
		}
	}
	if out.Status == "error" && out.Error == "" {
		out.Error = "step reported failure without detail"
	}
	return &out
}
