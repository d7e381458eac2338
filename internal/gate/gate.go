// Package gate holds the pending-approval table. Each risky step parks on a
// single-shot future registered here; a decision arriving on any ingress
// channel, a deadline expiry, or a workflow cancellation resolves it exactly
// once.
package gate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/cadre/internal/bus"
	"github.com/zjrosen/cadre/internal/log"
)

const (
	DefaultTimeout       = time.Hour
	DefaultSweepInterval = 30 * time.Second

	// resolvedRetention bounds how long a resolved key still answers
	// ErrAlreadyResolved before the sweeper forgets it.
	resolvedRetention = 5 * time.Minute
)

var (
	ErrAlreadyPending  = errors.New("approval already pending for step")
	ErrAlreadyResolved = errors.New("approval already resolved")
	ErrNotPending      = errors.New("no pending approval for step")
	ErrGateClosed      = errors.New("approval gate closed")
)

type Decision string

const (
	DecisionApproved  Decision = "approved"
	DecisionDenied    Decision = "denied"
	DecisionCancelled Decision = "cancelled"
	DecisionTimeout   Decision = "timeout"
)

// Resolution is the one value delivered on a registered future.
type Resolution struct {
	Decision   Decision
	Approved   bool
	UserInput  string
	ResolvedAt time.Time
}

// Request describes one approval suspension point. A zero Deadline defaults
// to now + Config.DefaultTimeout.
type Request struct {
	WorkflowID  string
	StepID      string
	Description string
	Action      string
	Deadline    time.Time
}

// Record is a copy-out snapshot of one pending approval.
type Record struct {
	WorkflowID  string
	StepID      string
	Description string
	Action      string
	RequestedAt time.Time
	Deadline    time.Time
}

type Config struct {
	DefaultTimeout time.Duration
	SweepInterval  time.Duration
}

type key struct {
	workflowID string
	stepID     string
}

type pendingRecord struct {
	req         Request
	requestedAt time.Time
	deadline    time.Time
	ch          chan Resolution
	timer       *time.Timer
}

// Gate is the approval registry. Futures resolve first-writer-wins; the
// per-record timer handles the common timeout path and a periodic sweep
// backstops it.
type Gate struct {
	b   *bus.Bus
	cfg Config

	mu       sync.Mutex
	pending  map[key]*pendingRecord
	resolved map[key]time.Time
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(b *bus.Bus, cfg Config) *Gate {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Gate{
		b:        b,
		cfg:      cfg,
		pending:  make(map[key]*pendingRecord),
		resolved: make(map[key]time.Time),
		stop:     make(chan struct{}),
	}
}

// Start launches the deadline sweeper. It returns immediately; the sweeper
// runs until ctx is cancelled or Close is called.
func (g *Gate) Start(ctx context.Context) {
	g.wg.Add(1)
	log.SafeGo("gate.sweep", func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-ticker.C:
				g.sweep(time.Now())
			}
		}
	})
}

// Register inserts a pending record for (workflow, step) and publishes
// workflow.approval.required. The returned channel receives exactly one
// Resolution; exactly one caller should await it.
func (g *Gate) Register(req Request) (<-chan Resolution, error) {
	now := time.Now()
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = now.Add(g.cfg.DefaultTimeout)
	}
	k := key{req.WorkflowID, req.StepID}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrGateClosed
	}
	if _, ok := g.pending[k]; ok {
		g.mu.Unlock()
		return nil, ErrAlreadyPending
	}
	rec := &pendingRecord{
		req:         req,
		requestedAt: now,
		deadline:    deadline,
		ch:          make(chan Resolution, 1),
	}
	rec.timer = time.AfterFunc(time.Until(deadline), func() { g.expire(k) })
	g.pending[k] = rec
	delete(g.resolved, k)
	g.mu.Unlock()

	log.Info(log.CatGate, "approval registered",
		"workflow_id", req.WorkflowID,
		"step_id", req.StepID,
		"deadline", deadline.Format(time.RFC3339))

	g.b.Publish(bus.NewEvent(bus.TopicApprovalRequired, bus.ApprovalRequired{
		WorkflowID:  req.WorkflowID,
		StepID:      req.StepID,
		Description: req.Description,
		Action:      req.Action,
		Deadline:    deadline,
	}).WithWorkflow(req.WorkflowID))

	return rec.ch, nil
}

// Resolve delivers a user decision. The first resolver wins; later calls for
// the same key report ErrAlreadyResolved until the sweeper forgets the key.
func (g *Gate) Resolve(workflowID, stepID string, approved bool, userInput string) error {
	decision := DecisionDenied
	if approved {
		decision = DecisionApproved
	}
	res := Resolution{
		Decision:   decision,
		Approved:   approved,
		UserInput:  userInput,
		ResolvedAt: time.Now(),
	}

	k := key{workflowID, stepID}
	g.mu.Lock()
	rec, ok := g.pending[k]
	if !ok {
		_, wasResolved := g.resolved[k]
		g.mu.Unlock()
		if wasResolved {
			return ErrAlreadyResolved
		}
		return ErrNotPending
	}
	g.removeLocked(k, rec, true)
	g.mu.Unlock()

	// Publish before waking the waiter so the resolved event is sequenced
	// ahead of whatever the engine emits next.
	g.publishResolved(k, res)
	rec.ch <- res
	log.Info(log.CatGate, "approval resolved",
		"workflow_id", workflowID,
		"step_id", stepID,
		"decision", string(decision))
	return nil
}

// CancelForWorkflow resolves every pending approval of one workflow as
// cancelled and reports how many it resolved. Resolved-key memory for the
// workflow is dropped too; nothing outlives the workflow here.
func (g *Gate) CancelForWorkflow(workflowID string) int {
	type hit struct {
		k   key
		rec *pendingRecord
	}

	g.mu.Lock()
	var hits []hit
	for k, rec := range g.pending {
		if k.workflowID == workflowID {
			hits = append(hits, hit{k, rec})
		}
	}
	for _, h := range hits {
		g.removeLocked(h.k, h.rec, false)
	}
	for k := range g.resolved {
		if k.workflowID == workflowID {
			delete(g.resolved, k)
		}
	}
	g.mu.Unlock()

	res := Resolution{Decision: DecisionCancelled, ResolvedAt: time.Now()}
	for _, h := range hits {
		g.publishResolved(h.k, res)
		h.rec.ch <- res
	}
	if len(hits) > 0 {
		log.Info(log.CatGate, "approvals cancelled",
			"workflow_id", workflowID,
			"count", len(hits))
	}
	return len(hits)
}

// Pending returns a snapshot sorted by workflow then step id.
func (g *Gate) Pending() []Record {
	g.mu.Lock()
	out := make([]Record, 0, len(g.pending))
	for _, rec := range g.pending {
		out = append(out, Record{
			WorkflowID:  rec.req.WorkflowID,
			StepID:      rec.req.StepID,
			Description: rec.req.Description,
			Action:      rec.req.Action,
			RequestedAt: rec.requestedAt,
			Deadline:    rec.deadline,
		})
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkflowID != out[j].WorkflowID {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].StepID < out[j].StepID
	})
	return out
}

func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Close resolves all pending futures as cancelled and stops the sweeper.
// Safe to call more than once.
func (g *Gate) Close() {
	type hit struct {
		k   key
		rec *pendingRecord
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.wg.Wait()
		return
	}
	g.closed = true
	var hits []hit
	for k, rec := range g.pending {
		hits = append(hits, hit{k, rec})
	}
	for _, h := range hits {
		g.removeLocked(h.k, h.rec, false)
	}
	g.resolved = make(map[key]time.Time)
	close(g.stop)
	g.mu.Unlock()

	res := Resolution{Decision: DecisionCancelled, ResolvedAt: time.Now()}
	for _, h := range hits {
		g.publishResolved(h.k, res)
		h.rec.ch <- res
	}
	g.wg.Wait()
}

// expire resolves one key as timed out. Called from the per-record timer and
// from the sweeper; whichever finds the record first wins.
func (g *Gate) expire(k key) {
	g.mu.Lock()
	rec, ok := g.pending[k]
	if !ok {
		g.mu.Unlock()
		return
	}
	g.removeLocked(k, rec, true)
	g.mu.Unlock()

	res := Resolution{Decision: DecisionTimeout, ResolvedAt: time.Now()}
	g.publishResolved(k, res)
	rec.ch <- res
	log.Warn(log.CatGate, "approval timed out",
		"workflow_id", k.workflowID,
		"step_id", k.stepID)
}

// removeLocked unlinks a record. Caller holds g.mu. The single send on
// rec.ch happens after unlock; map removal under the lock is what makes the
// send exclusive.
func (g *Gate) removeLocked(k key, rec *pendingRecord, tombstone bool) {
	delete(g.pending, k)
	if rec.timer != nil {
		rec.timer.Stop()
	}
	if tombstone {
		g.resolved[k] = time.Now()
	}
}

func (g *Gate) sweep(now time.Time) {
	g.mu.Lock()
	var expired []key
	for k, rec := range g.pending {
		if rec.deadline.Before(now) {
			expired = append(expired, k)
		}
	}
	for k, at := range g.resolved {
		if now.Sub(at) > resolvedRetention {
			delete(g.resolved, k)
		}
	}
	g.mu.Unlock()

	for _, k := range expired {
		g.expire(k)
	}
}

func (g *Gate) publishResolved(k key, res Resolution) {
	g.b.Publish(bus.NewEvent(bus.TopicApprovalResolved, bus.ApprovalResolved{
		WorkflowID: k.workflowID,
		StepID:     k.stepID,
		Decision:   string(res.Decision),
		Approved:   res.Approved,
		Timeout:    res.Decision == DecisionTimeout,
		UserInput:  res.UserInput,
	}).WithWorkflow(k.workflowID))
}
