// Package core assembles the cadre daemon from one Config: event bus,
// approval gate, plan registry, worker pool, workflow engine, metrics
// collector, terminal store, and trace exporter. Nothing here is a global;
// tests build as many cores as they need.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/cadre/internal/bus"
	"github.com/zjrosen/cadre/internal/config"
	"github.com/zjrosen/cadre/internal/engine"
	"github.com/zjrosen/cadre/internal/gate"
	"github.com/zjrosen/cadre/internal/log"
	"github.com/zjrosen/cadre/internal/metrics"
	"github.com/zjrosen/cadre/internal/npu"
	"github.com/zjrosen/cadre/internal/plan"
	"github.com/zjrosen/cadre/internal/store"
	"github.com/zjrosen/cadre/internal/tracing"
)

const (
	// DefaultListLimit caps Workflows when the caller does not.
	DefaultListLimit = 50

	archiveTimeout  = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Options carries the optional wiring New cannot derive from the config.
type Options struct {
	// ConfigPath, when set, lets runtime strategy changes persist back to
	// the loaded config file.
	ConfigPath string

	// Transport overrides the default websocket transport. Tests pair
	// in-process fakes through it.
	Transport npu.Transport
}

// Core owns every long-lived component of the daemon and exposes the
// in-process API the HTTP layer speaks.
type Core struct {
	cfg        config.Config
	configPath string

	provider *tracing.Provider
	bus      *bus.Bus
	gate     *gate.Gate
	plans    *plan.Registry
	store    *store.Store
	pool     *npu.Pool
	metrics  *metrics.Collector
	engine   *engine.Engine

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and wires the full component graph. The returned core is
// idle until Start; Close releases everything it opened.
func New(cfg config.Config, opts Options) (*Core, error) {
	if cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = config.DefaultTracesFilePath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     config.ExpandHome(cfg.Tracing.FilePath),
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	b := bus.New(bus.Config{
		QueueCapacity:      cfg.AdapterQueueCapacity,
		CriticalBlockGrace: cfg.CriticalBlockGrace,
	})
	g := gate.New(b, gate.Config{DefaultTimeout: cfg.ApprovalTimeoutDefault})

	plans, err := plan.NewRegistry(config.ExpandHome(cfg.Plans.UserDir))
	if err != nil {
		b.Close()
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("plan registry: %w", err)
	}

	st, err := store.Open(config.ExpandHome(cfg.Database.Path))
	if err != nil {
		g.Close()
		b.Close()
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("store: %w", err)
	}

	tr := opts.Transport
	if tr == nil {
		tr = npu.NewWSTransport()
	}
	pc := cfg.PoolConfig()
	pc.Tracer = provider.Tracer()
	pool := npu.NewPool(b, tr, pc)

	collector := metrics.New(metrics.Options{Pool: pool, Bus: b})

	c := &Core{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		provider:   provider,
		bus:        b,
		gate:       g,
		plans:      plans,
		store:      st,
		pool:       pool,
		metrics:    collector,
	}

	eng, err := engine.New(engine.Config{
		Bus:                    b,
		Gate:                   g,
		Plans:                  plans,
		Pool:                   pool,
		Recorder:               collector,
		OnTerminal:             c.archiveTerminal,
		Tracer:                 provider.Tracer(),
		MaxConcurrentWorkflows: cfg.MaxConcurrentWorkflows,
		ApprovalTimeout:        cfg.ApprovalTimeoutDefault,
		StepTimeout:            cfg.StepTimeoutDefault,
		LocalSlots:             cfg.LocalWorkerSlots,
		TerminalRetention:      cfg.RetentionInterval,
	})
	if err != nil {
		_ = pool.Close()
		g.Close()
		b.Close()
		_ = st.Close()
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("engine: %w", err)
	}
	c.engine = eng

	return c, nil
}

// Start launches the background loops: gate sweeper, heartbeat monitor,
// worker gauge watcher, and plan hot reload when configured. It returns
// immediately; the loops run until ctx is cancelled or Close is called.
func (c *Core) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.gate.Start(runCtx)
	c.pool.Start(runCtx)
	c.metrics.WatchWorkers(runCtx, c.bus)

	if c.cfg.Plans.HotReload {
		if err := c.plans.Watch(runCtx); err != nil {
			// Continue without hot reload - plans still load, edits need
			// a restart.
			log.Warn(log.CatPlan, "plan hot reload unavailable", "error", err.Error())
		}
	}

	log.Info(log.CatEngine, "core started",
		"strategy", c.pool.Strategy(),
		"plans", len(c.plans.List()),
		"max_concurrent_workflows", c.cfg.MaxConcurrentWorkflows)
	return nil
}

// Close tears the core down in dependency order: engine first so in-flight
// workflows cancel and archive, then the gate, pool, bus, store, and trace
// exporter. Safe to call more than once.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.engine.Close()
		c.gate.Close()
		poolErr := c.pool.Close()
		c.bus.Close()
		storeErr := c.store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		traceErr := c.provider.Shutdown(ctx)

		c.closeErr = errors.Join(poolErr, storeErr, traceErr)
	})
	return c.closeErr
}

// archiveTerminal writes the final snapshot to the store. Runs on the
// workflow goroutine after the terminal event is published.
func (c *Core) archiveTerminal(snap engine.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := c.store.SaveTerminal(ctx, snap); err != nil {
		log.ErrorErr(log.CatStore, "terminal record not archived", err, "workflow_id", snap.ID)
	}
}

// Execute admits a workflow and runs it asynchronously.
func (c *Core) Execute(ctx context.Context, req engine.ExecuteRequest) (engine.Snapshot, error) {
	return c.engine.Execute(ctx, req)
}

// Workflow returns a live snapshot, falling back to the archive for
// workflows already evicted from memory.
func (c *Core) Workflow(ctx context.Context, id string) (engine.Snapshot, error) {
	snap, err := c.engine.Get(id)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, engine.ErrWorkflowNotFound) {
		return engine.Snapshot{}, err
	}

	snap, serr := c.store.GetWorkflow(ctx, id)
	if serr == nil {
		return snap, nil
	}
	if errors.Is(serr, store.ErrNotFound) {
		return engine.Snapshot{}, engine.ErrWorkflowNotFound
	}
	return engine.Snapshot{}, serr
}

// Workflows lists live workflows merged with recent archived ones, newest
// first. status filters when non-empty; limit caps the result (default
// DefaultListLimit). The archive contributes at most limit records per call.
func (c *Core) Workflows(ctx context.Context, status string, limit int) ([]engine.Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	live := c.engine.List()
	seen := make(map[string]struct{}, len(live))
	for _, s := range live {
		seen[s.ID] = struct{}{}
	}

	archived, err := c.store.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}

	merged := append([]engine.Summary{}, live...)
	for _, s := range archived {
		if _, ok := seen[s.ID]; ok {
			// The live copy wins while the retention window overlaps the
			// archive.
			continue
		}
		merged = append(merged, s)
	}

	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].ID > merged[j].ID
	})

	out := make([]engine.Summary, 0, min(limit, len(merged)))
	for _, s := range merged {
		if status != "" && string(s.Status) != status {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Approve resolves a pending approval for the given step.
func (c *Core) Approve(workflowID, stepID string, approved bool, userInput string) error {
	return c.engine.Approve(workflowID, stepID, approved, userInput)
}

// Cancel stops a running workflow.
func (c *Core) Cancel(workflowID string) error {
	return c.engine.Cancel(workflowID)
}

// SetStrategy switches the pool's load balancing at runtime and, when the
// core knows its config file, persists the change.
func (c *Core) SetStrategy(s npu.Strategy) error {
	if err := c.pool.SetStrategy(s); err != nil {
		return err
	}
	if c.configPath != "" {
		if err := config.SaveStrategy(c.configPath, s); err != nil {
			// Continue with the in-memory change - a failed write only
			// costs persistence across restarts.
			log.Warn(log.CatConfig, "strategy change not persisted", "path", c.configPath, "error", err.Error())
		}
	}
	return nil
}

// Health is the liveness answer for GET /healthz.
type Health struct {
	Status          string `json:"status"`
	ActiveWorkflows int    `json:"active_workflows"`
	WorkersOnline   int    `json:"workers_online"`
	WorkersTotal    int    `json:"workers_total"`
}

// Health reports liveness and headline counts.
func (c *Core) Health() Health {
	totals := c.pool.Status().Totals
	return Health{
		Status:          "ok",
		ActiveWorkflows: c.engine.ActiveCount(),
		WorkersOnline:   totals.Online,
		WorkersTotal:    totals.Workers,
	}
}

// Bus exposes the event bus for SSE adapters.
func (c *Core) Bus() *bus.Bus { return c.bus }

// Pool exposes the worker pool for pairing and heartbeat endpoints.
func (c *Core) Pool() *npu.Pool { return c.pool }

// Plans exposes the template registry.
func (c *Core) Plans() *plan.Registry { return c.plans }

// Metrics exposes the collector for the scrape endpoint.
func (c *Core) Metrics() *metrics.Collector { return c.metrics }

// Store exposes the terminal archive for rollup queries.
func (c *Core) Store() *store.Store { return c.store }

// Tracer exposes the daemon tracer for HTTP middleware.
func (c *Core) Tracer() trace.Tracer { return c.provider.Tracer() }
