package engine

import (
	"context"
	"sort"
	"sync"
)

// Built-in agent type names. Plan templates reference these; unknown names
// fall through to the registry's fallback agent.
const (
	AgentOrchestrator     = "orchestrator"
	AgentLocalEcho        = "local_echo"
	AgentResearch         = "research"
	AgentLibrarian        = "librarian"
	AgentSecurityScanner  = "security_scanner"
	AgentNetworkDiscovery = "network_discovery"
)

// AgentRequest is the value view of a step handed to an agent. Agents never
// see the mutable aggregate.
type AgentRequest struct {
	WorkflowID  string
	StepID      string
	AgentType   string
	Description string
	Action      string
	Inputs      map[string]any
}

// Agent executes one step in-process. Implementations must honor ctx and
// return either a normalized result or an error; both are classified by the
// engine.
type Agent interface {
	Execute(ctx context.Context, req AgentRequest) (*StepResult, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, req AgentRequest) (*StepResult, error)

// Execute implements Agent.
func (f AgentFunc) Execute(ctx context.Context, req AgentRequest) (*StepResult, error) {
	return f(ctx, req)
}

// AgentRegistry maps agent type names to local handlers. Lookup falls back
// to a default agent for unknown names.
type AgentRegistry struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	fallback Agent
}

// NewAgentRegistry creates an empty registry with the orchestrator agent as
// fallback.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents:   make(map[string]Agent),
		fallback: AgentFunc(orchestratorAgent),
	}
}

// DefaultAgents returns a registry with every built-in handler registered.
func DefaultAgents() *AgentRegistry {
	r := NewAgentRegistry()
	r.Register(AgentOrchestrator, AgentFunc(orchestratorAgent))
	r.Register(AgentLocalEcho, AgentFunc(localEchoAgent))
	r.Register(AgentResearch, AgentFunc(researchAgent))
	r.Register(AgentLibrarian, AgentFunc(librarianAgent))
	r.Register(AgentSecurityScanner, AgentFunc(securityScannerAgent))
	r.Register(AgentNetworkDiscovery, AgentFunc(networkDiscoveryAgent))
	return r
}

// Register adds or replaces the handler for an agent type.
func (r *AgentRegistry) Register(name string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = a
}

// SetFallback replaces the handler used for unknown agent types.
func (r *AgentRegistry) SetFallback(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = a
}

// Lookup returns the handler for name, or the fallback when the name is
// unknown.
func (r *AgentRegistry) Lookup(name string) Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[name]; ok {
		return a
	}
	return r.fallback
}

// Names returns the registered agent types, sorted.
func (r *AgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stringInput reads a string value from the request inputs.
func stringInput(req AgentRequest, key, fallback string) string {
	if v, ok := req.Inputs[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// orchestratorAgent is the default handler. It acknowledges any action so a
// plan never dead-ends on an unknown agent type.
func orchestratorAgent(_ context.Context, req AgentRequest) (*StepResult, error) {
	return &StepResult{
		Status: "success",
		Result: map[string]any{
			"handled": req.Action,
			"note":    "handled by orchestrator",
		},
		Metadata: map[string]any{"agent": AgentOrchestrator},
	}, nil
}

// localEchoAgent returns the message input verbatim, or "ok" when none is
// given.
func localEchoAgent(_ context.Context, req AgentRequest) (*StepResult, error) {
	return &StepResult{
		Status:   "success",
		Result:   stringInput(req, "message", "ok"),
		Metadata: map[string]any{"agent": AgentLocalEcho},
	}, nil
}

func researchAgent(_ context.Context, req AgentRequest) (*StepResult, error) {
	topic := stringInput(req, "topic", req.Action)
	return &StepResult{
		Status: "success",
		Result: map[string]any{
			"topic":   topic,
			"summary": "collected background notes for: " + topic,
			"sources": []string{},
		},
		Metadata: map[string]any{"agent": AgentResearch},
	}, nil
}

func librarianAgent(_ context.Context, req AgentRequest) (*StepResult, error) {
	return &StepResult{
		Status: "success",
		Result: map[string]any{
			"archived":    true,
			"workflow_id": req.WorkflowID,
			"note":        "results catalogued for later retrieval",
		},
		Metadata: map[string]any{"agent": AgentLibrarian},
	}, nil
}

// securityScannerAgent is the in-process stand-in for scan steps that run
// without a paired worker. It plans the scan instead of probing anything.
func securityScannerAgent(_ context.Context, req AgentRequest) (*StepResult, error) {
	target := stringInput(req, "target", "localhost")
	return &StepResult{
		Status: "success",
		Result: map[string]any{
			"target":   target,
			"mode":     "dry_run",
			"findings": []string{},
			"note":     "no worker attached; scan recorded but not executed",
		},
		Metadata: map[string]any{"agent": AgentSecurityScanner},
	}, nil
}

// networkDiscoveryAgent mirrors securityScannerAgent for discovery steps.
func networkDiscoveryAgent(_ context.Context, req AgentRequest) (*StepResult, error) {
	network := stringInput(req, "network", "local")
	return &StepResult{
		Status: "success",
		Result: map[string]any{
			"network": network,
			"mode":    "dry_run",
			"hosts":   []string{},
		},
		Metadata: map[string]any{"agent": AgentNetworkDiscovery},
	}, nil
}
