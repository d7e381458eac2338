package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/zjrosen/cadre/internal/log"
	"github.com/zjrosen/cadre/internal/plan"
)

// Classifier maps a user request to a plan classification. The algorithm is
// an injected dependency; KeywordClassifier is the built-in default.
type Classifier interface {
	Classify(ctx context.Context, request string) (plan.Classification, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, request string) (plan.Classification, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, request string) (plan.Classification, error) {
	return f(ctx, request)
}

// classifierKeywords drive the default classifier. A request hitting two or
// more categories classifies as composite.
var classifierKeywords = map[plan.Classification][]string{
	plan.ClassSecurityScan: {
		"scan", "vulnerab", "cve", "exploit", "pentest", "audit", "open port",
	},
	plan.ClassNetworkDiscovery: {
		"network", "discover", "subnet", "topology", "enumerate hosts", "ping sweep",
	},
	plan.ClassResearch: {
		"research", "investigate", "look up", "find out", "summarize", "compare",
	},
}

// KeywordClassifier is the default zero-dependency classifier. It is
// deliberately coarse; hosts wanting smarter routing inject their own.
type KeywordClassifier struct{}

// Classify implements Classifier by keyword match.
func (KeywordClassifier) Classify(_ context.Context, request string) (plan.Classification, error) {
	lower := strings.ToLower(request)

	var matched []plan.Classification
	for _, c := range []plan.Classification{
		plan.ClassSecurityScan,
		plan.ClassNetworkDiscovery,
		plan.ClassResearch,
	} {
		for _, kw := range classifierKeywords[c] {
			if strings.Contains(lower, kw) {
				matched = append(matched, c)
				break
			}
		}
	}

	switch len(matched) {
	case 0:
		return plan.ClassSimple, nil
	case 1:
		return matched[0], nil
	default:
		return plan.ClassComposite, nil
	}
}

// Planner materializes a classified request into ordered steps using the
// template registry.
type Planner struct {
	plans      *plan.Registry
	classifier Classifier
}

// NewPlanner creates a planner. A nil classifier falls back to
// KeywordClassifier.
func NewPlanner(plans *plan.Registry, classifier Classifier) *Planner {
	if classifier == nil {
		classifier = KeywordClassifier{}
	}
	return &Planner{plans: plans, classifier: classifier}
}

// Plan classifies the workflow's request and fills in its step list.
// Failures are reported with the planning kind.
func (p *Planner) Plan(ctx context.Context, wf *Workflow) error {
	c, err := p.classifier.Classify(ctx, wf.Request)
	if err != nil {
		return WrapErr(KindPlanning, err, "classification failed")
	}
	if !c.IsValid() {
		return E(KindPlanning, "classifier returned unknown classification %q", c)
	}

	tmpl, ok := p.plans.ForClassification(c)
	if !ok {
		return E(KindPlanning, "no plan template for classification %s", c)
	}
	if len(tmpl.Steps) == 0 {
		return E(KindPlanning, "plan template %s has no steps", tmpl.ID)
	}

	steps := make([]*Step, 0, len(tmpl.Steps))
	var agents []string
	seen := make(map[string]bool)
	for i, st := range tmpl.Steps {
		steps = append(steps, &Step{
			ID:               fmt.Sprintf("step_%d", i+1),
			Index:            i,
			Description:      interpolate(st.Description, wf.Request),
			AgentType:        st.AgentType,
			Action:           interpolate(st.Action, wf.Request),
			Inputs:           interpolateInputs(st.Inputs, wf.Request),
			RequiresApproval: st.RequiresApproval,
			Remote:           st.Remote,
			TimeoutSec:       st.TimeoutSec,
			Status:           StepPending,
		})
		if !seen[st.AgentType] {
			seen[st.AgentType] = true
			agents = append(agents, st.AgentType)
		}
	}

	summary := strings.TrimSpace(interpolate(tmpl.Description, wf.Request))
	if summary == "" {
		summary = fmt.Sprintf("%s plan with %d steps", c, len(steps))
	}

	wf.mu.Lock()
	wf.classification = c
	wf.templateID = tmpl.ID
	wf.planSummary = summary
	wf.agentsInvolved = agents
	wf.steps = steps
	wf.mu.Unlock()

	log.Debug(log.CatEngine, "workflow planned",
		"workflow_id", wf.ID,
		"classification", string(c),
		"template", tmpl.ID,
		"steps", len(steps))
	return nil
}

// interpolate substitutes the {{request}} placeholder.
func interpolate(s, request string) string {
	return strings.ReplaceAll(s, "{{request}}", request)
}

// interpolateInputs copies inputs, substituting placeholders in string
// values. Non-string values pass through untouched.
func interpolateInputs(in map[string]any, request string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = interpolate(s, request)
		} else {
			out[k] = v
		}
	}
	return out
}
