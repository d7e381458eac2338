// Package plan manages workflow plan templates: the built-in set shipped
// with the daemon plus user-defined overrides, hot-reloaded from disk.
package plan

import (
	"fmt"
)

// Classification buckets a user request into a plan family. Derived once at
// plan time.
type Classification string

const (
	ClassSimple           Classification = "simple"
	ClassSecurityScan     Classification = "security_scan"
	ClassNetworkDiscovery Classification = "network_discovery"
	ClassResearch         Classification = "research"
	ClassComposite        Classification = "composite"
)

// AllClassifications lists every plan family, in display order.
func AllClassifications() []Classification {
	return []Classification{
		ClassSimple,
		ClassSecurityScan,
		ClassNetworkDiscovery,
		ClassResearch,
		ClassComposite,
	}
}

func ParseClassification(s string) (Classification, error) {
	switch Classification(s) {
	case ClassSimple, ClassSecurityScan, ClassNetworkDiscovery, ClassResearch, ClassComposite:
		return Classification(s), nil
	default:
		return "", fmt.Errorf("unknown classification %q", s)
	}
}

// IsValid returns true if this is a recognized Classification value.
func (c Classification) IsValid() bool {
	_, err := ParseClassification(string(c))
	return err == nil
}

// Source indicates where a plan template originated from.
type Source int

const (
	// SourceBuiltIn indicates a template bundled with the daemon.
	SourceBuiltIn Source = iota
	// SourceUser indicates a template from the user's plan directory.
	SourceUser
)

func (s Source) String() string {
	switch s {
	case SourceBuiltIn:
		return "built-in"
	case SourceUser:
		return "user"
	default:
		return "unknown"
	}
}

// StepTemplate is one step blueprint inside a plan template. Action strings
// may carry a {{request}} placeholder the planner fills with the user
// message.
type StepTemplate struct {
	Description      string         `yaml:"description"`
	AgentType        string         `yaml:"agent_type"`
	Action           string         `yaml:"action"`
	Inputs           map[string]any `yaml:"inputs,omitempty"`
	RequiresApproval bool           `yaml:"requires_approval,omitempty"`
	Remote           bool           `yaml:"remote,omitempty"`
	TimeoutSec       int            `yaml:"timeout_sec,omitempty"`
}

// Template is a parsed plan template.
type Template struct {
	// ID is derived from the filename (e.g. "security_scan" from
	// "security_scan.md").
	ID string

	Name           string
	Description    string
	Classification Classification
	Steps          []StepTemplate

	// Summary is the markdown body following the frontmatter.
	Summary string

	Source   Source
	FilePath string
}
