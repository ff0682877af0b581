// Package permission implements the per-call policy evaluator: a three-list
// pattern policy with deny-over-allow-over-ask precedence, plus the
// capability-level approval-mode inference used when a capability is loaded.
package permission

import (
	"strings"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/toolid"
)

// Verdict is the outcome of evaluating a single tool id against a policy.
type Verdict string

const (
	Allow Verdict = "allow"
	Deny  Verdict = "deny"
	Ask   Verdict = "ask"
)

// Policy holds the three disjoint pattern lists from the data model.
// Patterns are "*", "ns:*", or an exact ToolId.
type Policy struct {
	AllowPatterns []string
	DenyPatterns  []string
	AskPatterns   []string
}

func matches(pattern, toolID string) bool {
	if pattern == "*" {
		return true
	}
	if ns, ok := strings.CutSuffix(pattern, ":*"); ok {
		return toolid.Namespace(toolID) == ns
	}
	return pattern == toolID
}

func anyMatches(patterns []string, toolID string) bool {
	for _, p := range patterns {
		if matches(p, toolID) {
			return true
		}
	}
	return false
}

// Check evaluates toolID against policy with precedence deny > allow > ask >
// default-ask.
func Check(toolID string, policy Policy) Verdict {
	if anyMatches(policy.DenyPatterns, toolID) {
		return Deny
	}
	if anyMatches(policy.AllowPatterns, toolID) {
		return Allow
	}
	if anyMatches(policy.AskPatterns, toolID) {
		return Ask
	}
	return Ask
}

// CapabilityMode is the inferred approval requirement for a capability given
// the verdicts of all the tools it uses.
type CapabilityMode string

const (
	// ModeAuto means the capability can run with no human gating.
	ModeAuto CapabilityMode = "auto"
	// ModeHumanGated means at least one tool requires ask.
	ModeHumanGated CapabilityMode = "human-gated"
	// ModeBlocked means at least one tool is denied outright.
	ModeBlocked CapabilityMode = "blocked"
)

// CapabilityResult names the first blocking tool, if any, so callers can
// report *why* a capability was blocked or gated without re-deriving it.
type CapabilityResult struct {
	Mode          CapabilityMode
	BlockingTool  string // set when Mode == ModeBlocked or ModeHumanGated
}

// InferCapabilityMode evaluates every tool a capability uses against policy
// and returns the composite verdict. An empty tool set is pure compute and
// is always auto.
func InferCapabilityMode(tools []string, policy Policy) CapabilityResult {
	if len(tools) == 0 {
		return CapabilityResult{Mode: ModeAuto}
	}

	for _, t := range tools {
		if Check(t, policy) == Deny {
			return CapabilityResult{Mode: ModeBlocked, BlockingTool: t}
		}
	}

	for _, t := range tools {
		if Check(t, policy) == Ask {
			return CapabilityResult{Mode: ModeHumanGated, BlockingTool: t}
		}
	}

	return CapabilityResult{Mode: ModeAuto}
}
