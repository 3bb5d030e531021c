// Package policy implements the declarative rule engine that decides what
// happens to a classified prompt: answer it automatically, escalate to a
// human, deny it, or rate-limit it. Evaluation is first-match-wins and pure;
// the only external state is the token bucket, injected by the caller.
package policy

import (
	"fmt"
	"strings"

	"github.com/attendhq/attend/pkg/protocol"
)

// ActionKind enumerates rule outcomes.
type ActionKind string

const (
	ActionAutoReply    ActionKind = "auto_reply"
	ActionRequireHuman ActionKind = "require_human"
	ActionDeny         ActionKind = "deny"
	ActionRateLimit    ActionKind = "rate_limit"
)

// Policy is the immutable, validated form of a policy file.
type Policy struct {
	Version      int                   `yaml:"policy_version"`
	AutonomyMode string                `yaml:"autonomy_mode"`
	Rules        []Rule                `yaml:"rules"`
	Defaults     Defaults              `yaml:"defaults"`
	mode         protocol.AutonomyMode // parsed AutonomyMode
}

// Mode returns the parsed autonomy mode.
func (p *Policy) Mode() protocol.AutonomyMode { return p.mode }

// WithMode returns a shallow copy carrying a different autonomy mode.
// Config and the autopilot command override the file's mode this way
// without touching the validated rule set.
func (p *Policy) WithMode(mode protocol.AutonomyMode) *Policy {
	cp := *p
	cp.mode = mode
	return &cp
}

// Defaults cover the two situations no rule answers.
type Defaults struct {
	NoMatch       string `yaml:"no_match"`        // require_human (safe default) or deny
	LowConfidence string `yaml:"low_confidence"`  // behaviour when confidence is LOW
	SafeDefault   bool   `yaml:"safe_default"`    // inject kind-specific safe bytes on TTL expiry
}

// Rule is one ordered policy entry.
type Rule struct {
	ID         string      `yaml:"id"`
	Extends    string      `yaml:"extends,omitempty"`
	Match      Match       `yaml:"match"`
	Action     ActionKind  `yaml:"action"`
	Value      string      `yaml:"value,omitempty"`       // for auto_reply
	RateBudget *RateBudget `yaml:"rate_budget,omitempty"` // per-rule token bucket override
}

// Match is the conjunction of rule criteria; empty fields always pass.
type Match struct {
	PromptTypes   []string `yaml:"prompt_type,omitempty"`
	MinConfidence string   `yaml:"min_confidence,omitempty"`
	MaxConfidence string   `yaml:"max_confidence,omitempty"`
	AnyOf         []string `yaml:"any_of,omitempty"`  // substring or "re:"-prefixed pattern
	NoneOf        []string `yaml:"none_of,omitempty"`
	SessionTag    string   `yaml:"session_tag,omitempty"`
}

// RateBudget is a token-bucket allowance.
type RateBudget struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// DefaultRateBudget applies when a rate_limit rule names no budget.
var DefaultRateBudget = RateBudget{PerMinute: 10, Burst: 3}

// Input is the view of a prompt the evaluator sees.
type Input struct {
	Kind       protocol.PromptKind
	Confidence protocol.Confidence
	Excerpt    string
	SessionTag string
	Identity   string // for rate-bucket keying
	Channel    string
}

// Decision is the evaluator's verdict plus the audit trail of how it got there.
type Decision struct {
	Action      ActionKind       `json:"action"`
	Value       string           `json:"value,omitempty"`
	RuleID      string           `json:"rule_id,omitempty"`
	Reason      string           `json:"reason"`
	Evaluations []RuleEvaluation `json:"rule_evaluations"`
}

// RuleEvaluation explains one rule's outcome for the decision trace.
type RuleEvaluation struct {
	RuleID           string `json:"rule_id"`
	Matched          bool   `json:"matched"`
	FailingCriterion string `json:"failing_criterion,omitempty"`
	Diagnostic       string `json:"diagnostic,omitempty"` // e.g. aborted pattern evaluation
}

func parseConfidence(s string) (protocol.Confidence, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case "high":
		return protocol.ConfidenceHigh, nil
	case "med", "medium":
		return protocol.ConfidenceMed, nil
	case "low":
		return protocol.ConfidenceLow, nil
	}
	return "", fmt.Errorf("unknown confidence %q", s)
}
