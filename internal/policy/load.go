package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/attendhq/attend/pkg/protocol"
)

// ErrInvalidPolicy wraps every load-time validation failure so callers can
// map it to the policy-invalid exit code.
var ErrInvalidPolicy = errors.New("invalid policy")

// Load reads, resolves and validates a policy file. The returned policy is
// immutable; a reload builds a fresh one.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw YAML policy bytes.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidPolicy, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) validate() error {
	if p.Version < 1 {
		return fmt.Errorf("%w: policy_version must be >= 1", ErrInvalidPolicy)
	}

	mode, ok := protocol.ParseAutonomyMode(p.AutonomyMode)
	if !ok {
		return fmt.Errorf("%w: unknown autonomy_mode %q", ErrInvalidPolicy, p.AutonomyMode)
	}
	p.mode = mode

	if err := p.resolveExtends(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ID == "" {
			return fmt.Errorf("%w: rule %d has no id", ErrInvalidPolicy, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidPolicy, r.ID)
		}
		seen[r.ID] = true

		if err := r.validate(); err != nil {
			return err
		}
	}

	for _, d := range []string{p.Defaults.NoMatch, p.Defaults.LowConfidence} {
		switch strings.ToLower(d) {
		case "", "require_human", "deny":
		default:
			return fmt.Errorf("%w: default action %q (want require_human or deny)", ErrInvalidPolicy, d)
		}
	}
	return nil
}

func (r *Rule) validate() error {
	switch r.Action {
	case ActionAutoReply, ActionRequireHuman, ActionDeny, ActionRateLimit:
	default:
		return fmt.Errorf("%w: rule %s: unknown action %q", ErrInvalidPolicy, r.ID, r.Action)
	}

	minC, err := parseConfidence(r.Match.MinConfidence)
	if err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrInvalidPolicy, r.ID, err)
	}
	if _, err := parseConfidence(r.Match.MaxConfidence); err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrInvalidPolicy, r.ID, err)
	}
	for _, pt := range r.Match.PromptTypes {
		if !protocol.PromptKind(pt).Valid() {
			return fmt.Errorf("%w: rule %s: unknown prompt_type %q", ErrInvalidPolicy, r.ID, pt)
		}
	}

	if r.Action != ActionAutoReply {
		return nil
	}

	// Forbidden auto-reply configurations. These are rejected at load, not
	// at evaluation, so a dangerous policy never runs at all.
	for _, pt := range r.Match.PromptTypes {
		switch protocol.PromptKind(pt) {
		case protocol.KindFreeText, protocol.KindPassword, protocol.KindRawTerminal:
			return fmt.Errorf("%w: rule %s: auto_reply is forbidden for prompt_type %s",
				ErrInvalidPolicy, r.ID, pt)
		}
	}
	if len(r.Match.PromptTypes) == 0 {
		return fmt.Errorf("%w: rule %s: auto_reply rules must name explicit prompt_type values",
			ErrInvalidPolicy, r.ID)
	}
	if matchesKind(r.Match.PromptTypes, protocol.KindYesNo) && isAffirmative(r.Value) {
		if minC != protocol.ConfidenceHigh {
			return fmt.Errorf("%w: rule %s: auto-approving a YES_NO prompt requires min_confidence: high",
				ErrInvalidPolicy, r.ID)
		}
	}
	return nil
}

func matchesKind(types []string, kind protocol.PromptKind) bool {
	for _, t := range types {
		if protocol.PromptKind(t) == kind {
			return true
		}
	}
	return false
}

func isAffirmative(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes":
		return true
	}
	return false
}

// resolveExtends copies match criteria from the referenced rule into each
// extending rule, with the extender's own non-zero fields winning.
func (p *Policy) resolveExtends() error {
	byID := make(map[string]*Rule, len(p.Rules))
	for i := range p.Rules {
		byID[p.Rules[i].ID] = &p.Rules[i]
	}

	for i := range p.Rules {
		r := &p.Rules[i]
		if r.Extends == "" {
			continue
		}
		base, ok := byID[r.Extends]
		if !ok {
			return fmt.Errorf("%w: rule %s extends unknown rule %q", ErrInvalidPolicy, r.ID, r.Extends)
		}
		if base.Extends != "" {
			return fmt.Errorf("%w: rule %s: chained extends (via %s) is not supported", ErrInvalidPolicy, r.ID, r.Extends)
		}

		if len(r.Match.PromptTypes) == 0 {
			r.Match.PromptTypes = append([]string(nil), base.Match.PromptTypes...)
		}
		if r.Match.MinConfidence == "" {
			r.Match.MinConfidence = base.Match.MinConfidence
		}
		if r.Match.MaxConfidence == "" {
			r.Match.MaxConfidence = base.Match.MaxConfidence
		}
		if len(r.Match.AnyOf) == 0 {
			r.Match.AnyOf = append([]string(nil), base.Match.AnyOf...)
		}
		if len(r.Match.NoneOf) == 0 {
			r.Match.NoneOf = append([]string(nil), base.Match.NoneOf...)
		}
		if r.Match.SessionTag == "" {
			r.Match.SessionTag = base.Match.SessionTag
		}
	}
	return nil
}
