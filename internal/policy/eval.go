package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/attendhq/attend/pkg/protocol"
)

// patternBudget bounds a single pattern evaluation. RE2 matching is
// linear-time, but a pathological pattern against a large excerpt still gets
// cut off and counted as a non-match with a diagnostic.
const patternBudget = 100 * time.Millisecond

// BucketFn consumes one token for the given rule and reports whether the
// bucket still had capacity. Passing nil treats every bucket as full.
type BucketFn func(rule *Rule, in Input) bool

// Evaluate runs first-match-wins over the policy's ordered rules.
// Identical inputs always yield identical decisions and explanations; the
// token bucket is the only injected state, and its outcome is part of the
// recorded explanation.
func Evaluate(p *Policy, in Input, bucket BucketFn) Decision {
	evals := make([]RuleEvaluation, 0, len(p.Rules))

	// Autonomy OFF short-circuits: nothing executes automatically.
	if p.mode == protocol.AutonomyOff {
		return Decision{
			Action:      ActionRequireHuman,
			Reason:      "autonomy mode is OFF",
			Evaluations: evals,
		}
	}

	for i := range p.Rules {
		r := &p.Rules[i]
		ev := evaluateRule(r, in)
		if !ev.Matched {
			evals = append(evals, ev)
			continue
		}

		// ASSIST only trusts HIGH-confidence classifications with automatic
		// actions; anything weaker escalates even when a rule matched.
		if p.mode == protocol.AutonomyAssist && r.Action == ActionAutoReply &&
			in.Confidence != protocol.ConfidenceHigh {
			ev.Matched = false
			ev.FailingCriterion = "assist_mode_confidence"
			evals = append(evals, ev)
			continue
		}

		if r.Action == ActionRateLimit || r.RateBudget != nil {
			if bucket != nil && !bucket(r, in) {
				ev.Matched = false
				ev.FailingCriterion = "rate_budget"
				evals = append(evals, ev)
				continue
			}
		}

		evals = append(evals, ev)
		action := r.Action
		if action == ActionRateLimit {
			// A rate_limit rule with remaining budget behaves as require_human.
			action = ActionRequireHuman
		}
		return Decision{
			Action:      action,
			Value:       r.Value,
			RuleID:      r.ID,
			Reason:      fmt.Sprintf("rule %s matched", r.ID),
			Evaluations: evals,
		}
	}

	// No rule matched: defaults decide, with LOW confidence handled first.
	if in.Confidence == protocol.ConfidenceLow {
		return Decision{
			Action:      defaultAction(p.Defaults.LowConfidence),
			Reason:      "no rule matched and confidence is LOW",
			Evaluations: evals,
		}
	}
	return Decision{
		Action:      defaultAction(p.Defaults.NoMatch),
		Reason:      "no rule matched",
		Evaluations: evals,
	}
}

func defaultAction(configured string) ActionKind {
	if strings.EqualFold(configured, "deny") {
		return ActionDeny
	}
	return ActionRequireHuman
}

// evaluateRule checks every criterion in a fixed order and names the first
// failing one, which is what the decision trace records.
func evaluateRule(r *Rule, in Input) RuleEvaluation {
	ev := RuleEvaluation{RuleID: r.ID}

	if len(r.Match.PromptTypes) > 0 && !matchesKind(r.Match.PromptTypes, in.Kind) {
		ev.FailingCriterion = "prompt_type"
		return ev
	}
	if minC, _ := parseConfidence(r.Match.MinConfidence); minC != "" && in.Confidence.Rank() < minC.Rank() {
		ev.FailingCriterion = "min_confidence"
		return ev
	}
	if maxC, _ := parseConfidence(r.Match.MaxConfidence); maxC != "" && in.Confidence.Rank() > maxC.Rank() {
		ev.FailingCriterion = "max_confidence"
		return ev
	}
	if r.Match.SessionTag != "" && r.Match.SessionTag != in.SessionTag {
		ev.FailingCriterion = "session_tag"
		return ev
	}

	if len(r.Match.AnyOf) > 0 {
		any := false
		for _, m := range r.Match.AnyOf {
			ok, diag := matchExcerpt(m, in.Excerpt)
			if diag != "" {
				ev.Diagnostic = diag
			}
			if ok {
				any = true
				break
			}
		}
		if !any {
			ev.FailingCriterion = "any_of"
			return ev
		}
	}
	for _, m := range r.Match.NoneOf {
		ok, diag := matchExcerpt(m, in.Excerpt)
		if diag != "" {
			ev.Diagnostic = diag
		}
		if ok {
			ev.FailingCriterion = "none_of"
			return ev
		}
	}

	ev.Matched = true
	return ev
}

// matchExcerpt applies one matcher: plain values are case-insensitive
// substrings, "re:"-prefixed values are regular expressions evaluated under
// the pattern budget. An aborted evaluation counts as non-match and carries a
// diagnostic.
func matchExcerpt(matcher, excerpt string) (matched bool, diagnostic string) {
	pattern, isRegex := strings.CutPrefix(matcher, "re:")
	if !isRegex {
		return strings.Contains(strings.ToLower(excerpt), strings.ToLower(matcher)), ""
	}

	re, err := compileCached(pattern)
	if err != nil {
		return false, fmt.Sprintf("pattern %q: %v", pattern, err)
	}

	done := make(chan bool, 1)
	go func() { done <- re.MatchString(excerpt) }()
	select {
	case m := <-done:
		return m, ""
	case <-time.After(patternBudget):
		return false, fmt.Sprintf("pattern %q: evaluation exceeded %s, counted as non-match", pattern, patternBudget)
	}
}

var (
	regexCacheMu sync.Mutex
	regexCache   = make(map[string]*regexp.Regexp)
)

func compileCached(pattern string) (*regexp.Regexp, error) {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()
	if re, ok := regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache[pattern] = re
	return re, nil
}
