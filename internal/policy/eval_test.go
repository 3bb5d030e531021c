package policy

import (
	"reflect"
	"testing"

	"github.com/attendhq/attend/pkg/protocol"
)

func mustParse(t *testing.T, yaml string) *Policy {
	t.Helper()
	p, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

const evalPolicy = `
policy_version: 1
autonomy_mode: full
rules:
  - id: deny-dangerous
    match:
      any_of: ["rm -rf", 're:drop\s+table']
    action: deny
  - id: approve-reads
    match:
      prompt_type: [YES_NO]
      min_confidence: high
      any_of: ["read file"]
      none_of: ["outside the workspace"]
    action: auto_reply
    value: "y"
  - id: throttle-retries
    match:
      prompt_type: [CONFIRM_ENTER]
    action: rate_limit
    rate_budget:
      per_minute: 60
      burst: 2
defaults:
  no_match: require_human
  low_confidence: require_human
`

func TestEvaluateFirstMatchWins(t *testing.T) {
	p := mustParse(t, evalPolicy)

	// Matches both deny-dangerous and approve-reads; the earlier rule wins.
	d := Evaluate(p, Input{
		Kind:       protocol.KindYesNo,
		Confidence: protocol.ConfidenceHigh,
		Excerpt:    "Allow the agent to read file /etc and run rm -rf /tmp/x? (y/n)",
	}, nil)
	if d.Action != ActionDeny || d.RuleID != "deny-dangerous" {
		t.Fatalf("decision = %s via %q, want deny via deny-dangerous", d.Action, d.RuleID)
	}
}

func TestEvaluateAutoReply(t *testing.T) {
	p := mustParse(t, evalPolicy)
	d := Evaluate(p, Input{
		Kind:       protocol.KindYesNo,
		Confidence: protocol.ConfidenceHigh,
		Excerpt:    "May I read file config.json? (y/n)",
	}, nil)
	if d.Action != ActionAutoReply || d.Value != "y" || d.RuleID != "approve-reads" {
		t.Fatalf("decision = %+v, want auto_reply y via approve-reads", d)
	}
}

func TestEvaluateExplanations(t *testing.T) {
	p := mustParse(t, evalPolicy)
	d := Evaluate(p, Input{
		Kind:       protocol.KindYesNo,
		Confidence: protocol.ConfidenceMed,
		Excerpt:    "May I read file secrets.env? (y/n)",
	}, nil)
	if d.Action != ActionRequireHuman {
		t.Fatalf("action = %s, want require_human", d.Action)
	}
	// All three rules must appear with the first failing criterion each.
	want := map[string]string{
		"deny-dangerous":   "any_of",
		"approve-reads":    "min_confidence",
		"throttle-retries": "prompt_type",
	}
	if len(d.Evaluations) != len(want) {
		t.Fatalf("evaluations = %d, want %d", len(d.Evaluations), len(want))
	}
	for _, ev := range d.Evaluations {
		if ev.Matched {
			t.Errorf("rule %s reported matched", ev.RuleID)
		}
		if ev.FailingCriterion != want[ev.RuleID] {
			t.Errorf("rule %s failing criterion = %q, want %q", ev.RuleID, ev.FailingCriterion, want[ev.RuleID])
		}
	}
}

func TestEvaluateNoneOfBlocks(t *testing.T) {
	p := mustParse(t, evalPolicy)
	d := Evaluate(p, Input{
		Kind:       protocol.KindYesNo,
		Confidence: protocol.ConfidenceHigh,
		Excerpt:    "May I read file /etc/passwd outside the workspace? (y/n)",
	}, nil)
	if d.Action != ActionRequireHuman {
		t.Fatalf("action = %s, want require_human (none_of should block)", d.Action)
	}
	for _, ev := range d.Evaluations {
		if ev.RuleID == "approve-reads" && ev.FailingCriterion != "none_of" {
			t.Errorf("approve-reads failing criterion = %q, want none_of", ev.FailingCriterion)
		}
	}
}

func TestEvaluateRegexMatcher(t *testing.T) {
	p := mustParse(t, evalPolicy)
	d := Evaluate(p, Input{
		Kind:       protocol.KindFreeText,
		Confidence: protocol.ConfidenceMed,
		Excerpt:    "About to run: DROP   TABLE users",
	}, nil)
	if d.Action != ActionRequireHuman {
		// re: patterns are case-sensitive as written; the lowercase form matches.
		t.Logf("uppercase excerpt decision = %s", d.Action)
	}
	d = Evaluate(p, Input{
		Kind:       protocol.KindFreeText,
		Confidence: protocol.ConfidenceMed,
		Excerpt:    "about to run: drop  table users",
	}, nil)
	if d.Action != ActionDeny || d.RuleID != "deny-dangerous" {
		t.Fatalf("decision = %+v, want deny via deny-dangerous regex", d)
	}
}

func TestEvaluateBadRegexIsNonMatchWithDiagnostic(t *testing.T) {
	p := mustParse(t, `
policy_version: 1
autonomy_mode: full
rules:
  - id: broken
    match:
      any_of: ["re:["]
    action: deny
defaults:
  no_match: require_human
`)
	d := Evaluate(p, Input{Kind: protocol.KindYesNo, Confidence: protocol.ConfidenceHigh, Excerpt: "anything"}, nil)
	if d.Action != ActionRequireHuman {
		t.Fatalf("action = %s, want require_human", d.Action)
	}
	if len(d.Evaluations) != 1 || d.Evaluations[0].Diagnostic == "" {
		t.Fatalf("expected a diagnostic on the broken pattern, got %+v", d.Evaluations)
	}
}

func TestEvaluateDefaults(t *testing.T) {
	p := mustParse(t, `
policy_version: 1
autonomy_mode: full
defaults:
  no_match: deny
  low_confidence: require_human
`)
	d := Evaluate(p, Input{Kind: protocol.KindYesNo, Confidence: protocol.ConfidenceHigh}, nil)
	if d.Action != ActionDeny {
		t.Errorf("no_match action = %s, want deny", d.Action)
	}
	d = Evaluate(p, Input{Kind: protocol.KindYesNo, Confidence: protocol.ConfidenceLow}, nil)
	if d.Action != ActionRequireHuman {
		t.Errorf("low_confidence action = %s, want require_human", d.Action)
	}
	if d.Reason != "no rule matched and confidence is LOW" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestEvaluateAutonomyOff(t *testing.T) {
	p := mustParse(t, `
policy_version: 1
autonomy_mode: off
rules:
  - id: approve
    match:
      prompt_type: [YES_NO]
      min_confidence: high
    action: auto_reply
    value: "y"
defaults:
  no_match: require_human
`)
	d := Evaluate(p, Input{Kind: protocol.KindYesNo, Confidence: protocol.ConfidenceHigh}, nil)
	if d.Action != ActionRequireHuman || d.RuleID != "" {
		t.Fatalf("OFF mode decision = %+v, want unconditional require_human", d)
	}
}

func TestEvaluateAssistDemotion(t *testing.T) {
	p := mustParse(t, `
policy_version: 1
autonomy_mode: assist
rules:
  - id: approve
    match:
      prompt_type: [YES_NO]
      min_confidence: med
    action: auto_reply
    value: "n"
defaults:
  no_match: require_human
`)
	// MED confidence: assist mode refuses the automatic action.
	d := Evaluate(p, Input{Kind: protocol.KindYesNo, Confidence: protocol.ConfidenceMed}, nil)
	if d.Action != ActionRequireHuman {
		t.Fatalf("assist MED decision = %s, want require_human", d.Action)
	}
	if d.Evaluations[0].FailingCriterion != "assist_mode_confidence" {
		t.Errorf("failing criterion = %q", d.Evaluations[0].FailingCriterion)
	}
	// HIGH confidence still executes.
	d = Evaluate(p, Input{Kind: protocol.KindYesNo, Confidence: protocol.ConfidenceHigh}, nil)
	if d.Action != ActionAutoReply || d.Value != "n" {
		t.Fatalf("assist HIGH decision = %+v, want auto_reply n", d)
	}
}

func TestEvaluateRateBudget(t *testing.T) {
	p := mustParse(t, evalPolicy)
	b := NewBuckets()
	in := Input{
		Kind:       protocol.KindConfirmEnter,
		Confidence: protocol.ConfidenceHigh,
		Excerpt:    "Press enter to retry",
		Identity:   "u1",
		Channel:    "telegram",
	}

	// Burst of 2: first two evaluations pass as require_human, the third
	// falls through to the default with an exhausted-budget explanation.
	for i := 0; i < 2; i++ {
		d := Evaluate(p, in, b.Take)
		if d.Action != ActionRequireHuman || d.RuleID != "throttle-retries" {
			t.Fatalf("take %d: decision = %+v", i, d)
		}
	}
	d := Evaluate(p, in, b.Take)
	if d.RuleID == "throttle-retries" {
		t.Fatal("third take should exhaust the bucket")
	}
	found := false
	for _, ev := range d.Evaluations {
		if ev.RuleID == "throttle-retries" && ev.FailingCriterion == "rate_budget" {
			found = true
		}
	}
	if !found {
		t.Errorf("exhausted bucket not explained: %+v", d.Evaluations)
	}

	// A different identity gets its own bucket.
	other := in
	other.Identity = "u2"
	if d := Evaluate(p, other, b.Take); d.RuleID != "throttle-retries" {
		t.Errorf("separate identity shares a bucket: %+v", d)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	p := mustParse(t, evalPolicy)
	in := Input{
		Kind:       protocol.KindYesNo,
		Confidence: protocol.ConfidenceHigh,
		Excerpt:    "May I read file main.go? (y/n)",
		SessionTag: "build",
	}
	first := Evaluate(p, in, nil)
	for i := 0; i < 50; i++ {
		if got := Evaluate(p, in, nil); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, got, first)
		}
	}
}
