package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validPolicy = `
policy_version: 1
autonomy_mode: full
rules:
  - id: approve-reads
    match:
      prompt_type: [YES_NO]
      min_confidence: high
      any_of: ["read file", "list directory"]
    action: auto_reply
    value: "y"
  - id: escalate-deploys
    match:
      prompt_type: [YES_NO, CONFIRM_ENTER]
      any_of: ["deploy", "production"]
    action: require_human
defaults:
  no_match: require_human
  low_confidence: require_human
`

func TestParseValid(t *testing.T) {
	p, err := Parse([]byte(validPolicy))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(p.Rules))
	}
	if p.Rules[0].ID != "approve-reads" {
		t.Errorf("first rule = %q", p.Rules[0].ID)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing version",
			yaml: `autonomy_mode: full`,
			want: "policy_version",
		},
		{
			name: "unknown autonomy mode",
			yaml: "policy_version: 1\nautonomy_mode: yolo",
			want: "autonomy_mode",
		},
		{
			name: "auto affirmative yes_no below high",
			yaml: `
policy_version: 1
autonomy_mode: full
rules:
  - id: risky
    match:
      prompt_type: [YES_NO]
      min_confidence: med
    action: auto_reply
    value: "y"
`,
			want: "min_confidence: high",
		},
		{
			name: "auto_reply on free text",
			yaml: `
policy_version: 1
autonomy_mode: full
rules:
  - id: bad
    match:
      prompt_type: [FREE_TEXT]
    action: auto_reply
    value: "hello"
`,
			want: "forbidden",
		},
		{
			name: "auto_reply on password",
			yaml: `
policy_version: 1
autonomy_mode: full
rules:
  - id: bad
    match:
      prompt_type: [PASSWORD]
    action: auto_reply
    value: "hunter2"
`,
			want: "forbidden",
		},
		{
			name: "auto_reply on raw terminal",
			yaml: `
policy_version: 1
autonomy_mode: full
rules:
  - id: bad
    match:
      prompt_type: [RAW_TERMINAL]
    action: auto_reply
    value: "1"
`,
			want: "forbidden",
		},
		{
			name: "auto_reply without prompt types",
			yaml: `
policy_version: 1
autonomy_mode: full
rules:
  - id: vague
    match:
      any_of: ["ok"]
    action: auto_reply
    value: "y"
`,
			want: "explicit prompt_type",
		},
		{
			name: "duplicate rule ids",
			yaml: `
policy_version: 1
autonomy_mode: full
rules:
  - id: twin
    action: require_human
  - id: twin
    action: deny
`,
			want: "duplicate",
		},
		{
			name: "unknown action",
			yaml: `
policy_version: 1
autonomy_mode: full
rules:
  - id: weird
    action: shrug
`,
			want: "unknown action",
		},
		{
			name: "unknown prompt type",
			yaml: `
policy_version: 1
autonomy_mode: full
rules:
  - id: typo
    match:
      prompt_type: [YES_MAYBE]
    action: require_human
`,
			want: "unknown prompt_type",
		},
		{
			name: "extends unknown rule",
			yaml: `
policy_version: 1
autonomy_mode: full
rules:
  - id: child
    extends: ghost
    action: require_human
`,
			want: "unknown rule",
		},
		{
			name: "chained extends",
			yaml: `
policy_version: 1
autonomy_mode: full
rules:
  - id: a
    action: require_human
  - id: b
    extends: a
    action: require_human
  - id: c
    extends: b
    action: require_human
`,
			want: "chained extends",
		},
		{
			name: "bad default action",
			yaml: `
policy_version: 1
autonomy_mode: full
defaults:
  no_match: auto_reply
`,
			want: "default action",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse accepted an invalid policy")
			}
			if !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("error not wrapped in ErrInvalidPolicy: %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestExtendsInheritsMatch(t *testing.T) {
	p, err := Parse([]byte(`
policy_version: 1
autonomy_mode: full
rules:
  - id: base
    match:
      prompt_type: [YES_NO]
      min_confidence: high
      any_of: ["safe"]
    action: require_human
  - id: child
    extends: base
    match:
      min_confidence: med
    action: require_human
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	child := p.Rules[1]
	if got := child.Match.PromptTypes; len(got) != 1 || got[0] != "YES_NO" {
		t.Errorf("child prompt types = %v, want inherited [YES_NO]", got)
	}
	if child.Match.MinConfidence != "med" {
		t.Errorf("child min_confidence = %q, extender's own field should win", child.Match.MinConfidence)
	}
	if len(child.Match.AnyOf) != 1 || child.Match.AnyOf[0] != "safe" {
		t.Errorf("child any_of = %v, want inherited [safe]", child.Match.AnyOf)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(validPolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Version != 1 {
		t.Errorf("version = %d", p.Version)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}
