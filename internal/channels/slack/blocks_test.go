package slack

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/attendhq/attend/internal/bus"
)

func TestPromptBlocksYesNo(t *testing.T) {
	evt := bus.OutboundEvent{
		SessionID: "0123456789abcdef",
		Metadata:  map[string]string{"tool": "claude"},
		Prompt: &bus.PromptPayload{
			Kind:       "YES_NO",
			Confidence: "HIGH",
			Excerpt:    "Overwrite main.go? (y/n)",
			Nonce:      "n-1",
		},
	}
	blocks := promptBlocks(evt)
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want section + actions", len(blocks))
	}
	if blocks[1]["type"] != "actions" {
		t.Fatalf("second block = %v", blocks[1]["type"])
	}
	elements := blocks[1]["elements"].([]block)
	if len(elements) != 2 {
		t.Fatalf("buttons = %d, want 2", len(elements))
	}
	if elements[0]["value"] != "r|n-1|y" || elements[1]["value"] != "r|n-1|n" {
		t.Errorf("button values = %v, %v", elements[0]["value"], elements[1]["value"])
	}

	// Blocks must be JSON-serializable for chat.postMessage.
	raw, err := json.Marshal(blocks)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "Overwrite main.go?") {
		t.Error("excerpt missing from serialized blocks")
	}
}

func TestPromptBlocksNumberedChoice(t *testing.T) {
	evt := bus.OutboundEvent{
		Prompt: &bus.PromptPayload{
			Kind:    "NUMBERED_CHOICE",
			Nonce:   "n-2",
			Choices: []string{"build", "test", "deploy"},
		},
	}
	blocks := promptBlocks(evt)
	elements := blocks[1]["elements"].([]block)
	if len(elements) != 3 {
		t.Fatalf("buttons = %d, want 3", len(elements))
	}
	if elements[2]["value"] != "r|n-2|3" {
		t.Errorf("third button value = %v", elements[2]["value"])
	}
}

func TestPromptBlocksFreeText(t *testing.T) {
	evt := bus.OutboundEvent{
		Prompt: &bus.PromptPayload{Kind: "FREE_TEXT", Nonce: "n-3", Excerpt: "What branch?"},
	}
	blocks := promptBlocks(evt)
	for _, b := range blocks {
		if b["type"] == "actions" {
			t.Fatal("free-text prompt rendered buttons")
		}
	}
}

func TestParseButtonValue(t *testing.T) {
	tests := []struct {
		in         string
		nonce, val string
		ok         bool
	}{
		{"r|abc|y", "abc", "y", true},
		{"r|abc|", "abc", "", true},
		{"x|abc|y", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		nonce, val, ok := parseButtonValue(tt.in)
		if ok != tt.ok || nonce != tt.nonce || val != tt.val {
			t.Errorf("parseButtonValue(%q) = %q, %q, %v", tt.in, nonce, val, ok)
		}
	}
}

func TestEnvelopeDecoding(t *testing.T) {
	raw := `{"type":"interactive","envelope_id":"e-1","payload":{"type":"block_actions","user":{"id":"U1","username":"alice"},"channel":{"id":"C1"},"actions":[{"value":"r|n-1|y"}]}}`
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "interactive" || env.EnvelopeID != "e-1" {
		t.Fatalf("envelope = %+v", env)
	}
	var p interactivePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.User.ID != "U1" || p.Actions[0].Value != "r|n-1|y" {
		t.Errorf("payload = %+v", p)
	}
}
