package telegram

import (
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/attendhq/attend/internal/bus"
)

// renderPrompt formats an escalated prompt as a plain-text message.
func renderPrompt(evt bus.OutboundEvent) string {
	p := evt.Prompt
	if p == nil {
		return evt.Text
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⏸ %s needs input (%s, %s confidence)\n\n", sessionLabel(evt), p.Kind, p.Confidence)
	b.WriteString(p.Excerpt)
	b.WriteString("\n\n")
	switch p.Kind {
	case "YES_NO", "CONFIRM_ENTER", "NUMBERED_CHOICE":
		b.WriteString("Press a button, or reply to this message.")
	case "RAW_TERMINAL":
		b.WriteString("Interactive menu on the terminal. Attend to it locally.")
	default:
		b.WriteString("Reply to this message with your answer.")
	}
	if p.TTLSeconds > 0 {
		fmt.Fprintf(&b, "\nExpires in %dm.", p.TTLSeconds/60)
	}
	return b.String()
}

func sessionLabel(evt bus.OutboundEvent) string {
	if tool := evt.Metadata["tool"]; tool != "" {
		return tool
	}
	if len(evt.SessionID) >= 8 {
		return "session " + evt.SessionID[:8]
	}
	return "session"
}

// promptKeyboard builds the inline keyboard for button-kind prompts.
// Callback data format is "r|<nonce>|<value>"; nil means free-text only.
func promptKeyboard(p *bus.PromptPayload) *telego.InlineKeyboardMarkup {
	cb := func(value string) string { return "r|" + p.Nonce + "|" + value }

	switch p.Kind {
	case "YES_NO", "FOLDER_TRUST":
		return tu.InlineKeyboard(tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Yes").WithCallbackData(cb("y")),
			tu.InlineKeyboardButton("❌ No").WithCallbackData(cb("n")),
		))
	case "CONFIRM_ENTER":
		return tu.InlineKeyboard(tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Continue").WithCallbackData(cb("")),
		))
	case "NUMBERED_CHOICE":
		choices := p.Choices
		if len(choices) == 0 {
			choices = []string{"1", "2", "3"}
		}
		var rows [][]telego.InlineKeyboardButton
		row := make([]telego.InlineKeyboardButton, 0, 3)
		for i, choice := range choices {
			n := fmt.Sprintf("%d", i+1)
			label := n
			if choice != n {
				label = n + ". " + truncateLabel(choice, 24)
			}
			row = append(row, tu.InlineKeyboardButton(label).WithCallbackData(cb(n)))
			if len(row) == 3 {
				rows = append(rows, tu.InlineKeyboardRow(row...))
				row = row[:0:0]
			}
		}
		if len(row) > 0 {
			rows = append(rows, tu.InlineKeyboardRow(row...))
		}
		return tu.InlineKeyboard(rows...)
	}
	return nil
}

func truncateLabel(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
