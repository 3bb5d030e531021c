package slack

import (
	"fmt"

	"github.com/attendhq/attend/internal/bus"
)

// block is a loosely typed Block Kit element; Slack validates the shape.
type block map[string]any

func sectionBlock(text string) block {
	return block{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func buttonElement(label, value string) block {
	return block{
		"type":  "button",
		"text":  map[string]any{"type": "plain_text", "text": label},
		"value": value,
	}
}

func actionsBlock(elements []block) block {
	return block{"type": "actions", "elements": elements}
}

// promptBlocks renders an escalated prompt as Block Kit. Button values carry
// "r|<nonce>|<value>" just like the Telegram callback data.
func promptBlocks(evt bus.OutboundEvent) []block {
	p := evt.Prompt
	if p == nil {
		return nil
	}
	cb := func(value string) string { return "r|" + p.Nonce + "|" + value }

	header := fmt.Sprintf(":double_vertical_bar: *%s needs input* (%s, %s confidence)\n```%s```",
		toolLabel(evt), p.Kind, p.Confidence, p.Excerpt)
	blocks := []block{sectionBlock(header)}

	var buttons []block
	switch p.Kind {
	case "YES_NO", "FOLDER_TRUST":
		buttons = []block{
			buttonElement("Yes", cb("y")),
			buttonElement("No", cb("n")),
		}
	case "CONFIRM_ENTER":
		buttons = []block{buttonElement("Continue", cb(""))}
	case "NUMBERED_CHOICE":
		choices := p.Choices
		if len(choices) == 0 {
			choices = []string{"1", "2", "3"}
		}
		for i := range choices {
			n := fmt.Sprintf("%d", i+1)
			buttons = append(buttons, buttonElement(n, cb(n)))
		}
	}
	if len(buttons) > 0 {
		blocks = append(blocks, actionsBlock(buttons))
	} else if p.Kind != "RAW_TERMINAL" {
		blocks = append(blocks, sectionBlock("_Reply in this thread with your answer._"))
	}
	return blocks
}

func toolLabel(evt bus.OutboundEvent) string {
	if tool := evt.Metadata["tool"]; tool != "" {
		return tool
	}
	if len(evt.SessionID) >= 8 {
		return "session " + evt.SessionID[:8]
	}
	return "session"
}
