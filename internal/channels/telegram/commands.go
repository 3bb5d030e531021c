package telegram

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Controls are the supervisor hooks behind bot commands. Any nil hook
// disables its command.
type Controls struct {
	Status func() string
	Pause  func() error
	Resume func() error
}

// SetControls wires the bot commands to the supervisor.
func (c *Channel) SetControls(controls Controls) {
	c.controls = controls
}

const helpText = `Attend supervisor commands:
/status - show supervisor and session status
/pause - stop accepting replies (kill switch)
/resume - resume accepting replies
/help - this message

Escalated prompts arrive with buttons; press one or reply to the
prompt message with your answer.`

func (c *Channel) handleCommand(ctx context.Context, msg *telego.Message, identity string) {
	if !c.IsAllowed(identity) {
		return
	}

	cmd := strings.TrimPrefix(strings.Fields(msg.Text)[0], "/")
	if idx := strings.Index(cmd, "@"); idx > 0 {
		cmd = cmd[:idx]
	}

	reply := func(text string) {
		sendCtx, cancel := context.WithTimeout(ctx, sendDeadline)
		defer cancel()
		if _, err := c.bot.SendMessage(sendCtx, tu.Message(tu.ID(msg.Chat.ID), text)); err != nil {
			slog.Warn("telegram command reply failed", "command", cmd, "error", err)
		}
	}

	switch cmd {
	case "help", "start":
		reply(helpText)
	case "status":
		if c.controls.Status == nil {
			reply("Status is not available.")
			return
		}
		reply(c.controls.Status())
	case "pause":
		if c.controls.Pause == nil {
			reply("Pause is not available.")
			return
		}
		if err := c.controls.Pause(); err != nil {
			reply("Pause failed: " + err.Error())
			return
		}
		reply("Paused. Replies will be rejected until /resume.")
	case "resume":
		if c.controls.Resume == nil {
			reply("Resume is not available.")
			return
		}
		if err := c.controls.Resume(); err != nil {
			reply("Resume failed: " + err.Error())
			return
		}
		reply("Resumed. Replies are accepted again.")
	default:
		reply("Unknown command. Try /help.")
	}
}
