// Package slack escalates prompts to a Slack channel over Socket Mode.
// Prompts render as Block Kit messages; button presses and threaded replies
// come back through the websocket, each carrying the prompt nonce.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/attendhq/attend/internal/bus"
	"github.com/attendhq/attend/internal/channels"
)

const sendDeadline = 10 * time.Second

// Config is the slack channel configuration. Socket Mode needs both an
// app-level token (connections.open) and a bot token (chat.postMessage).
type Config struct {
	BotToken  string   `json:"bot_token"`
	AppToken  string   `json:"app_token"`
	ChannelID string   `json:"channel_id"`
	AllowFrom []string `json:"allow_from"`
}

// Channel is the Socket Mode adapter.
type Channel struct {
	*channels.BaseChannel
	api    *apiClient
	config Config

	promptNonces sync.Map // message ts string → nonce
	lastNonce    sync.Map // channel ID string → nonce

	cancel context.CancelFunc
}

// New creates a slack channel from config.
func New(cfg Config, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack requires both bot_token and app_token")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("slack", msgBus, cfg.AllowFrom),
		api:         newAPIClient(cfg.BotToken, cfg.AppToken),
		config:      cfg,
	}, nil
}

// Start verifies the bot token and begins the Socket Mode loop.
func (c *Channel) Start(ctx context.Context) error {
	authCtx, cancel := context.WithTimeout(ctx, sendDeadline)
	err := c.api.authTest(authCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	c.cancel = loopCancel
	go c.socketLoop(loopCtx)

	c.SetRunning(true)
	slog.Info("slack channel started", "channel_id", c.config.ChannelID)
	return nil
}

// Probe verifies the bot token without starting the socket loop. Used by
// setup and doctor.
func (c *Channel) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, sendDeadline)
	defer cancel()
	return c.api.authTest(probeCtx)
}

// Stop tears down the socket loop.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// SendPrompt posts an escalated prompt with Block Kit buttons.
func (c *Channel) SendPrompt(ctx context.Context, evt bus.OutboundEvent) error {
	ctx, cancel := context.WithTimeout(ctx, sendDeadline)
	defer cancel()

	fallback := "Input required"
	if evt.Prompt != nil {
		fallback = evt.Prompt.Excerpt
	}
	ts, err := c.api.postMessage(ctx, c.config.ChannelID, fallback, promptBlocks(evt))
	if err != nil {
		return fmt.Errorf("slack send prompt: %w", err)
	}
	if evt.Prompt != nil {
		c.promptNonces.Store(ts, evt.Prompt.Nonce)
		c.lastNonce.Store(c.config.ChannelID, evt.Prompt.Nonce)
	}
	return nil
}

// SendOutput forwards an output chunk as a code block.
func (c *Channel) SendOutput(ctx context.Context, evt bus.OutboundEvent) error {
	ctx, cancel := context.WithTimeout(ctx, sendDeadline)
	defer cancel()
	_, err := c.api.postMessage(ctx, c.config.ChannelID,
		"```"+channels.Truncate(evt.Text, 3500)+"```", nil)
	return err
}

// Notify sends a lifecycle message.
func (c *Channel) Notify(ctx context.Context, evt bus.OutboundEvent) error {
	ctx, cancel := context.WithTimeout(ctx, sendDeadline)
	defer cancel()
	_, err := c.api.postMessage(ctx, c.config.ChannelID, evt.Text, nil)
	return err
}

// parseButtonValue splits "r|<nonce>|<value>".
func parseButtonValue(v string) (nonce, value string, ok bool) {
	parts := strings.SplitN(v, "|", 3)
	if len(parts) != 3 || parts[0] != "r" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
