// Package telegram escalates prompts over the Telegram Bot API using long
// polling. Button-kind prompts render as inline keyboards whose callback data
// carries the reply nonce; free-text prompts are answered by replying to the
// escalation message.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/attendhq/attend/internal/bus"
	"github.com/attendhq/attend/internal/channels"
)

// sendDeadline bounds every Bot API call so a slow Telegram backend cannot
// stall the dispatcher.
const sendDeadline = 10 * time.Second

// Config is the telegram channel configuration.
type Config struct {
	Token     string   `json:"token"`
	ChatID    string   `json:"chat_id"` // escalation destination
	AllowFrom []string `json:"allow_from"`
	Proxy     string   `json:"proxy,omitempty"`
}

// Channel connects to Telegram via long polling.
type Channel struct {
	*channels.BaseChannel
	bot      *telego.Bot
	config   Config
	controls Controls

	promptNonces sync.Map // messageID int → nonce string (reply-to binding)
	lastNonce    sync.Map // chatID int64 → nonce string (fallback binding)

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a telegram channel from config.
func New(cfg Config, msgBus *bus.MessageBus) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
	}, nil
}

// Probe verifies the bot token with a getMe round trip. Used by setup and
// doctor; does not start polling.
func (c *Channel) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, sendDeadline)
	defer cancel()
	_, err := c.bot.GetMe(probeCtx)
	return err
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram channel (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram channel connected", "username", c.bot.Username())

	go c.syncMenuCommands(pollCtx)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.CallbackQuery != nil:
					c.handleCallback(pollCtx, update.CallbackQuery)
				case update.Message != nil:
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels polling and waits for the poll goroutine so Telegram releases
// the getUpdates lock before another instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram channel")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// SendPrompt delivers an escalated prompt, with inline keyboard buttons for
// button-kind prompts.
func (c *Channel) SendPrompt(ctx context.Context, evt bus.OutboundEvent) error {
	chatID, err := c.destChatID()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sendDeadline)
	defer cancel()

	msg := tu.Message(tu.ID(chatID), renderPrompt(evt))
	if evt.Prompt != nil {
		if kb := promptKeyboard(evt.Prompt); kb != nil {
			msg = msg.WithReplyMarkup(kb)
		}
	}

	sent, err := c.bot.SendMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("telegram send prompt: %w", err)
	}
	if evt.Prompt != nil {
		c.promptNonces.Store(sent.MessageID, evt.Prompt.Nonce)
		c.lastNonce.Store(chatID, evt.Prompt.Nonce)
	}
	return nil
}

// SendOutput forwards an output chunk.
func (c *Channel) SendOutput(ctx context.Context, evt bus.OutboundEvent) error {
	return c.sendText(ctx, "```\n"+channels.Truncate(evt.Text, 3500)+"\n```", true)
}

// Notify sends a lifecycle message.
func (c *Channel) Notify(ctx context.Context, evt bus.OutboundEvent) error {
	return c.sendText(ctx, evt.Text, false)
}

func (c *Channel) sendText(ctx context.Context, text string, markdown bool) error {
	chatID, err := c.destChatID()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sendDeadline)
	defer cancel()

	msg := tu.Message(tu.ID(chatID), text)
	if markdown {
		msg = msg.WithParseMode(telego.ModeMarkdown)
	}
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (c *Channel) destChatID() (int64, error) {
	id, err := strconv.ParseInt(c.config.ChatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram chat_id %q: %w", c.config.ChatID, err)
	}
	return id, nil
}

// handleCallback processes an inline keyboard press. The callback data is
// "r|<nonce>|<value>"; the nonce binds the press to exactly one prompt.
func (c *Channel) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	ack := func(text string) {
		ackCtx, cancel := context.WithTimeout(ctx, sendDeadline)
		defer cancel()
		if err := c.bot.AnswerCallbackQuery(ackCtx, &telego.AnswerCallbackQueryParams{
			CallbackQueryID: q.ID,
			Text:            text,
		}); err != nil {
			slog.Debug("answer callback failed", "error", err)
		}
	}

	nonce, value, ok := parseCallbackData(q.Data)
	if !ok {
		ack("Unrecognized button")
		return
	}

	identity := senderIdentity(&q.From)
	chatID := ""
	if q.Message != nil {
		chatID = strconv.FormatInt(q.Message.GetChat().ID, 10)
	}
	if !c.HandleReply(identity, chatID, nonce, value, map[string]string{"via": "button"}) {
		ack("You are not authorized")
		return
	}
	ack("Reply sent")
}

// handleMessage processes a text message: bot commands, then free-text
// replies bound by reply-to or by the chat's most recent prompt.
func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	identity := senderIdentity(msg.From)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if strings.HasPrefix(msg.Text, "/") {
		c.handleCommand(ctx, msg, identity)
		return
	}

	nonce := ""
	if msg.ReplyToMessage != nil {
		if v, ok := c.promptNonces.Load(msg.ReplyToMessage.MessageID); ok {
			nonce = v.(string)
		}
	}
	if nonce == "" {
		if v, ok := c.lastNonce.Load(msg.Chat.ID); ok {
			nonce = v.(string)
		}
	}
	if nonce == "" {
		return
	}

	c.HandleReply(identity, chatID, nonce, msg.Text, map[string]string{"via": "text"})
}

// senderIdentity builds the compound "id|username" identity the allowlist
// understands.
func senderIdentity(u *telego.User) string {
	id := strconv.FormatInt(u.ID, 10)
	if u.Username != "" {
		return id + "|" + u.Username
	}
	return id
}

func parseCallbackData(data string) (nonce, value string, ok bool) {
	parts := strings.SplitN(data, "|", 3)
	if len(parts) != 3 || parts[0] != "r" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (c *Channel) syncMenuCommands(ctx context.Context) {
	commands := []telego.BotCommand{
		{Command: "status", Description: "Show supervisor status"},
		{Command: "pause", Description: "Pause reply acceptance"},
		{Command: "resume", Description: "Resume reply acceptance"},
		{Command: "help", Description: "Show help"},
	}
	for attempt := 1; attempt <= 3; attempt++ {
		err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands})
		if err == nil {
			return
		}
		slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt*5) * time.Second):
		}
	}
}
