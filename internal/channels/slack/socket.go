package slack

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// envelope is a Socket Mode frame. Every frame carrying an envelope ID must
// be acknowledged or Slack re-delivers it.
type envelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type ack struct {
	EnvelopeID string `json:"envelope_id"`
}

// eventsPayload is the subset of an events_api payload the channel consumes.
type eventsPayload struct {
	Event struct {
		Type     string `json:"type"`
		User     string `json:"user"`
		Text     string `json:"text"`
		Channel  string `json:"channel"`
		ThreadTS string `json:"thread_ts"`
		BotID    string `json:"bot_id"`
	} `json:"event"`
}

// interactivePayload is the subset of a block_actions payload the channel
// consumes.
type interactivePayload struct {
	Type string `json:"type"`
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Actions []struct {
		Value string `json:"value"`
	} `json:"actions"`
}

// socketLoop dials Socket Mode and processes frames until ctx is done,
// reconnecting with backoff on any failure or disconnect frame.
func (c *Channel) socketLoop(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.runSocket(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("slack socket disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Channel) runSocket(ctx context.Context) error {
	wsURL, err := c.api.connectionsOpen(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("slack frame not an envelope", "error", err)
			continue
		}

		if env.EnvelopeID != "" {
			if err := conn.WriteJSON(ack{EnvelopeID: env.EnvelopeID}); err != nil {
				return err
			}
		}

		switch env.Type {
		case "hello":
			slog.Info("slack socket connected")
		case "disconnect":
			// Slack asks clients to reconnect periodically.
			return nil
		case "events_api":
			c.handleEvent(env.Payload)
		case "interactive":
			c.handleInteractive(env.Payload)
		}
	}
}

func (c *Channel) handleEvent(raw json.RawMessage) {
	var p eventsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	ev := p.Event
	// Ignore our own messages and non-message events.
	if ev.Type != "message" || ev.BotID != "" || ev.User == "" || ev.Text == "" {
		return
	}

	nonce := ""
	if ev.ThreadTS != "" {
		if v, ok := c.promptNonces.Load(ev.ThreadTS); ok {
			nonce = v.(string)
		}
	}
	if nonce == "" {
		if v, ok := c.lastNonce.Load(ev.Channel); ok {
			nonce = v.(string)
		}
	}
	if nonce == "" {
		return
	}
	c.HandleReply(ev.User, ev.Channel, nonce, ev.Text, map[string]string{"via": "text"})
}

func (c *Channel) handleInteractive(raw json.RawMessage) {
	var p interactivePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if p.Type != "block_actions" || len(p.Actions) == 0 {
		return
	}
	nonce, value, ok := parseButtonValue(p.Actions[0].Value)
	if !ok {
		return
	}
	identity := p.User.ID
	if p.User.Username != "" {
		identity = p.User.ID + "|" + p.User.Username
	}
	c.HandleReply(identity, p.Channel.ID, nonce, value, map[string]string{"via": "button"})
}
