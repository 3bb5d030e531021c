package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const apiBase = "https://slack.com/api"

// apiClient is a minimal Slack Web API client covering the three calls the
// channel needs: connections.open, chat.postMessage and auth.test.
type apiClient struct {
	httpClient *http.Client
	botToken   string
	appToken   string
}

func newAPIClient(botToken, appToken string) *apiClient {
	return &apiClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		botToken:   botToken,
		appToken:   appToken,
	}
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	URL   string `json:"url,omitempty"` // apps.connections.open
	TS    string `json:"ts,omitempty"`  // chat.postMessage
	User  string `json:"user,omitempty"`
}

// call posts a JSON body to a Web API method with the given bearer token.
func (c *apiClient) call(ctx context.Context, method, token string, body any) (*apiResponse, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/"+method, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("slack %s: decode: %w", method, err)
	}
	if !out.OK {
		return nil, fmt.Errorf("slack %s: %s", method, out.Error)
	}
	return &out, nil
}

// connectionsOpen returns the Socket Mode websocket URL.
func (c *apiClient) connectionsOpen(ctx context.Context) (string, error) {
	out, err := c.call(ctx, "apps.connections.open", c.appToken, nil)
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

// postMessage sends a message, optionally with Block Kit blocks, and returns
// the message timestamp.
func (c *apiClient) postMessage(ctx context.Context, channel, text string, blocks []block) (string, error) {
	body := map[string]any{
		"channel": channel,
		"text":    text,
	}
	if len(blocks) > 0 {
		body["blocks"] = blocks
	}
	out, err := c.call(ctx, "chat.postMessage", c.botToken, body)
	if err != nil {
		return "", err
	}
	return out.TS, nil
}

// authTest verifies the bot token works.
func (c *apiClient) authTest(ctx context.Context) error {
	_, err := c.call(ctx, "auth.test", c.botToken, nil)
	return err
}
