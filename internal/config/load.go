package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/attendhq/attend/pkg/protocol"
)

// Default returns a Config with conservative defaults: ten-minute TTL,
// two-second silence watchdog, free text off (remote free-text injection is
// opt-in), audit archiving at 10k rows, nightly retention.
func Default() *Config {
	return &Config{
		Prompt: PromptConfig{
			TimeoutSeconds: protocol.DefaultTTLSeconds,
			SilenceSeconds: 2,
		},
		Channels: ChannelsConfig{
			Mode: "telegram",
		},
		Audit: AuditConfig{
			MaxRows:     10000,
			MirrorJSONL: true,
		},
		Retention: RetentionConfig{
			Schedule: "0 3 * * *",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "attend",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays ATTEND_* env vars. Env always wins over file
// values, and providing a channel credential auto-enables that channel.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("ATTEND_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("ATTEND_TELEGRAM_CHAT_ID", &c.Channels.Telegram.ChatID)
	envStr("ATTEND_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("ATTEND_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)
	envStr("ATTEND_SLACK_CHANNEL_ID", &c.Channels.Slack.ChannelID)
	envStr("ATTEND_CHANNEL_MODE", &c.Channels.Mode)
	envStr("ATTEND_AUTOPILOT_MODE", &c.Autopilot.Mode)

	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Slack.BotToken != "" && c.Channels.Slack.AppToken != "" {
		c.Channels.Slack.Enabled = true
	}

	if v := os.Getenv("ATTEND_ALLOW_FROM"); v != "" {
		ids := strings.Split(v, ",")
		c.Channels.Telegram.AllowFrom = ids
		c.Channels.Slack.AllowFrom = ids
	}

	if v := os.Getenv("ATTEND_PROMPT_TIMEOUT"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			c.Prompt.TimeoutSeconds = sec
		}
	}

	envStr("ATTEND_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ATTEND_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ATTEND_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("ATTEND_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ATTEND_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Channels.Mode {
	case "telegram", "slack", "multi":
	default:
		return fmt.Errorf("channels.mode %q (want telegram, slack or multi)", c.Channels.Mode)
	}
	if c.Autopilot.Mode != "" {
		if _, ok := protocol.ParseAutonomyMode(c.Autopilot.Mode); !ok {
			return fmt.Errorf("autopilot.mode %q (want off, assist or full)", c.Autopilot.Mode)
		}
	}
	if c.Prompt.TimeoutSeconds <= 0 {
		return fmt.Errorf("prompt.timeout_seconds must be positive")
	}
	return nil
}

// EnabledChannels lists the channels that mode and per-channel flags enable.
func (c *Config) EnabledChannels() []string {
	var names []string
	useTelegram := c.Channels.Mode == "telegram" || c.Channels.Mode == "multi"
	useSlack := c.Channels.Mode == "slack" || c.Channels.Mode == "multi"
	if useTelegram && c.Channels.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if useSlack && c.Channels.Slack.Enabled {
		names = append(names, "slack")
	}
	return names
}

// AutonomyOverride returns the configured autonomy mode, if any. It takes
// precedence over the policy file's mode.
func (c *Config) AutonomyOverride() (protocol.AutonomyMode, bool) {
	if c.Autopilot.Mode == "" {
		return "", false
	}
	return protocol.ParseAutonomyMode(c.Autopilot.Mode)
}

// Save writes the config to path with owner-only permissions, stripping
// secrets first so tokens live only in the environment.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	raw, err := json.Marshal(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}
	cp := &Config{}
	if err := json.Unmarshal(raw, cp); err != nil {
		return err
	}
	cp.Channels.Telegram.Token = ""
	cp.Channels.Slack.BotToken = ""
	cp.Channels.Slack.AppToken = ""

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// CheckPermissions refuses a config file readable by group or other, since
// it can name chat IDs and allowlists the operator considers private.
func CheckPermissions(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if st.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("config %s is group/world accessible (mode %o); run: chmod 600 %s",
			path, st.Mode().Perm(), path)
	}
	return nil
}
