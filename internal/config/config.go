// Package config holds the supervisor's file configuration and the layout of
// the state directory (~/.attend by default). The config file is JSON5 so
// hand-edited comments survive; secrets come from environment variables and
// are never written back to disk.
package config

import (
	"os"
	"path/filepath"
	"sync"
)

// Config is the root configuration. Guarded for concurrent readers because
// bot commands can read it while the daemon reloads.
type Config struct {
	mu sync.RWMutex

	Prompt    PromptConfig    `json:"prompt"`
	Channels  ChannelsConfig  `json:"channels"`
	Autopilot AutopilotConfig `json:"autopilot"`
	Audit     AuditConfig     `json:"audit"`
	Output    OutputConfig    `json:"output"`
	Retention RetentionConfig `json:"retention"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// PromptConfig tunes detection and prompt lifetime.
type PromptConfig struct {
	TimeoutSeconds  int  `json:"timeout_seconds"`  // prompt TTL
	SilenceSeconds  int  `json:"silence_seconds"`  // idle watchdog threshold
	FreeTextEnabled bool `json:"free_text_enabled"`
}

// ChannelsConfig selects and configures the escalation surfaces.
// Mode is "telegram", "slack" or "multi" (escalate to every enabled channel).
type ChannelsConfig struct {
	Mode     string         `json:"mode"`
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token,omitempty"`
	ChatID    string   `json:"chat_id"`
	AllowFrom []string `json:"allow_from"`
	Proxy     string   `json:"proxy,omitempty"`
}

// SlackConfig configures the Slack Socket Mode adapter.
type SlackConfig struct {
	Enabled   bool     `json:"enabled"`
	BotToken  string   `json:"bot_token,omitempty"`
	AppToken  string   `json:"app_token,omitempty"`
	ChannelID string   `json:"channel_id"`
	AllowFrom []string `json:"allow_from"`
}

// AutopilotConfig overrides the policy file's autonomy mode when Mode is
// non-empty ("off", "assist", "full").
type AutopilotConfig struct {
	Mode string `json:"mode,omitempty"`
}

// AuditConfig tunes the audit chain.
type AuditConfig struct {
	MaxRows     int64 `json:"max_rows"`     // archive threshold
	MirrorJSONL bool  `json:"mirror_jsonl"` // also append audit.log JSONL
}

// OutputConfig controls forwarding of child output to channels.
type OutputConfig struct {
	Forward bool `json:"forward"`
}

// RetentionConfig schedules audit archiving; Schedule is a cron expression.
type RetentionConfig struct {
	Schedule string `json:"schedule"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Home returns the state directory, honoring ATTEND_HOME.
func Home() string {
	if v := os.Getenv("ATTEND_HOME"); v != "" {
		return ExpandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".attend"
	}
	return filepath.Join(home, ".attend")
}

// ConfigPath returns the config file location, honoring ATTEND_CONFIG.
func ConfigPath() string {
	if v := os.Getenv("ATTEND_CONFIG"); v != "" {
		return ExpandHome(v)
	}
	return filepath.Join(Home(), "config.json")
}

// PolicyPath is the policy file location.
func PolicyPath() string { return filepath.Join(Home(), "policy.yaml") }

// StorePath is the sqlite database location.
func StorePath() string { return filepath.Join(Home(), "store.db") }

// AuditMirrorPath is the JSONL audit mirror location.
func AuditMirrorPath() string { return filepath.Join(Home(), "audit.log") }

// TracePath is the decision trace location.
func TracePath() string { return filepath.Join(Home(), "decisions.jsonl") }

// LockPath is the single-instance lock file location.
func LockPath() string { return filepath.Join(Home(), "attend.lock") }

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
