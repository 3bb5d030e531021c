package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/attendhq/attend/internal/bus"
	"github.com/attendhq/attend/internal/channels/slack"
	"github.com/attendhq/attend/internal/channels/telegram"
	"github.com/attendhq/attend/internal/config"
)

// starterPolicy is written on first setup so `attend run` works out of the
// box: nothing auto-replies, everything escalates.
const starterPolicy = `policy_version: 1
autonomy_mode: assist

rules:
  # Uncomment and adapt to let routine confirmations through automatically:
  # - id: approve-safe-reads
  #   match:
  #     prompt_type: [YES_NO]
  #     min_confidence: high
  #     any_of: ["read file", "list directory"]
  #   action: auto_reply
  #   value: "y"

defaults:
  no_match: require_human
  low_confidence: require_human
  safe_default: true
`

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runSetup(); err != nil {
				fail(exitConfig, err)
			}
		},
	}
}

func runSetup() error {
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		cfg = config.Default()
	}

	mode := cfg.Channels.Mode
	tgToken := cfg.Channels.Telegram.Token
	tgChat := cfg.Channels.Telegram.ChatID
	slBot := cfg.Channels.Slack.BotToken
	slApp := cfg.Channels.Slack.AppToken
	slChannel := cfg.Channels.Slack.ChannelID
	allowFrom := strings.Join(cfg.Channels.Telegram.AllowFrom, ",")
	freeText := cfg.Prompt.FreeTextEnabled

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Escalation channel").
				Description("Where should prompts go when policy requires a human?").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Slack", "slack"),
					huh.NewOption("Both", "multi"),
				).
				Value(&mode),
			huh.NewInput().
				Title("Allowed identities").
				Description("Comma-separated user IDs or @usernames permitted to reply. Empty = nobody.").
				Value(&allowFrom),
			huh.NewConfirm().
				Title("Allow free-text replies?").
				Description("When off, only button and menu answers are accepted.").
				Value(&freeText),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if mode == "telegram" || mode == "multi" {
		tg := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("Telegram bot token").
				Description("From @BotFather. Stored in the environment, not the config file.").
				EchoMode(huh.EchoModePassword).Value(&tgToken),
			huh.NewInput().Title("Telegram chat ID").
				Description("Chat or group that receives escalations.").Value(&tgChat),
		))
		if err := tg.Run(); err != nil {
			return err
		}
	}
	if mode == "slack" || mode == "multi" {
		sl := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("Slack bot token (xoxb-…)").
				EchoMode(huh.EchoModePassword).Value(&slBot),
			huh.NewInput().Title("Slack app token (xapp-…)").
				Description("Socket Mode token with connections:write.").
				EchoMode(huh.EchoModePassword).Value(&slApp),
			huh.NewInput().Title("Slack channel ID").Value(&slChannel),
		))
		if err := sl.Run(); err != nil {
			return err
		}
	}

	ids := splitIdentities(allowFrom)
	cfg.Channels.Mode = mode
	cfg.Prompt.FreeTextEnabled = freeText
	cfg.Channels.Telegram.Token = tgToken
	cfg.Channels.Telegram.ChatID = tgChat
	cfg.Channels.Telegram.AllowFrom = ids
	cfg.Channels.Telegram.Enabled = tgToken != "" && (mode == "telegram" || mode == "multi")
	cfg.Channels.Slack.BotToken = slBot
	cfg.Channels.Slack.AppToken = slApp
	cfg.Channels.Slack.ChannelID = slChannel
	cfg.Channels.Slack.AllowFrom = ids
	cfg.Channels.Slack.Enabled = slBot != "" && slApp != "" && (mode == "slack" || mode == "multi")

	probeChannels(cfg)

	if err := config.Save(config.ConfigPath(), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote %s (tokens are kept out of the file; export them instead):\n", config.ConfigPath())
	if cfg.Channels.Telegram.Enabled {
		fmt.Println("  export ATTEND_TELEGRAM_TOKEN=…")
	}
	if cfg.Channels.Slack.Enabled {
		fmt.Println("  export ATTEND_SLACK_BOT_TOKEN=…  ATTEND_SLACK_APP_TOKEN=…")
	}

	if _, err := os.Stat(config.PolicyPath()); os.IsNotExist(err) {
		if err := os.WriteFile(config.PolicyPath(), []byte(starterPolicy), 0o600); err != nil {
			return fmt.Errorf("write starter policy: %w", err)
		}
		fmt.Printf("Wrote starter policy to %s\n", config.PolicyPath())
	}

	fmt.Println("\nNext: attend run -- <your agent command>")
	return nil
}

// probeChannels verifies the entered tokens with a quick API round trip.
// Failures are warnings: setup still saves so the user can fix tokens later.
func probeChannels(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	msgBus := bus.NewMessageBus()

	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:  cfg.Channels.Telegram.Token,
			ChatID: cfg.Channels.Telegram.ChatID,
		}, msgBus)
		if err == nil {
			err = tg.Probe(ctx)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: telegram token check failed: %v\n", err)
		} else {
			fmt.Println("Telegram token OK")
		}
	}
	if cfg.Channels.Slack.Enabled {
		sl, err := slack.New(slack.Config{
			BotToken:  cfg.Channels.Slack.BotToken,
			AppToken:  cfg.Channels.Slack.AppToken,
			ChannelID: cfg.Channels.Slack.ChannelID,
		}, msgBus)
		if err == nil {
			err = sl.Probe(ctx)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: slack token check failed: %v\n", err)
		} else {
			fmt.Println("Slack token OK")
		}
	}
}

func splitIdentities(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
