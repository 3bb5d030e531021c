package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/attendhq/attend/internal/audit"
	"github.com/attendhq/attend/internal/bus"
	"github.com/attendhq/attend/internal/channels/slack"
	"github.com/attendhq/attend/internal/channels/telegram"
	"github.com/attendhq/attend/internal/config"
	"github.com/attendhq/attend/internal/daemon"
	"github.com/attendhq/attend/internal/policy"
	"github.com/attendhq/attend/internal/store"
)

type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Fixed  bool   `json:"fixed,omitempty"`
}

func doctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, store, policy, and channel health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(fix)
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "repair what can be repaired (file modes, stale locks)")
	return cmd
}

func runDoctor(fix bool) {
	var checks []doctorCheck
	add := func(name string, ok bool, detail string, fixed bool) {
		checks = append(checks, doctorCheck{Name: name, OK: ok, Detail: detail, Fixed: fixed})
	}

	// State directory
	home := config.Home()
	if _, err := os.Stat(home); err != nil {
		if fix && os.MkdirAll(home, 0o700) == nil {
			add("state dir", true, home, true)
		} else {
			add("state dir", false, fmt.Sprintf("%s missing (run 'attend setup')", home), false)
		}
	} else {
		add("state dir", true, home, false)
	}

	// Config file + permissions
	cfgPath := config.ConfigPath()
	cfg, err := config.Load(cfgPath)
	switch {
	case err != nil:
		add("config", false, err.Error(), false)
	default:
		if verr := cfg.Validate(); verr != nil {
			add("config", false, verr.Error(), false)
		} else {
			add("config", true, cfgPath, false)
		}
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			if permErr := config.CheckPermissions(cfgPath); permErr != nil {
				if fix && os.Chmod(cfgPath, 0o600) == nil {
					add("config permissions", true, "tightened to 0600", true)
				} else {
					add("config permissions", false, permErr.Error(), false)
				}
			} else {
				add("config permissions", true, "0600", false)
			}
		}
	}

	// Lock liveness
	pid, held, lockErr := daemon.LockHolder(config.LockPath())
	switch {
	case lockErr != nil:
		add("lock", false, lockErr.Error(), false)
	case held:
		add("lock", true, fmt.Sprintf("daemon running (pid %d)", pid), false)
	case pid != 0:
		// File exists but nobody holds the flock: a crash left it behind.
		if fix {
			if _, reapErr := daemon.ReapStaleLock(config.LockPath()); reapErr == nil {
				add("lock", true, "stale lock reaped", true)
			} else {
				add("lock", false, reapErr.Error(), false)
			}
		} else {
			add("lock", false, fmt.Sprintf("stale lock from pid %d (use --fix)", pid), false)
		}
	default:
		add("lock", true, "no daemon running", false)
	}

	// Store integrity + audit chain
	if _, err := os.Stat(config.StorePath()); err == nil {
		st, err := store.OpenReadOnly(config.StorePath())
		if err != nil {
			add("store", false, err.Error(), false)
		} else {
			if err := st.QuickCheck(); err != nil {
				add("store", false, err.Error(), false)
			} else {
				add("store", true, config.StorePath(), false)
			}
			if err := audit.Verify(st); err != nil {
				add("audit chain", false, err.Error(), false)
			} else {
				n, _ := st.AuditCount()
				add("audit chain", true, fmt.Sprintf("%d rows verified", n), false)
			}
			st.Close()
		}
	} else {
		add("store", true, "not created yet", false)
	}

	// Policy
	if _, err := policy.Load(config.PolicyPath()); err != nil {
		add("policy", false, err.Error(), false)
	} else {
		add("policy", true, config.PolicyPath(), false)
	}

	// Channel reachability
	if cfg != nil {
		checks = append(checks, channelChecks(cfg)...)
	}

	failed := 0
	for _, c := range checks {
		if !c.OK {
			failed++
		}
	}

	if jsonOutput {
		printJSON(map[string]any{"checks": checks, "failed": failed})
	} else {
		fmt.Printf("attend doctor (%s, %s/%s)\n\n", Version, runtime.GOOS, runtime.GOARCH)
		for _, c := range checks {
			mark := "ok"
			if !c.OK {
				mark = "FAIL"
			} else if c.Fixed {
				mark = "fixed"
			}
			fmt.Printf("  %-22s %-5s %s\n", c.Name, mark, c.Detail)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func channelChecks(cfg *config.Config) []doctorCheck {
	var checks []doctorCheck
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	msgBus := bus.NewMessageBus()

	for _, name := range cfg.EnabledChannels() {
		switch name {
		case "telegram":
			tg, err := telegram.New(telegram.Config{
				Token:  cfg.Channels.Telegram.Token,
				ChatID: cfg.Channels.Telegram.ChatID,
				Proxy:  cfg.Channels.Telegram.Proxy,
			}, msgBus)
			if err == nil {
				err = tg.Probe(ctx)
			}
			if err != nil {
				checks = append(checks, doctorCheck{Name: "telegram", Detail: err.Error()})
			} else {
				checks = append(checks, doctorCheck{Name: "telegram", OK: true, Detail: "token valid"})
			}
		case "slack":
			sl, err := slack.New(slack.Config{
				BotToken:  cfg.Channels.Slack.BotToken,
				AppToken:  cfg.Channels.Slack.AppToken,
				ChannelID: cfg.Channels.Slack.ChannelID,
			}, msgBus)
			if err == nil {
				err = sl.Probe(ctx)
			}
			if err != nil {
				checks = append(checks, doctorCheck{Name: "slack", Detail: err.Error()})
			} else {
				checks = append(checks, doctorCheck{Name: "slack", OK: true, Detail: "token valid"})
			}
		}
	}
	return checks
}
