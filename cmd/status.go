package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/attendhq/attend/internal/config"
	"github.com/attendhq/attend/internal/daemon"
	"github.com/attendhq/attend/internal/store"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, session, and prompt status",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			runStatus(cfg)
		},
	}
}

func runStatus(cfg *config.Config) {
	pid, running, err := daemon.LockHolder(config.LockPath())
	if err != nil {
		fail(1, fmt.Errorf("inspect lock: %w", err))
	}

	out := map[string]any{
		"daemon_running": running,
		"channel_mode":   cfg.Channels.Mode,
		"channels":       cfg.EnabledChannels(),
	}
	if running {
		out["daemon_pid"] = pid
	}

	if _, err := os.Stat(config.StorePath()); err == nil {
		st, err := store.OpenReadOnly(config.StorePath())
		if err != nil {
			fail(1, fmt.Errorf("open store: %w", err))
		}
		defer st.Close()

		paused, _ := st.Paused()
		out["paused"] = paused

		if sessions, err := st.ActiveSessions(); err == nil {
			active := make([]map[string]any, 0, len(sessions))
			for _, s := range sessions {
				open, _ := st.ActivePromptCount(s.ID)
				active = append(active, map[string]any{
					"id": s.ID, "tool": s.Tool,
					"started_at":    s.StartedAt.Format(time.RFC3339),
					"state":         string(s.ConvState),
					"open_prompts":  open,
					"autonomy_mode": string(s.AutonomyMode),
				})
			}
			out["active_sessions"] = active
		}
		if pending, err := st.PendingPrompts(time.Now().UTC()); err == nil {
			out["awaiting_reply"] = len(pending)
		}
	}

	if jsonOutput {
		printJSON(out)
		return
	}

	if running {
		fmt.Printf("daemon:    running (pid %d)\n", pid)
	} else {
		fmt.Println("daemon:    not running")
	}
	if paused, ok := out["paused"].(bool); ok && paused {
		fmt.Println("autopilot: PAUSED (attend resume to continue)")
	}
	fmt.Printf("channels:  %s (%v)\n", cfg.Channels.Mode, cfg.EnabledChannels())
	if sessions, ok := out["active_sessions"].([]map[string]any); ok {
		for _, s := range sessions {
			fmt.Printf("session:   %s  tool=%s  state=%s  open=%v\n",
				s["id"], s["tool"], s["state"], s["open_prompts"])
		}
	}
	if n, ok := out["awaiting_reply"].(int); ok {
		fmt.Printf("awaiting:  %d prompt(s)\n", n)
	}
}

func sessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent supervised sessions",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			st, err := store.OpenReadOnly(config.StorePath())
			if err != nil {
				fail(1, fmt.Errorf("open store: %w", err))
			}
			defer st.Close()

			sessions, err := st.ListSessions(limit)
			if err != nil {
				fail(1, err)
			}
			if jsonOutput {
				printJSON(sessions)
				return
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions yet")
				return
			}
			fmt.Printf("%-36s  %-12s  %-8s  %-7s  %s\n", "ID", "TOOL", "STATUS", "MODE", "STARTED")
			for _, s := range sessions {
				fmt.Printf("%-36s  %-12s  %-8s  %-7s  %s\n",
					s.ID, s.Tool, s.Status, s.AutonomyMode,
					s.StartedAt.Format("2006-01-02 15:04:05"))
			}
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list")
	return cmd
}
