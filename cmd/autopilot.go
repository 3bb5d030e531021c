package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/attendhq/attend/internal/config"
	"github.com/attendhq/attend/internal/policy"
	"github.com/attendhq/attend/internal/store"
	"github.com/attendhq/attend/internal/trace"
	"github.com/attendhq/attend/pkg/protocol"
)

func autopilotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Control and inspect automatic replies",
	}
	cmd.AddCommand(autopilotModeCmd("enable", "Set autonomy to full (policy rules execute as written)", "full"))
	cmd.AddCommand(autopilotModeCmd("disable", "Set autonomy to off (everything escalates)", "off"))
	cmd.AddCommand(autopilotSetCmd())
	cmd.AddCommand(autopilotStatusCmd())
	cmd.AddCommand(autopilotExplainCmd())
	return cmd
}

func autopilotModeCmd(use, short, mode string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			saveAutopilotMode(mode)
		},
	}
}

func autopilotSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode <off|assist|full>",
		Short: "Set the autonomy mode override",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			mode := strings.ToLower(args[0])
			if _, ok := protocol.ParseAutonomyMode(mode); !ok {
				fail(exitUsage, fmt.Errorf("unknown mode %q (want off, assist or full)", args[0]))
			}
			saveAutopilotMode(mode)
		},
	}
}

// saveAutopilotMode persists the config-level override. It beats the policy
// file's autonomy_mode; the daemon picks it up on next start.
func saveAutopilotMode(mode string) {
	cfg := loadConfig()
	cfg.Autopilot.Mode = mode
	if err := config.Save(config.ConfigPath(), cfg); err != nil {
		fail(exitConfig, fmt.Errorf("write config: %w", err))
	}
	if jsonOutput {
		printJSON(map[string]string{"autopilot_mode": mode})
		return
	}
	fmt.Printf("autopilot mode: %s (effective on next 'attend run')\n", mode)
}

func autopilotStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the effective autonomy mode and pause state",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			effective := "per policy file"
			source := "policy"
			if mode, ok := cfg.AutonomyOverride(); ok {
				effective, source = string(mode), "config override"
			} else if pol, err := policy.Load(config.PolicyPath()); err == nil {
				effective = string(pol.Mode())
			}

			paused := false
			if _, err := os.Stat(config.StorePath()); err == nil {
				if st, err := store.OpenReadOnly(config.StorePath()); err == nil {
					paused, _ = st.Paused()
					st.Close()
				}
			}

			if jsonOutput {
				printJSON(map[string]any{"mode": effective, "source": source, "paused": paused})
				return
			}
			fmt.Printf("mode:   %s (%s)\n", effective, source)
			fmt.Printf("paused: %v\n", paused)
		},
	}
}

func autopilotExplainCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Show recent policy decisions rule by rule",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			entries, err := trace.Tail(config.TracePath(), n)
			if err != nil {
				fail(1, fmt.Errorf("read decision trace: %w", err))
			}
			if jsonOutput {
				printJSON(entries)
				return
			}
			if len(entries) == 0 {
				fmt.Println("no decisions recorded yet")
				return
			}
			for _, e := range entries {
				fmt.Printf("%s  %s  %s  conf=%s  ->  %s",
					e.Timestamp.Format("15:04:05"), shortID(e.PromptID), e.Kind, e.Confidence, e.Action)
				if e.RuleID != "" {
					fmt.Printf("  (rule %s)", e.RuleID)
				}
				fmt.Printf("\n    %s\n", e.Reason)
				for _, ev := range e.Evaluations {
					if ev.Matched {
						fmt.Printf("    ✓ %s\n", ev.RuleID)
						continue
					}
					fmt.Printf("    ✗ %s: %s\n", ev.RuleID, ev.FailingCriterion)
				}
			}
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 10, "number of recent decisions")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
