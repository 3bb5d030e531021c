package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/attendhq/attend/internal/config"
	"github.com/attendhq/attend/internal/daemon"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <tool> [args...]",
		Short: "Supervise a CLI agent under the active policy",
		Long: "Starts the tool inside a pseudo-terminal and answers its prompts via policy\n" +
			"or escalation. Use -- to pass flags to the tool:\n\n" +
			"  attend run -- claude --dangerously-skip-permissions",
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if err := config.CheckPermissions(config.ConfigPath()); err != nil {
				fail(exitConfig, err)
			}
			if len(cfg.EnabledChannels()) == 0 {
				fmt.Fprintln(os.Stderr, "warning: no channel configured; escalated prompts will expire unanswered (run 'attend setup')")
			}

			d := daemon.New(cfg, Version)
			if err := d.Run(context.Background(), args[0], args[1:]); err != nil {
				fail(1, err)
			}
		},
	}
}
