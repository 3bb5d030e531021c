// Package cmd implements the attend command-line interface.
//
// Exit codes are part of the contract: 0 success, 2 usage error,
// 3 configuration error, 4 channel unreachable, 5 policy invalid.
package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/attendhq/attend/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/attendhq/attend/cmd.Version=v1.0.0"
var Version = "dev"

const (
	exitUsage   = 2
	exitConfig  = 3
	exitChannel = 4
	exitPolicy  = 5
)

var (
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "attend",
	Short: "attend: policy-governed human-in-the-loop supervisor for CLI agents",
	Long: "attend wraps an interactive CLI agent in a pseudo-terminal, detects when it\n" +
		"blocks on input, and answers via declarative policy or a human on Telegram/Slack.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(autopilotCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{"version": Version})
				return
			}
			fmt.Printf("attend %s\n", Version)
		},
	}
}

// Execute runs the root command, mapping errors to the exit-code contract.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitUsage)
	}
}

// loadConfig loads and validates the active configuration or exits with the
// configuration-error code.
func loadConfig() *config.Config {
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		fail(exitConfig, fmt.Errorf("load config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		fail(exitConfig, fmt.Errorf("invalid config: %w", err))
	}
	return cfg
}

func fail(code int, err error) {
	if jsonOutput {
		printJSON(map[string]string{"error": err.Error()})
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(code)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
