package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/attendhq/attend/internal/audit"
	"github.com/attendhq/attend/internal/config"
	"github.com/attendhq/attend/internal/store"
	"github.com/attendhq/attend/pkg/protocol"
)

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop accepting replies and auto-replies (kill switch)",
		Run: func(cmd *cobra.Command, args []string) {
			setPausedCLI(true)
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume after a pause",
		Run: func(cmd *cobra.Command, args []string) {
			setPausedCLI(false)
		},
	}
}

// setPausedCLI flips the persisted pause flag out-of-process. The running
// daemon sees it on the next gate check; no IPC needed.
func setPausedCLI(paused bool) {
	cfg := loadConfig()

	st, err := store.Open(config.StorePath())
	if err != nil {
		fail(1, fmt.Errorf("open store: %w", err))
	}
	defer st.Close()
	if err := st.Migrate(false); err != nil {
		fail(1, fmt.Errorf("migrate store: %w", err))
	}

	if err := st.SetPaused(paused); err != nil {
		fail(1, err)
	}

	mirror := ""
	if cfg.Audit.MirrorJSONL {
		mirror = config.AuditMirrorPath()
	}
	if aud, err := audit.NewWriter(st, mirror); err == nil {
		aud.Append(protocol.AuditPauseChanged, "", "", map[string]any{"paused": paused, "via": "cli"})
		aud.Close()
	}

	if jsonOutput {
		printJSON(map[string]bool{"paused": paused})
		return
	}
	if paused {
		fmt.Println("paused: replies and auto-replies are rejected until 'attend resume'")
	} else {
		fmt.Println("resumed")
	}
}
