package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/attendhq/attend/internal/audit"
	"github.com/attendhq/attend/internal/config"
	"github.com/attendhq/attend/internal/store"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and report the first break, if any",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			st, err := store.OpenReadOnly(config.StorePath())
			if err != nil {
				fail(1, fmt.Errorf("open store: %w", err))
			}
			defer st.Close()

			n, _ := st.AuditCount()
			if err := audit.Verify(st); err != nil {
				var brk *audit.BreakError
				if errors.As(err, &brk) && jsonOutput {
					printJSON(map[string]any{"ok": false, "break_seq": brk.Seq, "reason": brk.Reason})
					os.Exit(1)
				}
				fail(1, err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "rows": n})
				return
			}
			fmt.Printf("audit chain intact (%d rows)\n", n)
		},
	})
	return cmd
}
