package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/attendhq/attend/internal/config"
	"github.com/attendhq/attend/internal/store"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Store maintenance",
	}
	cmd.AddCommand(dbMigrateCmd())
	cmd.AddCommand(dbArchiveCmd())
	return cmd
}

func dbMigrateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			st, err := store.Open(config.StorePath())
			if err != nil {
				fail(1, fmt.Errorf("open store: %w", err))
			}
			defer st.Close()

			if err := st.Migrate(dryRun); err != nil {
				fail(1, err)
			}
			current, target, err := st.SchemaVersion()
			if err != nil {
				fail(1, err)
			}
			if jsonOutput {
				printJSON(map[string]any{"schema_version": current, "target": target, "dry_run": dryRun})
				return
			}
			if dryRun {
				fmt.Printf("schema at v%d, target v%d (dry run, nothing applied)\n", current, target)
				return
			}
			fmt.Printf("schema at v%d\n", current)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report pending migrations without applying")
	return cmd
}

func dbArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Move audit rows beyond the retention cap into the archive table",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			st, err := store.Open(config.StorePath())
			if err != nil {
				fail(1, fmt.Errorf("open store: %w", err))
			}
			defer st.Close()
			if err := st.Migrate(false); err != nil {
				fail(1, err)
			}

			moved, err := st.ArchiveAudit(int64(cfg.Audit.MaxRows))
			if err != nil {
				fail(1, err)
			}
			if jsonOutput {
				printJSON(map[string]any{"archived": moved, "max_rows": cfg.Audit.MaxRows})
				return
			}
			fmt.Printf("archived %d audit row(s) (cap %d)\n", moved, cfg.Audit.MaxRows)
		},
	}
}
