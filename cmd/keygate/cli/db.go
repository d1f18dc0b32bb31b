package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and migrate the key database",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBStatusCmd())

	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply any pending schema migrations",
		Long:  "Open the configured database and apply schema migrations. Opening the store migrates automatically; this command exists to run migrations ahead of a deploy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			if err := st.Ping(context.Background()); err != nil {
				return fmt.Errorf("database unreachable after migration: %w", err)
			}
			fmt.Printf("Schema up to date (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}

func newDBStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show aggregate counts for keys, admins and audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBStatus(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runDBStatus(jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	stats, err := st.CollectStats(context.Background())
	if err != nil {
		return fmt.Errorf("collecting stats: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]int{
			"total_keys":   stats.TotalKeys,
			"active_keys":  stats.ActiveKeys,
			"expired_keys": stats.ExpiredKeys,
			"admins":       stats.Admins,
			"audits":       stats.Audits,
		})
	}

	fmt.Printf("  Total keys:    %d\n", stats.TotalKeys)
	fmt.Printf("  Active keys:   %d\n", stats.ActiveKeys)
	fmt.Printf("  Expired keys:  %d\n", stats.ExpiredKeys)
	fmt.Printf("  Admins:        %d\n", stats.Admins)
	fmt.Printf("  Audit entries: %d\n", stats.Audits)
	return nil
}
