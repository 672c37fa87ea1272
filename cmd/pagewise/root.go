// Package pagewise implements the pagewise admin command line.
package pagewise

import (
	"fmt"
	"os"

	"github.com/kamilpajak/pagewise/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pagewise",
	Short: "Billing administration for Pagewise",
	Long: `pagewise inspects and maintains the billing database: schema
migrations, the plan catalog, per-account usage and webhook event retention.

Configuration is read from the same environment variables as the server.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the environment and fails when the database is not configured.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return config.Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}
