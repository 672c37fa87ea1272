package pagewise

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/kamilpajak/pagewise/internal/billing"
	"github.com/kamilpajak/pagewise/internal/config"
	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/spf13/cobra"
)

var (
	usageFormat string
	usageLimit  int
)

var usageCmd = &cobra.Command{
	Use:   "usage <account-id>",
	Short: "Show an account's usage in its current billing cycle",
	Long: `Show the plan, the current cycle window and the pages consumed so far,
followed by the most recent usage records in the cycle.

Examples:
  pagewise usage 5f0c8f5e-3b1a-4c6e-9f53-0d6a2b7f1c11
  pagewise usage 5f0c8f5e-3b1a-4c6e-9f53-0d6a2b7f1c11 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

func init() {
	usageCmd.Flags().StringVarP(&usageFormat, "format", "f", "text", "Output format (text, json)")
	usageCmd.Flags().IntVarP(&usageLimit, "limit", "l", 20, "Maximum records to list")
}

func runUsage(cmd *cobra.Command, args []string) error {
	accountID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid account ID %q: %w", args[0], err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	enforcer := billing.NewEnforcer(db, billing.NewLedger(db, nil, nil, log), catalog, nil)

	snap, err := enforcer.Snapshot(ctx, accountID)
	if err != nil {
		return err
	}

	records, err := db.ListUsageRecords(ctx, accountID, snap.Cycle.Start, snap.Cycle.End, usageLimit)
	if err != nil {
		return fmt.Errorf("failed to list usage records: %w", err)
	}

	if usageFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"usage":   snap,
			"records": records,
		})
	}

	printUsage(os.Stdout, snap, records)
	return nil
}
