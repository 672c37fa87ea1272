package pagewise

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/kamilpajak/pagewise/internal/config"
	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/kamilpajak/pagewise/internal/jobs"
	"github.com/spf13/cobra"
)

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune-events",
	Short: "Delete old webhook de-duplication records",
	Long: `Delete applied webhook event IDs older than --older-than (default
EVENT_RETENTION). The server runs the same job on RETENTION_SCHEDULE.`,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Retention window (default EVENT_RETENTION)")
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	retention := cfg.EventRetention
	if pruneOlderThan > 0 {
		retention = pruneOlderThan
	}
	if retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	deleted, err := jobs.NewRetention(db, retention, log).Run(ctx)
	if err != nil {
		return err
	}

	_, _ = color.New(color.FgGreen).Fprintf(os.Stderr, "Deleted %d webhook events older than %s\n", deleted, retention)
	return nil
}
