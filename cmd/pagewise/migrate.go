package pagewise

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down]",
	Short: "Apply or roll back database migrations",
	Long: `Apply all pending migrations (up, the default) or roll back every
migration (down). Rolling back drops all billing data.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down"},
	RunE:      runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	direction := "up"
	if len(args) == 1 {
		direction = args[0]
	}

	switch direction {
	case "up":
		err = database.Migrate(cfg.DatabaseURL)
	case "down":
		err = database.MigrateDown(cfg.DatabaseURL)
	default:
		return fmt.Errorf("unknown direction %q, expected up or down", direction)
	}
	if err != nil {
		return err
	}

	_, _ = color.New(color.FgGreen).Fprintf(os.Stderr, "Migrations %s complete\n", direction)
	return nil
}
