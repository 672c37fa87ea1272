package pagewise

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kamilpajak/pagewise/internal/config"
	"github.com/spf13/cobra"
)

var plansFormat string

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Show the plan catalog",
	Long: `Print the plans the server would load: PLANS_FILE when set, otherwise
the built-in tiers wired to STRIPE_PRICE_STARTER and STRIPE_PRICE_PRO.`,
	RunE: runPlans,
}

func init() {
	plansCmd.Flags().StringVarP(&plansFormat, "format", "f", "text", "Output format (text, json)")
}

func runPlans(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	if plansFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(catalog.Plans())
	}

	printPlans(os.Stdout, catalog)
	return nil
}
