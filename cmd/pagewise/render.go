package pagewise

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/kamilpajak/pagewise/internal/billing"
	"github.com/kamilpajak/pagewise/internal/database"
)

const dateFormat = "2006-01-02 15:04 MST"

func printPlans(w io.Writer, catalog *billing.Catalog) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = bold.Fprintln(tw, "PLAN\tNAME\tPAGES/CYCLE\tSTRIPE PRICE")
	for _, p := range catalog.Plans() {
		price := strings.Join(p.PriceIDs, ", ")
		if price == "" {
			price = dim.Sprint("-")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ID, p.Name, p.Limit, price)
	}
	_ = tw.Flush()
}

func printUsage(w io.Writer, snap *billing.Snapshot, records []database.UsageRecord) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)

	_, _ = bold.Fprintf(w, "Account %s\n", snap.AccountID)
	status := snap.Status
	if status == "" {
		status = "none"
	}
	fmt.Fprintf(w, "  Plan:   %s (%s)\n", snap.PlanID, status)
	fmt.Fprintf(w, "  Cycle:  %s → %s\n", snap.Cycle.Start.UTC().Format(dateFormat), snap.Cycle.End.UTC().Format(dateFormat))
	fmt.Fprintf(w, "  Usage:  %d / %d pages ", snap.Used, snap.Limit)
	printUsageBar(w, snap.Used, snap.Limit)
	fmt.Fprintf(w, "  Left:   %d pages\n", snap.Remaining)

	fmt.Fprintln(w)
	if len(records) == 0 {
		_, _ = dim.Fprintln(w, "  No usage recorded in this cycle.")
		return
	}

	_, _ = bold.Fprintln(w, "RECENT USAGE")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range records {
		fmt.Fprintf(tw, "  %s\t%d\t%s\n", r.RecordedAt.UTC().Format(dateFormat), r.Amount, r.SourceRef)
	}
	_ = tw.Flush()
}

// printUsageBar draws consumption as a bar that turns yellow past 75% and
// red once the allowance is spent.
func printUsageBar(w io.Writer, used, limit int) {
	const barWidth = 24

	filled := barWidth
	if limit > 0 {
		filled = used * barWidth / limit
	}
	if filled > barWidth {
		filled = barWidth
	}

	var barColor *color.Color
	switch {
	case limit == 0 || used >= limit:
		barColor = color.New(color.FgRed)
	case used*4 >= limit*3:
		barColor = color.New(color.FgYellow)
	default:
		barColor = color.New(color.FgGreen)
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	_, _ = barColor.Fprintln(w, bar)
}
