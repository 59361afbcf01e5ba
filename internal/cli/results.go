package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/funnel-goat/funnel-goat/internal/allocator"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

var resultsJSON bool

var resultsCmd = &cobra.Command{
	Use:   "results <funnel-id>",
	Short: "Compare the variants of a funnel",
	Long: `Show every variant with visitors, conversions, conversion rate and a 95%
confidence interval, and flag the best performer.`,
	Args: cobra.ExactArgs(1),
	RunE: runResults,
}

func init() {
	resultsCmd.Flags().BoolVar(&resultsJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	funnelID := args[0]

	return withStore(func(s *store.SQLiteStore) error {
		ctx := cmd.Context()

		f, err := s.GetFunnel(ctx, tenant, funnelID)
		if err != nil {
			return notFound(err, "funnel", funnelID)
		}
		report, err := allocator.New(s).Compare(ctx, tenant, funnelID)
		if err != nil {
			return fmt.Errorf("failed to compare variants: %w", err)
		}

		out := cmd.OutOrStdout()
		if resultsJSON {
			return printJSON(out, report)
		}

		fmt.Fprintf(out, "FUNNEL: %s\n", f.Name)
		fmt.Fprintf(out, "STATUS: %s\n", f.Status)
		fmt.Fprintf(out, "CREATED: %s\n", f.CreatedAt.Format("2006-01-02"))
		fmt.Fprintln(out)

		if len(report.Variants) == 0 {
			fmt.Fprintln(out, "No variants yet. Add one with: fgt variant add "+funnelID+" --key A --control")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VARIANT\tVISITORS\tCONVERSIONS\tRATE\t95% CI\tVS CONTROL\t")
		for _, v := range report.Variants {
			indicator := ""
			switch {
			case v.Status == store.VariantWinner:
				indicator = "WINNER"
			case report.BestPerforming != nil && v.ID == report.BestPerforming.ID && len(report.Variants) > 1:
				indicator = "<- LEADING"
			}

			key := v.Key
			if v.IsControl {
				key += " (control)"
			}

			ci := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
			vsControl := fmt.Sprintf("%.1f%%", v.ConfidenceVsControl*100)
			if v.Visitors == 0 {
				ci = "N/A"
			}
			if v.IsControl {
				vsControl = "-"
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				key,
				formatNumber(v.Visitors),
				formatNumber(v.Conversions),
				formatPercent(v.ConversionRate),
				ci,
				vsControl,
				indicator,
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Fprintln(out)
		fmt.Fprintf(out, "Total: %s visitors, %s conversions (%s)\n",
			formatNumber(report.TotalVisitors), formatNumber(report.TotalConversions), formatPercent(report.ConversionRate))
		if report.StatisticalSignificance {
			fmt.Fprintf(out, "Every variant has at least %d visitors.\n", allocator.MinSampleSize)
		} else {
			fmt.Fprintf(out, "Not enough data yet: every variant needs %d visitors.\n", allocator.MinSampleSize)
		}
		return nil
	})
}
