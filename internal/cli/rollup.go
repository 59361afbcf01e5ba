package cli

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/funnel-goat/funnel-goat/internal/analytics"
	"github.com/funnel-goat/funnel-goat/internal/session"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newRollupCmd(), newAnalyticsCmd(), sweepCmd)
}

func newRollupCmd() *cobra.Command {
	var (
		period  string
		date    string
		variant string
	)

	cmd := &cobra.Command{
		Use:   "rollup <funnel-id>",
		Short: "Recompute analytics buckets for a funnel",
		Long: `Recompute the funnel-wide bucket and one bucket per variant for the
period containing --date. Rerunning a rollup replaces the stored buckets.

Examples:
  fgt rollup <funnel-id> --period day --date 2025-03-10
  fgt rollup <funnel-id> --period week --variant <variant-id>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := analytics.ParsePeriod(period)
			if err != nil {
				return err
			}
			at, err := parseDate(date, time.Now().UTC())
			if err != nil {
				return err
			}

			return withStore(func(s *store.SQLiteStore) error {
				agg := analytics.New(s, slog.Default(), nil)
				var buckets []*store.Bucket
				if variant != "" {
					b, err := agg.Rollup(cmd.Context(), tenant, args[0], p, at, variant)
					if err != nil {
						return notFound(err, "funnel or variant", args[0])
					}
					buckets = []*store.Bucket{b}
				} else {
					buckets, err = agg.RollupAll(cmd.Context(), tenant, args[0], p, at)
					if err != nil {
						return notFound(err, "funnel", args[0])
					}
				}
				return printBuckets(cmd.OutOrStdout(), buckets)
			})
		},
	}

	cmd.Flags().StringVar(&period, "period", string(store.PeriodDay), "hour, day, week or month")
	cmd.Flags().StringVar(&date, "date", "", "any time inside the period, RFC3339 or YYYY-MM-DD (default now)")
	cmd.Flags().StringVar(&variant, "variant", "", "roll up a single variant")

	return cmd
}

func newAnalyticsCmd() *cobra.Command {
	var (
		period  string
		from    string
		to      string
		variant string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "analytics <funnel-id>",
		Short: "Show stored analytics buckets",
		Long: `Show the buckets stored by the scheduler or 'fgt rollup'. The range
defaults to the last 7 days.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := analytics.ParsePeriod(period)
			if err != nil {
				return err
			}
			end, err := parseDate(to, time.Now().UTC())
			if err != nil {
				return err
			}
			start, err := parseDate(from, end.AddDate(0, 0, -7))
			if err != nil {
				return err
			}

			return withStore(func(s *store.SQLiteStore) error {
				buckets, err := analytics.New(s, slog.Default(), nil).Query(cmd.Context(), tenant, args[0], p, start, end, variant)
				if err != nil {
					return notFound(err, "funnel", args[0])
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), buckets)
				}
				if len(buckets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No buckets in range. Run 'fgt rollup' or wait for the scheduler.")
					return nil
				}
				return printBuckets(cmd.OutOrStdout(), buckets)
			})
		},
	}

	cmd.Flags().StringVar(&period, "period", string(store.PeriodDay), "hour, day, week or month")
	cmd.Flags().StringVar(&from, "from", "", "range start, RFC3339 or YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "range end, RFC3339 or YYYY-MM-DD (default now)")
	cmd.Flags().StringVar(&variant, "variant", "", "variant id; empty shows funnel-wide buckets")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print buckets as JSON")

	return cmd
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Close idle sessions as bounced or abandoned",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.SQLiteStore) error {
			tracker := session.NewTracker(s, session.WithLogger(slog.Default()))
			res, err := tracker.Sweep(cmd.Context(), session.Policy{
				BounceWindow:   cfg.BounceWindow,
				AbandonTimeout: cfg.AbandonTimeout,
				BatchSize:      session.DefaultPolicy().BatchSize,
			})
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Examined %d sessions: %d bounced, %d abandoned\n", res.Examined, res.Bounced, res.Abandoned)
			return nil
		})
	},
}

func parseDate(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use RFC3339 or YYYY-MM-DD", value)
	}
	return t, nil
}

func printBuckets(out io.Writer, buckets []*store.Bucket) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERIOD START\tVARIANT\tVISITORS\tUNIQUE\tCONVERSIONS\tRATE\tBOUNCE\tREVENUE\tAVG TIME")
	for _, b := range buckets {
		variant := b.VariantID
		if variant == "" {
			variant = "all"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%.1fs\n",
			b.PeriodStart.Format(time.RFC3339),
			variant,
			formatNumber(b.Visitors),
			formatNumber(b.UniqueVisitors),
			formatNumber(b.Conversions),
			formatPercent(b.ConversionRate),
			formatPercent(b.BounceRate),
			b.Revenue,
			b.AverageTimeSpent,
		)
	}
	return w.Flush()
}
