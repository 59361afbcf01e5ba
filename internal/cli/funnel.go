package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/funnel-goat/funnel-goat/internal/store"
)

var funnelCmd = &cobra.Command{
	Use:   "funnel",
	Short: "Manage funnels",
}

func init() {
	funnelCmd.AddCommand(newFunnelCreateCmd(), funnelListCmd, funnelShowCmd)
	rootCmd.AddCommand(funnelCmd)
}

func newFunnelCreateCmd() *cobra.Command {
	var (
		pages   string
		webhook string
		status  string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new funnel",
		Long: `Create a funnel with its canonical page order.

Examples:
  fgt funnel create checkout --pages "landing,cart,pay"
  fgt funnel create signup --pages "home,form" --webhook https://example.com/hooks/fg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pageIDs := splitList(pages)
			if len(pageIDs) == 0 {
				return fmt.Errorf("need at least 1 page. Example: --pages \"landing,cart\"")
			}

			f := &store.Funnel{
				TenantID:   tenant,
				Name:       args[0],
				Status:     store.FunnelStatus(status),
				PageIDs:    pageIDs,
				WebhookURL: webhook,
			}
			return withStore(func(s *store.SQLiteStore) error {
				if err := s.CreateFunnel(cmd.Context(), f); err != nil {
					return fmt.Errorf("failed to create funnel: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created funnel '%s' (%s)\n", f.Name, f.ID)
				fmt.Fprintf(out, "  Pages: %s\n", strings.Join(f.PageIDs, " -> "))
				if f.WebhookURL != "" {
					fmt.Fprintf(out, "  Webhook: %s\n", f.WebhookURL)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&pages, "pages", "", "comma-separated page ids in funnel order (required)")
	cmd.Flags().StringVar(&webhook, "webhook", "", "URL notified on every conversion (optional)")
	cmd.Flags().StringVar(&status, "status", string(store.FunnelActive), "initial status (draft, active, paused)")
	cmd.MarkFlagRequired("pages")

	return cmd
}

var funnelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all funnels",
	Long:  `List the tenant's funnels with their status and visitor totals.`,
	RunE:  runFunnelList,
}

func runFunnelList(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		ctx := cmd.Context()

		funnels, err := s.ListFunnels(ctx, tenant)
		if err != nil {
			return fmt.Errorf("failed to list funnels: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(funnels) == 0 {
			fmt.Fprintln(out, "No funnels yet.")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Create one with:")
			fmt.Fprintln(out, `  fgt funnel create checkout --pages "landing,cart,pay"`)
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPAGES\tVARIANTS\tVISITORS\tCONVERSIONS\tCREATED")

		for _, f := range funnels {
			variants, err := s.ListVariants(ctx, tenant, f.ID)
			if err != nil {
				return fmt.Errorf("failed to list variants for funnel %s: %w", f.Name, err)
			}

			var visitors, conversions int64
			for _, v := range variants {
				visitors += v.Visitors
				conversions += v.Conversions
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				f.ID,
				f.Name,
				strings.ToUpper(string(f.Status)),
				len(f.PageIDs),
				len(variants),
				formatNumber(visitors),
				formatNumber(conversions),
				f.CreatedAt.Format("2006-01-02"),
			)
		}

		return w.Flush()
	})
}

var funnelShowCmd = &cobra.Command{
	Use:   "show <funnel-id>",
	Short: "Show a funnel with its variants, goals and conditions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.SQLiteStore) error {
			return showFunnel(cmd, s, args[0])
		})
	},
}

func showFunnel(cmd *cobra.Command, s store.Store, funnelID string) error {
	ctx := cmd.Context()
	f, err := s.GetFunnel(ctx, tenant, funnelID)
	if err != nil {
		return notFound(err, "funnel", funnelID)
	}
	variants, err := s.ListVariants(ctx, tenant, funnelID)
	if err != nil {
		return err
	}
	goals, err := s.ListGoals(ctx, tenant, funnelID)
	if err != nil {
		return err
	}
	conds, err := s.ListConditions(ctx, tenant, funnelID, "")
	if err != nil {
		return err
	}
	sessions, err := s.CountSessions(ctx, tenant, funnelID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "FUNNEL: %s (%s)\n", f.Name, f.ID)
	fmt.Fprintf(out, "STATUS: %s\n", f.Status)
	fmt.Fprintf(out, "PAGES: %s\n", strings.Join(f.PageIDs, " -> "))
	fmt.Fprintf(out, "SESSIONS: %s\n", formatNumber(sessions))
	fmt.Fprintf(out, "CREATED: %s\n", f.CreatedAt.Format("2006-01-02"))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tID\tTRAFFIC\tSTATUS\tCONTROL")
	for _, v := range variants {
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\t%t\n", v.Key, v.ID, v.TrafficPercentage, v.Status, v.IsControl)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(goals) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "GOAL\tTYPE\tTARGET\tCOMPLETIONS\tRATE\tPRIMARY")
		for _, g := range goals {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
				g.Name, g.Type, g.Target, formatNumber(g.Completions), formatPercent(g.CompletionRate(sessions)), g.Primary)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(conds) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CONDITION\tPAGE\tPRIORITY\tACTIVE\tEVALUATIONS\tPASS RATE")
		for _, c := range conds {
			page := c.PageID
			if page == "" {
				page = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\t%s\n",
				c.Name, page, c.Priority, c.Active, formatNumber(c.EvaluationCount), formatPercent(c.PassRate))
		}
		return w.Flush()
	}
	return nil
}
