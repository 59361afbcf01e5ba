package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/funnel-goat/funnel-goat/internal/allocator"
	"github.com/funnel-goat/funnel-goat/internal/conditions"
	"github.com/funnel-goat/funnel-goat/internal/rules"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

var variantCmd = &cobra.Command{
	Use:   "variant",
	Short: "Manage funnel variants",
}

var goalCmd = &cobra.Command{
	Use:   "goal",
	Short: "Manage funnel goals",
}

var conditionCmd = &cobra.Command{
	Use:   "condition",
	Short: "Manage page conditions",
}

func init() {
	variantCmd.AddCommand(newVariantAddCmd(), variantDeleteCmd)
	goalCmd.AddCommand(newGoalAddCmd())
	conditionCmd.AddCommand(newConditionAddCmd())
	rootCmd.AddCommand(variantCmd, goalCmd, conditionCmd)
}

func newVariantAddCmd() *cobra.Command {
	var (
		key     string
		name    string
		traffic float64
		control bool
	)

	cmd := &cobra.Command{
		Use:   "add <funnel-id>",
		Short: "Add a variant to a funnel",
		Long: `Add a variant with a traffic weight. Weights are relative and do not
need to sum to 100.

Examples:
  fgt variant add <funnel-id> --key A --traffic 50 --control
  fgt variant add <funnel-id> --key B --name "Short form" --traffic 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if traffic < 0 || traffic > 100 {
				return fmt.Errorf("traffic must be within 0-100, got %v", traffic)
			}

			v := &store.Variant{
				TenantID:          tenant,
				FunnelID:          args[0],
				Key:               key,
				Name:              name,
				TrafficPercentage: traffic,
				IsControl:         control,
			}
			return withStore(func(s *store.SQLiteStore) error {
				if err := s.CreateVariant(cmd.Context(), v); err != nil {
					return notFound(err, "funnel", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added variant %s (%s) with %.1f%% traffic\n", v.Key, v.ID, v.TrafficPercentage)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "variant key, e.g. A (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name (optional)")
	cmd.Flags().Float64Var(&traffic, "traffic", 50, "traffic weight")
	cmd.Flags().BoolVar(&control, "control", false, "mark as the control variant")
	cmd.MarkFlagRequired("key")

	return cmd
}

var variantDeleteCmd = &cobra.Command{
	Use:   "delete <funnel-id> <variant-id>",
	Short: "Delete a non-control variant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.SQLiteStore) error {
			if err := allocator.New(s).DeleteVariant(cmd.Context(), tenant, args[0], args[1]); err != nil {
				return notFound(err, "variant", args[1])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted variant %s\n", args[1])
			return nil
		})
	},
}

func newGoalAddCmd() *cobra.Command {
	var g store.Goal

	cmd := &cobra.Command{
		Use:   "add <funnel-id> <name>",
		Short: "Add a goal to a funnel",
		Long: `Add a goal. Types: page_visit, form_submit, button_click, time_on_site,
purchase, custom_event. Primary goals convert the session when completed.

Examples:
  fgt goal add <funnel-id> thanks --type page_visit --target thank-you --primary
  fgt goal add <funnel-id> engaged --type time_on_site --threshold 120`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch g.Type {
			case store.GoalPageVisit, store.GoalFormSubmit, store.GoalButtonClick,
				store.GoalTimeOnSite, store.GoalPurchase, store.GoalCustomEvent:
			default:
				return fmt.Errorf("invalid goal type: %s", g.Type)
			}
			g.TenantID = tenant
			g.FunnelID = args[0]
			g.Name = args[1]

			return withStore(func(s *store.SQLiteStore) error {
				if err := s.CreateGoal(cmd.Context(), &g); err != nil {
					return notFound(err, "funnel", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added goal '%s' (%s)\n", g.Name, g.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar((*string)(&g.Type), "type", string(store.GoalPageVisit), "goal type")
	cmd.Flags().StringVar(&g.Target, "target", "", "page, element or event name the goal watches")
	cmd.Flags().IntVar(&g.ThresholdSeconds, "threshold", 0, "seconds on site for time_on_site goals")
	cmd.Flags().Float64Var(&g.Value, "value", 0, "conversion value credited on completion")
	cmd.Flags().BoolVar(&g.Primary, "primary", false, "completing the goal converts the session")

	return cmd
}

// conditionFile is the JSON document accepted by 'condition add'.
type conditionFile struct {
	RuleSet   rules.RuleSet   `json:"rule_set"`
	Targeting rules.Targeting `json:"targeting"`
}

func newConditionAddCmd() *cobra.Command {
	var (
		page     string
		priority int
		file     string
		inactive bool
	)

	cmd := &cobra.Command{
		Use:   "add <funnel-id> <name>",
		Short: "Add a page condition",
		Long: `Add a condition from a JSON document with a rule_set and optional targeting.

Example document:
  {
    "rule_set": {
      "rules": [{"field": "utm_source", "operator": "equals", "value": "email"}],
      "logic_operator": "AND",
      "actions": [{"type": "show_popup", "popup_id": "welcome", "delay_seconds": 3}]
    },
    "targeting": {"devices": ["mobile"]}
  }

Examples:
  fgt condition add <funnel-id> email-popup --page landing --file popup.json
  cat popup.json | fgt condition add <funnel-id> email-popup --file -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if file == "-" {
				data, err = readAll(cmd)
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("failed to read condition: %w", err)
			}

			var doc conditionFile
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("invalid condition JSON: %w", err)
			}

			c := &store.Condition{
				TenantID:  tenant,
				FunnelID:  args[0],
				PageID:    page,
				Name:      args[1],
				Priority:  priority,
				Active:    !inactive,
				RuleSet:   doc.RuleSet,
				Targeting: doc.Targeting,
			}
			return withStore(func(s *store.SQLiteStore) error {
				svc := conditions.New(s, slog.Default(), nil)
				if err := svc.Create(cmd.Context(), c); err != nil {
					return notFound(err, "funnel", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added condition '%s' (%s) with %d rules\n", c.Name, c.ID, len(c.RuleSet.Rules))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&page, "page", "", "page id the condition applies to (default all pages)")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher priorities are evaluated first")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON document, or - for stdin (required)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the condition disabled")
	cmd.MarkFlagRequired("file")

	return cmd
}
