package cli

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/funnel-goat/funnel-goat/internal/allocator"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newWinnerCmd())
}

func newWinnerCmd() *cobra.Command {
	var variantKey string

	cmd := &cobra.Command{
		Use:   "winner <funnel-id>",
		Short: "Declare a winner for a funnel",
		Long: `Declare a winning variant. The winner then receives all new traffic.

Without --variant an interactive prompt lists the funnel's variants.

Example:
  fgt winner <funnel-id> --variant B`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			funnelID := args[0]

			return withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()
				variants, err := s.ListVariants(ctx, tenant, funnelID)
				if err != nil {
					return notFound(err, "funnel", funnelID)
				}
				if len(variants) == 0 {
					return fmt.Errorf("funnel '%s' has no variants", funnelID)
				}
				for _, v := range variants {
					if v.Status == store.VariantWinner {
						return fmt.Errorf("funnel already has a winner: variant %s", v.Key)
					}
				}

				var chosen *store.Variant
				if variantKey == "" {
					chosen, err = promptVariant(variants)
					if err != nil {
						return err
					}
				} else {
					for _, v := range variants {
						if v.Key == variantKey || v.ID == variantKey {
							chosen = v
							break
						}
					}
					if chosen == nil {
						return fmt.Errorf("invalid variant: %s", variantKey)
					}
				}

				winner, err := allocator.New(s).DeclareWinner(ctx, tenant, funnelID, chosen.ID)
				if err != nil {
					return fmt.Errorf("failed to set winner: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Declared winner for funnel '%s': variant %s\n", funnelID, winner.Key)
				fmt.Fprintln(out, "All new visitors will be allocated to the winner.")
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&variantKey, "variant", "v", "", "winning variant key or id")

	return cmd
}

func promptVariant(variants []*store.Variant) (*store.Variant, error) {
	items := make([]string, len(variants))
	for i, v := range variants {
		items[i] = fmt.Sprintf("%s  %.2f%% (%d/%d)", v.Key, v.ConversionRate(), v.Conversions, v.Visitors)
	}

	prompt := promptui.Select{
		Label: "Winning variant",
		Items: items,
		Size:  len(items),
	}

	idx, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return nil, errors.New("cancelled")
		}
		return nil, err
	}
	return variants[idx], nil
}
