package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/funnel-goat/funnel-goat/internal/snippets"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newSnippetCmd())
}

func newSnippetCmd() *cobra.Command {
	var framework string
	var url string

	cmd := &cobra.Command{
		Use:   "snippet <funnel-id>",
		Short: "Generate integration code for a funnel",
		Long: `Generate copy-paste-ready code that loads fg.js and marks variant content.

After a winner is declared only the winner's markup is generated.

Example:
  fgt snippet <funnel-id> --framework nextjs --server-url https://fg.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			funnelID := args[0]

			return withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()
				f, err := s.GetFunnel(ctx, tenant, funnelID)
				if err != nil {
					return notFound(err, "funnel", funnelID)
				}
				variants, err := s.ListVariants(ctx, tenant, funnelID)
				if err != nil {
					return err
				}

				fw := snippets.Framework(framework)
				if framework == "" {
					if fw, err = promptFramework(); err != nil {
						return err
					}
				}

				if url == "" {
					if url, err = promptServerURL(); err != nil {
						return err
					}
				}

				config := snippets.Config{
					FunnelID:  f.ID,
					ServerURL: url,
					PageIDs:   f.PageIDs,
				}
				if tenant != cfg.Tenant {
					config.Tenant = tenant
				}
				for _, v := range variants {
					config.VariantKeys = append(config.VariantKeys, v.Key)
					if v.Status == store.VariantWinner {
						config.WinnerKey = v.Key
					}
				}

				files, err := snippets.Generate(fw, config)
				if err != nil {
					return fmt.Errorf("failed to generate snippet: %w", err)
				}

				printSnippets(cmd.OutOrStdout(), files)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&framework, "framework", "f", "", "framework (html, nextjs, vue, svelte)")
	cmd.Flags().StringVarP(&url, "server-url", "s", "", "server URL (e.g., https://fg.example.com)")

	return cmd
}

func promptFramework() (snippets.Framework, error) {
	names := map[snippets.Framework]string{
		snippets.FrameworkHTML:   "HTML (vanilla JavaScript)",
		snippets.FrameworkNextJS: "Next.js",
		snippets.FrameworkVue:    "Vue",
		snippets.FrameworkSvelte: "Svelte",
	}

	items := make([]string, len(snippets.Frameworks))
	for i, fw := range snippets.Frameworks {
		items[i] = names[fw]
	}

	prompt := promptui.Select{
		Label: "Select framework",
		Items: items,
		Size:  len(items),
	}

	idx, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return "", errors.New("cancelled")
		}
		return "", err
	}
	return snippets.Frameworks[idx], nil
}

func promptServerURL() (string, error) {
	prompt := promptui.Prompt{
		Label:   "Server URL",
		Default: fmt.Sprintf("http://localhost:%d", cfg.Port),
	}

	result, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return "", errors.New("cancelled")
		}
		return "", err
	}
	return strings.TrimRight(result, "/"), nil
}

func printSnippets(w io.Writer, files []snippets.SnippetFile) {
	for i, file := range files {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, strings.Repeat("=", 62))
		fmt.Fprintf(w, " %s\n", file.Filename)
		fmt.Fprintln(w, strings.Repeat("=", 62))
		fmt.Fprintln(w)
		fmt.Fprintln(w, file.Content)
	}
}
