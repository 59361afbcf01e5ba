package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"
)

var serverURL string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Show the admin API token",
	Long: `Show the admin token and an example admin request.

Use this when you've scrolled past the startup message. The token comes
from FG_ADMIN_TOKEN, or from the token file the server writes next to
the database when none is configured.

Example:
  fgt token`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&serverURL, "url", "", "server URL (default http://localhost:<port>)")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	token := cfg.AdminToken
	if token == "" {
		var err error
		token, err = readTokenFile()
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no token yet. Start the server with: fgt serve")
		}
		if err != nil {
			return fmt.Errorf("failed to read token file: %w", err)
		}
		if token == "" {
			return fmt.Errorf("token file is empty. Restart the server with: fgt serve")
		}
	}

	url := serverURL
	if url == "" {
		url = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Admin token: %s\n", token)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  curl -H 'Authorization: Bearer %s' %s/v1/funnels\n", token, url)
	fmt.Fprintf(out, "  %s/v1/funnels?token=%s\n", url, token)
	return nil
}
