package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/funnel-goat/funnel-goat/internal/config"
)

var (
	cfg       *config.Config
	dbPath    string
	tenant    string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "fgt",
	Short: "Funnel Goat - a self-hosted funnel visitor runtime",
	Long: `Funnel Goat allocates visitors to funnel variants, evaluates page
conditions, tracks sessions and events, and rolls them up into analytics.
Single Go binary, embedded SQLite.

Running without a subcommand starts the server (same as 'fgt serve').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(logLevel, logFormat, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	RunE: runServe, // Default action is to start server
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	config.LoadDotEnv()
	cfg = config.Load()

	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", cfg.DBPath, "database path")
	rootCmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", cfg.Tenant, "tenant to operate on")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", cfg.LogFormat, "log format (text or json)")
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if w == nil {
		w = os.Stderr
	}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be 'text' or 'json'", format)
	}
}
