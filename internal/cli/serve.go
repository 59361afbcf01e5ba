package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/funnel-goat/funnel-goat/internal/allocator"
	"github.com/funnel-goat/funnel-goat/internal/analytics"
	"github.com/funnel-goat/funnel-goat/internal/conditions"
	"github.com/funnel-goat/funnel-goat/internal/events"
	"github.com/funnel-goat/funnel-goat/internal/metrics"
	"github.com/funnel-goat/funnel-goat/internal/outbox"
	"github.com/funnel-goat/funnel-goat/internal/server"
	"github.com/funnel-goat/funnel-goat/internal/session"
	"github.com/funnel-goat/funnel-goat/internal/store"
	"github.com/funnel-goat/funnel-goat/internal/visit"
)

var (
	port      int
	rateLimit float64
	burst     int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the funnel-goat HTTP server.

The server provides:
  - Tracking script at /fg.js
  - Visitor API under /v1 (visits, allocation, conditions, sessions, events)
  - Admin API under /v1 guarded by the admin token
  - Background session sweep, analytics rollup and webhook delivery

Example:
  fgt serve --port 8080`,
	RunE: runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().IntVarP(&port, "port", "p", cfg.Port, "port to listen on")
		cmd.Flags().Float64Var(&rateLimit, "rate-limit", 20, "public requests per second per client IP (0 disables)")
		cmd.Flags().IntVar(&burst, "burst", 40, "public request burst per client IP")
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	logger := slog.Default()
	m := metrics.New()
	policy := session.Policy{
		BounceWindow:   cfg.BounceWindow,
		AbandonTimeout: cfg.AbandonTimeout,
		BatchSize:      session.DefaultPolicy().BatchSize,
	}
	period, err := analytics.ParsePeriod(cfg.RollupPeriod)
	if err != nil {
		return err
	}

	tracker := session.NewTracker(s, session.WithLogger(logger), session.WithMetrics(m))
	alloc := allocator.New(s, allocator.WithLogger(logger), allocator.WithMetrics(m))
	conds := conditions.New(s, logger, m)
	queue := outbox.NewQueue(s, cfg.OutboxMaxAttempts)
	recorder := events.NewRecorder(s, tracker,
		events.WithOutbox(queue), events.WithLogger(logger), events.WithMetrics(m))
	agg := analytics.New(s, logger, m)

	token := cfg.AdminToken
	if token == "" {
		token, _ = readTokenFile()
	}

	srv := server.New(server.Deps{
		Store:      s,
		Allocator:  alloc,
		Conditions: conds,
		Tracker:    tracker,
		Recorder:   recorder,
		Visits:     visit.New(s, alloc, conds, tracker, recorder, logger),
		Analytics:  agg,
		Outbox:     queue,
		Metrics:    m,
		Logger:     logger,
	}, server.Options{
		Port:          port,
		AdminToken:    token,
		DefaultTenant: tenant,
		RateLimit:     rateLimit,
		Burst:         burst,
	})

	if cfg.AdminToken == "" {
		if err := os.WriteFile(getTokenFilePath(), []byte(srv.Token()), 0o600); err != nil {
			logger.Warn("failed to persist admin token", "error", err)
		}
	}

	scheduler := analytics.NewScheduler(s, agg, tracker, analytics.SchedulerConfig{
		Interval: cfg.RollupInterval,
		Period:   period,
		Policy:   policy,
	}, logger)
	go scheduler.Run(ctx)

	dispatcher := outbox.NewDispatcher(s, outbox.Config{Backoff: cfg.OutboxBackoff}, logger, m)
	dispatcher.Handle(events.KindConversionWebhook,
		outbox.NewWebhookSender(&http.Client{Timeout: 10 * time.Second}, cfg.WebhookRPS))
	go dispatcher.Run(ctx, 5*time.Second)

	printStartupInstructions(cmd.OutOrStdout(), port, srv.Token())

	return srv.Run(ctx)
}

func printStartupInstructions(w io.Writer, port int, token string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Server running at http://localhost:%d\n", port)
	fmt.Fprintf(w, "Admin token: %s\n", token)
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "1. Create a funnel and its variants")
	fmt.Fprintln(w)
	fmt.Fprintln(w, `   fgt funnel create checkout --pages "landing,cart,pay"`)
	fmt.Fprintln(w, "   fgt variant add <funnel-id> --key A --traffic 50 --control")
	fmt.Fprintln(w, "   fgt variant add <funnel-id> --key B --traffic 50")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "2. Add the script to every funnel page")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "   <script src=\"http://localhost:%d/fg.js\" data-fg-funnel=\"<funnel-id>\" data-fg-page=\"landing\" defer></script>\n", port)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "3. Mark variant content and conversions")
	fmt.Fprintln(w)
	fmt.Fprintln(w, `   <h1 data-fg-variant="A">Ship Faster</h1>`)
	fmt.Fprintln(w, `   <h1 data-fg-variant="B" hidden>Build Better</h1>`)
	fmt.Fprintln(w, `   <button id="buy" data-fg-convert data-fg-value="49">Buy</button>`)
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  results <funnel-id>    Compare variants")
	fmt.Fprintln(w, "  winner <funnel-id>     Declare a winner")
	fmt.Fprintln(w, "  analytics <funnel-id>  Show rolled-up analytics")
	fmt.Fprintln(w, "  token                  Show the admin token")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop")
}
