package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/funnel-goat/funnel-goat/internal/allocator"
	"github.com/funnel-goat/funnel-goat/internal/analytics"
	"github.com/funnel-goat/funnel-goat/internal/conditions"
	"github.com/funnel-goat/funnel-goat/internal/events"
	"github.com/funnel-goat/funnel-goat/internal/metrics"
	"github.com/funnel-goat/funnel-goat/internal/outbox"
	"github.com/funnel-goat/funnel-goat/internal/session"
	"github.com/funnel-goat/funnel-goat/internal/store"
	"github.com/funnel-goat/funnel-goat/internal/visit"
)

// Deps are the runtime services the handlers call into.
type Deps struct {
	Store      store.Store
	Allocator  *allocator.Allocator
	Conditions *conditions.Service
	Tracker    *session.Tracker
	Recorder   *events.Recorder
	Visits     *visit.Service
	Analytics  *analytics.Aggregator
	Outbox     *outbox.Queue
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type Options struct {
	Port int
	// AdminToken guards the admin routes. A random token is generated
	// when empty.
	AdminToken    string
	DefaultTenant string
	// RateLimit is the per-IP request rate of the public routes; zero
	// disables limiting.
	RateLimit float64
	Burst     int
}

type Server struct {
	Deps
	port          int
	token         string
	defaultTenant string
	limiter       *ipRateLimiter
	router        *http.ServeMux
	handler       http.Handler
	startTime     time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

func New(deps Deps, opts Options) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	token := opts.AdminToken
	if token == "" {
		token = generateToken()
	}

	srv := &Server{
		Deps:          deps,
		port:          opts.Port,
		token:         token,
		defaultTenant: opts.DefaultTenant,
		limiter:       newIPRateLimiter(opts.RateLimit, opts.Burst),
		router:        http.NewServeMux(),
		startTime:     time.Now(),
		logger:        logger.With("component", "server"),
		metrics:       deps.Metrics,
	}

	srv.setupRoutes()
	srv.handler = srv.requestLogger(srv.router)
	return srv
}

func (s *Server) setupRoutes() {
	public := func(h http.HandlerFunc) http.Handler {
		return cors(s.limiter.middleware(s.withTenant(h)))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return s.authMiddleware(s.withTenant(h))
	}

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /fg.js", s.handleGlobalJS)
	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.authMiddleware(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
		s.router.Handle("GET /v1/metrics", admin(s.handleTenantMetrics))
	}

	// Tracking API, called from visitor browsers.
	s.router.Handle("OPTIONS /v1/", cors(http.NotFoundHandler()))
	s.router.Handle("POST /v1/visits", public(s.handleVisit))
	s.router.Handle("POST /v1/funnels/{funnelID}/allocate", public(s.handleAllocate))
	s.router.Handle("POST /v1/funnels/{funnelID}/pages/{pageID}/evaluate", public(s.handleEvaluate))
	s.router.Handle("POST /v1/sessions", public(s.handleCreateSession))
	s.router.Handle("GET /v1/sessions/{sessionID}", public(s.handleGetSession))
	s.router.Handle("POST /v1/sessions/{sessionID}/pageviews", public(s.handlePageView))
	s.router.Handle("POST /v1/sessions/{sessionID}/events", public(s.handleEvent))

	// Admin API.
	s.router.Handle("GET /v1/funnels", admin(s.handleListFunnels))
	s.router.Handle("POST /v1/funnels", admin(s.handleCreateFunnel))
	s.router.Handle("GET /v1/funnels/{funnelID}", admin(s.handleGetFunnel))
	s.router.Handle("POST /v1/funnels/{funnelID}/variants", admin(s.handleCreateVariant))
	s.router.Handle("DELETE /v1/funnels/{funnelID}/variants/{variantID}", admin(s.handleDeleteVariant))
	s.router.Handle("POST /v1/funnels/{funnelID}/goals", admin(s.handleCreateGoal))
	s.router.Handle("POST /v1/funnels/{funnelID}/conditions", admin(s.handleCreateCondition))
	s.router.Handle("POST /v1/funnels/{funnelID}/winner", admin(s.handleDeclareWinner))
	s.router.Handle("GET /v1/funnels/{funnelID}/compare", admin(s.handleCompare))
	s.router.Handle("GET /v1/funnels/{funnelID}/analytics", admin(s.handleAnalytics))
	s.router.Handle("POST /v1/funnels/{funnelID}/rollup", admin(s.handleRollup))
	s.router.Handle("GET /v1/outbox", admin(s.handleListTasks))
	s.router.Handle("POST /v1/outbox/{taskID}/requeue", admin(s.handleRequeueTask))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.limiter.cleanup(ctx, time.Minute, 3*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("failed to generate admin token: %v", err))
	}
	return hex.EncodeToString(bytes)
}
