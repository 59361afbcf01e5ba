package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/funnel-goat/funnel-goat/internal/session"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

type SchedulerConfig struct {
	Interval time.Duration
	Period   store.Period
	Policy   session.Policy
}

// Scheduler closes idle sessions and rolls up the periods that closed since
// its previous run for every funnel, once at startup and then on every tick.
type Scheduler struct {
	store   store.Store
	agg     *Aggregator
	tracker *session.Tracker
	cfg     SchedulerConfig
	now     func() time.Time
	logger  *slog.Logger

	// rolledUntil is the end of the newest window already rolled up.
	rolledUntil time.Time
}

func NewScheduler(s store.Store, agg *Aggregator, tracker *session.Tracker, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Period == "" {
		cfg.Period = store.PeriodHour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   s,
		agg:     agg,
		tracker: tracker,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "scheduler"),
	}
}

type RunResult struct {
	Sweep   session.SweepResult
	Buckets int
	Failed  int
}

// RunOnce sweeps idle sessions, then rolls up every period of every funnel
// that closed since the previous run. The first run covers the periods that
// closed within one interval. A failing funnel is logged and skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (RunResult, error) {
	var res RunResult

	sweep, err := s.tracker.Sweep(ctx, s.cfg.Policy)
	if err != nil {
		return res, err
	}
	res.Sweep = sweep

	now := s.now()
	windows, err := s.pendingWindows(now)
	if err != nil {
		return res, err
	}

	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return res, err
	}
	for _, tenantID := range tenants {
		funnels, err := s.store.ListFunnels(ctx, tenantID)
		if err != nil {
			return res, err
		}
		for _, f := range funnels {
			for _, start := range windows {
				buckets, err := s.agg.RollupAll(ctx, tenantID, f.ID, s.cfg.Period, start)
				if err != nil {
					res.Failed++
					s.logger.Error("rollup failed", "tenant", tenantID, "funnel", f.ID,
						"period", s.cfg.Period, "start", start.Format(time.RFC3339), "error", err)
					continue
				}
				res.Buckets += len(buckets)
			}
		}
	}

	_, end, err := PreviousWindow(s.cfg.Period, now)
	if err != nil {
		return res, err
	}
	s.rolledUntil = end
	return res, nil
}

// pendingWindows returns the previous window followed by any older windows
// that ended after the last run, newest first. Re-rolling the previous
// window picks up sessions swept after it closed.
func (s *Scheduler) pendingWindows(now time.Time) ([]time.Time, error) {
	since := s.rolledUntil
	if since.IsZero() {
		since = now.Add(-s.cfg.Interval)
	}

	start, end, err := PreviousWindow(s.cfg.Period, now)
	if err != nil {
		return nil, err
	}
	windows := []time.Time{start}
	for {
		if start, end, err = PreviousWindow(s.cfg.Period, start); err != nil {
			return nil, err
		}
		if !end.After(since) {
			return windows, nil
		}
		windows = append(windows, start)
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("scheduled run failed", "error", err)
		return
	}
	s.logger.Info("scheduled run complete",
		"bounced", res.Sweep.Bounced, "abandoned", res.Sweep.Abandoned,
		"buckets", res.Buckets, "failed", res.Failed)
}
