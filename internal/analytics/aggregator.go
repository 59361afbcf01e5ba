// Package analytics rolls closed periods of session history into
// replaceable buckets. A bucket is a pure function of the sessions that
// entered the funnel inside its window, so a rollup can be rerun at any
// time without double counting.
package analytics

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/funnel-goat/funnel-goat/internal/metrics"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

type Aggregator struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(s store.Store, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: s, logger: logger.With("component", "analytics"), metrics: m}
}

// Rollup recomputes and stores the bucket of the given period that contains
// date. An empty variantID rolls up the whole funnel. A window without
// sessions yields an all-zero bucket.
func (a *Aggregator) Rollup(ctx context.Context, tenantID, funnelID string, period store.Period, date time.Time, variantID string) (*store.Bucket, error) {
	started := time.Now()

	start, end, err := Window(period, date)
	if err != nil {
		return nil, err
	}
	funnel, err := a.store.GetFunnel(ctx, tenantID, funnelID)
	if err != nil {
		return nil, err
	}
	if variantID != "" {
		if _, err := a.store.GetVariant(ctx, tenantID, funnelID, variantID); err != nil {
			return nil, err
		}
	}

	sessions, err := a.store.ListSessionsInWindow(ctx, tenantID, funnelID, start, end, variantID)
	if err != nil {
		return nil, err
	}
	goals, err := a.store.GoalCompletionsInWindow(ctx, tenantID, funnelID, start, end, variantID)
	if err != nil {
		return nil, err
	}

	b := Compute(funnel.PageIDs, sessions)
	b.TenantID = tenantID
	b.FunnelID = funnelID
	b.Period = period
	b.PeriodStart = start
	b.PeriodEnd = end
	b.VariantID = variantID
	b.Goals = goals

	if err := a.store.UpsertBucket(ctx, b); err != nil {
		return nil, err
	}

	a.metrics.ObserveRollup(string(period), time.Since(started))
	a.logger.Debug("bucket rolled up",
		"tenant", tenantID, "funnel", funnelID, "period", period,
		"start", start.Format(time.RFC3339), "variant", variantID, "visitors", b.Visitors)
	return b, nil
}

// RollupAll rolls up the funnel-wide bucket followed by one bucket per
// variant.
func (a *Aggregator) RollupAll(ctx context.Context, tenantID, funnelID string, period store.Period, date time.Time) ([]*store.Bucket, error) {
	total, err := a.Rollup(ctx, tenantID, funnelID, period, date, "")
	if err != nil {
		return nil, err
	}
	buckets := []*store.Bucket{total}

	variants, err := a.store.ListVariants(ctx, tenantID, funnelID)
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		b, err := a.Rollup(ctx, tenantID, funnelID, period, date, v.ID)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// Query returns the stored buckets whose period starts in [from, to).
func (a *Aggregator) Query(ctx context.Context, tenantID, funnelID string, period store.Period, from, to time.Time, variantID string) ([]*store.Bucket, error) {
	if _, err := a.store.GetFunnel(ctx, tenantID, funnelID); err != nil {
		return nil, err
	}
	buckets, err := a.store.ListBuckets(ctx, tenantID, funnelID, period, from, to, variantID)
	if err != nil {
		return nil, err
	}
	if buckets == nil {
		buckets = []*store.Bucket{}
	}
	return buckets, nil
}

// Compute derives the bucket metrics from sessions. pageOrder is the
// funnel's canonical page order, used for drop-off edges and to order the
// page metrics; pages outside it follow in ID order.
func Compute(pageOrder []string, sessions []*store.Session) *store.Bucket {
	b := &store.Bucket{
		Sources:   []store.Breakdown{},
		Devices:   []store.Breakdown{},
		Campaigns: []store.Breakdown{},
		Pages:     []store.PageMetric{},
		Dropoffs:  []store.DropoffEdge{},
		Goals:     []store.GoalMetric{},
	}

	identities := make(map[string]struct{})
	sources := newTally()
	devices := newTally()
	campaigns := newTally()
	pages := make(map[string]*pageTally)
	var totalTime float64

	for _, sess := range sessions {
		b.Visitors++
		identities[sess.Identity()] = struct{}{}
		if sess.Converted {
			b.Conversions++
			b.Revenue += sess.ConversionValue
		}
		if sess.Status == store.SessionBounced {
			b.Bounces++
		}
		totalTime += sess.TotalTimeSpent

		sources.add(sess.Source, sess.Converted)
		devices.add(sess.Device, sess.Converted)
		if sess.Visitor.UTMCampaign != "" {
			campaigns.add(sess.Visitor.UTMCampaign, sess.Converted)
		}

		seen := make(map[string]bool)
		for _, pv := range sess.PageViews {
			p := pages[pv.PageID]
			if p == nil {
				p = &pageTally{}
				pages[pv.PageID] = p
			}
			p.views++
			p.dwell += pv.DwellSeconds
			if !seen[pv.PageID] {
				seen[pv.PageID] = true
				p.sessions++
			}
		}
		if n := len(sess.PageViews); n > 0 && !sess.Converted {
			pages[sess.PageViews[n-1].PageID].exits++
		}
	}

	b.UniqueVisitors = int64(len(identities))
	b.ConversionRate = percent(b.Conversions, b.Visitors)
	b.BounceRate = percent(b.Bounces, b.Visitors)
	if b.Conversions > 0 {
		b.AverageOrderValue = round2(b.Revenue / float64(b.Conversions))
	}
	if b.Visitors > 0 {
		b.AverageTimeSpent = round2(totalTime / float64(b.Visitors))
	}
	b.Revenue = round2(b.Revenue)

	b.Sources = sources.breakdown()
	b.Devices = devices.breakdown()
	b.Campaigns = campaigns.breakdown()

	for _, id := range orderPages(pageOrder, pages) {
		p := pages[id]
		b.Pages = append(b.Pages, store.PageMetric{
			PageID:         id,
			Views:          p.views,
			UniqueSessions: p.sessions,
			AverageDwell:   round2(p.dwell / float64(p.views)),
			Exits:          p.exits,
			DropoffRate:    percent(p.exits, p.sessions),
		})
	}

	for i := 0; i+1 < len(pageOrder); i++ {
		from, to := pageOrder[i], pageOrder[i+1]
		var reached, dropped int64
		for _, sess := range sessions {
			if !viewed(sess, from) {
				continue
			}
			reached++
			if !viewed(sess, to) {
				dropped++
			}
		}
		b.Dropoffs = append(b.Dropoffs, store.DropoffEdge{
			FromPageID:  from,
			ToPageID:    to,
			Reached:     reached,
			DroppedOff:  dropped,
			DropoffRate: percent(dropped, reached),
		})
	}

	return b
}

type pageTally struct {
	views    int64
	sessions int64
	exits    int64
	dwell    float64
}

type tally map[string]*store.Breakdown

func newTally() tally { return make(tally) }

func (t tally) add(key string, converted bool) {
	if key == "" {
		key = "unknown"
	}
	row := t[key]
	if row == nil {
		row = &store.Breakdown{Key: key}
		t[key] = row
	}
	row.Visitors++
	if converted {
		row.Conversions++
	}
}

// breakdown orders rows by visitors, then key.
func (t tally) breakdown() []store.Breakdown {
	rows := make([]store.Breakdown, 0, len(t))
	for _, row := range t {
		rows = append(rows, *row)
	}
	slices.SortFunc(rows, func(a, b store.Breakdown) int {
		if c := cmp.Compare(b.Visitors, a.Visitors); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return rows
}

func orderPages(pageOrder []string, pages map[string]*pageTally) []string {
	ordered := make([]string, 0, len(pages))
	listed := make(map[string]bool, len(pageOrder))
	for _, id := range pageOrder {
		if listed[id] {
			continue
		}
		listed[id] = true
		if pages[id] != nil {
			ordered = append(ordered, id)
		}
	}

	var rest []string
	for id := range pages {
		if !listed[id] {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)
	return append(ordered, rest...)
}

func viewed(sess *store.Session, pageID string) bool {
	for _, pv := range sess.PageViews {
		if pv.PageID == pageID {
			return true
		}
	}
	return false
}

func percent(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return round2(float64(n) / float64(d) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
