package analytics_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-goat/funnel-goat/internal/analytics"
	"github.com/funnel-goat/funnel-goat/internal/session"
	"github.com/funnel-goat/funnel-goat/internal/store"
	"github.com/funnel-goat/funnel-goat/internal/testutil"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store    *store.SQLiteStore
	funnel   *store.Funnel
	control  *store.Variant
	other    *store.Variant
	goal     *store.Goal
	agg      *analytics.Aggregator
	sessions []*store.Session
}

// seed stores three sessions on day and one on the following day:
//
//	s1: P1 -> P2 -> P3, converted for 40, variant A, utm email/spring
//	s2: P1 -> P2, abandoned, referred by google
//	s3: P1, bounced, same visitor as s1
func seed(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := testutil.SetupTestStore(t)
	c := &clock{}
	tr := session.NewTracker(s, session.WithClock(c.now))

	f := &fixture{store: s, agg: analytics.New(s, nil, nil)}
	f.funnel = testutil.SeedFunnel(t, s, "launch", "P1", "P2", "P3")
	f.control = testutil.SeedVariant(t, s, f.funnel, "A", 50, true)
	f.other = testutil.SeedVariant(t, s, f.funnel, "B", 50, false)
	f.goal = &store.Goal{TenantID: testutil.Tenant, FunnelID: f.funnel.ID, Name: "thanks", Type: store.GoalPageVisit, Target: "P3"}
	require.NoError(t, s.CreateGoal(ctx, f.goal))

	visit := func(at time.Time, meta store.VisitorMeta, pages ...string) *store.Session {
		c.t = at
		sess, err := tr.Create(ctx, testutil.Tenant, f.funnel.ID, pages[0], meta)
		require.NoError(t, err)
		for i, p := range pages[1:] {
			c.t = c.t.Add(time.Duration(i+1) * 20 * time.Second)
			_, err := tr.RecordPageView(ctx, testutil.Tenant, sess.ID, p)
			require.NoError(t, err)
		}
		f.sessions = append(f.sessions, sess)
		return sess
	}

	s1 := visit(day.Add(9*time.Hour), store.VisitorMeta{
		VisitorID: "vis-1", UTMSource: "email", UTMCampaign: "spring",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)",
	}, "P1", "P2", "P3")
	require.NoError(t, tr.AssignVariant(ctx, testutil.Tenant, s1.ID, f.control.ID))
	require.NoError(t, tr.MarkConverted(ctx, testutil.Tenant, s1.ID, "P3", 40))
	_, err := s.RecordGoalCompletion(ctx, testutil.Tenant, f.goal.ID, s1.ID, c.t, 60)
	require.NoError(t, err)

	s2 := visit(day.Add(10*time.Hour), store.VisitorMeta{VisitorID: "vis-2", Referrer: "https://www.google.com/search?q=goat"}, "P1", "P2")
	require.NoError(t, tr.AssignVariant(ctx, testutil.Tenant, s2.ID, f.other.ID))
	require.NoError(t, tr.MarkAbandoned(ctx, testutil.Tenant, s2.ID))

	s3 := visit(day.Add(11*time.Hour), store.VisitorMeta{VisitorID: "vis-1"}, "P1")
	require.NoError(t, tr.MarkBounced(ctx, testutil.Tenant, s3.ID))

	visit(day.Add(25*time.Hour), store.VisitorMeta{VisitorID: "vis-3"}, "P1")
	return f
}

func TestRollup_FunnelBucket(t *testing.T) {
	f := seed(t)

	b, err := f.agg.Rollup(context.Background(), testutil.Tenant, f.funnel.ID, store.PeriodDay, day.Add(15*time.Hour), "")
	require.NoError(t, err)

	assert.Equal(t, day, b.PeriodStart)
	assert.Equal(t, day.AddDate(0, 0, 1), b.PeriodEnd)
	assert.Equal(t, int64(3), b.Visitors)
	assert.Equal(t, int64(2), b.UniqueVisitors)
	assert.Equal(t, int64(1), b.Conversions)
	assert.Equal(t, 33.33, b.ConversionRate)
	assert.Equal(t, int64(1), b.Bounces)
	assert.Equal(t, 33.33, b.BounceRate)
	assert.Equal(t, 40.0, b.Revenue)
	assert.Equal(t, 40.0, b.AverageOrderValue)
	// s1 spent 20s + 40s, s2 spent 20s.
	assert.Equal(t, 26.67, b.AverageTimeSpent)

	assert.Equal(t, []store.PageMetric{
		{PageID: "P1", Views: 3, UniqueSessions: 3, AverageDwell: 13.33, Exits: 1, DropoffRate: 33.33},
		{PageID: "P2", Views: 2, UniqueSessions: 2, AverageDwell: 20, Exits: 1, DropoffRate: 50},
		{PageID: "P3", Views: 1, UniqueSessions: 1, AverageDwell: 0, Exits: 0, DropoffRate: 0},
	}, b.Pages)

	assert.Equal(t, []store.DropoffEdge{
		{FromPageID: "P1", ToPageID: "P2", Reached: 3, DroppedOff: 1, DropoffRate: 33.33},
		{FromPageID: "P2", ToPageID: "P3", Reached: 2, DroppedOff: 1, DropoffRate: 50},
	}, b.Dropoffs)

	assert.Equal(t, []store.Breakdown{
		{Key: "direct", Visitors: 1},
		{Key: "email", Visitors: 1, Conversions: 1},
		{Key: "google.com", Visitors: 1},
	}, b.Sources)
	assert.Equal(t, []store.Breakdown{
		{Key: "desktop", Visitors: 2},
		{Key: "mobile", Visitors: 1, Conversions: 1},
	}, b.Devices)
	assert.Equal(t, []store.Breakdown{{Key: "spring", Visitors: 1, Conversions: 1}}, b.Campaigns)
	assert.Equal(t, []store.GoalMetric{{GoalID: f.goal.ID, Name: "thanks", Completions: 1}}, b.Goals)
}

func TestRollup_RerunIsByteIdentical(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	first, err := f.agg.Rollup(ctx, testutil.Tenant, f.funnel.ID, store.PeriodDay, day, "")
	require.NoError(t, err)
	second, err := f.agg.Rollup(ctx, testutil.Tenant, f.funnel.ID, store.PeriodDay, day.Add(23*time.Hour), "")
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	stored, err := f.agg.Query(ctx, testutil.Tenant, f.funnel.ID, store.PeriodDay, day, day.AddDate(0, 0, 7), "")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	c, err := json.Marshal(stored[0])
	require.NoError(t, err)
	assert.Equal(t, string(a), string(c))
}

func TestRollup_EmptyWindowIsZeroBucket(t *testing.T) {
	f := seed(t)

	b, err := f.agg.Rollup(context.Background(), testutil.Tenant, f.funnel.ID, store.PeriodHour, day.Add(3*time.Hour), "")
	require.NoError(t, err)

	assert.Zero(t, b.Visitors)
	assert.Zero(t, b.ConversionRate)
	assert.Zero(t, b.BounceRate)
	assert.Zero(t, b.AverageOrderValue)
	assert.Empty(t, b.Pages)
	assert.Empty(t, b.Sources)
	require.Len(t, b.Dropoffs, 2)
	assert.Zero(t, b.Dropoffs[0].DropoffRate)
	require.Len(t, b.Goals, 1)
	assert.Zero(t, b.Goals[0].Completions)
}

func TestRollupAll_PerVariant(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	buckets, err := f.agg.RollupAll(ctx, testutil.Tenant, f.funnel.ID, store.PeriodWeek, day)
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	assert.Empty(t, buckets[0].VariantID)
	assert.Equal(t, int64(4), buckets[0].Visitors)

	byVariant := map[string]*store.Bucket{}
	for _, b := range buckets[1:] {
		byVariant[b.VariantID] = b
	}
	assert.Equal(t, int64(1), byVariant[f.control.ID].Visitors)
	assert.Equal(t, int64(1), byVariant[f.control.ID].Conversions)
	assert.Equal(t, int64(1), byVariant[f.control.ID].Goals[0].Completions)
	assert.Equal(t, int64(1), byVariant[f.other.ID].Visitors)
	assert.Zero(t, byVariant[f.other.ID].Conversions)
	assert.Zero(t, byVariant[f.other.ID].Goals[0].Completions)

	stored, err := f.agg.Query(ctx, testutil.Tenant, f.funnel.ID, store.PeriodWeek, day, day.AddDate(0, 0, 7), f.other.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, f.other.ID, stored[0].VariantID)
}

func TestRollup_Ownership(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	_, err := f.agg.Rollup(ctx, "someone-else", f.funnel.ID, store.PeriodDay, day, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.agg.Rollup(ctx, testutil.Tenant, f.funnel.ID, store.PeriodDay, day, "no-such-variant")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.agg.Query(ctx, "someone-else", f.funnel.ID, store.PeriodDay, day, day, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.agg.Rollup(ctx, testutil.Tenant, f.funnel.ID, store.Period("fortnight"), day, "")
	assert.Error(t, err)
}
