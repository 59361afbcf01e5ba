package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-goat/funnel-goat/internal/session"
	"github.com/funnel-goat/funnel-goat/internal/store"
	"github.com/funnel-goat/funnel-goat/internal/testutil"
)

func TestScheduler_SweepsThenRollsUpPreviousPeriod(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)
	f := testutil.SeedFunnel(t, s, "launch", "P1", "P2")
	testutil.SeedVariant(t, s, f, "A", 100, true)

	yesterday := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	now := yesterday.Add(24 * time.Hour)
	clock := yesterday
	tr := session.NewTracker(s, session.WithClock(func() time.Time { return clock }))

	sess, err := tr.Create(ctx, testutil.Tenant, f.ID, "P1", store.VisitorMeta{VisitorID: "v"})
	require.NoError(t, err)
	clock = now

	sched := NewScheduler(s, New(s, nil, nil), tr, SchedulerConfig{
		Period: store.PeriodDay,
		Policy: session.DefaultPolicy(),
	}, nil)
	sched.now = func() time.Time { return now }

	res, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sweep.Bounced)
	assert.Equal(t, 2, res.Buckets)
	assert.Zero(t, res.Failed)

	got, err := s.GetSession(ctx, testutil.Tenant, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionBounced, got.Status)

	buckets, err := s.ListBuckets(ctx, testutil.Tenant, f.ID, store.PeriodDay,
		time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), "")
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].Visitors)
	assert.Equal(t, int64(1), buckets[0].Bounces)
}

func TestScheduler_CatchesUpWhenIntervalExceedsPeriod(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)
	f := testutil.SeedFunnel(t, s, "launch", "P1")

	now := time.Date(2025, 3, 10, 10, 30, 0, 0, time.UTC)
	sched := NewScheduler(s, New(s, nil, nil), session.NewTracker(s), SchedulerConfig{
		Interval: 2 * time.Hour,
		Period:   store.PeriodHour,
		Policy:   session.DefaultPolicy(),
	}, nil)
	sched.now = func() time.Time { return now }

	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = sched.RunOnce(ctx)
	require.NoError(t, err)

	buckets, err := s.ListBuckets(ctx, testutil.Tenant, f.ID, store.PeriodHour,
		time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), "")
	require.NoError(t, err)

	var starts []int
	for _, b := range buckets {
		starts = append(starts, b.PeriodStart.UTC().Hour())
	}
	assert.ElementsMatch(t, []int{8, 9, 10, 11}, starts)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := testutil.SetupTestStore(t)
	sched := NewScheduler(s, New(s, nil, nil), session.NewTracker(s), SchedulerConfig{Interval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
