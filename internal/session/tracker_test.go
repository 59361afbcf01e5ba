package session_test

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

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTracker(t *testing.T) (*session.Tracker, *clock, store.Store, *store.Funnel) {
	t.Helper()
	s := testutil.SetupTestStore(t)
	c := &clock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	f := testutil.SeedFunnel(t, s, "launch", "P1", "P2", "P3")
	return session.NewTracker(s, session.WithClock(c.now)), c, s, f
}

func TestTracker_ThreePageScenario(t *testing.T) {
	tr, c, s, f := newTracker(t)
	ctx := context.Background()
	v := testutil.SeedVariant(t, s, f, "A", 100, true)

	sess, err := tr.Create(ctx, testutil.Tenant, f.ID, "P1", store.VisitorMeta{VisitorID: "vis-1"})
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, sess.Status)
	assert.Equal(t, 1, sess.TotalPageViews)
	assert.Equal(t, "P1", sess.CurrentPageID)
	require.NoError(t, tr.AssignVariant(ctx, testutil.Tenant, sess.ID, v.ID))

	c.advance(30 * time.Second)
	_, err = tr.RecordPageView(ctx, testutil.Tenant, sess.ID, "P2")
	require.NoError(t, err)
	c.advance(60 * time.Second)
	_, err = tr.RecordPageView(ctx, testutil.Tenant, sess.ID, "P3")
	require.NoError(t, err)

	require.NoError(t, tr.MarkConverted(ctx, testutil.Tenant, sess.ID, "P3", 0))

	got, err := tr.Get(ctx, testutil.Tenant, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalPageViews)
	assert.InDelta(t, 90.0, got.TotalTimeSpent, 1e-9)
	assert.True(t, got.Converted)
	assert.Equal(t, store.SessionConverted, got.Status)
	assert.Equal(t, "P3", got.ConversionPageID)
	require.NotNil(t, got.ConvertedAt)

	variant, err := s.GetVariant(ctx, testutil.Tenant, f.ID, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), variant.Conversions)
}

func TestTracker_TerminalRejectsWrites(t *testing.T) {
	tr, _, _, f := newTracker(t)
	ctx := context.Background()

	sess, err := tr.Create(ctx, testutil.Tenant, f.ID, "P1", store.VisitorMeta{})
	require.NoError(t, err)
	require.NoError(t, tr.MarkBounced(ctx, testutil.Tenant, sess.ID))

	_, err = tr.RecordPageView(ctx, testutil.Tenant, sess.ID, "P2")
	assert.ErrorIs(t, err, store.ErrInvalidState)
	assert.ErrorIs(t, tr.MarkConverted(ctx, testutil.Tenant, sess.ID, "P1", 5), store.ErrInvalidState)
	assert.ErrorIs(t, tr.MarkAbandoned(ctx, testutil.Tenant, sess.ID), store.ErrInvalidState)
	assert.ErrorIs(t, tr.MarkBounced(ctx, testutil.Tenant, "missing"), store.ErrNotFound)
}

func TestTracker_Sweep(t *testing.T) {
	tr, c, _, f := newTracker(t)
	ctx := context.Background()

	single, err := tr.Create(ctx, testutil.Tenant, f.ID, "P1", store.VisitorMeta{})
	require.NoError(t, err)
	multi, err := tr.Create(ctx, testutil.Tenant, f.ID, "P1", store.VisitorMeta{})
	require.NoError(t, err)
	c.advance(time.Minute)
	_, err = tr.RecordPageView(ctx, testutil.Tenant, multi.ID, "P2")
	require.NoError(t, err)

	policy := session.Policy{BounceWindow: 10 * time.Minute, AbandonTimeout: 30 * time.Minute}

	c.advance(15 * time.Minute)
	res, err := tr.Sweep(ctx, policy)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Bounced)
	assert.Equal(t, 0, res.Abandoned)

	c.advance(30 * time.Minute)
	res, err = tr.Sweep(ctx, policy)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Bounced)
	assert.Equal(t, 1, res.Abandoned)

	got, err := tr.Get(ctx, testutil.Tenant, single.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionBounced, got.Status)
	got, err = tr.Get(ctx, testutil.Tenant, multi.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionAbandoned, got.Status)
	assert.Equal(t, "P2", got.ExitPageID)
}

func TestClassifyDevice(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148", session.DeviceMobile},
		{"Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X)", session.DeviceTablet},
		{"Mozilla/5.0 (Linux; Android 14; SM-X710) AppleWebKit/537.36", session.DeviceTablet},
		{"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 Mobile Safari", session.DeviceMobile},
		{"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", session.DeviceBot},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36", session.DeviceDesktop},
		{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/124.0 Safari/537.36", session.DeviceBot},
		{"curl/8.5.0", session.DeviceBot},
		{"", session.DeviceDesktop},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, session.ClassifyDevice(tt.ua), tt.ua)
	}
}

func TestDeriveSource(t *testing.T) {
	assert.Equal(t, "email", session.DeriveSource(store.VisitorMeta{UTMSource: "Email", Referrer: "https://x.com"}))
	assert.Equal(t, "google.com", session.DeriveSource(store.VisitorMeta{Referrer: "https://www.google.com/search?q=x"}))
	assert.Equal(t, session.SourceDirect, session.DeriveSource(store.VisitorMeta{Referrer: "not a url"}))
	assert.Equal(t, session.SourceDirect, session.DeriveSource(store.VisitorMeta{}))
}
