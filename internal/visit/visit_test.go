package visit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-goat/funnel-goat/internal/allocator"
	"github.com/funnel-goat/funnel-goat/internal/conditions"
	"github.com/funnel-goat/funnel-goat/internal/events"
	"github.com/funnel-goat/funnel-goat/internal/rules"
	"github.com/funnel-goat/funnel-goat/internal/session"
	"github.com/funnel-goat/funnel-goat/internal/store"
	"github.com/funnel-goat/funnel-goat/internal/testutil"
	"github.com/funnel-goat/funnel-goat/internal/visit"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newService(t *testing.T) (*visit.Service, *store.SQLiteStore, *clock) {
	t.Helper()
	s := testutil.SetupTestStore(t)
	c := &clock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	tr := session.NewTracker(s, session.WithClock(c.now))
	svc := visit.New(s,
		allocator.New(s),
		conditions.New(s, nil, nil),
		tr,
		events.NewRecorder(s, tr),
		nil,
	)
	return svc, s, c
}

func TestPageView_FirstVisitThenContinue(t *testing.T) {
	svc, s, c := newService(t)
	ctx := context.Background()
	f := testutil.SeedFunnel(t, s, "launch", "P1", "P2")
	v := testutil.SeedVariant(t, s, f, "A", 100, true)

	popup := &store.Condition{
		TenantID: testutil.Tenant, FunnelID: f.ID, Name: "variant A from email", Active: true,
		RuleSet: rules.RuleSet{
			Rules: []rules.Rule{
				{Field: "utm_source", Operator: rules.OpEquals, Value: rules.String("email")},
				{Field: "variant", Operator: rules.OpEquals, Value: rules.String("A")},
			},
			Logic:   rules.LogicAnd,
			Actions: rules.Actions{rules.ShowPopup{PopupID: "welcome"}},
		},
	}
	require.NoError(t, s.CreateCondition(ctx, popup))

	first, err := svc.PageView(ctx, visit.Request{
		TenantID: testutil.Tenant, FunnelID: f.ID, PageID: "P1",
		Visitor: store.VisitorMeta{VisitorID: "vis-1", UTMSource: "email"},
	})
	require.NoError(t, err)
	assert.True(t, first.NewSession)
	require.NotNil(t, first.Variant)
	assert.Equal(t, v.ID, first.Variant.ID)
	assert.Equal(t, v.ID, first.Session.VariantID)
	assert.Equal(t, rules.Actions{rules.ShowPopup{PopupID: "welcome"}}, first.Actions)
	assert.Equal(t, events.TypePageView, first.Event.Type)
	assert.Equal(t, 1, first.Event.Seq)

	c.advance(45 * time.Second)
	second, err := svc.PageView(ctx, visit.Request{
		TenantID: testutil.Tenant, FunnelID: f.ID, PageID: "P2", SessionID: first.Session.ID,
	})
	require.NoError(t, err)
	assert.False(t, second.NewSession)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, v.ID, second.Variant.ID)
	assert.Equal(t, 2, second.Session.TotalPageViews)
	assert.InDelta(t, 45.0, second.Session.TotalTimeSpent, 1e-9)
	assert.Equal(t, "P2", second.Session.CurrentPageID)
	assert.InDelta(t, 45.0, second.Event.TimeFromLastEvent, 1e-9)

	// The visitor was allocated once.
	got, err := s.GetVariant(ctx, testutil.Tenant, f.ID, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Visitors)
}

func TestPageView_TerminalSessionStartsOver(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()
	f := testutil.SeedFunnel(t, s, "launch", "P1")

	first, err := svc.PageView(ctx, visit.Request{TenantID: testutil.Tenant, FunnelID: f.ID, PageID: "P1"})
	require.NoError(t, err)
	assert.Nil(t, first.Variant)
	require.NoError(t, s.MarkSessionTerminal(ctx, testutil.Tenant, first.Session.ID, store.SessionBounced, time.Now()))

	next, err := svc.PageView(ctx, visit.Request{
		TenantID: testutil.Tenant, FunnelID: f.ID, PageID: "P1", SessionID: first.Session.ID,
	})
	require.NoError(t, err)
	assert.True(t, next.NewSession)
	assert.NotEqual(t, first.Session.ID, next.Session.ID)
}

func TestPageView_UnknownFunnel(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.PageView(context.Background(), visit.Request{TenantID: testutil.Tenant, FunnelID: "missing", PageID: "P1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuildContext(t *testing.T) {
	req := visit.Request{
		FunnelID:   "f1",
		PageID:     "P2",
		Segments:   []string{"vip"},
		Contact:    map[string]any{"email": "goat@example.com"},
		Attributes: map[string]any{"plan": "pro", "device": "spoofed"},
	}
	sess := &store.Session{
		ID:      "s1",
		Device:  session.DeviceMobile,
		Source:  "email",
		Visitor: store.VisitorMeta{ContactID: "c-9", UTMSource: "email"},
	}
	vctx := visit.BuildContext(req, sess, &store.Variant{ID: "v1", Key: "B"})

	text := func(path string) string {
		v, ok := vctx.Lookup(path)
		require.True(t, ok, path)
		s, _ := v.Text()
		return s
	}
	assert.Equal(t, "email", text("utm_source"))
	assert.Equal(t, "mobile", text("device"))
	assert.Equal(t, "B", text("variant"))
	assert.Equal(t, "goat@example.com", text("contact.email"))
	assert.Equal(t, "c-9", text("contact.id"))
	assert.Equal(t, "pro", text("plan"))
	assert.Equal(t, []string{"vip"}, vctx.Texts("segments"))

	_, ok := vctx.Lookup("referrer")
	assert.False(t, ok)
}

func TestBuildContext_SingularSegmentAndTag(t *testing.T) {
	req := visit.Request{FunnelID: "f1", PageID: "P1", Segments: []string{"trial", "vip"}, Tags: []string{"lead"}}
	vctx := visit.BuildContext(req, &store.Session{ID: "s1"}, nil)

	set := rules.RuleSet{
		Rules: []rules.Rule{
			{Field: "segment", Operator: rules.OpEquals, Value: rules.String("vip")},
			{Field: "tag", Operator: rules.OpInList, Value: rules.Strings("lead", "customer")},
		},
		Logic: rules.LogicAnd,
	}
	res := rules.Evaluate(set, vctx)
	assert.True(t, res.Passed)
	for _, r := range res.Rules {
		assert.False(t, r.Missing, r.Field)
	}

	other := visit.BuildContext(visit.Request{FunnelID: "f1", PageID: "P1", Segments: []string{"trial"}}, &store.Session{ID: "s2"}, nil)
	assert.False(t, rules.Evaluate(set, other).Passed)
}
