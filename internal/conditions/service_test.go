package conditions_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-goat/funnel-goat/internal/conditions"
	"github.com/funnel-goat/funnel-goat/internal/rules"
	"github.com/funnel-goat/funnel-goat/internal/store"
	"github.com/funnel-goat/funnel-goat/internal/testutil"
)

func emailCondition(f *store.Funnel) *store.Condition {
	return &store.Condition{
		TenantID: f.TenantID,
		FunnelID: f.ID,
		Name:     "email visitors",
		Priority: 1,
		Active:   true,
		RuleSet: rules.RuleSet{
			Rules:       []rules.Rule{{Field: "utm_source", Operator: rules.OpEquals, Value: rules.String("email")}},
			Logic:       rules.LogicAnd,
			Actions:     rules.Actions{rules.ShowPopup{PopupID: "welcome"}},
			ElseActions: rules.Actions{rules.HideElement{ElementID: "coupon"}},
		},
	}
}

func TestEvaluatePage_CountsAndActions(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	svc := conditions.New(s, nil, nil)

	f := testutil.SeedFunnel(t, s, "launch", "P1")
	c := emailCondition(f)
	require.NoError(t, svc.Create(ctx, c))

	outcomes, err := svc.EvaluatePage(ctx, testutil.Tenant, f.ID, "P1", rules.NewContext(map[string]any{"utm_source": "email"}))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Passed)
	assert.Equal(t, rules.Actions{rules.ShowPopup{PopupID: "welcome"}}, conditions.SelectedActions(outcomes))

	outcomes, err = svc.EvaluatePage(ctx, testutil.Tenant, f.ID, "P1", rules.NewContext(map[string]any{"utm_source": "ads"}))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Passed)
	assert.Equal(t, rules.Actions{rules.HideElement{ElementID: "coupon"}}, outcomes[0].Actions)

	got, err := s.GetCondition(ctx, testutil.Tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.EvaluationCount)
	assert.Equal(t, int64(1), got.PassedCount)
	assert.Equal(t, int64(1), got.FailedCount)
	assert.InDelta(t, 50.0, got.PassRate, 1e-9)
}

func TestEvaluatePage_TargetingSkipsWithoutCounting(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	svc := conditions.New(s, nil, nil)

	f := testutil.SeedFunnel(t, s, "launch", "P1")
	c := emailCondition(f)
	c.Targeting = rules.Targeting{Devices: []string{"mobile"}}
	require.NoError(t, svc.Create(ctx, c))

	outcomes, err := svc.EvaluatePage(ctx, testutil.Tenant, f.ID, "P1",
		rules.NewContext(map[string]any{"utm_source": "email", "device": "desktop"}))
	require.NoError(t, err)
	assert.Empty(t, outcomes)

	got, err := s.GetCondition(ctx, testutil.Tenant, c.ID)
	require.NoError(t, err)
	assert.Zero(t, got.EvaluationCount)
}

func TestEvaluatePage_SkipsInactiveAndOtherPages(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	svc := conditions.New(s, nil, nil)

	f := testutil.SeedFunnel(t, s, "launch", "P1", "P2")
	inactive := emailCondition(f)
	inactive.Active = false
	require.NoError(t, svc.Create(ctx, inactive))
	scoped := emailCondition(f)
	scoped.PageID = "P2"
	require.NoError(t, svc.Create(ctx, scoped))

	outcomes, err := svc.EvaluatePage(ctx, testutil.Tenant, f.ID, "P1", rules.NewContext(nil))
	require.NoError(t, err)
	assert.Empty(t, outcomes)

	outcomes, err = svc.EvaluatePage(ctx, testutil.Tenant, f.ID, "P2", rules.NewContext(nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, scoped.ID, outcomes[0].ConditionID)
}

func TestEvaluatePage_UnknownFunnel(t *testing.T) {
	s := testutil.SetupTestStore(t)
	svc := conditions.New(s, nil, nil)

	_, err := svc.EvaluatePage(context.Background(), testutil.Tenant, "nope", "P1", rules.NewContext(nil))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreate_RejectsInvalidRuleSet(t *testing.T) {
	s := testutil.SetupTestStore(t)
	svc := conditions.New(s, nil, nil)
	f := testutil.SeedFunnel(t, s, "launch", "P1")

	c := emailCondition(f)
	c.RuleSet.Rules[0].Operator = "starts_with"
	var verr *rules.ValidationError
	assert.ErrorAs(t, svc.Create(context.Background(), c), &verr)
}
