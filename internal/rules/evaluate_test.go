package rules_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-goat/funnel-goat/internal/rules"
)

func TestEvaluate_UTMSourceEquals(t *testing.T) {
	set := rules.RuleSet{
		Rules:   []rules.Rule{{Field: "utm_source", Operator: rules.OpEquals, Value: rules.String("email")}},
		Logic:   rules.LogicAnd,
		Actions: rules.Actions{rules.ShowPopup{PopupID: "welcome"}},
	}

	res := rules.Evaluate(set, rules.NewContext(map[string]any{"utm_source": "email"}))
	assert.True(t, res.Passed)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, rules.ShowPopup{PopupID: "welcome"}, res.Actions[0])

	res = rules.Evaluate(set, rules.NewContext(map[string]any{"utm_source": "ads"}))
	assert.False(t, res.Passed)
	assert.Empty(t, res.Actions)
	assert.NotNil(t, res.Actions)
}

func TestEvaluate_EmptyRuleSetPasses(t *testing.T) {
	res := rules.Evaluate(rules.RuleSet{Logic: rules.LogicOr}, rules.NewContext(nil))
	assert.True(t, res.Passed)
}

func TestEvaluate_ElseActions(t *testing.T) {
	set := rules.RuleSet{
		Rules:       []rules.Rule{{Field: "device", Operator: rules.OpEquals, Value: rules.String("mobile")}},
		Actions:     rules.Actions{rules.ShowElement{ElementID: "mobile-cta"}},
		ElseActions: rules.Actions{rules.Redirect{URL: "/desktop"}},
	}
	res := rules.Evaluate(set, rules.NewContext(map[string]any{"device": "desktop"}))
	assert.False(t, res.Passed)
	assert.Equal(t, rules.Actions{rules.Redirect{URL: "/desktop"}}, res.Actions)
}

func TestEvaluate_Operators(t *testing.T) {
	vctx := rules.NewContext(map[string]any{
		"utm_source": "newsletter",
		"contact":    map[string]any{"email": "ada@example.com", "score": 42},
		"cart_total": "19.5",
		"tags":       []string{"vip", "beta"},
		"blank":      "",
	})

	tests := []struct {
		name  string
		rule  rules.Rule
		want  bool
		extra func(t *testing.T, r rules.RuleResult)
	}{
		{"equals", rules.Rule{Field: "utm_source", Operator: rules.OpEquals, Value: rules.String("newsletter")}, true, nil},
		{"not_equals", rules.Rule{Field: "utm_source", Operator: rules.OpNotEquals, Value: rules.String("ads")}, true, nil},
		{"nested equals number", rules.Rule{Field: "contact.score", Operator: rules.OpEquals, Value: rules.String("42")}, true, nil},
		{"contains", rules.Rule{Field: "contact.email", Operator: rules.OpContains, Value: rules.String("@example.com")}, true, nil},
		{"not_contains", rules.Rule{Field: "contact.email", Operator: rules.OpNotContains, Value: rules.String("@gmail")}, true, nil},
		{"list contains", rules.Rule{Field: "tags", Operator: rules.OpContains, Value: rules.String("vip")}, true, nil},
		{"greater_than numeric string", rules.Rule{Field: "cart_total", Operator: rules.OpGreaterThan, Value: rules.Number(10)}, true, nil},
		{"less_than", rules.Rule{Field: "contact.score", Operator: rules.OpLessThan, Value: rules.Number(40)}, false, nil},
		{"in_list", rules.Rule{Field: "utm_source", Operator: rules.OpInList, Value: rules.Strings("ads", "newsletter")}, true, nil},
		{"in_list comma string", rules.Rule{Field: "utm_source", Operator: rules.OpInList, Value: rules.String("ads, newsletter")}, true, nil},
		{"not_in_list", rules.Rule{Field: "utm_source", Operator: rules.OpNotInList, Value: rules.Strings("ads")}, true, nil},
		{"is_empty blank", rules.Rule{Field: "blank", Operator: rules.OpIsEmpty}, true, nil},
		{"is_not_empty", rules.Rule{Field: "utm_source", Operator: rules.OpIsNotEmpty}, true, nil},
		{"regex_match", rules.Rule{Field: "contact.email", Operator: rules.OpRegexMatch, Value: rules.String(`^ada@`)}, true, nil},
		{"greater_than non numeric", rules.Rule{Field: "utm_source", Operator: rules.OpGreaterThan, Value: rules.Number(1)}, false,
			func(t *testing.T, r rules.RuleResult) { assert.True(t, r.Incompatible) }},
		{"invalid regex", rules.Rule{Field: "utm_source", Operator: rules.OpRegexMatch, Value: rules.String("(")}, false, nil},
		{"unknown operator", rules.Rule{Field: "utm_source", Operator: "starts_with", Value: rules.String("n")}, false, nil},
		{"missing positive", rules.Rule{Field: "referrer", Operator: rules.OpEquals, Value: rules.String("x")}, false,
			func(t *testing.T, r rules.RuleResult) { assert.True(t, r.Missing) }},
		{"missing is_empty", rules.Rule{Field: "referrer", Operator: rules.OpIsEmpty}, true, nil},
		{"missing is_not_empty", rules.Rule{Field: "referrer", Operator: rules.OpIsNotEmpty}, false, nil},
		{"missing not_equals", rules.Rule{Field: "referrer", Operator: rules.OpNotEquals, Value: rules.String("x")}, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := rules.Evaluate(rules.RuleSet{Rules: []rules.Rule{tt.rule}}, vctx)
			assert.Equal(t, tt.want, res.Passed)
			require.Len(t, res.Rules, 1)
			if tt.extra != nil {
				tt.extra(t, res.Rules[0])
			}
		})
	}
}

func TestEvaluate_FlatDottedKey(t *testing.T) {
	vctx := rules.NewContext(map[string]any{"contact.email": "ada@example.com"})
	res := rules.Evaluate(rules.RuleSet{Rules: []rules.Rule{
		{Field: "contact.email", Operator: rules.OpEquals, Value: rules.String("ada@example.com")},
	}}, vctx)
	assert.True(t, res.Passed)
}

func TestEvaluate_LogicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	ruleFor := func(pass bool) rules.Rule {
		want := "no"
		if pass {
			want = "yes"
		}
		return rules.Rule{Field: "flag", Operator: rules.OpEquals, Value: rules.String(want)}
	}
	vctx := rules.NewContext(map[string]any{"flag": "yes"})

	properties.Property("AND passes iff both rules pass", prop.ForAll(
		func(a, b bool) bool {
			res := rules.Evaluate(rules.RuleSet{Rules: []rules.Rule{ruleFor(a), ruleFor(b)}, Logic: rules.LogicAnd}, vctx)
			return res.Passed == (a && b)
		},
		gen.Bool(), gen.Bool(),
	))

	properties.Property("OR passes iff at least one rule passes", prop.ForAll(
		func(a, b bool) bool {
			res := rules.Evaluate(rules.RuleSet{Rules: []rules.Rule{ruleFor(a), ruleFor(b)}, Logic: "or"}, vctx)
			return res.Passed == (a || b)
		},
		gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestTargeting_Matches(t *testing.T) {
	vctx := rules.NewContext(map[string]any{
		"segments":   []string{"returning", "vip"},
		"device":     "Mobile",
		"utm_source": "email",
	})

	assert.True(t, rules.Targeting{}.Matches(vctx))
	assert.True(t, rules.Targeting{Segments: []string{"vip"}, Devices: []string{"mobile"}}.Matches(vctx))
	assert.False(t, rules.Targeting{Segments: []string{"vip"}, Sources: []string{"ads"}}.Matches(vctx))
	assert.False(t, rules.Targeting{Tags: []string{"beta"}}.Matches(vctx))
}

func TestRuleSet_JSONRoundTripsActions(t *testing.T) {
	raw := `{
		"rules": [{"field": "utm_source", "operator": "in_list", "value": ["email", "sms"]}],
		"logic_operator": "OR",
		"actions": [
			{"type": "redirect", "url": "/offer"},
			{"type": "custom", "name": "crm", "payload": {"list": "hot"}}
		]
	}`
	var set rules.RuleSet
	require.NoError(t, json.Unmarshal([]byte(raw), &set))

	require.Len(t, set.Actions, 2)
	assert.Equal(t, rules.Redirect{URL: "/offer"}, set.Actions[0])
	custom, ok := set.Actions[1].(rules.Custom)
	require.True(t, ok)
	assert.Equal(t, "hot", custom.Payload["list"])
	assert.Equal(t, rules.KindList, set.Rules[0].Value.Kind())
	require.NoError(t, set.Validate())

	out, err := json.Marshal(set)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"type":"redirect"`)
}

func TestActions_UnknownTypeRejected(t *testing.T) {
	var set rules.RuleSet
	err := json.Unmarshal([]byte(`{"rules": [], "actions": [{"type": "explode"}]}`), &set)
	assert.Error(t, err)
}

func TestRuleSet_Validate(t *testing.T) {
	bad := rules.RuleSet{Rules: []rules.Rule{{Field: "score", Operator: rules.OpGreaterThan, Value: rules.String("high")}}}
	err := bad.Validate()
	var verr *rules.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, verr.Index)

	assert.Error(t, rules.RuleSet{Logic: "XOR"}.Validate())
	assert.Error(t, rules.RuleSet{Rules: []rules.Rule{{Field: "a", Operator: "nope"}}}.Validate())
}
