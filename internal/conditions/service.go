// Package conditions evaluates a funnel's condition rule sets for a page view
// and keeps their evaluation counters.
package conditions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/funnel-goat/funnel-goat/internal/metrics"
	"github.com/funnel-goat/funnel-goat/internal/rules"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

// Outcome is the evaluation of one applicable condition.
type Outcome struct {
	ConditionID string             `json:"condition_id"`
	Name        string             `json:"name"`
	Priority    int                `json:"priority"`
	Passed      bool               `json:"passed"`
	Actions     rules.Actions      `json:"actions"`
	Rules       []rules.RuleResult `json:"rules"`
}

type Service struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(s store.Store, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, logger: logger.With("component", "conditions"), metrics: m}
}

// Create validates the rule set before storing the condition.
func (s *Service) Create(ctx context.Context, c *store.Condition) error {
	if err := c.RuleSet.Validate(); err != nil {
		return err
	}
	return s.store.CreateCondition(ctx, c)
}

// EvaluatePage runs every active condition that applies to pageID, highest
// priority first. Conditions whose targeting excludes the visitor are
// skipped without touching their counters.
func (s *Service) EvaluatePage(ctx context.Context, tenantID, funnelID, pageID string, vctx *rules.Context) ([]Outcome, error) {
	if _, err := s.store.GetFunnel(ctx, tenantID, funnelID); err != nil {
		return nil, err
	}
	conditions, err := s.store.ListConditions(ctx, tenantID, funnelID, pageID)
	if err != nil {
		return nil, err
	}

	outcomes := []Outcome{}
	for _, c := range conditions {
		if !c.Active {
			continue
		}
		if !c.Targeting.IsZero() && !c.Targeting.Matches(vctx) {
			s.logger.Debug("condition not targeted at visitor", "condition", c.ID)
			continue
		}

		res := rules.Evaluate(c.RuleSet, vctx)
		for _, rr := range res.Rules {
			if rr.Missing {
				s.logger.Debug("rule field missing from context",
					"condition", c.ID, "field", rr.Field, "operator", rr.Operator, "passed", rr.Passed)
			}
		}

		if err := s.store.RecordConditionEvaluation(ctx, tenantID, c.ID, res.Passed); err != nil {
			return nil, fmt.Errorf("failed to record evaluation of %s: %w", c.ID, err)
		}
		s.metrics.ConditionEvaluated(tenantID, res.Passed)

		outcomes = append(outcomes, Outcome{
			ConditionID: c.ID,
			Name:        c.Name,
			Priority:    c.Priority,
			Passed:      res.Passed,
			Actions:     res.Actions,
			Rules:       res.Rules,
		})
	}
	return outcomes, nil
}

// SelectedActions flattens the outcomes' actions in evaluation order.
func SelectedActions(outcomes []Outcome) rules.Actions {
	actions := rules.Actions{}
	for _, o := range outcomes {
		actions = append(actions, o.Actions...)
	}
	return actions
}
