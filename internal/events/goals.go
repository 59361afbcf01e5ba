package events

import (
	"strings"

	"github.com/funnel-goat/funnel-goat/internal/store"
)

// MatchGoals returns the goals the event satisfies. A goal with an empty
// target matches any element.
func MatchGoals(goals []*store.Goal, e *store.Event) []*store.Goal {
	var matched []*store.Goal
	for _, g := range goals {
		if matchGoal(g, e) {
			matched = append(matched, g)
		}
	}
	return matched
}

func matchGoal(g *store.Goal, e *store.Event) bool {
	switch g.Type {
	case store.GoalPageVisit:
		return e.Type == TypePageView && e.PageID == g.Target
	case store.GoalFormSubmit:
		return e.Type == TypeFormSubmit && targets(g, e.ElementID, e.PageID)
	case store.GoalButtonClick:
		return (e.Type == TypeClick || e.Type == "button_click") && targets(g, e.ElementID)
	case store.GoalTimeOnSite:
		return g.ThresholdSeconds > 0 && e.TimeFromStart >= float64(g.ThresholdSeconds)
	case store.GoalPurchase:
		return e.Type == TypePurchase && targets(g, e.ElementID, e.PageID)
	case store.GoalCustomEvent:
		return g.Target != "" && strings.EqualFold(e.Type, g.Target)
	default:
		return false
	}
}

func targets(g *store.Goal, candidates ...string) bool {
	if g.Target == "" {
		return true
	}
	for _, c := range candidates {
		if c == g.Target {
			return true
		}
	}
	return false
}
