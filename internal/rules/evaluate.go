// Package rules evaluates condition rule sets against a visitor context.
//
// Evaluation is a pure function: it never returns an error and never panics
// on malformed operands. Rules that cannot be applied (unknown operator,
// type-incompatible comparison, invalid regular expression) simply fail.
package rules

import (
	"fmt"
	"strings"
)

type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

type Rule struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value"`
}

// RuleSet is the evaluable part of a condition.
type RuleSet struct {
	Rules       []Rule  `json:"rules"`
	Logic       Logic   `json:"logic_operator"`
	Actions     Actions `json:"actions"`
	ElseActions Actions `json:"else_actions,omitempty"`
}

// RuleResult reports how one rule resolved.
type RuleResult struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Passed   bool     `json:"passed"`
	// Missing is set when the context had no value for the field.
	Missing bool `json:"missing,omitempty"`
	// Incompatible is set when the operator could not be applied.
	Incompatible bool `json:"incompatible,omitempty"`
}

type Result struct {
	Passed  bool         `json:"passed"`
	Actions Actions      `json:"actions"`
	Rules   []RuleResult `json:"rules"`
}

// Evaluate applies every rule to vctx and combines the results with the set's
// logic operator. An empty rule list always passes.
func Evaluate(set RuleSet, vctx *Context) Result {
	results := make([]RuleResult, len(set.Rules))
	for i, r := range set.Rules {
		results[i] = evaluateRule(r, vctx)
	}

	passed := combine(set.normalizedLogic(), results)

	actions := set.ElseActions
	if passed {
		actions = set.Actions
	}
	if actions == nil {
		actions = Actions{}
	}

	return Result{Passed: passed, Actions: actions, Rules: results}
}

func evaluateRule(r Rule, vctx *Context) RuleResult {
	res := RuleResult{Field: r.Field, Operator: r.Operator}

	field, present := vctx.Lookup(r.Field)
	if !present {
		res.Missing = true
		switch {
		case r.Operator == OpIsEmpty:
			res.Passed = true
		case r.Operator.negated():
			res.Passed = true
		}
		return res
	}

	passed, ok := r.Operator.apply(field, r.Value)
	res.Passed = ok && passed
	res.Incompatible = !ok
	return res
}

func combine(logic Logic, results []RuleResult) bool {
	if len(results) == 0 {
		return true
	}
	if logic == LogicOr {
		for _, r := range results {
			if r.Passed {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// normalizedLogic treats anything other than OR as AND.
func (s RuleSet) normalizedLogic() Logic {
	if Logic(strings.ToUpper(string(s.Logic))) == LogicOr {
		return LogicOr
	}
	return LogicAnd
}

// ValidationError describes a malformed rule set. Evaluate never returns it;
// it is reported when conditions are created.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid rule set: %s", e.Reason)
	}
	return fmt.Sprintf("invalid rule %d: %s", e.Index, e.Reason)
}

// Validate checks operators and operand shapes.
func (s RuleSet) Validate() error {
	switch Logic(strings.ToUpper(string(s.Logic))) {
	case LogicAnd, LogicOr, "":
	default:
		return &ValidationError{Index: -1, Reason: fmt.Sprintf("unknown logic operator %q", s.Logic)}
	}
	for i, r := range s.Rules {
		if strings.TrimSpace(r.Field) == "" {
			return &ValidationError{Index: i, Reason: "field is required"}
		}
		if !r.Operator.Valid() {
			return &ValidationError{Index: i, Reason: fmt.Sprintf("unknown operator %q", r.Operator)}
		}
		switch r.Operator {
		case OpGreaterThan, OpLessThan:
			if _, ok := r.Value.Float(); !ok {
				return &ValidationError{Index: i, Reason: "numeric value required"}
			}
		case OpInList, OpNotInList:
			if _, ok := r.Value.asList(); !ok {
				return &ValidationError{Index: i, Reason: "list value required"}
			}
		case OpRegexMatch:
			if _, ok := r.Value.Text(); !ok {
				return &ValidationError{Index: i, Reason: "pattern must be a string"}
			}
		}
	}
	return nil
}
