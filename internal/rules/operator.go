package rules

import (
	"regexp"
	"strings"
)

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpInList      Operator = "in_list"
	OpNotInList   Operator = "not_in_list"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
	OpRegexMatch  Operator = "regex_match"
)

var operators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpGreaterThan: true, OpLessThan: true, OpInList: true, OpNotInList: true,
	OpIsEmpty: true, OpIsNotEmpty: true, OpRegexMatch: true,
}

func (o Operator) Valid() bool { return operators[o] }

// negated operators hold when the field is absent.
func (o Operator) negated() bool {
	return o == OpNotEquals || o == OpNotContains || o == OpNotInList
}

// apply runs the operator against a present field. ok is false when the
// operand types cannot be compared; callers treat that as a failed rule.
func (o Operator) apply(field, want Value) (result, ok bool) {
	switch o {
	case OpIsEmpty:
		return field.Empty(), true
	case OpIsNotEmpty:
		return !field.Empty(), true
	case OpEquals:
		return equalsAny(field, want)
	case OpNotEquals:
		r, ok := equalsAny(field, want)
		return !r, ok
	case OpContains:
		return contains(field, want)
	case OpNotContains:
		r, ok := contains(field, want)
		return !r, ok
	case OpGreaterThan, OpLessThan:
		a, okA := field.Float()
		b, okB := want.Float()
		if !okA || !okB {
			return false, false
		}
		if o == OpGreaterThan {
			return a > b, true
		}
		return a < b, true
	case OpInList:
		return inList(field, want)
	case OpNotInList:
		r, ok := inList(field, want)
		return !r, ok
	case OpRegexMatch:
		pattern, okP := want.Text()
		text, okT := field.Text()
		if !okP || !okT {
			return false, false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, false
		}
		return re.MatchString(text), true
	default:
		return false, false
	}
}

// equalsAny compares scalars numerically when both sides are numeric and as
// text otherwise. A list field matches when any member does.
func equalsAny(field, want Value) (bool, bool) {
	if field.Kind() == KindList {
		for _, item := range field.Items() {
			if r, ok := equalScalar(item, want); ok && r {
				return true, true
			}
		}
		return false, true
	}
	return equalScalar(field, want)
}

func equalScalar(a, b Value) (bool, bool) {
	if fa, ok := a.Float(); ok {
		if fb, ok := b.Float(); ok {
			return fa == fb, true
		}
	}
	ta, okA := a.Text()
	tb, okB := b.Text()
	if !okA || !okB {
		return false, false
	}
	return ta == tb, true
}

// contains is substring match for text and membership for list fields.
func contains(field, want Value) (bool, bool) {
	if field.Kind() == KindList {
		return equalsAny(field, want)
	}
	text, okT := field.Text()
	needle, okN := want.Text()
	if !okT || !okN {
		return false, false
	}
	return strings.Contains(text, needle), true
}

func inList(field, want Value) (bool, bool) {
	members, ok := want.asList()
	if !ok {
		return false, false
	}
	for _, m := range members {
		if r, ok := equalsAny(field, m); ok && r {
			return true, true
		}
	}
	return false, true
}
