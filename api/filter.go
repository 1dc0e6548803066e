package api

// FilterOperator is a comparison applied by a FilterRule.
type FilterOperator string

const (
	OpEqual          FilterOperator = "is-equal"
	OpNotEqual       FilterOperator = "is-not-equal"
	OpGreater        FilterOperator = "greater"
	OpGreaterOrEqual FilterOperator = "greater-or-equal"
	OpLess           FilterOperator = "less"
	OpLessOrEqual    FilterOperator = "less-or-equal"
	OpLike           FilterOperator = "like"
	OpNull           FilterOperator = "is-null"
	OpNotNull        FilterOperator = "is-not-null"
)

type GroupOperator string

const (
	GroupAnd GroupOperator = "and"
	GroupOr  GroupOperator = "or"
)

type FilterRule struct {
	PropertyName string
	Operator     FilterOperator
	Value        any
}

type FilterRuleGroup struct {
	Operator GroupOperator
	Rules    []FilterRule
	Groups   []FilterRuleGroup
}

// IsEmpty reports whether the group has no rules at any depth.
func (g FilterRuleGroup) IsEmpty() bool {
	if len(g.Rules) > 0 {
		return false
	}
	for _, sub := range g.Groups {
		if !sub.IsEmpty() {
			return false
		}
	}
	return true
}

// InstanceFilter is a predicate over the instances of a hierarchy level.
// The engine passes it to the provider untouched.
type InstanceFilter struct {
	// PropertyClassName is the class whose properties Rules refer to.
	PropertyClassName string
	Rules             FilterRuleGroup
	// FilteredClassNames keeps only instances of these classes (or classes
	// derived from them).
	FilteredClassNames []string
}
