package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentic-research/arbor/api"
)

var ErrInvalidFilter = errors.New("invalid instance filter")

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var comparisons = map[api.FilterOperator]string{
	api.OpEqual:          "=",
	api.OpNotEqual:       "<>",
	api.OpGreater:        ">",
	api.OpGreaterOrEqual: ">=",
	api.OpLess:           "<",
	api.OpLessOrEqual:    "<=",
	api.OpLike:           "LIKE",
}

type filterBuilder struct {
	args []any
}

func (b *filterBuilder) bind(prefix string, v any) string {
	name := prefix + strconv.Itoa(len(b.args))
	b.args = append(b.args, sql.Named(name, v))
	return ":" + name
}

// filterClause translates f into a condition over the wrapped level query.
// Property rules become a subquery on the instance table of
// f.PropertyClassName, whose rows are keyed by an id column matching
// instance_id. Class restrictions include derived classes.
func (s *SQLiteSource) filterClause(ctx context.Context, f *api.InstanceFilter) (string, []any, error) {
	if f == nil {
		return "", nil, nil
	}
	b := &filterBuilder{}
	var conds []string

	if !f.Rules.IsEmpty() {
		if s.catalog == nil {
			return "", nil, fmt.Errorf("%w: no class catalog", ErrInvalidFilter)
		}
		table, err := s.catalog.TableName(ctx, f.PropertyClassName)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
		if !identRe.MatchString(table) {
			return "", nil, fmt.Errorf("%w: table name %q", ErrInvalidFilter, table)
		}
		cond, err := b.group(f.Rules)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, fmt.Sprintf("q.instance_id IN (SELECT t.id FROM %s AS t WHERE %s)", table, cond))
	}

	if len(f.FilteredClassNames) > 0 {
		if s.catalog == nil {
			return "", nil, fmt.Errorf("%w: no class catalog", ErrInvalidFilter)
		}
		seen := map[string]bool{}
		var params []string
		for _, base := range f.FilteredClassNames {
			derived, err := s.catalog.DerivedClasses(ctx, base)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
			}
			for _, c := range derived {
				if !seen[c] {
					seen[c] = true
					params = append(params, b.bind("fc", c))
				}
			}
		}
		conds = append(conds, "q.full_class_name IN ("+strings.Join(params, ", ")+")")
	}
	return strings.Join(conds, " AND "), b.args, nil
}

func (b *filterBuilder) group(g api.FilterRuleGroup) (string, error) {
	var parts []string
	for _, r := range g.Rules {
		p, err := b.rule(r)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	for _, sub := range g.Groups {
		if sub.IsEmpty() {
			continue
		}
		p, err := b.group(sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+p+")")
	}
	if len(parts) == 0 {
		return "1 = 1", nil
	}
	join := " AND "
	if g.Operator == api.GroupOr {
		join = " OR "
	}
	return strings.Join(parts, join), nil
}

func (b *filterBuilder) rule(r api.FilterRule) (string, error) {
	if !identRe.MatchString(r.PropertyName) {
		return "", fmt.Errorf("%w: property name %q", ErrInvalidFilter, r.PropertyName)
	}
	col := "t." + r.PropertyName
	switch r.Operator {
	case api.OpNull:
		return col + " IS NULL", nil
	case api.OpNotNull:
		return col + " IS NOT NULL", nil
	}
	op, ok := comparisons[r.Operator]
	if !ok {
		return "", fmt.Errorf("%w: operator %q", ErrInvalidFilter, r.Operator)
	}
	return col + " " + op + " " + b.bind("fv", r.Value), nil
}
