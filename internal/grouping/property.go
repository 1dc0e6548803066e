package grouping

import (
	"cmp"
	"context"
	"slices"
	"strconv"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/format"
)

func maxPropertyGroups(nodes []*api.HierarchyNode) int {
	n := 0
	for _, node := range nodes {
		if bp := node.Params().Grouping.ByProperties; bp != nil {
			n = max(n, len(bp.PropertyGroups))
		}
	}
	return n
}

// property bucket ranks, in output order
const (
	rankValue = iota
	rankRange
	rankNotSpecified
	rankOther
)

type propertyBucket struct {
	key   api.NodeKey
	label string
	rank  int
	nodes []*api.HierarchyNode
}

func propertyHandler(index int) handler {
	h := handler{stage: api.StageProperty, index: index}
	h.options = func(n *api.HierarchyNode) *api.GroupingOptions {
		if bp := n.Params().Grouping.ByProperties; bp != nil && len(bp.PropertyGroups) > index {
			return &bp.GroupingOptions
		}
		return nil
	}
	h.run = func(ctx context.Context, p *pass, nodes []*api.HierarchyNode) (Result, error) {
		var ungrouped []*api.HierarchyNode
		var buckets []*propertyBucket
		byKey := make(map[string]*propertyBucket)
		add := func(key api.NodeKey, label string, rank int, n *api.HierarchyNode) {
			k := key.String()
			b, ok := byKey[k]
			if !ok {
				b = &propertyBucket{key: key, label: label, rank: rank}
				byKey[k] = b
				buckets = append(buckets, b)
			}
			b.nodes = append(b.nodes, n)
		}

		var others []*api.HierarchyNode
		var otherProps []api.PropertyRef

		for _, n := range nodes {
			if err := p.y.Yield(ctx); err != nil {
				return Result{}, err
			}
			if h.options(n) == nil || n.ClassName() == "" {
				ungrouped = append(ungrouped, n)
				continue
			}
			bp := n.Params().Grouping.ByProperties
			ok, err := p.e.inspector.DerivesFrom(ctx, n.ClassName(), bp.PropertiesClassName)
			if err != nil {
				return Result{}, err
			}
			if !ok {
				ungrouped = append(ungrouped, n)
				continue
			}

			pg := bp.PropertyGroups[index]
			class := bp.PropertiesClassName
			switch {
			case isUnspecified(pg.PropertyValue):
				if !bp.CreateGroupForUnspecifiedValues {
					ungrouped = append(ungrouped, n)
					continue
				}
				add(api.PropertyValueGroupingKey(class, pg.PropertyName, ""), p.e.opts.NotSpecifiedLabel, rankNotSpecified, n)

			case len(pg.Ranges) > 0:
				r, ok := matchRange(pg.PropertyValue, pg.Ranges)
				if ok {
					add(api.PropertyRangeGroupingKey(class, pg.PropertyName, r.FromValue, r.ToValue), rangeLabel(r), rankRange, n)
					continue
				}
				if !bp.CreateGroupForOutOfRangeValues {
					ungrouped = append(ungrouped, n)
					continue
				}
				ref := api.PropertyRef{ClassName: class, PropertyName: pg.PropertyName}
				if !slices.Contains(otherProps, ref) {
					otherProps = append(otherProps, ref)
				}
				others = append(others, n)

			default:
				formatted, err := p.e.formatter.Format(ctx, format.Primitive(pg.PropertyValue))
				if err != nil {
					return Result{}, err
				}
				add(api.PropertyValueGroupingKey(class, pg.PropertyName, formatted), formatted, rankValue, n)
			}
		}
		if len(others) > 0 {
			buckets = append(buckets, &propertyBucket{
				key:   api.PropertyOtherValuesGroupingKey(otherProps...),
				label: p.e.opts.OtherValuesLabel,
				rank:  rankOther,
				nodes: others,
			})
		}

		slices.SortStableFunc(buckets, func(a, b *propertyBucket) int {
			if c := cmp.Compare(a.rank, b.rank); c != 0 {
				return c
			}
			if a.rank == rankRange {
				return cmp.Or(
					cmp.Compare(a.key.FromValue, b.key.FromValue),
					cmp.Compare(a.key.ToValue, b.key.ToValue),
				)
			}
			return p.e.collator.compare(a.label, b.label)
		})

		grouped := make([]*api.HierarchyNode, 0, len(buckets))
		for _, b := range buckets {
			grouped = append(grouped, p.newGroupingNode(h, b.key, b.label, b.nodes))
		}
		return Result{Grouped: grouped, Ungrouped: ungrouped}, nil
	}
	return h
}

func isUnspecified(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// matchRange returns the first range containing v. Bounds are inclusive.
func matchRange(v any, ranges []api.PropertyRange) (api.PropertyRange, bool) {
	f, ok := toNumber(v)
	if !ok {
		return api.PropertyRange{}, false
	}
	for _, r := range ranges {
		if f >= r.FromValue && f <= r.ToValue {
			return r, true
		}
	}
	return api.PropertyRange{}, false
}

func rangeLabel(r api.PropertyRange) string {
	if r.RangeLabel != "" {
		return r.RangeLabel
	}
	return strconv.FormatFloat(r.FromValue, 'f', -1, 64) + " - " + strconv.FormatFloat(r.ToValue, 'f', -1, 64)
}
