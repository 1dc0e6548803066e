package provider

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/format"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// RowColumns is the column contract of level queries, in order.
var RowColumns = []string{
	"full_class_name",
	"instance_id",
	"display_label",
	"has_children",
	"hide_if_no_children",
	"hide_in_hierarchy",
	"grouping",
	"merge_by_label_id",
	"extended_data",
	"auto_expand",
}

// Row is one raw row of a level query. JSON columns are kept as text.
type Row struct {
	ClassName        string
	InstanceID       string
	DisplayLabel     string
	HasChildren      *bool
	HideIfNoChildren bool
	HideInHierarchy  bool
	Grouping         string
	MergeByLabelID   string
	ExtendedData     string
	AutoExpand       bool
}

// JSONPath selectors into the grouping column.
var (
	selByLabel       = jp.MustParseString("$.byLabel")
	selByClass       = jp.MustParseString("$.byClass")
	selByBaseClasses = jp.MustParseString("$.byBaseClasses")
	selByProperties  = jp.MustParseString("$.byProperties")
)

// ParseRow converts a row into a node without parent keys.
func ParseRow(ctx context.Context, f format.Formatter, source string, r Row) (*api.HierarchyNode, error) {
	label, err := parseLabel(ctx, f, r.DisplayLabel)
	if err != nil {
		return nil, fmt.Errorf("row %s#%s: label: %w", r.ClassName, r.InstanceID, err)
	}
	n := &api.HierarchyNode{
		Key:               api.InstancesKey(api.InstanceKey{ClassName: r.ClassName, ID: r.InstanceID, Source: source}),
		Label:             label,
		Children:          api.ChildrenUnknown,
		AutoExpand:        r.AutoExpand,
		SupportsFiltering: true,
		Processing: &api.ProcessingParams{
			HideIfNoChildren: r.HideIfNoChildren,
			HideInHierarchy:  r.HideInHierarchy,
		},
	}
	if r.HasChildren != nil {
		if *r.HasChildren {
			n.Children = api.ChildrenYes
		} else {
			n.Children = api.ChildrenNo
		}
	}
	if r.Grouping != "" {
		g, err := parseGrouping(r.Grouping)
		if err != nil {
			return nil, fmt.Errorf("row %s#%s: grouping: %w", r.ClassName, r.InstanceID, err)
		}
		n.Processing.Grouping = g
	}
	if r.MergeByLabelID != "" {
		n.Processing.Grouping.ByLabel = &api.LabelGroupingParams{Action: api.LabelActionMerge, GroupID: r.MergeByLabelID}
	}
	if r.ExtendedData != "" {
		v, err := oj.ParseString(r.ExtendedData)
		if err != nil {
			return nil, fmt.Errorf("row %s#%s: extended data: %w", r.ClassName, r.InstanceID, err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("row %s#%s: extended data is not an object", r.ClassName, r.InstanceID)
		}
		n.ExtendedData = m
	}
	return n, nil
}

// parseLabel accepts a plain string or a JSON array of segments, each a
// literal string or {"type", "value", "koqName", "extendedType"}.
func parseLabel(ctx context.Context, f format.Formatter, s string) (string, error) {
	if !strings.HasPrefix(strings.TrimSpace(s), "[") {
		return s, nil
	}
	v, err := oj.ParseString(s)
	if err != nil {
		// Not JSON after all; a label may start with a bracket.
		return s, nil
	}
	items, ok := v.([]any)
	if !ok {
		return s, nil
	}
	parts := make([]api.LabelPart, 0, len(items))
	for _, it := range items {
		switch seg := it.(type) {
		case string:
			parts = append(parts, api.LabelPart{Text: seg})
		case map[string]any:
			tp := api.TypedPrimitive{
				Type:         api.PrimitiveType(str(seg["type"])),
				Value:        seg["value"],
				KoqName:      str(seg["koqName"]),
				ExtendedType: str(seg["extendedType"]),
			}
			parts = append(parts, api.LabelPart{Value: &tp})
		default:
			parts = append(parts, api.LabelPart{Text: fmt.Sprint(seg)})
		}
	}
	return format.Parts(ctx, f, parts)
}

func parseGrouping(s string) (api.GroupingParams, error) {
	var g api.GroupingParams
	data, err := oj.ParseString(s)
	if err != nil {
		return g, err
	}

	if v, ok := first(selByLabel, data); ok {
		if lp := labelParams(v); lp != nil {
			g.ByLabel = lp
		}
	}
	if v, ok := first(selByClass, data); ok {
		if opts, on := optionsOf(v); on {
			g.ByClass = &api.ClassGroupingParams{GroupingOptions: opts}
		}
	}
	if v, ok := first(selByBaseClasses, data); ok {
		if m, isObj := v.(map[string]any); isObj {
			opts, _ := optionsOf(m)
			g.ByBaseClasses = &api.BaseClassGroupingParams{
				GroupingOptions: opts,
				FullClassNames:  strs(m["fullClassNames"]),
			}
		}
	}
	if v, ok := first(selByProperties, data); ok {
		if m, isObj := v.(map[string]any); isObj {
			g.ByProperties = propertyParams(m)
		}
	}
	return g, nil
}

func first(x jp.Expr, data any) (any, bool) {
	res := x.Get(data)
	if len(res) == 0 {
		return nil, false
	}
	return res[0], true
}

// optionsOf reads the shared grouping options. A bare true enables the
// handler with default options.
func optionsOf(v any) (api.GroupingOptions, bool) {
	switch t := v.(type) {
	case bool:
		return api.GroupingOptions{}, t
	case map[string]any:
		o := api.GroupingOptions{
			HideIfNoSiblings:     t["hideIfNoSiblings"] == true,
			HideIfOneGroupedNode: t["hideIfOneGroupedNode"] == true,
		}
		switch t["autoExpand"] {
		case "always", true:
			o.AutoExpand = api.AutoExpandAlways
		case "single-child":
			o.AutoExpand = api.AutoExpandSingleChild
		}
		return o, true
	}
	return api.GroupingOptions{}, false
}

func labelParams(v any) *api.LabelGroupingParams {
	opts, on := optionsOf(v)
	if !on {
		return nil
	}
	lp := &api.LabelGroupingParams{GroupingOptions: opts}
	if m, ok := v.(map[string]any); ok {
		if m["action"] == "merge" {
			lp.Action = api.LabelActionMerge
		}
		lp.GroupID = str(m["groupId"])
	}
	return lp
}

func propertyParams(m map[string]any) *api.PropertyGroupingParams {
	opts, _ := optionsOf(m)
	pp := &api.PropertyGroupingParams{
		GroupingOptions:                 opts,
		PropertiesClassName:             str(m["propertiesClassName"]),
		CreateGroupForUnspecifiedValues: m["createGroupForUnspecifiedValues"] == true,
		CreateGroupForOutOfRangeValues:  m["createGroupForOutOfRangeValues"] == true,
	}
	groups, _ := m["propertyGroups"].([]any)
	for _, g := range groups {
		gm, ok := g.(map[string]any)
		if !ok {
			continue
		}
		pg := api.PropertyGroup{
			PropertyName:  str(gm["propertyName"]),
			PropertyValue: gm["propertyValue"],
		}
		ranges, _ := gm["ranges"].([]any)
		for _, r := range ranges {
			rm, ok := r.(map[string]any)
			if !ok {
				continue
			}
			// A missing bound leaves the range open on that side.
			from, ok := num(rm["fromValue"])
			if !ok {
				from = math.Inf(-1)
			}
			to, ok := num(rm["toValue"])
			if !ok {
				to = math.Inf(1)
			}
			pg.Ranges = append(pg.Ranges, api.PropertyRange{FromValue: from, ToValue: to, RangeLabel: str(rm["rangeLabel"])})
		}
		pp.PropertyGroups = append(pp.PropertyGroups, pg)
	}
	return pp
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func num(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
