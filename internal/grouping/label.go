package grouping

import (
	"context"
	"slices"
	"strings"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/search"
)

type labelBucket struct {
	label, groupID string
}

func labelHandler() handler {
	h := handler{stage: api.StageLabel}
	h.options = func(n *api.HierarchyNode) *api.GroupingOptions {
		if lp := n.Params().Grouping.ByLabel; lp != nil && lp.Action == api.LabelActionGroup {
			return &lp.GroupingOptions
		}
		return nil
	}
	h.run = func(ctx context.Context, p *pass, nodes []*api.HierarchyNode) (Result, error) {
		var ungrouped []*api.HierarchyNode
		merged := make(map[labelBucket]int) // bucket -> index in ungrouped

		var order []labelBucket
		groups := make(map[labelBucket][]*api.HierarchyNode)

		for _, n := range nodes {
			if err := p.y.Yield(ctx); err != nil {
				return Result{}, err
			}
			lp := n.Params().Grouping.ByLabel
			if lp == nil {
				ungrouped = append(ungrouped, n)
				continue
			}
			b := labelBucket{label: n.Label, groupID: lp.GroupID}
			if lp.Action == api.LabelActionMerge {
				if i, ok := merged[b]; ok && canMerge(ungrouped[i], n) {
					m := mergeNodes(ungrouped[i], n)
					p.derive(ungrouped[i], m)
					ungrouped[i] = m
					continue
				}
				merged[b] = len(ungrouped)
				ungrouped = append(ungrouped, n)
				continue
			}
			if _, ok := groups[b]; !ok {
				order = append(order, b)
			}
			groups[b] = append(groups[b], n)
		}

		grouped := make([]*api.HierarchyNode, 0, len(order))
		for _, b := range order {
			grouped = append(grouped, p.newGroupingNode(h, api.LabelGroupingKey(b.label, b.groupID), b.label, groups[b]))
		}
		slices.SortStableFunc(grouped, func(a, b *api.HierarchyNode) int {
			if c := p.e.collator.compare(a.Label, b.Label); c != 0 {
				return c
			}
			return strings.Compare(a.Key.GroupID, b.Key.GroupID)
		})
		return Result{Grouped: grouped, Ungrouped: ungrouped}, nil
	}
	return h
}

func canMerge(a, b *api.HierarchyNode) bool {
	return a.Key.Type == api.KeyInstances && b.Key.Type == api.KeyInstances
}

// mergeNodes folds b into a. The result keeps a's position and label and
// carries the instance keys of both.
func mergeNodes(a, b *api.HierarchyNode) *api.HierarchyNode {
	m := a.Clone()
	keys := slices.Clone(a.Key.InstanceKeys)
	for _, k := range b.Key.InstanceKeys {
		if !slices.ContainsFunc(keys, func(o api.InstanceKey) bool { return api.CompareInstanceKeys(o, k) == 0 }) {
			keys = append(keys, k)
		}
	}
	m.Key = api.InstancesKey(keys...)

	switch {
	case a.Children == api.ChildrenYes || b.Children == api.ChildrenYes:
		m.Children = api.ChildrenYes
	case a.Children == api.ChildrenUnknown || b.Children == api.ChildrenUnknown:
		m.Children = api.ChildrenUnknown
	default:
		m.Children = api.ChildrenNo
	}
	m.AutoExpand = a.AutoExpand || b.AutoExpand
	m.SupportsFiltering = a.SupportsFiltering && b.SupportsFiltering

	for k, v := range b.ExtendedData {
		if m.ExtendedData == nil {
			m.ExtendedData = make(map[string]any)
		}
		if _, ok := m.ExtendedData[k]; !ok {
			m.ExtendedData[k] = v
		}
	}

	pa, pb := a.Params(), b.Params()
	params := *pa
	params.HideIfNoChildren = pa.HideIfNoChildren && pb.HideIfNoChildren
	params.HideInHierarchy = pa.HideInHierarchy && pb.HideInHierarchy
	m.Processing = &params

	if m.Search == nil && b.Search != nil {
		s := b.Search.Clone()
		m.Search = &s
	} else if m.Search != nil && b.Search != nil {
		m.Search.IsSearchTarget = m.Search.IsSearchTarget || b.Search.IsSearchTarget
		if bo := b.Search.TargetOptions; bo != nil {
			if mo := m.Search.TargetOptions; mo == nil || search.MoreRevealing(bo.Reveal, mo.Reveal) {
				o := *bo
				m.Search.TargetOptions = &o
			}
		}
		m.Search.HasSearchTargetAncestor = m.Search.HasSearchTargetAncestor || b.Search.HasSearchTargetAncestor
		for _, p := range b.Search.ChildrenTargetPaths {
			m.Search.ChildrenTargetPaths = search.MergePath(m.Search.ChildrenTargetPaths, p)
		}
	}
	return m
}
