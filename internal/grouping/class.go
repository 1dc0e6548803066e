package grouping

import (
	"context"
	"slices"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/search"
)

func isClassGroupingOf(n *api.HierarchyNode, className string) bool {
	return n != nil && n.Key.Type == api.KeyClassGrouping && n.Key.ClassName == className
}

func classHandler() handler {
	h := handler{stage: api.StageClass}
	h.options = func(n *api.HierarchyNode) *api.GroupingOptions {
		if bc := n.Params().Grouping.ByClass; bc != nil {
			return &bc.GroupingOptions
		}
		return nil
	}
	h.run = func(ctx context.Context, p *pass, nodes []*api.HierarchyNode) (Result, error) {
		var classes []string
		buckets := make(map[string][]*api.HierarchyNode)
		var ungrouped []*api.HierarchyNode
		for _, n := range nodes {
			if err := p.y.Yield(ctx); err != nil {
				return Result{}, err
			}
			class := n.ClassName()
			if h.options(n) == nil || class == "" || isClassGroupingOf(p.parent, class) {
				ungrouped = append(ungrouped, n)
				continue
			}
			if _, ok := buckets[class]; !ok {
				classes = append(classes, class)
			}
			buckets[class] = append(buckets[class], n)
		}

		grouped := make([]*api.HierarchyNode, 0, len(classes))
		for _, class := range classes {
			label, err := p.e.inspector.ClassLabel(ctx, class)
			if err != nil {
				return Result{}, err
			}
			grouped = append(grouped, p.newGroupingNode(h, api.ClassGroupingKey(class), label, buckets[class]))
		}
		p.e.sortByLabel(grouped)
		return Result{Grouped: grouped, Ungrouped: ungrouped}, nil
	}
	return h
}

func baseClassHandler(base string) handler {
	h := handler{stage: api.StageBaseClass}
	h.options = func(n *api.HierarchyNode) *api.GroupingOptions {
		bc := n.Params().Grouping.ByBaseClasses
		if bc == nil || !slices.Contains(bc.FullClassNames, base) {
			return nil
		}
		return &bc.GroupingOptions
	}
	h.run = func(ctx context.Context, p *pass, nodes []*api.HierarchyNode) (Result, error) {
		if isClassGroupingOf(p.parent, base) {
			return Result{Ungrouped: nodes}, nil
		}
		var grouped, ungrouped []*api.HierarchyNode
		for _, n := range nodes {
			if err := p.y.Yield(ctx); err != nil {
				return Result{}, err
			}
			if h.options(n) == nil || n.ClassName() == "" {
				ungrouped = append(ungrouped, n)
				continue
			}
			ok, err := p.e.inspector.DerivesFrom(ctx, n.ClassName(), base)
			if err != nil {
				return Result{}, err
			}
			if ok {
				grouped = append(grouped, n)
			} else {
				ungrouped = append(ungrouped, n)
			}
		}
		if len(grouped) == 0 {
			return Result{Ungrouped: ungrouped}, nil
		}
		label, err := p.e.inspector.ClassLabel(ctx, base)
		if err != nil {
			return Result{}, err
		}
		g := p.newGroupingNode(h, api.ClassGroupingKey(base), label, grouped)
		return Result{Grouped: []*api.HierarchyNode{g}, Ungrouped: ungrouped}, nil
	}
	return h
}

// orderedBaseClasses lists the base classes requested by nodes, most base
// first. Unrelated classes are ordered by name.
func (e *Engine) orderedBaseClasses(ctx context.Context, nodes []*api.HierarchyNode) ([]string, error) {
	seen := make(map[string]bool)
	var remaining []string
	for _, n := range nodes {
		bc := n.Params().Grouping.ByBaseClasses
		if bc == nil {
			continue
		}
		for _, name := range bc.FullClassNames {
			if !seen[name] {
				seen[name] = true
				remaining = append(remaining, name)
			}
		}
	}
	slices.Sort(remaining)

	out := make([]string, 0, len(remaining))
	for len(remaining) > 0 {
		pick := 0
	candidates:
		for i, c := range remaining {
			for j, o := range remaining {
				if i == j {
					continue
				}
				derives, err := e.inspector.DerivesFrom(ctx, c, o)
				if err != nil {
					return nil, err
				}
				if derives {
					continue candidates
				}
			}
			pick = i
			break
		}
		out = append(out, remaining[pick])
		remaining = slices.Delete(remaining, pick, pick+1)
	}
	return out, nil
}

// autoExpand decides the initial expansion of a grouping node from its
// children's settings and search state.
func autoExpand(h handler, children []*api.HierarchyNode) bool {
	for _, c := range children {
		if search.ExpandsGroupingAbove(c) {
			return true
		}
		o := h.options(c)
		if o == nil {
			continue
		}
		switch o.AutoExpand {
		case api.AutoExpandAlways:
			return true
		case api.AutoExpandSingleChild:
			if len(children) == 1 {
				return true
			}
		}
	}
	return false
}

func (e *Engine) sortByLabel(nodes []*api.HierarchyNode) {
	slices.SortStableFunc(nodes, func(a, b *api.HierarchyNode) int {
		return e.collator.compare(a.Label, b.Label)
	})
}
