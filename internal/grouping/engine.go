// Package grouping turns a flat hierarchy level into its grouped form.
//
// A level is processed by an ordered list of handlers chosen by the kind of
// the parent node. Each handler sees only what earlier handlers left
// ungrouped; nested grouping happens when a grouping node is expanded and
// the list continues after the handler that created it.
package grouping

import (
	"context"
	"slices"
	"time"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/format"
	"github.com/agentic-research/arbor/internal/metadata"
	"github.com/agentic-research/arbor/internal/sched"
	"golang.org/x/text/language"
)

// Options configures an Engine.
type Options struct {
	// Locale drives label collation. Default: language.Und.
	Locale language.Tag
	// YieldBudget bounds CPU time between cooperative yields.
	// Default: sched.DefaultBudget.
	YieldBudget time.Duration
	// NotSpecifiedLabel and OtherValuesLabel label the property buckets
	// for missing and out-of-range values.
	NotSpecifiedLabel string
	OtherValuesLabel  string
}

// Engine groups hierarchy levels. It is safe for concurrent use.
type Engine struct {
	inspector metadata.ClassInspector
	formatter format.Formatter
	collator  *labelCollator
	opts      Options
}

func New(inspector metadata.ClassInspector, formatter format.Formatter, opts Options) *Engine {
	if opts.NotSpecifiedLabel == "" {
		opts.NotSpecifiedLabel = "Not specified"
	}
	if opts.OtherValuesLabel == "" {
		opts.OtherValuesLabel = "Other"
	}
	if formatter == nil {
		formatter = format.Default{}
	}
	return &Engine{
		inspector: inspector,
		formatter: formatter,
		collator:  newLabelCollator(opts.Locale),
		opts:      opts,
	}
}

// Result is a grouped level. Grouped holds the grouping nodes in handler
// order; Ungrouped the remaining nodes in their original relative order.
type Result struct {
	Grouped   []*api.HierarchyNode
	Ungrouped []*api.HierarchyNode
}

// Nodes returns the level in output order.
func (r Result) Nodes() []*api.HierarchyNode {
	out := make([]*api.HierarchyNode, 0, len(r.Grouped)+len(r.Ungrouped))
	out = append(out, r.Grouped...)
	return append(out, r.Ungrouped...)
}

// pass is the state of one Group call.
type pass struct {
	e         *Engine
	parent    *api.HierarchyNode
	levelKeys []api.NodeKey
	ancestor  *api.AncestorRef
	y         *sched.Yielder
	order     map[*api.HierarchyNode]int
	nextOrder int
}

type handler struct {
	stage api.GroupingStage
	index int
	// options returns the node's settings for this handler, nil when the
	// node does not request it.
	options func(n *api.HierarchyNode) *api.GroupingOptions
	run     func(ctx context.Context, p *pass, nodes []*api.HierarchyNode) (Result, error)
}

// Group groups nodes, the children of parent (nil for the root level).
// Grouping nodes are expanded by calling Group with the grouping node as
// parent and its GroupedChildren as nodes.
func (e *Engine) Group(ctx context.Context, parent *api.HierarchyNode, nodes []*api.HierarchyNode) (Result, error) {
	p := &pass{
		e:      e,
		parent: parent,
		y:      sched.NewYielder(e.opts.YieldBudget),
		order:  make(map[*api.HierarchyNode]int, len(nodes)),
	}
	if parent != nil {
		p.levelKeys = parent.ChildParentKeys()
		if parent.IsGrouping() {
			p.ancestor = parent.NonGroupingAncestor
		} else {
			p.ancestor = &api.AncestorRef{ParentKeys: slices.Clone(parent.ParentKeys), Key: parent.Key}
		}
	}
	for _, n := range nodes {
		p.track(n)
	}

	handlers, err := e.dispatch(ctx, parent, nodes)
	if err != nil {
		return Result{}, err
	}

	var res Result
	current := nodes
	for _, h := range handlers {
		if err := p.y.Yield(ctx); err != nil {
			return Result{}, err
		}
		r, err := h.run(ctx, p, current)
		if err != nil {
			return Result{}, err
		}
		r = p.applyHiding(h, r, len(res.Grouped))
		res.Grouped = append(res.Grouped, r.Grouped...)
		current = r.Ungrouped
	}
	res.Ungrouped = current
	return res, nil
}

// dispatch selects the handler list for the parent kind.
func (e *Engine) dispatch(ctx context.Context, parent *api.HierarchyNode, nodes []*api.HierarchyNode) ([]handler, error) {
	withBases, withClass, propFrom := true, true, 0
	baseAfter := ""
	if parent != nil && parent.IsGrouping() {
		if parent.Grouping == nil {
			return nil, nil
		}
		switch parent.Grouping.Stage {
		case api.StageBaseClass:
			baseAfter = parent.Key.ClassName
		case api.StageClass:
			withBases = false
		case api.StageProperty:
			withBases, withClass, propFrom = false, false, parent.Grouping.Index+1
		default:
			return nil, nil
		}
	}

	var hs []handler
	if withBases {
		bases, err := e.orderedBaseClasses(ctx, nodes)
		if err != nil {
			return nil, err
		}
		if baseAfter != "" {
			bases = bases[slices.Index(bases, baseAfter)+1:]
		}
		for _, b := range bases {
			hs = append(hs, baseClassHandler(b))
		}
	}
	if withClass {
		hs = append(hs, classHandler())
	}
	for i := propFrom; i < maxPropertyGroups(nodes); i++ {
		hs = append(hs, propertyHandler(i))
	}
	return append(hs, labelHandler()), nil
}

func (p *pass) track(n *api.HierarchyNode) {
	if _, ok := p.order[n]; ok {
		return
	}
	p.order[n] = p.nextOrder
	p.nextOrder++
}

// derive registers n as taking the place of orig in the original order.
func (p *pass) derive(orig, n *api.HierarchyNode) {
	p.order[n] = p.order[orig]
}

func (p *pass) sortByOrder(nodes []*api.HierarchyNode) {
	slices.SortStableFunc(nodes, func(a, b *api.HierarchyNode) int {
		return p.order[a] - p.order[b]
	})
}

// newGroupingNode creates a grouping node over children. Children are
// cloned and re-parented under the new node.
func (p *pass) newGroupingNode(h handler, key api.NodeKey, label string, children []*api.HierarchyNode) *api.HierarchyNode {
	g := &api.HierarchyNode{
		ParentKeys:          slices.Clone(p.levelKeys),
		Key:                 key,
		Label:               label,
		Children:            api.ChildrenYes,
		NonGroupingAncestor: p.ancestor,
		Grouping:            &api.GroupingInfo{Stage: h.stage, Index: h.index},
	}
	childKeys := g.ChildParentKeys()
	for _, c := range children {
		cc := c.Clone()
		cc.ParentKeys = slices.Clone(childKeys)
		p.derive(c, cc)
		g.GroupedChildren = append(g.GroupedChildren, cc)
		if c.Key.Type == api.KeyInstances {
			g.GroupedInstanceKeys = append(g.GroupedInstanceKeys, c.Key.InstanceKeys...)
		}
	}
	g.AutoExpand = autoExpand(h, g.GroupedChildren)
	return g
}

// ungroup reverses newGroupingNode for a hidden grouping node.
func (p *pass) ungroup(g *api.HierarchyNode) []*api.HierarchyNode {
	out := make([]*api.HierarchyNode, 0, len(g.GroupedChildren))
	for _, c := range g.GroupedChildren {
		c.ParentKeys = slices.Clone(p.levelKeys)
		out = append(out, c)
	}
	return out
}

// applyHiding drops grouping nodes whose children all ask for it. Hidden
// nodes' children return to the ungrouped set so later handlers see them.
// extra is the number of grouping nodes earlier handlers produced.
func (p *pass) applyHiding(h handler, r Result, extra int) Result {
	onlyNode := len(r.Grouped) == 1 && len(r.Ungrouped) == 0 && extra == 0

	var kept []*api.HierarchyNode
	ungrouped := slices.Clone(r.Ungrouped)
	restored := false
	for _, g := range r.Grouped {
		hideOne, hideAlone := true, true
		for _, c := range g.GroupedChildren {
			o := h.options(c)
			if o == nil {
				hideOne, hideAlone = false, false
				break
			}
			hideOne = hideOne && o.HideIfOneGroupedNode
			hideAlone = hideAlone && o.HideIfNoSiblings
		}
		if (hideOne && len(g.GroupedChildren) == 1) || (hideAlone && onlyNode) {
			ungrouped = append(ungrouped, p.ungroup(g)...)
			restored = true
			continue
		}
		kept = append(kept, g)
	}
	if restored {
		p.sortByOrder(ungrouped)
	}
	return Result{Grouped: kept, Ungrouped: ungrouped}
}
