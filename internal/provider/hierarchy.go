package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/format"
	"github.com/agentic-research/arbor/internal/grouping"
	"github.com/agentic-research/arbor/internal/identity"
	"github.com/agentic-research/arbor/internal/logging"
	"github.com/agentic-research/arbor/internal/metadata"
	"github.com/agentic-research/arbor/internal/search"
	"github.com/goccy/go-json"
)

// Options configures a Hierarchy.
type Options struct {
	// Source names the data source; it becomes the origin of every
	// instance key the hierarchy produces.
	Source      string
	SearchPaths []api.SearchPath
	Grouping    grouping.Options
}

// Hierarchy is the Provider built from a HierarchyDefinition and a
// RowSource. It is safe for concurrent use.
type Hierarchy struct {
	def       *api.HierarchyDefinition
	rows      RowSource
	inspector metadata.ClassInspector
	formatter format.Formatter
	engine    *grouping.Engine
	matcher   *search.Matcher
	opts      Options
}

func NewHierarchy(def *api.HierarchyDefinition, rows RowSource, inspector metadata.ClassInspector, formatter format.Formatter, opts Options) (*Hierarchy, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	customs := map[string]bool{}
	for _, l := range def.Levels {
		for _, cn := range l.CustomNodes {
			customs[cn.Key] = true
		}
	}
	for _, l := range def.Levels {
		if l.Parent.Custom != "" && !customs[l.Parent.Custom] {
			return nil, fmt.Errorf("%w: level %q: no custom node %q", ErrUnknownLevel, l.Name, l.Parent.Custom)
		}
	}
	if formatter == nil {
		formatter = format.Default{}
	}
	return &Hierarchy{
		def:       def,
		rows:      rows,
		inspector: inspector,
		formatter: formatter,
		engine:    grouping.New(inspector, formatter, opts.Grouping),
		matcher:   search.NewMatcher(inspector, opts.Source),
		opts:      opts,
	}, nil
}

// WithSearch returns a copy of h that restricts levels to paths.
func (h *Hierarchy) WithSearch(paths []api.SearchPath) *Hierarchy {
	c := *h
	c.opts.SearchPaths = slices.Clone(paths)
	return &c
}

func (h *Hierarchy) GetNodes(ctx context.Context, req Request) iter.Seq2[*api.HierarchyNode, error] {
	return func(yield func(*api.HierarchyNode, error) bool) {
		nodes, err := h.level(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, n := range nodes {
			if !yield(n, nil) {
				return
			}
		}
	}
}

func (h *Hierarchy) level(ctx context.Context, req Request) ([]*api.HierarchyNode, error) {
	parent := req.Parent
	var nodes []*api.HierarchyNode
	if parent != nil && parent.IsGrouping() {
		// Grouping nodes carry their children; expanding one continues
		// grouping where its handler stopped.
		nodes = parent.GroupedChildren
	} else {
		var err error
		nodes, _, err = h.children(ctx, parent, req.Limit, 0, req.Filter, false)
		if err != nil {
			return nil, err
		}
	}
	res, err := h.engine.Group(ctx, parent, nodes)
	if err != nil {
		return nil, fmt.Errorf("group level: %w", err)
	}
	return res.Nodes(), nil
}

// children builds the ungrouped children of parent. used is the number of
// rows of the level already counted against limit; the returned count
// includes the rows read here and in spliced hidden levels. In probe mode
// nodes with unknown children are not resolved further.
func (h *Hierarchy) children(ctx context.Context, parent *api.HierarchyNode, limit, used int, filter *api.InstanceFilter, probe bool) ([]*api.HierarchyNode, int, error) {
	defs, err := h.levelsFor(ctx, parent)
	if err != nil {
		return nil, used, err
	}
	lvl := search.LevelFor(parent, h.opts.SearchPaths)
	defs, err = h.matcher.FilterDefinitions(ctx, lvl, defs)
	if err != nil {
		return nil, used, fmt.Errorf("filter levels: %w", err)
	}

	var parentKeys []api.NodeKey
	if parent != nil {
		parentKeys = parent.ChildParentKeys()
	}
	params := h.params(parent)

	var nodes []*api.HierarchyNode
	rowCount := used
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return nil, rowCount, err
		}
		if len(def.CustomNodes) > 0 {
			for _, cn := range def.CustomNodes {
				nodes = append(nodes, h.customNode(parentKeys, cn))
			}
			continue
		}
		q := LevelQuery{SQL: def.Query, Params: params, Filter: filter}
		if limit > 0 {
			q.MaxRows = limit - rowCount + 1
		}
		for row, err := range h.rows.Query(ctx, q) {
			if err != nil {
				return nil, rowCount, fmt.Errorf("level %q: %w", def.Name, err)
			}
			rowCount++
			if limit > 0 && rowCount > limit {
				return nil, rowCount, &api.RowsLimitExceededError{Limit: limit}
			}
			n, err := ParseRow(ctx, h.formatter, h.opts.Source, row)
			if err != nil {
				return nil, rowCount, fmt.Errorf("level %q: %w", def.Name, err)
			}
			n.ParentKeys = parentKeys
			nodes = append(nodes, n)
		}
	}

	nodes = dedupe(nodes)
	nodes, err = h.matcher.Annotate(ctx, lvl, nodes)
	if err != nil {
		return nil, rowCount, fmt.Errorf("annotate level: %w", err)
	}
	nodes, rowCount, err = h.spliceHidden(ctx, nodes, limit, rowCount, filter, probe)
	if err != nil {
		return nil, rowCount, err
	}
	nodes, err = h.resolveChildren(ctx, nodes, probe)
	return nodes, rowCount, err
}

// levelsFor selects the definitions whose parent selector matches parent.
func (h *Hierarchy) levelsFor(ctx context.Context, parent *api.HierarchyNode) ([]api.LevelDefinition, error) {
	var out []api.LevelDefinition
	for _, l := range h.def.Levels {
		switch {
		case parent == nil:
			if l.Parent.Root {
				out = append(out, l)
			}
		case parent.Key.Type == api.KeyCustom:
			if l.Parent.Custom == parent.Key.Custom {
				out = append(out, l)
			}
		case parent.Key.Type == api.KeyInstances && l.Parent.InstancesOf != "":
			for _, ik := range parent.Key.InstanceKeys {
				ok, err := h.inspector.DerivesFrom(ctx, ik.ClassName, l.Parent.InstancesOf)
				if err != nil {
					return nil, fmt.Errorf("level %q: %w", l.Name, err)
				}
				if ok {
					out = append(out, l)
					break
				}
			}
		}
	}
	return out, nil
}

// params are the named query params describing parent.
func (h *Hierarchy) params(parent *api.HierarchyNode) map[string]any {
	p := map[string]any{"parent_source": h.opts.Source}
	if parent == nil {
		p["parent_ids"] = "[]"
		return p
	}
	if parent.Key.Type == api.KeyCustom {
		p["parent_key"] = parent.Key.Custom
	}
	ids := make([]string, 0, len(parent.Key.InstanceKeys))
	for _, ik := range parent.Key.InstanceKeys {
		ids = append(ids, ik.ID)
	}
	if len(ids) > 0 {
		p["parent_class"] = parent.Key.InstanceKeys[0].ClassName
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		raw = []byte("[]")
	}
	p["parent_ids"] = string(raw)
	return p
}

func (h *Hierarchy) customNode(parentKeys []api.NodeKey, cn api.CustomNodeDefinition) *api.HierarchyNode {
	n := &api.HierarchyNode{
		ParentKeys: parentKeys,
		Key:        api.CustomKey(cn.Key),
		Label:      cn.Label,
		Children:   api.ChildrenUnknown,
		AutoExpand: cn.AutoExpand,
		Processing: &api.ProcessingParams{
			HideIfNoChildren: cn.HideIfNoChildren,
			HideInHierarchy:  cn.HideInHierarchy,
		},
	}
	if cn.HasChildren != nil {
		if *cn.HasChildren {
			n.Children = api.ChildrenYes
		} else {
			n.Children = api.ChildrenNo
		}
	}
	for _, l := range h.def.Levels {
		if l.Parent.Custom == cn.Key && l.Query != "" {
			n.SupportsFiltering = true
			break
		}
	}
	return n
}

// dedupe keeps the first node of each identity.
func dedupe(nodes []*api.HierarchyNode) []*api.HierarchyNode {
	seen := make(map[string]bool, len(nodes))
	out := nodes[:0:0]
	for _, n := range nodes {
		id := identity.NodeID(n)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, n)
	}
	return out
}

// spliceHidden replaces nodes hidden in the hierarchy with their children.
// Spliced rows count against the level's limit and are filtered like it.
func (h *Hierarchy) spliceHidden(ctx context.Context, nodes []*api.HierarchyNode, limit, used int, filter *api.InstanceFilter, probe bool) ([]*api.HierarchyNode, int, error) {
	if !slices.ContainsFunc(nodes, func(n *api.HierarchyNode) bool { return n.Params().HideInHierarchy }) {
		return nodes, used, nil
	}
	out := make([]*api.HierarchyNode, 0, len(nodes))
	for _, n := range nodes {
		if !n.Params().HideInHierarchy {
			out = append(out, n)
			continue
		}
		kids, rows, err := h.children(ctx, n, limit, used, filter, probe)
		used = rows
		if err != nil {
			return nil, used, fmt.Errorf("children of hidden node %s: %w", n.Key, err)
		}
		out = append(out, kids...)
	}
	return out, used, nil
}

// resolveChildren settles unknown children flags by probing and drops
// nodes hidden for having no children. Nodes on a search path are never
// dropped.
func (h *Hierarchy) resolveChildren(ctx context.Context, nodes []*api.HierarchyNode, probe bool) ([]*api.HierarchyNode, error) {
	out := nodes[:0:0]
	for _, n := range nodes {
		hideEmpty := n.Params().HideIfNoChildren
		onPath := n.Search != nil && len(n.Search.ChildrenTargetPaths) > 0
		switch {
		case n.Children == api.ChildrenYes:
		case n.Children == api.ChildrenNo:
			if hideEmpty && !onPath {
				continue
			}
		case probe && !hideEmpty:
		default:
			has, err := h.hasChildren(ctx, n)
			if err != nil {
				return nil, err
			}
			if has {
				n.Children = api.ChildrenYes
			} else {
				n.Children = api.ChildrenNo
				if hideEmpty && !onPath {
					logging.Debug("hiding childless node", "key", n.Key.String())
					continue
				}
			}
		}
		out = append(out, n)
	}
	return out, nil
}

func (h *Hierarchy) hasChildren(ctx context.Context, n *api.HierarchyNode) (bool, error) {
	kids, _, err := h.children(ctx, n, 1, 0, nil, true)
	var tooMany *api.RowsLimitExceededError
	if errors.As(err, &tooMany) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe children of %s: %w", n.Key, err)
	}
	return len(kids) > 0, nil
}
