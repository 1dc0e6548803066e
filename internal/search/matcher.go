// Package search restricts and annotates hierarchy levels along search
// paths.
package search

import (
	"context"
	"slices"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/metadata"
)

// NewPath builds a root-level search path.
func NewPath(reveal api.Reveal, ids ...api.Identifier) api.SearchPath {
	return api.SearchPath{Identifiers: ids, Reveal: reveal}
}

// Level is the search context of one hierarchy level.
type Level struct {
	// Active is true while any search is applied to the hierarchy.
	Active bool
	// Restricted levels only return nodes matching a path head.
	Restricted bool
	Paths      []api.SearchPath
	// TargetAbove is true when the parent is a target or below one.
	TargetAbove bool
}

// LevelFor derives the search context of parent's children. rootPaths are
// the paths of the whole search; the root level uses them directly.
func LevelFor(parent *api.HierarchyNode, rootPaths []api.SearchPath) Level {
	if len(rootPaths) == 0 {
		return Level{}
	}
	if parent == nil {
		return Level{Active: true, Restricted: true, Paths: rootPaths}
	}
	s := parent.Search
	if s == nil {
		return Level{Active: true, Restricted: true}
	}
	lvl := Level{Active: true, Paths: s.ChildrenTargetPaths}
	lvl.TargetAbove = s.IsSearchTarget || s.HasSearchTargetAncestor
	lvl.Restricted = !lvl.TargetAbove
	return lvl
}

// Matcher matches identifiers against nodes.
type Matcher struct {
	inspector metadata.ClassInspector
	// source is the origin of the nodes this matcher sees.
	source string
}

func NewMatcher(inspector metadata.ClassInspector, source string) *Matcher {
	return &Matcher{inspector: inspector, source: source}
}

// Matches reports whether id identifies the node with key. Instance
// identifiers match any of the key's instances with the same id and
// origin whose class is the identifier's class or derives from it.
func (m *Matcher) Matches(ctx context.Context, id api.Identifier, key api.NodeKey) (bool, error) {
	if id.Instance != nil {
		if key.Type != api.KeyInstances {
			return false, nil
		}
		for _, ik := range key.InstanceKeys {
			if ik.ID != id.Instance.ID || ik.Source != id.Instance.Source {
				continue
			}
			ok, err := m.inspector.DerivesFrom(ctx, ik.ClassName, id.Instance.ClassName)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return key.Type == api.KeyCustom && key.Custom == id.Custom && m.sourceMatches(id.Source), nil
}

func (m *Matcher) sourceMatches(source string) bool {
	return source == "" || source == m.source
}

// FilterDefinitions drops the level definitions of a restricted level that
// cannot produce a node matching any path head. Custom definitions keep
// only the matching custom nodes.
func (m *Matcher) FilterDefinitions(ctx context.Context, lvl Level, defs []api.LevelDefinition) ([]api.LevelDefinition, error) {
	if !lvl.Restricted {
		return defs, nil
	}
	var out []api.LevelDefinition
	for _, def := range defs {
		if len(def.CustomNodes) > 0 {
			var keep []api.CustomNodeDefinition
			for _, cn := range def.CustomNodes {
				for _, p := range lvl.Paths {
					head := p.Identifiers[0]
					if head.Instance == nil && head.Custom == cn.Key && m.sourceMatches(head.Source) {
						keep = append(keep, cn)
						break
					}
				}
			}
			if len(keep) > 0 {
				def.CustomNodes = keep
				out = append(out, def)
			}
			continue
		}

		ok, err := m.mayProduce(ctx, def, lvl.Paths)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, def)
		}
	}
	return out, nil
}

func (m *Matcher) mayProduce(ctx context.Context, def api.LevelDefinition, paths []api.SearchPath) (bool, error) {
	for _, p := range paths {
		head := p.Identifiers[0]
		if head.Instance == nil || head.Instance.Source != m.source {
			continue
		}
		if def.Class == "" {
			return true, nil
		}
		down, err := m.inspector.DerivesFrom(ctx, head.Instance.ClassName, def.Class)
		if err != nil {
			return false, err
		}
		if down {
			return true, nil
		}
		up, err := m.inspector.DerivesFrom(ctx, def.Class, head.Instance.ClassName)
		if err != nil {
			return false, err
		}
		if up {
			return true, nil
		}
	}
	return false, nil
}

// Annotate sets search state on a level's nodes and, for restricted
// levels, drops nodes matching no path head. Input nodes are not modified.
func (m *Matcher) Annotate(ctx context.Context, lvl Level, nodes []*api.HierarchyNode) ([]*api.HierarchyNode, error) {
	if !lvl.Active {
		return nodes, nil
	}
	out := make([]*api.HierarchyNode, 0, len(nodes))
	for _, n := range nodes {
		state := api.SearchState{HasSearchTargetAncestor: lvl.TargetAbove}
		matched := false
		for _, p := range lvl.Paths {
			if len(p.Identifiers) == 0 {
				continue
			}
			ok, err := m.Matches(ctx, p.Identifiers[0], n.Key)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			matched = true
			if len(p.Identifiers) == 1 {
				opts := api.SearchTargetOptions{Reveal: p.Reveal, PathIndex: p.Offset, HierarchyDepth: n.HierarchyDepth()}
				if !state.IsSearchTarget || MoreRevealing(opts.Reveal, state.TargetOptions.Reveal) {
					state.TargetOptions = &opts
				}
				state.IsSearchTarget = true
				continue
			}
			state.ChildrenTargetPaths = MergePath(state.ChildrenTargetPaths, p.Suffix())
		}
		if lvl.Restricted && !matched {
			continue
		}
		c := n.Clone()
		c.Search = &state
		if ExpandsNode(c) {
			c.AutoExpand = true
		}
		out = append(out, c)
	}
	return out, nil
}

// MergePath adds p to paths unless a path to the same target exists; in
// that case the more revealing option is kept at the existing position.
func MergePath(paths []api.SearchPath, p api.SearchPath) []api.SearchPath {
	i := slices.IndexFunc(paths, p.SameTarget)
	if i < 0 {
		return append(paths, p)
	}
	if MoreRevealing(p.Reveal, paths[i].Reveal) {
		paths[i].Reveal = p.Reveal
	}
	return paths
}
