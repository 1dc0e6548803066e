package search

import (
	"math"

	"github.com/agentic-research/arbor/api"
)

// revealRank orders reveal options: lower reveals more. RevealAll expands
// from the top; depth options from their depth; RevealNone expands nothing.
func revealRank(r api.Reveal) int {
	switch r.Kind {
	case api.RevealAll:
		return -1
	case api.RevealDepthInPath, api.RevealDepthInHierarchy:
		return r.Depth
	}
	return math.MaxInt
}

// MoreRevealing reports whether a reveals strictly more than b. Equal
// options are not more revealing, so the first occurrence is kept.
func MoreRevealing(a, b api.Reveal) bool {
	return revealRank(a) < revealRank(b)
}

// revealsAt reports whether r expands something at the given position.
// strict asks for depth < position (grouping nodes above the node) rather
// than depth <= position (the node itself).
func revealsAt(r api.Reveal, pathIndex, hierarchyDepth int, strict bool) bool {
	var depth int
	switch r.Kind {
	case api.RevealAll:
		return true
	case api.RevealDepthInPath:
		depth = pathIndex
	case api.RevealDepthInHierarchy:
		depth = hierarchyDepth
	default:
		return false
	}
	if strict {
		return r.Depth < depth
	}
	return r.Depth <= depth
}

// ExpandsNode reports whether a non-grouping node lies between a revealing
// depth and one of its search targets, and so starts expanded. Targets are
// not expanded by their own reveal option.
func ExpandsNode(n *api.HierarchyNode) bool {
	if n.Search == nil {
		return false
	}
	for _, p := range n.Search.ChildrenTargetPaths {
		if revealsAt(p.Reveal, p.Offset-1, n.HierarchyDepth(), false) {
			return true
		}
	}
	return false
}

// ExpandsGroupingAbove reports whether grouping nodes directly above n
// start expanded because they sit between a revealing depth and a target.
func ExpandsGroupingAbove(n *api.HierarchyNode) bool {
	s := n.Search
	if s == nil {
		return false
	}
	if s.IsSearchTarget && s.TargetOptions != nil {
		o := s.TargetOptions
		if revealsAt(o.Reveal, o.PathIndex, o.HierarchyDepth, true) {
			return true
		}
	}
	for _, p := range s.ChildrenTargetPaths {
		if revealsAt(p.Reveal, p.Offset-1, n.HierarchyDepth(), true) {
			return true
		}
	}
	return false
}
