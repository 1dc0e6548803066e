package api

import "slices"

// Identifier is one step of a search path: either an instance or a custom
// node key. Source is the data-source origin of a custom key.
type Identifier struct {
	Instance *InstanceKey
	Custom   string
	Source   string
}

func InstanceIdentifier(className, id string) Identifier {
	return Identifier{Instance: &InstanceKey{ClassName: className, ID: id}}
}

func CustomIdentifier(key string) Identifier {
	return Identifier{Custom: key}
}

func (id Identifier) Equal(o Identifier) bool {
	if (id.Instance == nil) != (o.Instance == nil) {
		return false
	}
	if id.Instance != nil {
		return CompareInstanceKeys(*id.Instance, *o.Instance) == 0
	}
	return id.Custom == o.Custom && id.Source == o.Source
}

func (id Identifier) String() string {
	if id.Instance != nil {
		return id.Instance.String()
	}
	if id.Source != "" {
		return id.Source + ":@" + id.Custom
	}
	return "@" + id.Custom
}

type RevealKind int

const (
	// RevealNone is both "unset" and an explicit false.
	RevealNone RevealKind = iota
	RevealAll
	RevealDepthInPath
	RevealDepthInHierarchy
)

// Reveal says which ancestors of a search target get auto-expanded.
type Reveal struct {
	Kind  RevealKind
	Depth int
}

func RevealDepthPath(n int) Reveal      { return Reveal{Kind: RevealDepthInPath, Depth: n} }
func RevealDepthHierarchy(n int) Reveal { return Reveal{Kind: RevealDepthInHierarchy, Depth: n} }

// SearchPath is a (possibly partially consumed) path to a search target.
// Offset is the position of Identifiers[0] in the original path.
type SearchPath struct {
	Identifiers []Identifier
	Reveal      Reveal
	Offset      int
}

// Suffix drops the head identifier.
func (p SearchPath) Suffix() SearchPath {
	return SearchPath{
		Identifiers: p.Identifiers[1:],
		Reveal:      p.Reveal,
		Offset:      p.Offset + 1,
	}
}

// SameTarget reports whether both paths consist of the same identifiers.
func (p SearchPath) SameTarget(o SearchPath) bool {
	return slices.EqualFunc(p.Identifiers, o.Identifiers, Identifier.Equal)
}

// SearchTargetOptions describe how a search target is revealed. PathIndex
// and HierarchyDepth locate the target itself.
type SearchTargetOptions struct {
	Reveal         Reveal
	PathIndex      int
	HierarchyDepth int
}

type SearchState struct {
	IsSearchTarget          bool
	TargetOptions           *SearchTargetOptions
	ChildrenTargetPaths     []SearchPath
	HasSearchTargetAncestor bool
}

func (s SearchState) Clone() SearchState {
	c := s
	c.ChildrenTargetPaths = slices.Clone(s.ChildrenTargetPaths)
	if s.TargetOptions != nil {
		o := *s.TargetOptions
		c.TargetOptions = &o
	}
	return c
}
