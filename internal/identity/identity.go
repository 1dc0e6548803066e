// Package identity derives stable node ids from key paths.
package identity

import (
	"fmt"
	"slices"

	"github.com/agentic-research/arbor/api"
	"github.com/goccy/go-json"
)

// RootID is the id of the invisible root sentinel.
const RootID = ""

// Path is the full identity of a node: its parent-key chain and own key.
type Path struct {
	ParentKeys []api.NodeKey
	Key        api.NodeKey
}

// Of returns the identity of n.
func Of(n *api.HierarchyNode) Path {
	return Path{ParentKeys: n.ParentKeys, Key: n.Key}
}

// Equal reports whether both paths identify the same node.
func (p Path) Equal(o Path) bool {
	return p.Key.Equal(o.Key) && api.CompareKeyPaths(p.ParentKeys, o.ParentKeys) == 0
}

// Keys returns the parent chain followed by the own key.
func (p Path) Keys() []api.NodeKey {
	keys := slices.Clone(p.ParentKeys)
	return append(keys, p.Key)
}

// ID serializes the path. Equal paths always produce equal ids, so a node
// keeps its id across reloads.
func (p Path) ID() string {
	keys := p.Keys()
	b, err := json.Marshal(keys)
	if err != nil {
		// Keys hold only strings and bounds, both of which always encode.
		return fmt.Sprintf("%+v", keys)
	}
	return string(b)
}

// NodeID is shorthand for Of(n).ID().
func NodeID(n *api.HierarchyNode) string {
	return Of(n).ID()
}

// ParentID returns the id of the node owning n's level, RootID at the top.
func ParentID(n *api.HierarchyNode) string {
	if len(n.ParentKeys) == 0 {
		return RootID
	}
	last := len(n.ParentKeys) - 1
	return Path{ParentKeys: n.ParentKeys[:last], Key: n.ParentKeys[last]}.ID()
}
