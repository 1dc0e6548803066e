// Package tree keeps the client side state of a hierarchy: which levels are
// loaded, expanded, selected, limited or filtered. The Model is an arena of
// nodes keyed by string ids; Actions mutate it by loading subtrees from a
// provider and swapping them in.
package tree

import (
	"errors"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/identity"
)

var (
	ErrNodeNotFound          = errors.New("node not found")
	ErrFilteringNotSupported = errors.New("node does not support instance filtering")
)

// RootID is the id of the root sentinel.
const RootID = identity.RootID

// Unbounded disables the row limit of a hierarchy level.
const Unbounded = -1

type NodeKind int

const (
	KindHierarchy NodeKind = iota
	KindInfo
	// KindPlaceholder stands in for children that exist but are not loaded.
	// It only appears in read projections.
	KindPlaceholder
)

func (k NodeKind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindPlaceholder:
		return "placeholder"
	}
	return "hierarchy"
}

type InfoType int

const (
	InfoUnknown InfoType = iota
	InfoResultSetTooLarge
)

func (t InfoType) String() string {
	if t == InfoResultSetTooLarge {
		return "result-set-too-large"
	}
	return "unknown"
}

// Node is a model node. Hierarchy nodes carry the provider's node data and
// local view state; info nodes report a failed load of their parent.
type Node struct {
	ID       string
	ParentID string
	Kind     NodeKind

	Data           *api.HierarchyNode
	IsExpanded     bool
	IsLoading      bool
	IsSelected     bool
	HierarchyLimit int
	InstanceFilter *api.InstanceFilter

	Info    InfoType
	Message string
	// Limit is the row limit that was exceeded, for InfoResultSetTooLarge.
	Limit int
}

// HasChildren reports whether the node may have children.
func (n *Node) HasChildren() bool {
	if n.Kind != KindHierarchy {
		return false
	}
	if n.Data == nil {
		return true
	}
	return n.Data.IsGrouping() || n.Data.Children != api.ChildrenNo
}

func (n *Node) Label() string {
	if n.Kind != KindHierarchy {
		return n.Message
	}
	if n.Data == nil {
		return ""
	}
	return n.Data.Label
}

func (n *Node) supportsFiltering() bool {
	return n.ID == RootID || (n.Data != nil && n.Data.SupportsFiltering)
}

func infoID(parentID string) string        { return "info:" + parentID }
func placeholderID(parentID string) string { return "placeholder:" + parentID }

func newHierarchyNode(parentID string, data *api.HierarchyNode) *Node {
	return &Node{
		ID:       identity.NodeID(data),
		ParentID: parentID,
		Kind:     KindHierarchy,
		Data:     data,
	}
}

// effectiveLimit resolves a node's limit against the default.
func effectiveLimit(limit, def int) int {
	switch {
	case limit < 0:
		return 0
	case limit > 0:
		return limit
	case def < 0:
		return 0
	}
	return def
}
