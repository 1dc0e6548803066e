package api

import "slices"

// ChildrenState is the tri-state "has children" flag of a node.
type ChildrenState int

const (
	ChildrenUnknown ChildrenState = iota
	ChildrenYes
	ChildrenNo
)

// AutoExpandPolicy controls whether a grouping node starts expanded.
type AutoExpandPolicy int

const (
	AutoExpandNever AutoExpandPolicy = iota
	AutoExpandAlways
	// AutoExpandSingleChild expands the grouping node only when it groups
	// exactly one node.
	AutoExpandSingleChild
)

// GroupingOptions are shared by every grouping handler.
type GroupingOptions struct {
	// HideIfNoSiblings drops the grouping node when it would be the only
	// node in its hierarchy level. Its children take its place.
	HideIfNoSiblings bool
	// HideIfOneGroupedNode drops the grouping node when it groups one node.
	HideIfOneGroupedNode bool
	AutoExpand           AutoExpandPolicy
}

type LabelGroupingAction int

const (
	LabelActionGroup LabelGroupingAction = iota
	// LabelActionMerge collapses same-label nodes into one node instead of
	// creating a grouping node above them.
	LabelActionMerge
)

type ClassGroupingParams struct {
	GroupingOptions
}

type LabelGroupingParams struct {
	GroupingOptions
	Action LabelGroupingAction
	// GroupID partitions label buckets; nodes with different group ids never
	// share a bucket even when their labels are equal.
	GroupID string
}

type BaseClassGroupingParams struct {
	GroupingOptions
	FullClassNames []string
}

// PropertyRange is an inclusive numeric range.
type PropertyRange struct {
	FromValue  float64
	ToValue    float64
	RangeLabel string
}

// PropertyGroup is one property-grouping level of a node. PropertyValue is
// the node's raw value of the property; nil means "not specified".
type PropertyGroup struct {
	PropertyName  string
	PropertyValue any
	Ranges        []PropertyRange
}

type PropertyGroupingParams struct {
	GroupingOptions
	PropertiesClassName             string
	PropertyGroups                  []PropertyGroup
	CreateGroupForUnspecifiedValues bool
	CreateGroupForOutOfRangeValues  bool
}

type GroupingParams struct {
	ByClass       *ClassGroupingParams
	ByLabel       *LabelGroupingParams
	ByBaseClasses *BaseClassGroupingParams
	ByProperties  *PropertyGroupingParams
}

// ProcessingParams are consumed by the hierarchy pipeline and are not part
// of the node once it reaches the client.
type ProcessingParams struct {
	HideIfNoChildren bool
	HideInHierarchy  bool
	Grouping         GroupingParams
}

// AncestorRef points at a node by value, without a back pointer.
type AncestorRef struct {
	ParentKeys []NodeKey
	Key        NodeKey
}

// GroupingStage records which handler produced a grouping node so that
// expanding it continues with the handlers that follow.
type GroupingStage int

const (
	StageBaseClass GroupingStage = iota
	StageClass
	StageProperty
	StageLabel
)

type GroupingInfo struct {
	Stage GroupingStage
	// Index is the base-class or property-group position of the handler.
	Index int
}

// HierarchyNode is a node as produced by the hierarchy pipeline.
type HierarchyNode struct {
	ParentKeys        []NodeKey
	Key               NodeKey
	Label             string
	Children          ChildrenState
	AutoExpand        bool
	SupportsFiltering bool
	ExtendedData      map[string]any
	Processing        *ProcessingParams
	Search            *SearchState

	// Set on grouping nodes only.
	GroupedInstanceKeys []InstanceKey
	NonGroupingAncestor *AncestorRef
	GroupedChildren     []*HierarchyNode
	Grouping            *GroupingInfo
}

// IsGrouping reports whether n is a grouping node.
func (n *HierarchyNode) IsGrouping() bool {
	return n.Key.IsGrouping()
}

// ClassName returns the class of the first instance key, or "".
func (n *HierarchyNode) ClassName() string {
	if n.Key.Type != KeyInstances || len(n.Key.InstanceKeys) == 0 {
		return ""
	}
	return n.Key.InstanceKeys[0].ClassName
}

// ChildParentKeys is the parent-key chain of n's children.
func (n *HierarchyNode) ChildParentKeys() []NodeKey {
	keys := make([]NodeKey, 0, len(n.ParentKeys)+1)
	keys = append(keys, n.ParentKeys...)
	return append(keys, n.Key)
}

// HierarchyDepth counts the non-grouping ancestors of n.
func (n *HierarchyNode) HierarchyDepth() int {
	depth := 0
	for _, k := range n.ParentKeys {
		if !k.IsGrouping() {
			depth++
		}
	}
	return depth
}

// Params returns the processing params, never nil.
func (n *HierarchyNode) Params() *ProcessingParams {
	if n.Processing == nil {
		return &ProcessingParams{}
	}
	return n.Processing
}

// Clone copies n. Slices and maps owned by the node are copied one level
// deep; grouped children are shared.
func (n *HierarchyNode) Clone() *HierarchyNode {
	c := *n
	c.ParentKeys = slices.Clone(n.ParentKeys)
	c.GroupedInstanceKeys = slices.Clone(n.GroupedInstanceKeys)
	c.GroupedChildren = slices.Clone(n.GroupedChildren)
	if n.ExtendedData != nil {
		c.ExtendedData = make(map[string]any, len(n.ExtendedData))
		for k, v := range n.ExtendedData {
			c.ExtendedData[k] = v
		}
	}
	if n.Search != nil {
		s := n.Search.Clone()
		c.Search = &s
	}
	return &c
}
