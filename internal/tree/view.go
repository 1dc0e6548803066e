package tree

import (
	"github.com/agentic-research/arbor/api"
)

// TreeNode is a read-only copy of a model node.
type TreeNode struct {
	ID             string              `json:"id" yaml:"id"`
	ParentID       string              `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Kind           string              `json:"kind" yaml:"kind"`
	Label          string              `json:"label" yaml:"label"`
	Key            *api.NodeKey        `json:"key,omitempty" yaml:"key,omitempty"`
	ExtendedData   map[string]any      `json:"extendedData,omitempty" yaml:"extendedData,omitempty"`
	HasChildren    bool                `json:"hasChildren" yaml:"hasChildren"`
	IsExpanded     bool                `json:"isExpanded,omitempty" yaml:"isExpanded,omitempty"`
	IsLoading      bool                `json:"isLoading,omitempty" yaml:"isLoading,omitempty"`
	IsSelected     bool                `json:"isSelected,omitempty" yaml:"isSelected,omitempty"`
	HierarchyLimit int                 `json:"hierarchyLimit,omitempty" yaml:"hierarchyLimit,omitempty"`
	InstanceFilter *api.InstanceFilter `json:"instanceFilter,omitempty" yaml:"instanceFilter,omitempty"`
	Info           string              `json:"info,omitempty" yaml:"info,omitempty"`
	// Children is nil when the node has no loaded children and none are
	// expected. Known but unloaded children show as one placeholder.
	Children []*TreeNode `json:"children,omitempty" yaml:"children,omitempty"`
}

func (m *Model) project(n *Node) *TreeNode {
	t := &TreeNode{
		ID:             n.ID,
		ParentID:       n.ParentID,
		Kind:           n.Kind.String(),
		Label:          n.Label(),
		HasChildren:    n.HasChildren(),
		IsExpanded:     n.IsExpanded,
		IsLoading:      n.IsLoading,
		IsSelected:     n.IsSelected,
		HierarchyLimit: n.HierarchyLimit,
		InstanceFilter: n.InstanceFilter,
	}
	if n.Kind == KindInfo {
		t.Info = n.Info.String()
	}
	if n.Data != nil {
		key := n.Data.Key
		t.Key = &key
		t.ExtendedData = n.Data.ExtendedData
	}
	return t
}

// projectTree copies id and its loaded descendants.
func (m *Model) projectTree(n *Node) *TreeNode {
	t := m.project(n)
	t.Children = m.projectChildren(n)
	return t
}

func (m *Model) projectChildren(n *Node) []*TreeNode {
	ids, loaded := m.parentChildMap[n.ID]
	if !loaded {
		if !n.HasChildren() {
			return nil
		}
		return []*TreeNode{{
			ID:        placeholderID(n.ID),
			ParentID:  n.ID,
			Kind:      KindPlaceholder.String(),
			IsLoading: n.IsLoading,
		}}
	}
	out := make([]*TreeNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.projectTree(m.idToNode[id]))
	}
	return out
}

// Tree returns the loaded forest.
func (a *Actions) Tree() []*TreeNode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model.projectChildren(a.model.root)
}

// Node returns a copy of one node without its children.
func (a *Actions) Node(id string) (*TreeNode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.model.Get(id)
	if !ok {
		return nil, false
	}
	return a.model.project(n), true
}

// Children returns copies of a node's children, or a placeholder when
// they are expected but not loaded.
func (a *Actions) Children(id string) ([]*TreeNode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.model.Get(id)
	if !ok {
		return nil, false
	}
	kids := a.model.projectChildren(n)
	for _, k := range kids {
		k.Children = nil
	}
	return kids, true
}

// Check verifies the model invariants.
func (a *Actions) Check() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model.Check()
}

type savedState struct {
	expanded bool
	limit    int
	filter   *api.InstanceFilter
	selected bool
}

// snapshot is the view state of a subtree keyed by node id. Ids derive
// from identity paths, so a node with the same identity after a reload
// gets the same entry.
type snapshot map[string]savedState

func (a *Actions) snapshot(parentID string) snapshot {
	s := snapshot{}
	a.model.Walk(parentID, func(n *Node) {
		if n.Kind != KindHierarchy {
			return
		}
		s[n.ID] = savedState{
			expanded: n.IsExpanded,
			limit:    n.HierarchyLimit,
			filter:   n.InstanceFilter,
			selected: n.IsSelected,
		}
	})
	return s
}

func (s snapshot) prepare(discard bool) func(*Node) {
	if discard || len(s) == 0 {
		return nil
	}
	return func(n *Node) {
		st, ok := s[n.ID]
		if !ok {
			return
		}
		n.HierarchyLimit = st.limit
		n.InstanceFilter = st.filter
		n.IsSelected = st.selected
	}
}

func (s snapshot) expand(n *Node) bool {
	if st, ok := s[n.ID]; ok {
		return st.expanded
	}
	return n.Data != nil && n.Data.AutoExpand
}
