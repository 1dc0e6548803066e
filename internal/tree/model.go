package tree

import "fmt"

// Model is the node arena. It is not safe for concurrent use; Actions
// guards it.
type Model struct {
	idToNode map[string]*Node
	// parentChildMap holds ordered child ids per parent. A missing entry
	// means the children are not loaded; an empty one means there are none.
	parentChildMap map[string][]string
	root           *Node
}

func NewModel() *Model {
	return &Model{
		idToNode:       make(map[string]*Node),
		parentChildMap: make(map[string][]string),
		root:           &Node{ID: RootID, Kind: KindHierarchy, IsExpanded: true},
	}
}

// Get returns the node with id; RootID returns the root sentinel.
func (m *Model) Get(id string) (*Node, bool) {
	if id == RootID {
		return m.root, true
	}
	n, ok := m.idToNode[id]
	return n, ok
}

// ChildIDs returns the children of id and whether they are loaded.
func (m *Model) ChildIDs(id string) ([]string, bool) {
	ids, ok := m.parentChildMap[id]
	return ids, ok
}

// Len counts the nodes, excluding the root.
func (m *Model) Len() int { return len(m.idToNode) }

// SetChildren replaces the loaded children of parentID. The previous
// subtree is removed first; the returned ids are the removed nodes.
func (m *Model) SetChildren(parentID string, children []*Node) []string {
	removed := m.RemoveSubtree(parentID)
	ids := make([]string, 0, len(children))
	for _, c := range children {
		if _, dup := m.idToNode[c.ID]; dup {
			continue
		}
		c.ParentID = parentID
		m.idToNode[c.ID] = c
		ids = append(ids, c.ID)
	}
	m.parentChildMap[parentID] = ids
	return removed
}

// RemoveSubtree deletes every descendant of parentID and marks its
// children as not loaded. parentID itself stays.
func (m *Model) RemoveSubtree(parentID string) []string {
	var removed []string
	queue := []string{parentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		kids, ok := m.parentChildMap[id]
		if !ok {
			continue
		}
		delete(m.parentChildMap, id)
		for _, k := range kids {
			delete(m.idToNode, k)
			removed = append(removed, k)
			queue = append(queue, k)
		}
	}
	return removed
}

// Walk visits the loaded descendants of parentID breadth first.
func (m *Model) Walk(parentID string, fn func(n *Node)) {
	queue := []string{parentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, k := range m.parentChildMap[id] {
			if n, ok := m.idToNode[k]; ok {
				fn(n)
				queue = append(queue, k)
			}
		}
	}
}

// Check verifies the arena invariants: every child id resolves to a node
// whose parent is the entry's key, and every node is reachable from the
// root.
func (m *Model) Check() error {
	for parent, kids := range m.parentChildMap {
		if _, ok := m.Get(parent); !ok {
			return fmt.Errorf("children of missing node %q", parent)
		}
		for _, k := range kids {
			n, ok := m.idToNode[k]
			if !ok {
				return fmt.Errorf("dangling child %q of %q", k, parent)
			}
			if n.ParentID != parent {
				return fmt.Errorf("node %q listed under %q has parent %q", k, parent, n.ParentID)
			}
		}
	}
	reached := 0
	m.Walk(RootID, func(*Node) { reached++ })
	if reached != len(m.idToNode) {
		return fmt.Errorf("%d orphaned nodes", len(m.idToNode)-reached)
	}
	return nil
}
