package tree

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider serves custom nodes from a parent-label to child-labels map.
type stubProvider struct {
	mu         sync.Mutex
	levels     map[string][]string
	autoExpand map[string]bool
	filterable map[string]bool
	errs       map[string]error
	calls      []provider.Request
	// gate runs before a level is served; a non-nil error aborts it.
	gate func(ctx context.Context, req provider.Request) error
}

func newStub(levels map[string][]string) *stubProvider {
	return &stubProvider{
		levels:     levels,
		autoExpand: map[string]bool{},
		filterable: map[string]bool{},
		errs:       map[string]error{},
	}
}

func (s *stubProvider) set(fn func(s *stubProvider)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *stubProvider) requests(parent string) []provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []provider.Request
	for _, r := range s.calls {
		if parentLabel(r.Parent) == parent {
			out = append(out, r)
		}
	}
	return out
}

func parentLabel(p *api.HierarchyNode) string {
	if p == nil {
		return ""
	}
	return p.Key.Custom
}

func (s *stubProvider) GetNodes(ctx context.Context, req provider.Request) iter.Seq2[*api.HierarchyNode, error] {
	return func(yield func(*api.HierarchyNode, error) bool) {
		s.mu.Lock()
		s.calls = append(s.calls, req)
		gate := s.gate
		s.mu.Unlock()

		if gate != nil {
			if err := gate(ctx, req); err != nil {
				yield(nil, err)
				return
			}
		}

		s.mu.Lock()
		key := parentLabel(req.Parent)
		err := s.errs[key]
		var nodes []*api.HierarchyNode
		var parentKeys []api.NodeKey
		if req.Parent != nil {
			parentKeys = req.Parent.ChildParentKeys()
		}
		for _, label := range s.levels[key] {
			children := api.ChildrenNo
			if len(s.levels[label]) > 0 {
				children = api.ChildrenYes
			}
			nodes = append(nodes, &api.HierarchyNode{
				ParentKeys:        parentKeys,
				Key:               api.CustomKey(label),
				Label:             label,
				Children:          children,
				AutoExpand:        s.autoExpand[label],
				SupportsFiltering: s.filterable[label],
			})
		}
		s.mu.Unlock()

		if err != nil {
			yield(nil, err)
			return
		}
		if req.Limit > 0 && len(nodes) > req.Limit {
			yield(nil, &api.RowsLimitExceededError{Limit: req.Limit})
			return
		}
		for _, n := range nodes {
			if !yield(n, nil) {
				return
			}
		}
	}
}

func newActions(t *testing.T, p provider.Provider, opts Options) *Actions {
	t.Helper()
	a := NewActions(p, opts)
	t.Cleanup(a.Close)
	return a
}

func loadRoot(t *testing.T, a *Actions) {
	t.Helper()
	require.NoError(t, a.ReloadTree(ReloadOptions{ParentID: RootID}))
	a.Wait()
}

// find returns the first node labelled label, depth first.
func find(nodes []*TreeNode, label string) *TreeNode {
	for _, n := range nodes {
		if n.Kind == KindHierarchy.String() && n.Label == label {
			return n
		}
		if f := find(n.Children, label); f != nil {
			return f
		}
	}
	return nil
}

func mustFind(t *testing.T, a *Actions, label string) *TreeNode {
	t.Helper()
	n := find(a.Tree(), label)
	require.NotNil(t, n, "node %q", label)
	return n
}

func childLabels(nodes []*TreeNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Kind == KindHierarchy.String() {
			out = append(out, n.Label)
		} else {
			out = append(out, n.Kind)
		}
	}
	return out
}

func TestActions_ExpandLoadsChildrenOnce(t *testing.T) {
	stub := newStub(map[string][]string{"": {"A", "B"}, "A": {"A1", "A2"}})
	a := newActions(t, stub, Options{})
	loadRoot(t, a)

	tree := a.Tree()
	require.Equal(t, []string{"A", "B"}, childLabels(tree))
	assert.Equal(t, []string{"placeholder"}, childLabels(tree[0].Children))
	assert.Nil(t, tree[1].Children)

	A := tree[0].ID
	require.NoError(t, a.Expand(A, true))
	a.Wait()
	kids, ok := a.Children(A)
	require.True(t, ok)
	assert.Equal(t, []string{"A1", "A2"}, childLabels(kids))

	require.NoError(t, a.Expand(A, false))
	require.NoError(t, a.Expand(A, true))
	a.Wait()
	assert.Len(t, stub.requests("A"), 1, "re-expanding does not reload")
	n, _ := a.Node(A)
	assert.True(t, n.IsExpanded)
	require.NoError(t, a.Check())

	assert.ErrorIs(t, a.Expand("missing", true), ErrNodeNotFound)
}

func TestActions_AutoExpandLoadsNestedLevels(t *testing.T) {
	stub := newStub(map[string][]string{"": {"A"}, "A": {"B"}, "B": {"C"}})
	stub.autoExpand["A"] = true
	stub.autoExpand["B"] = true
	a := newActions(t, stub, Options{})
	loadRoot(t, a)

	c := mustFind(t, a, "C")
	assert.False(t, c.IsExpanded)
	assert.True(t, mustFind(t, a, "B").IsExpanded)
	assert.False(t, mustFind(t, a, "B").IsLoading)
	require.NoError(t, a.Check())
}

func TestActions_SetHierarchyLimitTwiceLastWins(t *testing.T) {
	stub := newStub(map[string][]string{"": {"A"}, "A": {"x1", "x2", "x3"}})
	stub.autoExpand["A"] = true
	a := newActions(t, stub, Options{})
	loadRoot(t, a)
	A := mustFind(t, a, "A").ID

	firstCancelled := make(chan error, 1)
	stub.set(func(s *stubProvider) {
		s.gate = func(ctx context.Context, req provider.Request) error {
			if parentLabel(req.Parent) == "A" && req.Limit == 1 {
				<-ctx.Done()
				firstCancelled <- ctx.Err()
			}
			return nil
		}
	})

	require.NoError(t, a.SetHierarchyLimit(A, 1))
	require.NoError(t, a.SetHierarchyLimit(A, 5))
	a.Wait()

	assert.ErrorIs(t, <-firstCancelled, context.Canceled)
	kids, _ := a.Children(A)
	assert.Equal(t, []string{"x1", "x2", "x3"}, childLabels(kids))
	n, _ := a.Node(A)
	assert.Equal(t, 5, n.HierarchyLimit)
	assert.False(t, n.IsLoading)
	require.NoError(t, a.Check())
}

func TestActions_RowsLimitExceededIsolated(t *testing.T) {
	stub := newStub(map[string][]string{
		"":  {"A", "B"},
		"A": {"a1", "a2", "a3"},
		"B": {"b1"},
	})
	stub.autoExpand["A"] = true
	stub.autoExpand["B"] = true
	a := newActions(t, stub, Options{HierarchyLevelSizeLimit: 2})
	loadRoot(t, a)

	A := mustFind(t, a, "A")
	require.Len(t, A.Children, 1)
	assert.Equal(t, KindInfo.String(), A.Children[0].Kind)
	assert.Equal(t, InfoResultSetTooLarge.String(), A.Children[0].Info)
	assert.Equal(t, []string{"b1"}, childLabels(mustFind(t, a, "B").Children))

	require.NoError(t, a.SetHierarchyLimit(A.ID, Unbounded))
	a.Wait()
	kids, _ := a.Children(A.ID)
	assert.Equal(t, []string{"a1", "a2", "a3"}, childLabels(kids))
	assert.Equal(t, 0, stub.requests("A")[len(stub.requests("A"))-1].Limit)
}

func TestActions_ReloadPreservesState(t *testing.T) {
	stub := newStub(map[string][]string{
		"":  {"X", "Y", "Z"},
		"X": {"x1"},
		"Y": {"y1"},
		"Z": {"z1"},
	})
	a := newActions(t, stub, Options{})
	loadRoot(t, a)

	X, Y := mustFind(t, a, "X").ID, mustFind(t, a, "Y").ID
	require.NoError(t, a.Expand(X, true))
	require.NoError(t, a.Expand(Y, true))
	require.NoError(t, a.SetHierarchyLimit(X, 10))
	a.Wait()
	require.NoError(t, a.SelectNodes([]string{mustFind(t, a, "x1").ID}, SelectAdd))

	stub.set(func(s *stubProvider) { s.levels[""] = []string{"X", "Z"} })
	require.NoError(t, a.ReloadTree(ReloadOptions{ParentID: RootID}))
	a.Wait()

	tree := a.Tree()
	require.Equal(t, []string{"X", "Z"}, childLabels(tree))
	assert.Equal(t, X, tree[0].ID, "ids are stable across reloads")
	assert.True(t, tree[0].IsExpanded)
	assert.Equal(t, 10, tree[0].HierarchyLimit)
	assert.True(t, mustFind(t, a, "x1").IsSelected)
	assert.False(t, tree[1].IsExpanded)
	assert.Nil(t, find(tree, "Y"))
	reqs := stub.requests("X")
	assert.Equal(t, 10, reqs[len(reqs)-1].Limit)
	require.NoError(t, a.Check())

	require.NoError(t, a.ReloadTree(ReloadOptions{ParentID: RootID, DiscardState: true}))
	a.Wait()
	x := mustFind(t, a, "X")
	assert.True(t, x.IsExpanded, "expansion survives a state discard")
	assert.Zero(t, x.HierarchyLimit)
	assert.False(t, mustFind(t, a, "x1").IsSelected)
}

func TestActions_ReloadCollapsedSubtree(t *testing.T) {
	stub := newStub(map[string][]string{"": {"A"}, "A": {"a1"}})
	a := newActions(t, stub, Options{})
	loadRoot(t, a)
	A := mustFind(t, a, "A").ID

	require.NoError(t, a.ReloadTree(ReloadOptions{ParentID: A}))
	a.Wait()
	assert.Empty(t, stub.requests("A"), "collapsed node is not loaded")

	require.NoError(t, a.ReloadTree(ReloadOptions{ParentID: A, ShouldLoadChildren: true}))
	a.Wait()
	kids, _ := a.Children(A)
	assert.Equal(t, []string{"a1"}, childLabels(kids))
}

func TestActions_ReloadCollapsedCancelsInFlightLoad(t *testing.T) {
	stub := newStub(map[string][]string{"": {"A"}, "A": {"a1"}})
	a := newActions(t, stub, Options{})
	loadRoot(t, a)
	A := mustFind(t, a, "A").ID

	started := make(chan context.Context, 1)
	release := make(chan struct{})
	stub.set(func(s *stubProvider) {
		s.gate = func(ctx context.Context, req provider.Request) error {
			if parentLabel(req.Parent) == "A" {
				started <- ctx
				<-release
			}
			return nil
		}
	})

	require.NoError(t, a.Expand(A, true))
	inflight := <-started
	require.NoError(t, a.Expand(A, false))
	require.NoError(t, a.ReloadTree(ReloadOptions{ParentID: A}))
	close(release)
	a.Wait()

	assert.ErrorIs(t, inflight.Err(), context.Canceled)
	kids, ok := a.Children(A)
	require.True(t, ok)
	assert.Equal(t, []string{"placeholder"}, childLabels(kids), "children stay unloaded")
	n, _ := a.Node(A)
	assert.False(t, n.IsLoading)
	assert.Len(t, stub.requests("A"), 1)
	require.NoError(t, a.Check())
}

func TestActions_ErrorNodeAndRetry(t *testing.T) {
	stub := newStub(map[string][]string{"": {"A"}, "A": {"a1"}})
	stub.errs["A"] = errors.New("boom")
	a := newActions(t, stub, Options{})
	loadRoot(t, a)
	A := mustFind(t, a, "A").ID

	require.NoError(t, a.Expand(A, true))
	a.Wait()
	kids, _ := a.Children(A)
	require.Len(t, kids, 1)
	assert.Equal(t, InfoUnknown.String(), kids[0].Info)
	assert.Equal(t, "boom", kids[0].Label)

	stub.set(func(s *stubProvider) { delete(s.errs, "A") })
	require.NoError(t, a.Retry(A))
	a.Wait()
	kids, _ = a.Children(A)
	assert.Equal(t, []string{"a1"}, childLabels(kids))
	require.NoError(t, a.Check())
}

func TestActions_RootFailure(t *testing.T) {
	stub := newStub(map[string][]string{"": {"A"}})
	stub.errs[""] = errors.New("source offline")
	a := newActions(t, stub, Options{})
	loadRoot(t, a)

	tree := a.Tree()
	require.Len(t, tree, 1)
	assert.Equal(t, KindInfo.String(), tree[0].Kind)
}

func TestActions_TreeWideReloadCancelsSubtreeLoads(t *testing.T) {
	stub := newStub(map[string][]string{"": {"A"}, "A": {"a1"}})
	a := newActions(t, stub, Options{})
	loadRoot(t, a)
	A := mustFind(t, a, "A").ID

	blocked := make(chan struct{})
	stub.set(func(s *stubProvider) {
		s.gate = func(ctx context.Context, req provider.Request) error {
			if parentLabel(req.Parent) == "A" {
				close(blocked)
				<-ctx.Done()
			}
			return nil
		}
	})
	require.NoError(t, a.Expand(A, true))
	<-blocked
	stub.set(func(s *stubProvider) { s.gate = nil })
	require.NoError(t, a.ReloadTree(ReloadOptions{ParentID: RootID}))
	a.Wait()

	n, _ := a.Node(A)
	assert.True(t, n.IsExpanded)
	kids, _ := a.Children(A)
	assert.Equal(t, []string{"a1"}, childLabels(kids), "reload re-expanded A")
	require.NoError(t, a.Check())
}

func TestActions_SelectNodes(t *testing.T) {
	stub := newStub(map[string][]string{"": {"A", "B", "C"}})
	a := newActions(t, stub, Options{})
	loadRoot(t, a)
	A, B, C := mustFind(t, a, "A").ID, mustFind(t, a, "B").ID, mustFind(t, a, "C").ID

	selected := func() []string {
		var out []string
		for _, n := range a.Tree() {
			if n.IsSelected {
				out = append(out, n.Label)
			}
		}
		return out
	}
	require.NoError(t, a.SelectNodes([]string{A, B}, SelectAdd))
	assert.Equal(t, []string{"A", "B"}, selected())
	require.NoError(t, a.SelectNodes([]string{A}, SelectRemove))
	assert.Equal(t, []string{"B"}, selected())
	require.NoError(t, a.SelectNodes([]string{C}, SelectReplace))
	assert.Equal(t, []string{"C"}, selected())
	assert.ErrorIs(t, a.SelectNodes([]string{"nope"}, SelectAdd), ErrNodeNotFound)
}

func TestActions_SetInstanceFilter(t *testing.T) {
	stub := newStub(map[string][]string{"": {"A", "B"}, "A": {"a1"}, "B": {"b1"}})
	stub.filterable["A"] = true
	a := newActions(t, stub, Options{})
	loadRoot(t, a)

	filter := &api.InstanceFilter{FilteredClassNames: []string{"x.Pump"}}
	A := mustFind(t, a, "A").ID
	require.NoError(t, a.Expand(A, true))
	require.NoError(t, a.SetInstanceFilter(A, filter))
	a.Wait()
	reqs := stub.requests("A")
	assert.Same(t, filter, reqs[len(reqs)-1].Filter)

	assert.ErrorIs(t, a.SetInstanceFilter(mustFind(t, a, "B").ID, filter), ErrFilteringNotSupported)
	require.NoError(t, a.SetInstanceFilter(RootID, filter))
	a.Wait()
	reqs = stub.requests("")
	assert.Same(t, filter, reqs[len(reqs)-1].Filter)
}

func TestActions_Subscribe(t *testing.T) {
	stub := newStub(map[string][]string{"": {"A"}})
	a := newActions(t, stub, Options{})
	changes := a.Subscribe()
	loadRoot(t, a)

	got := map[string]bool{}
	for len(changes) > 0 {
		got[(<-changes).ParentID] = true
	}
	assert.True(t, got[RootID])
}

func TestActions_IdentityStableAcrossInstances(t *testing.T) {
	levels := map[string][]string{"": {"A"}, "A": {"B"}}
	ids := func() string {
		stub := newStub(levels)
		stub.autoExpand["A"] = true
		a := newActions(t, stub, Options{})
		loadRoot(t, a)
		return mustFind(t, a, "B").ID
	}
	assert.Equal(t, ids(), ids())
}
