package tree

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/logging"
	"github.com/agentic-research/arbor/internal/provider"
)

const (
	DefaultHierarchyLevelSizeLimit = 1000
	DefaultConcurrency             = 4
)

// Options configures Actions.
type Options struct {
	// HierarchyLevelSizeLimit caps the rows of every level unless a node
	// overrides it. Default: DefaultHierarchyLevelSizeLimit; negative
	// means unlimited.
	HierarchyLevelSizeLimit int
	// Concurrency bounds the levels loaded at the same time by one walk.
	// Default: DefaultConcurrency.
	Concurrency int
	// Metrics defaults to an unregistered set.
	Metrics *Metrics
}

// ModelChanged is published after every merge into the model.
type ModelChanged struct {
	ParentID string
}

// SelectionChange says how SelectNodes combines with the current selection.
type SelectionChange int

const (
	SelectAdd SelectionChange = iota
	SelectRemove
	SelectReplace
)

// ReloadOptions scope a reload.
type ReloadOptions struct {
	// ParentID is the subtree to reload; RootID reloads the whole tree.
	ParentID string
	// DiscardState drops limits, filters and selection instead of carrying
	// them over to nodes with the same identity.
	DiscardState bool
	// ShouldLoadChildren loads the children of a collapsed ParentID.
	// Otherwise they are dropped and loaded on the next expand.
	ShouldLoadChildren bool
}

// branch is an in-flight load. Nested levels of one walk share the branch
// of the walk's root.
type branch struct {
	token  uint64
	root   string
	cancel context.CancelFunc
}

type run struct {
	b     *branch
	epoch uint64
}

// Actions owns a Model and keeps it in sync with a provider. All methods
// are safe for concurrent use; loads run in the background and are merged
// in as they complete.
type Actions struct {
	mu      sync.Mutex
	model   *Model
	loader  *Loader
	opts    Options
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq   uint64
	epoch uint64
	loads map[string]*branch

	subs []chan ModelChanged
}

func NewActions(p provider.Provider, opts Options) *Actions {
	if opts.HierarchyLevelSizeLimit == 0 {
		opts.HierarchyLevelSizeLimit = DefaultHierarchyLevelSizeLimit
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Actions{
		model:   NewModel(),
		loader:  NewLoader(p, opts.HierarchyLevelSizeLimit, opts.Concurrency, opts.Metrics),
		opts:    opts,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		loads:   make(map[string]*branch),
	}
}

// Close cancels every load and waits for the background work to stop.
func (a *Actions) Close() {
	a.cancel()
	a.wg.Wait()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.subs {
		close(ch)
	}
	a.subs = nil
}

// Wait blocks until no load is in flight.
func (a *Actions) Wait() {
	a.wg.Wait()
}

// Subscribe returns a channel of change notifications. Notifications are
// dropped while the channel is full. The channel is closed by Close.
func (a *Actions) Subscribe() <-chan ModelChanged {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan ModelChanged, 64)
	a.subs = append(a.subs, ch)
	return ch
}

func (a *Actions) lookup(id string) (*Node, error) {
	n, ok := a.model.Get(id)
	if !ok || n.Kind != KindHierarchy {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return n, nil
}

// Expand expands or collapses a node. Expanding a node whose children
// were never loaded loads them; collapsing keeps loaded children.
func (a *Actions) Expand(id string, expand bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, err := a.lookup(id)
	if err != nil {
		return err
	}
	n.IsExpanded = expand
	defer a.notify(id)
	if !expand || !n.HasChildren() || n.IsLoading {
		return nil
	}
	if _, loaded := a.model.ChildIDs(id); loaded {
		return nil
	}
	a.start(a.request(n, nil, nil), false)
	return nil
}

// SetHierarchyLimit replaces the row limit of a node's children level and
// reloads the subtree. 0 restores the default; Unbounded removes the
// limit.
func (a *Actions) SetHierarchyLimit(id string, limit int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, err := a.lookup(id)
	if err != nil {
		return err
	}
	n.HierarchyLimit = limit
	a.reloadSubtree(n, false, true)
	return nil
}

// SetInstanceFilter replaces the filter of a node's children level and
// reloads the subtree. A nil filter removes it.
func (a *Actions) SetInstanceFilter(id string, filter *api.InstanceFilter) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, err := a.lookup(id)
	if err != nil {
		return err
	}
	if !n.supportsFiltering() {
		return fmt.Errorf("%w: %q", ErrFilteringNotSupported, id)
	}
	n.InstanceFilter = filter
	a.reloadSubtree(n, false, true)
	return nil
}

// ReloadTree recomputes a subtree from the provider, restoring the
// expansion state of nodes with the same identity.
func (a *Actions) ReloadTree(opts ReloadOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, err := a.lookup(opts.ParentID)
	if err != nil {
		return err
	}
	a.reloadSubtree(n, opts.DiscardState, opts.ShouldLoadChildren)
	return nil
}

// Retry re-issues the load of a node's children, typically after it
// produced an info node.
func (a *Actions) Retry(id string) error {
	return a.ReloadTree(ReloadOptions{ParentID: id, ShouldLoadChildren: true})
}

// SelectNodes changes the selection.
func (a *Actions) SelectNodes(ids []string, change SelectionChange) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, err := a.lookup(id)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}
	if change == SelectReplace {
		a.model.Walk(RootID, func(n *Node) { n.IsSelected = false })
	}
	for _, n := range nodes {
		n.IsSelected = change != SelectRemove
	}
	a.notify(RootID)
	return nil
}

// reloadSubtree snapshots the state below n, drops n's children and
// loads them again. Must be called with a.mu held.
func (a *Actions) reloadSubtree(n *Node, discard, loadCollapsed bool) {
	snap := a.snapshot(n.ID)
	treeWide := n.ID == RootID
	if treeWide {
		a.epoch++
		for id, b := range a.loads {
			b.cancel()
			delete(a.loads, id)
		}
	}
	a.dropLoads(a.model.RemoveSubtree(n.ID))
	// The load of n's own children is cancelled too, or, when a wider
	// walk owns it, detached from that walk.
	a.dropLoads([]string{n.ID})
	n.IsLoading = false
	defer a.notify(n.ID)

	if !treeWide && !n.IsExpanded && !loadCollapsed {
		return
	}
	if !n.HasChildren() {
		a.model.SetChildren(n.ID, nil)
		return
	}
	a.start(a.request(n, snap.prepare(discard), snap.expand), treeWide)
}

func (a *Actions) request(n *Node, prepare func(*Node), expand func(*Node) bool) LoadRequest {
	return LoadRequest{
		ParentID: n.ID,
		Parent:   n.Data,
		Limit:    effectiveLimit(n.HierarchyLimit, a.opts.HierarchyLevelSizeLimit),
		Filter:   n.InstanceFilter,
		Prepare:  prepare,
		Expand:   expand,
	}
}

// start issues a load rooted at req.ParentID, cancelling the previous one
// rooted there. Must be called with a.mu held.
func (a *Actions) start(req LoadRequest, treeWide bool) {
	if old, ok := a.loads[req.ParentID]; ok {
		if old.root == req.ParentID {
			old.cancel()
		}
		delete(a.loads, req.ParentID)
	}
	ctx, cancel := context.WithCancel(a.ctx)
	a.seq++
	b := &branch{token: a.seq, root: req.ParentID, cancel: cancel}
	a.loads[req.ParentID] = b
	if n, ok := a.model.Get(req.ParentID); ok && req.ParentID != RootID {
		n.IsLoading = true
	}
	logging.Debug("start load", "parent", req.ParentID, "token", b.token, "tree_wide", treeWide)

	r := run{b: b, epoch: a.epoch}
	parts := a.loader.Load(ctx, req)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		for part := range parts {
			a.merge(r, part)
		}
		a.finish(r)
	}()
}

// merge swaps a loaded part into the model unless its load was
// superseded or its parent is gone.
func (a *Actions) merge(r run, part LoadedPart) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.loads[part.ParentID]
	if !ok || b != r.b || r.epoch != a.epoch {
		a.metrics.PartsDiscarded.Inc()
		logging.Debug("discard stale part", "parent", part.ParentID, "token", r.b.token)
		return
	}
	parent, ok := a.model.Get(part.ParentID)
	if !ok {
		delete(a.loads, part.ParentID)
		a.metrics.PartsDiscarded.Inc()
		return
	}
	delete(a.loads, part.ParentID)
	a.dropLoads(a.model.SetChildren(part.ParentID, part.Children))
	parent.IsLoading = false
	for _, c := range part.Children {
		if c.IsLoading {
			a.loads[c.ID] = r.b
		}
	}
	a.metrics.NodesMerged.Add(float64(len(part.Children)))
	a.notify(part.ParentID)
}

// finish clears what a completed or cancelled run left registered.
func (a *Actions) finish(r run) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, b := range a.loads {
		if b != r.b {
			continue
		}
		delete(a.loads, id)
		if n, ok := a.model.Get(id); ok {
			n.IsLoading = false
		}
	}
}

// dropLoads forgets loads of removed nodes, cancelling those rooted there.
func (a *Actions) dropLoads(removed []string) {
	for _, id := range removed {
		b, ok := a.loads[id]
		if !ok {
			continue
		}
		if b.root == id {
			b.cancel()
		}
		delete(a.loads, id)
	}
}

func (a *Actions) notify(parentID string) {
	for _, ch := range a.subs {
		select {
		case ch <- ModelChanged{ParentID: parentID}:
		default:
		}
	}
}
