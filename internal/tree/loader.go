package tree

import (
	"context"
	"errors"
	"time"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/logging"
	"github.com/agentic-research/arbor/internal/provider"
	"golang.org/x/sync/errgroup"
)

// LoadedPart is the loaded children of one parent.
type LoadedPart struct {
	ParentID string
	Children []*Node
}

// LoadRequest loads the children of one parent and, recursively, of every
// child that ends up expanded.
type LoadRequest struct {
	ParentID string
	// Parent is nil for the root level.
	Parent *api.HierarchyNode
	Limit  int
	Filter *api.InstanceFilter
	// Prepare applies carried-over state to a freshly loaded node.
	Prepare func(n *Node)
	// Expand decides whether a loaded node starts expanded. Nil follows
	// the provider's auto-expand hint.
	Expand func(n *Node) bool
}

// Loader walks hierarchy levels breadth first and emits one LoadedPart per
// loaded level.
type Loader struct {
	provider     provider.Provider
	defaultLimit int
	concurrency  int
	metrics      *Metrics
}

func NewLoader(p provider.Provider, defaultLimit, concurrency int, metrics *Metrics) *Loader {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Loader{provider: p, defaultLimit: defaultLimit, concurrency: concurrency, metrics: metrics}
}

// Load starts loading req. The returned channel is closed when the walk is
// complete or ctx is cancelled; parts of a parent always precede parts of
// its children. A cancelled walk emits nothing further.
func (l *Loader) Load(ctx context.Context, req LoadRequest) <-chan LoadedPart {
	out := make(chan LoadedPart, l.concurrency)
	go func() {
		defer close(out)
		wave := []LoadRequest{req}
		for len(wave) > 0 && ctx.Err() == nil {
			next := make([][]LoadRequest, len(wave))
			var g errgroup.Group
			g.SetLimit(l.concurrency)
			for i, r := range wave {
				g.Go(func() error {
					part, more, ok := l.loadLevel(ctx, r)
					if !ok {
						return nil
					}
					select {
					case out <- part:
						next[i] = more
					case <-ctx.Done():
					}
					return nil
				})
			}
			_ = g.Wait() // never fails
			wave = wave[:0]
			for _, more := range next {
				wave = append(wave, more...)
			}
		}
	}()
	return out
}

// loadLevel loads one level. ok is false when ctx was cancelled.
func (l *Loader) loadLevel(ctx context.Context, req LoadRequest) (part LoadedPart, more []LoadRequest, ok bool) {
	l.metrics.LoadsStarted.Inc()
	start := time.Now()
	logging.Debug("load level", "parent", req.ParentID, "limit", req.Limit)

	nodes, err := provider.Collect(l.provider.GetNodes(ctx, provider.Request{
		Parent: req.Parent,
		Limit:  req.Limit,
		Filter: req.Filter,
	}))
	l.metrics.LoadDuration.Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		l.metrics.LoadsCancelled.Inc()
		logging.Debug("load cancelled", "parent", req.ParentID)
		return LoadedPart{}, nil, false
	}

	part.ParentID = req.ParentID
	if err != nil {
		part.Children = []*Node{l.infoNode(req.ParentID, err)}
		return part, nil, true
	}

	part.Children = make([]*Node, 0, len(nodes))
	for _, hn := range nodes {
		n := newHierarchyNode(req.ParentID, hn)
		if req.Prepare != nil {
			req.Prepare(n)
		}
		if req.Expand != nil {
			n.IsExpanded = req.Expand(n)
		} else {
			n.IsExpanded = hn.AutoExpand
		}
		if n.IsExpanded && n.HasChildren() {
			n.IsLoading = true
			more = append(more, LoadRequest{
				ParentID: n.ID,
				Parent:   hn,
				Limit:    effectiveLimit(n.HierarchyLimit, l.defaultLimit),
				Filter:   n.InstanceFilter,
				Prepare:  req.Prepare,
				Expand:   req.Expand,
			})
		}
		part.Children = append(part.Children, n)
	}
	return part, more, true
}

func (l *Loader) infoNode(parentID string, err error) *Node {
	n := &Node{ID: infoID(parentID), ParentID: parentID, Kind: KindInfo, Message: err.Error()}
	var tooMany *api.RowsLimitExceededError
	if errors.As(err, &tooMany) {
		n.Info = InfoResultSetTooLarge
		n.Limit = tooMany.Limit
		l.metrics.LoadsFailed.WithLabelValues("too_large").Inc()
		return n
	}
	n.Info = InfoUnknown
	l.metrics.LoadsFailed.WithLabelValues("error").Inc()
	logging.Error("load level failed", "parent", parentID, "err", err)
	return n
}
