// Package provider produces processed hierarchy levels: it runs level
// queries, parses rows, applies search restriction, hiding rules and
// grouping, and streams the resulting nodes.
package provider

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/agentic-research/arbor/api"
)

var ErrUnknownLevel = errors.New("unknown hierarchy level")

// Request asks for the children of Parent (nil for the root level).
type Request struct {
	Parent *api.HierarchyNode
	// Limit is the maximum number of rows the level may return; 0 means
	// unlimited. Exceeding it yields *api.RowsLimitExceededError.
	Limit  int
	Filter *api.InstanceFilter
}

// Provider streams the children of a node. A stream yields at most one
// error, after which it stops.
type Provider interface {
	GetNodes(ctx context.Context, req Request) iter.Seq2[*api.HierarchyNode, error]
}

// Collect drains a stream.
func Collect(seq iter.Seq2[*api.HierarchyNode, error]) ([]*api.HierarchyNode, error) {
	var out []*api.HierarchyNode
	for n, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// HotSwap is a Provider whose implementation can be replaced at runtime,
// e.g. when the search paths change. Streams already started keep using
// the provider they started with.
type HotSwap struct {
	mu      sync.RWMutex
	current Provider
}

func NewHotSwap(initial Provider) *HotSwap {
	return &HotSwap{current: initial}
}

// Swap replaces the current provider.
func (h *HotSwap) Swap(p Provider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = p
}

// Current returns the provider in use.
func (h *HotSwap) Current() Provider {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *HotSwap) GetNodes(ctx context.Context, req Request) iter.Seq2[*api.HierarchyNode, error] {
	return h.Current().GetNodes(ctx, req)
}
