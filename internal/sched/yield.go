// Package sched provides cooperative yielding for long CPU-bound loops.
package sched

import (
	"context"
	"runtime"
	"time"
)

// DefaultBudget is how long a loop may run before yielding.
const DefaultBudget = 20 * time.Millisecond

// Yielder releases the processor once the time budget since the last yield
// is spent. It is not safe for concurrent use; create one per loop.
type Yielder struct {
	budget time.Duration
	last   time.Time
	now    func() time.Time
	yields int
}

func NewYielder(budget time.Duration) *Yielder {
	if budget <= 0 {
		budget = DefaultBudget
	}
	y := &Yielder{budget: budget, now: time.Now}
	y.last = y.now()
	return y
}

// Yield returns ctx.Err() when the context is done, otherwise yields if the
// budget is spent.
func (y *Yielder) Yield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if now := y.now(); now.Sub(y.last) >= y.budget {
		runtime.Gosched()
		y.last = y.now()
		y.yields++
	}
	return nil
}

// Yields returns how many times the yielder released the processor.
func (y *Yielder) Yields() int { return y.yields }
