package grouping

import (
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// labelCollator orders labels naturally ("A9" before "A10"). A
// collate.Collator keeps scratch buffers, so access is serialized.
type labelCollator struct {
	mu sync.Mutex
	c  *collate.Collator
}

func newLabelCollator(tag language.Tag) *labelCollator {
	return &labelCollator{c: collate.New(tag, collate.Numeric)}
}

// compare falls back to byte order for labels the locale considers equal,
// so the order is total.
func (lc *labelCollator) compare(a, b string) int {
	lc.mu.Lock()
	c := lc.c.CompareString(a, b)
	lc.mu.Unlock()
	if c != 0 {
		return c
	}
	return strings.Compare(a, b)
}
