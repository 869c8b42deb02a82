package engine

import (
	"fmt"
	"sync"
	"time"
)

// idIssuer mints memory ids of the form mem_<ms-since-epoch>, bumping the
// millisecond when two ids would otherwise collide so ids stay unique and
// non-decreasing under a single issuer.
type idIssuer struct {
	mu   sync.Mutex
	last int64
}

func (g *idIssuer) next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := now.UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return fmt.Sprintf("mem_%d", ms)
}
