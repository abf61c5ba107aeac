package tablet

import (
	"sync"

	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

// InFlightTracker tracks the lowest op-id among operation drivers that have
// been submitted but not yet finished, so the log-GC horizon never drops an
// entry a driver might still need to retry against.
type InFlightTracker struct {
	mu     sync.Mutex
	active map[types.OpId]struct{}
}

func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{active: make(map[types.OpId]struct{})}
}

func (t *InFlightTracker) Track(id types.OpId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[id] = struct{}{}
}

func (t *InFlightTracker) Untrack(id types.OpId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, id)
}

// Lowest returns the smallest tracked op-id, and false if none are tracked.
func (t *InFlightTracker) Lowest() (types.OpId, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := true
	var lowest types.OpId
	for id := range t.active {
		if first || id.Less(lowest) {
			lowest = id
			first = false
		}
	}
	return lowest, !first
}
