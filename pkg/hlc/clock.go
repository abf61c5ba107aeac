// Package hlc implements the hybrid-logical clock every tablet replica
// shares: a monotonic (physical, logical) pair packed into a single
// uint64, matching the Kudu/YB HybridClock design. A CAS loop over one
// atomic.Uint64 keeps the two logical fields updated together without a
// mutex on the hot path.
package hlc

import (
	"time"

	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/atomic"
)

const (
	logicalBits = 12
	logicalMask = (1 << logicalBits) - 1
)

// Clock is a hybrid-logical clock: Now() always returns a value strictly
// greater than every value previously returned by Now or observed via
// Update on this instance.
type Clock struct {
	state        atomic.Uint64
	maxClockSkew time.Duration
}

func New(maxClockSkew time.Duration) *Clock {
	return &Clock{maxClockSkew: maxClockSkew}
}

func pack(physical int64, logical uint32) uint64 {
	return uint64(physical)<<logicalBits | uint64(logical&logicalMask)
}

func unpack(v uint64) (physical int64, logical uint32) {
	return int64(v >> logicalBits), uint32(v & logicalMask)
}

// Now advances the clock past both wall time and its own last value.
func (c *Clock) Now() uint64 {
	for {
		old := c.state.Load()
		oldPhysical, oldLogical := unpack(old)
		wall := time.Now().UnixMicro()

		var next uint64
		if wall > oldPhysical {
			next = pack(wall, 0)
		} else {
			next = pack(oldPhysical, oldLogical+1)
		}
		if c.state.CompareAndSwap(old, next) {
			return next
		}
	}
}

// Update merges an externally observed hybrid time into the clock, so a
// later Now() is guaranteed to exceed ht.
func (c *Clock) Update(ht uint64) {
	otherPhysical, otherLogical := unpack(ht)
	for {
		old := c.state.Load()
		oldPhysical, oldLogical := unpack(old)
		wall := time.Now().UnixMicro()

		base := oldPhysical
		if wall > base {
			base = wall
		}
		if otherPhysical > base {
			base = otherPhysical
		}

		var next uint64
		switch {
		case base == oldPhysical && base == otherPhysical:
			l := oldLogical
			if otherLogical > l {
				l = otherLogical
			}
			next = pack(base, l+1)
		case base == oldPhysical:
			next = pack(base, oldLogical+1)
		case base == otherPhysical:
			next = pack(base, otherLogical+1)
		default:
			next = pack(base, 0)
		}
		if c.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// MaxSafeTimeToReadAt is now() minus the configured maximum clock skew: the
// point past which no other node's clock could plausibly have already
// advanced, so a lease check against it needs no further synchronization.
func (c *Clock) MaxSafeTimeToReadAt() uint64 {
	physical, _ := unpack(c.Now())
	safe := physical - c.maxClockSkew.Microseconds()
	if safe < 0 {
		safe = 0
	}
	return pack(safe, 0)
}

var _ types.Clock = (*Clock)(nil)
