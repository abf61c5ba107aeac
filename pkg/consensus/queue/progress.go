package queue

import (
	"time"

	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

// PeerProgress is a point-in-time snapshot of what the leader knows about
// one tracked peer; returned to callers that need read access without
// reaching into the queue's internals (CanPeerBecomeLeader, failed-follower
// eviction scanning).
type PeerProgress struct {
	LastReceivedOpId types.OpId
	LastResponsiveAt time.Time
	MemberType       types.MemberType
}

// Progress reports what the leader currently knows about uuid's replication
// state. ok is false if uuid is not tracked.
func (q *PeerMessageQueue) Progress(uuid string) (progress PeerProgress, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, found := q.peers[uuid]
	if !found {
		return PeerProgress{}, false
	}
	return PeerProgress{
		LastReceivedOpId: p.lastReceivedOpId,
		LastResponsiveAt: p.lastResponsiveAt,
		MemberType:       p.memberType,
	}, true
}

// UnresponsivePeers returns the UUIDs of tracked peers that have not been
// heard from in at least threshold, measured from the later of their last
// response and the moment they started being tracked (so a newly added
// peer is not immediately judged failed before it ever got a chance to
// respond).
func (q *PeerMessageQueue) UnresponsivePeers(threshold time.Duration, now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var failed []string
	for uuid, p := range q.peers {
		last := p.lastResponsiveAt
		if p.createdAt.After(last) {
			last = p.createdAt
		}
		if now.Sub(last) >= threshold {
			failed = append(failed, uuid)
		}
	}
	return failed
}
