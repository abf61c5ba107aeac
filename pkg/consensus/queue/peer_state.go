package queue

import (
	"time"

	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

// peerState is the leader's per-follower tracking record: last-received
// op id, last-committed index, member type, last-responsive timestamp,
// needs-remote-bootstrap flag.
type peerState struct {
	uuid                   string
	memberType             types.MemberType
	lastKnownAddr          string
	nextIndex              int64 // next index this peer has not yet received
	lastReceivedOpId       types.OpId
	lastCommittedIdx       int64
	createdAt              time.Time
	lastResponsiveAt       time.Time
	lastExchangeSuccessful bool
	needsRemoteBootstrap   bool
}

func newPeerState(p types.Peer, nextIndex int64) *peerState {
	now := time.Now()
	return &peerState{
		uuid:                   p.UUID,
		memberType:             p.MemberType,
		lastKnownAddr:          p.LastKnownAddr,
		nextIndex:              nextIndex,
		createdAt:              now,
		lastResponsiveAt:       now,
		lastExchangeSuccessful: true,
	}
}
