// Package queue implements PeerMessageQueue: the leader's shared view of
// follower progress. It owns the local LogStore on the write path and the
// per-peer match-index bookkeeping on the read path, and is the single
// place that computes the majority-replicated op-id and notifies
// RaftConsensus when it advances.
package queue

import (
	"context"
	"sort"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sasha-s/go-deadlock"
	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

type Mode int

const (
	NonLeader Mode = iota
	Leader
)

// MajorityReplicatedObserver is invoked (serially, off the queue's own
// lock) whenever the majority-replicated op-id advances under the current
// leader term. Bound to RaftConsensus.UpdateMajorityReplicated.
type MajorityReplicatedObserver func(majorityReplicated types.OpId)

// FailedFollowerObserver is invoked when a peer is judged failed, either
// by responsiveness policy or an application-level WRONG_SERVER_UUID.
type FailedFollowerObserver func(uuid string, reason string)

const maxBatchBytes = 1 << 20 // 1 MiB default request cap

type PeerMessageQueue struct {
	tlog.Logger

	mu deadlock.Mutex

	localUUID string
	log       types.LogStore

	mode                Mode
	currentTerm         int64
	committedOpId       types.OpId
	activeConfig        types.RaftConfig
	leaderLeaseDuration time.Duration
	htLeaseExpiration   uint64

	peers map[string]*peerState

	onMajorityReplicated MajorityReplicatedObserver
	onFailedFollower     FailedFollowerObserver

	observers *ants.Pool
}

func New(localUUID string, log types.LogStore, onMajorityReplicated MajorityReplicatedObserver, onFailedFollower FailedFollowerObserver) (*PeerMessageQueue, error) {
	pool, err := ants.NewPool(1, ants.WithNonblocking(false))
	if err != nil {
		return nil, consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "create queue observer pool")
	}
	return &PeerMessageQueue{
		Logger:               tlog.New("peerqueue"),
		localUUID:            localUUID,
		log:                  log,
		peers:                make(map[string]*peerState),
		onMajorityReplicated: onMajorityReplicated,
		onFailedFollower:     onFailedFollower,
		observers:            pool,
	}, nil
}

func (q *PeerMessageQueue) Close() {
	q.observers.Release()
}

// Init resets the queue's committed op-id. lastLocalOpId is accepted but
// not used.
func (q *PeerMessageQueue) Init(lastLocalOpId types.OpId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.committedOpId = types.OpId{}
	_ = lastLocalOpId
}

func (q *PeerMessageQueue) SetLeaderMode(committed types.OpId, term int64, activeConfig types.RaftConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mode = Leader
	q.committedOpId = committed
	q.currentTerm = term
	q.activeConfig = activeConfig
	for _, p := range activeConfig.Peers {
		if p.UUID == q.localUUID {
			continue
		}
		if _, ok := q.peers[p.UUID]; !ok {
			q.peers[p.UUID] = newPeerState(p, committed.Index+1)
		}
	}
}

func (q *PeerMessageQueue) SetNonLeaderMode() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mode = NonLeader
}

func (q *PeerMessageQueue) TrackPeer(p types.Peer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p.UUID == q.localUUID {
		return
	}
	if _, ok := q.peers[p.UUID]; !ok {
		q.peers[p.UUID] = newPeerState(p, q.committedOpId.Index+1)
	}
}

func (q *PeerMessageQueue) UntrackPeer(uuid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.peers, uuid)
}

// AppendOperations appends entries to the local log and, in Leader mode,
// recomputes the majority-replicated op-id: a solo voter with no tracked
// peers has no ResponseFromPeer call to trigger that recompute, so its own
// append must be able to advance the watermark unassisted. onDurable runs
// from the log's own completion path, not under the queue's lock.
func (q *PeerMessageQueue) AppendOperations(ctx context.Context, entries []*types.ReplicateMsg, onDurable func(error)) error {
	q.mu.Lock()
	if len(entries) == 0 {
		q.mu.Unlock()
		return nil
	}
	if err := q.log.AppendOperations(ctx, entries, onDurable); err != nil {
		q.mu.Unlock()
		return err
	}

	var toNotify types.OpId
	notify := false
	if q.mode == Leader {
		if newMajority, changed := q.recomputeMajorityUnlocked(); changed {
			toNotify = newMajority
			notify = true
		}
	}
	q.mu.Unlock()

	if notify {
		cb := q.onMajorityReplicated
		_ = q.observers.Submit(func() {
			if cb != nil {
				cb(toNotify)
			}
		})
	}
	return nil
}

// RequestForPeer builds the next UpdateConsensus payload for uuid: starts
// at the peer's next-expected index, honors maxBytes, and flags
// needs_remote_bootstrap when the peer has fallen behind the log's
// earliest retained entry.
func (q *PeerMessageQueue) RequestForPeer(uuid string) (req *types.UpdateConsensusRequest, needsRemoteBootstrap bool, memberType types.MemberType, lastExchangeSuccessful bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.peers[uuid]
	if !ok {
		return nil, false, 0, false, consensuserrors.New(consensuserrors.KindNotFound, "peer %s not tracked", uuid)
	}

	latest := q.log.LatestEntryOpId()
	var ops []*types.ReplicateMsg
	var precedingId types.OpId
	if p.nextIndex > latest.Index+1 {
		p.nextIndex = latest.Index + 1
	}
	if p.nextIndex-1 >= 1 {
		precedingId, err = q.log.LookupOpId(p.nextIndex - 1)
		if err != nil {
			if consensuserrors.KindOf(err) == consensuserrors.KindNotFound {
				needsRemoteBootstrap = true
				p.needsRemoteBootstrap = true
				return nil, true, p.memberType, p.lastExchangeSuccessful, nil
			}
			return nil, false, 0, false, err
		}
	}
	if p.nextIndex <= latest.Index {
		ops, err = q.log.ReadReplicatesInRange(context.Background(), p.nextIndex, latest.Index, maxBatchBytes)
		if err != nil {
			if consensuserrors.KindOf(err) == consensuserrors.KindNotFound || consensuserrors.KindOf(err) == consensuserrors.KindCorruption {
				needsRemoteBootstrap = true
				p.needsRemoteBootstrap = true
				return nil, true, p.memberType, p.lastExchangeSuccessful, nil
			}
			return nil, false, 0, false, err
		}
	}
	p.needsRemoteBootstrap = false

	req = &types.UpdateConsensusRequest{
		CallerUUID:     q.localUUID,
		CallerTerm:     q.currentTerm,
		DestUUID:       uuid,
		PrecedingId:    precedingId,
		Ops:            ops,
		CommittedIndex: q.committedOpId.Index,
	}
	if q.leaderLeaseDuration > 0 {
		req.LeaderLeaseDurationMs = q.leaderLeaseDuration.Milliseconds()
		req.HasLeaderLease = true
	}
	if q.htLeaseExpiration > 0 {
		req.HtLeaseExpiration = q.htLeaseExpiration
		req.HasHtLease = true
	}
	return req, false, p.memberType, p.lastExchangeSuccessful, nil
}

// ResponseFromPeer advances the per-peer cursor and, if the majority
// op-id advances under the current term, notifies onMajorityReplicated
// from the observer pool.
func (q *PeerMessageQueue) ResponseFromPeer(uuid string, resp *types.UpdateConsensusResponse) (morePending bool, err error) {
	q.mu.Lock()

	p, ok := q.peers[uuid]
	if !ok {
		q.mu.Unlock()
		return false, consensuserrors.New(consensuserrors.KindNotFound, "peer %s not tracked", uuid)
	}

	// A PRECEDING_ENTRY_DIDNT_MATCH reply is a successful round trip, not a
	// transport or application failure — it still means the peer is alive
	// and responding, just not yet caught up.
	p.lastResponsiveAt = time.Now()

	if resp.Status.Error != nil && resp.Status.Error.Code == types.ErrPrecedingEntryDidntMatch {
		if p.nextIndex > 1 {
			p.nextIndex--
		}
		p.lastExchangeSuccessful = false
		q.mu.Unlock()
		return true, nil
	}

	p.lastExchangeSuccessful = true
	p.lastReceivedOpId = resp.Status.LastReceived
	p.lastCommittedIdx = resp.Status.LastCommittedIdx
	p.nextIndex = resp.Status.LastReceived.Index + 1

	latest := q.log.LatestEntryOpId()
	morePending = p.nextIndex <= latest.Index

	var toNotify types.OpId
	notify := false
	if q.mode == Leader {
		if newMajority, changed := q.recomputeMajorityUnlocked(); changed {
			toNotify = newMajority
			notify = true
		}
	}
	q.mu.Unlock()

	if notify {
		cb := q.onMajorityReplicated
		_ = q.observers.Submit(func() {
			if cb != nil {
				cb(toNotify)
			}
		})
	}
	return morePending, nil
}

// recomputeMajorityUnlocked computes the majority-replicated op-id across
// the VOTER members of the active config (self included) and reports
// whether it advanced past the previously known committed watermark under
// the current term (the "no commit from prior terms" rule).
// Caller holds q.mu.
func (q *PeerMessageQueue) recomputeMajorityUnlocked() (types.OpId, bool) {
	voters := q.activeConfig.Voters()
	if len(voters) == 0 {
		return types.OpId{}, false
	}
	replicated := make([]types.OpId, 0, len(voters))
	for _, v := range voters {
		if v.UUID == q.localUUID {
			replicated = append(replicated, q.log.LatestEntryOpId())
			continue
		}
		if p, ok := q.peers[v.UUID]; ok {
			replicated = append(replicated, p.lastReceivedOpId)
		} else {
			replicated = append(replicated, types.OpId{})
		}
	}
	sort.Slice(replicated, func(i, j int) bool { return replicated[j].Less(replicated[i]) })
	majorityIdx := types.Majority(len(voters)) - 1
	majorityOpId := replicated[majorityIdx]

	if majorityOpId.Term != q.currentTerm {
		return types.OpId{}, false
	}
	if !q.committedOpId.Less(majorityOpId) {
		return types.OpId{}, false
	}
	q.committedOpId = majorityOpId
	return majorityOpId, true
}

func (q *PeerMessageQueue) NotifyPeerIsResponsiveDespiteError(uuid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.peers[uuid]; ok {
		p.lastResponsiveAt = time.Now()
	}
}

func (q *PeerMessageQueue) NotifyObserversOfFailedFollower(uuid string, reason string) {
	cb := q.onFailedFollower
	if cb == nil {
		return
	}
	_ = q.observers.Submit(func() { cb(uuid, reason) })
}
