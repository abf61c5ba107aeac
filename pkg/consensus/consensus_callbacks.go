package consensus

import (
	"context"
	"time"

	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/metrics"
	"github.com/tabletraft/tabletraft/pkg/consensus/peer"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
)

// handleTermAdvanceUnlocked implements HandleTermAdvance: term must only
// increase; if we are leader we step down first; the new term (with
// voted-for cleared) is persisted before returning, so no externally
// observable consequence of the new term leaves this call before the
// persist does. Caller holds the replica-state lock.
func (c *RaftConsensus) handleTermAdvanceUnlocked(newTerm int64) error {
	if newTerm <= c.state.CurrentTermUnlocked() {
		return nil
	}
	if c.state.IsLeaderUnlocked() {
		c.state.BecomeFollowerUnlocked("")
	}
	c.state.SetCurrentTermUnlocked(newTerm)
	cfg := c.state.CommittedConfigUnlocked()
	if err := c.md.Save(types.ConsensusMetadata{CurrentTerm: newTerm, VotedFor: "", CommittedConfig: cfg}); err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "persist term advance")
	}
	return nil
}

// onMajorityReplicated is PeerMessageQueue's MajorityReplicatedObserver:
// invoked (from the queue's own serial observer worker, never under the
// queue's lock) whenever the majority-replicated op-id advances under the
// current leader term. It is RaftConsensus::UpdateMajorityReplicated.
func (c *RaftConsensus) onMajorityReplicated(majorityReplicated types.OpId) {
	unlock, err := c.state.LockForMajorityReplicatedIndexUpdate()
	if err != nil {
		return
	}
	if !c.state.IsLeaderUnlocked() || c.state.CurrentTermUnlocked() != majorityReplicated.Term {
		unlock()
		return
	}

	// A CHANGE_CONFIG_OP round crossing the commit line promotes the
	// pending config to committed atomically with the commit itself; find
	// it (if any) before AdvanceCommittedIndexUnlocked removes it from
	// the pending map.
	configRoundIndex := int64(-1)
	for i := c.state.CommittedOpIdUnlocked().Index + 1; i <= majorityReplicated.Index; i++ {
		if round, ok := c.state.PendingRound(i); ok && round.Msg.OpType == types.OpChangeConfig {
			configRoundIndex = i
		}
	}

	changed, err := c.state.AdvanceCommittedIndexUnlocked(tabletApplyContext{c.tablet}, majorityReplicated)
	if err != nil {
		c.Warn("advance committed index failed", zap.Error(err))
		unlock()
		return
	}
	if !changed {
		unlock()
		return
	}

	metrics.MajorityReplicatedIndex.WithLabelValues(c.tabletID).Set(float64(majorityReplicated.Index))
	c.state.UpdateMajorityReplicatedLeaseExpirationUnlocked(c.opts.LeaderLeaseDuration, c.opts.HtLeaseDuration, c.clock.Now())

	var persistCfg *types.RaftConfig
	if configRoundIndex >= 0 {
		if err := c.state.CommitPendingConfigUnlocked(configRoundIndex); err != nil {
			c.Warn("commit pending config failed", zap.Error(err))
		} else {
			cfg := c.state.CommittedConfigUnlocked()
			persistCfg = &cfg
		}
	}
	term := c.state.CurrentTermUnlocked()
	votedFor := c.state.VotedForUnlocked()
	activeConfig := c.state.ActiveConfigUnlocked()
	unlock()

	if persistCfg != nil {
		if err := c.md.Save(types.ConsensusMetadata{CurrentTerm: term, VotedFor: votedFor, CommittedConfig: *persistCfg}); err != nil {
			c.Fatal("persist committed config after commit failed", zap.Error(err))
		}
		c.peers.UpdateRaftConfig(activeConfig)
	}

	// A heartbeat-only round trip is enough to carry the new committed
	// index to followers; no need to force a send if nothing is pending.
	c.peers.SignalRequest(peer.NonEmptyOnly)
}

// onFailedFollower is PeerMessageQueue's FailedFollowerObserver: invoked
// when a peer is judged failed, either by responsiveness policy or a
// WRONG_SERVER_UUID application error. Submits a REMOVE_SERVER ChangeConfig
// on the raft worker pool, guarded so only one eviction is ever in flight.
func (c *RaftConsensus) onFailedFollower(uuid string, reason string) {
	if !c.opts.EvictFailedFollowers {
		return
	}
	c.evictMu.Lock()
	if c.evictInFlight {
		c.evictMu.Unlock()
		return
	}
	c.evictInFlight = true
	c.evictMu.Unlock()

	if err := c.workerPool.Submit(func() { c.tryRemoveFollower(uuid, reason) }); err != nil {
		c.evictMu.Lock()
		c.evictInFlight = false
		c.evictMu.Unlock()
	}
}

// tryRemoveFollower is TryRemoveFollowerTask: it re-validates leadership
// and pending-config-freedom on the worker pool before submitting the
// REMOVE_SERVER change, since time may have passed since onFailedFollower
// was invoked.
func (c *RaftConsensus) tryRemoveFollower(uuid, reason string) {
	defer func() {
		c.evictMu.Lock()
		c.evictInFlight = false
		c.evictMu.Unlock()
	}()

	unlock, err := c.state.LockForRead()
	if err != nil {
		return
	}
	isLeader := c.state.IsLeaderUnlocked()
	term := c.state.CurrentTermUnlocked()
	_, pending := c.state.PendingConfigUnlocked()
	unlock()
	if !isLeader || pending {
		return
	}

	c.Warn("evicting unresponsive follower", zap.String("peer", uuid), zap.String("reason", reason))
	if _, err := c.ChangeConfig(context.Background(), &ChangeConfigRequest{
		Type:      types.ChangeConfigRemoveServer,
		PeerUUID:  uuid,
		BoundTerm: term,
	}); err != nil {
		c.Warn("evict failed follower change-config failed", zap.String("peer", uuid), zap.Error(err))
	}
}

// unresponsiveFollowerScanLoop is the periodic responsiveness policy that
// feeds NotifyObserversOfFailedFollower's other trigger path: eviction can
// also come from a follower going quiet for too long, not only from a
// WRONG_SERVER_UUID response. It samples on the raft heartbeat cadence;
// each sample acts only while this replica is leader.
func (c *RaftConsensus) unresponsiveFollowerScanLoop() {
	ticker := time.NewTicker(c.opts.RaftHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.scanForUnresponsiveFollowers()
		case <-c.stopper.ShouldStop():
			return
		}
	}
}

func (c *RaftConsensus) scanForUnresponsiveFollowers() {
	unlock, err := c.state.LockForRead()
	if err != nil {
		return
	}
	isLeader := c.state.IsLeaderUnlocked()
	unlock()
	if !isLeader {
		return
	}
	for _, uuid := range c.queue.UnresponsivePeers(c.opts.FollowerUnavailableConsideredFailed, time.Now()) {
		c.queue.NotifyObserversOfFailedFollower(uuid, "unresponsive")
	}
}
