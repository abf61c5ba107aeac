package consensus

import (
	"context"
	"math/rand"
	"time"

	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/metrics"
	"github.com/tabletraft/tabletraft/pkg/consensus/election"
	"github.com/tabletraft/tabletraft/pkg/consensus/peer"
	"github.com/tabletraft/tabletraft/pkg/consensus/state"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
)

// RequestVote is the RequestVote RPC handler, the receiver side of an
// election. Runs under updateMu, the same coarse lock Update holds, so a
// vote request racing an in-flight Update is fully serialized against it.
func (c *RaftConsensus) RequestVote(ctx context.Context, req *types.RequestVoteRequest) (*types.RequestVoteResponse, error) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	resp, err := election.HandleRequestVote(c.state, c.md, c.detector, c.leaderIsAlive(), req)
	if err != nil {
		return nil, err
	}
	if resp.VoteGranted {
		// Withhold our own candidacy for one more timeout: we just told
		// someone else they can be leader, no point immediately
		// contesting it.
		c.detector.WithholdElectionStartUntil(time.Now().Add(c.opts.electionTimeout()))
	}
	return resp, nil
}

// leaderIsAlive reports whether this replica has heard from a leader
// recently enough that a non-forced RequestVote should be denied.
func (c *RaftConsensus) leaderIsAlive() bool {
	return time.Now().Before(c.detector.Deadline())
}

// RunLeaderElection is the receiver side of a leadership transfer: the
// current leader asks this replica (the nominee) to start an election
// immediately, ignoring the fact that a leader is still alive. The
// election itself runs on the raft worker pool; the RPC returns as soon as
// it is scheduled, matching PeerProxy's async-call shape.
func (c *RaftConsensus) RunLeaderElection(ctx context.Context, req *types.RunLeaderElectionRequest) (*types.RunLeaderElectionResponse, error) {
	if err := c.workerPool.Submit(func() { c.startElection(true, req.OriginatorUUID) }); err != nil {
		return nil, consensuserrors.Wrap(consensuserrors.KindServiceUnavailable, err, "submit forced election to worker pool")
	}
	return &types.RunLeaderElectionResponse{}, nil
}

// LeaderElectionLost records that electionLostByUUID (a protege we asked
// to run a forced election) lost, so a subsequent StepDown to the same
// nominee within MinLeaderStepdownRetryInterval is rejected rather than
// retried into a loop.
func (c *RaftConsensus) LeaderElectionLost(ctx context.Context, req *types.LeaderElectionLostRequest) (*types.LeaderElectionLostResponse, error) {
	c.protegeMu.Lock()
	c.electionLostByProtege[req.ElectionLostByUUID] = time.Now()
	c.protegeMu.Unlock()
	return &types.LeaderElectionLostResponse{}, nil
}

// doElectionCallback runs on the raft worker pool, submitted by
// electionCallback when the failure detector fires. It is a plain,
// non-forced election: ignoreLiveLeader=false, no originator to notify on
// loss.
func (c *RaftConsensus) doElectionCallback() {
	c.startElection(false, "")
}

// startElection runs the candidate side of one election end to end and
// applies its outcome. ignoreLiveLeader is set for leadership-transfer
// elections (RunLeaderElection); originatorUUID, when non-empty, is
// notified via LeaderElectionLostAsync if this election is lost.
func (c *RaftConsensus) startElection(ignoreLiveLeader bool, originatorUUID string) {
	metrics.ElectionsStarted.WithLabelValues(c.tabletID).Inc()

	unlock, err := c.state.LockForRead()
	if err != nil {
		return
	}
	activeConfig := c.state.ActiveConfigUnlocked()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*c.opts.ConsensusRPCTimeout)
	defer cancel()

	result, err := election.RunElection(ctx, c.state, c.md, c.proxies, activeConfig, c.localUUID, c.tabletID, ignoreLiveLeader, election.NewConfig(), c.Logger)
	if err != nil {
		c.Warn("election failed", zap.Error(err))
		return
	}

	switch result.Decision {
	case election.Won:
		c.becomeLeaderAfterElection(result)
	case election.Lost:
		metrics.ElectionsLost.WithLabelValues(c.tabletID).Inc()
		c.detector.Snooze(c.lostElectionBackoff())
		if originatorUUID != "" {
			c.notifyElectionLost(originatorUUID)
		}
	default:
		// The election ended undecided, which happens only when some voters
		// never replied (a tie among replies counts as Lost); just snooze
		// and let the next failure-detector sample retry.
		c.detector.Snooze(0)
	}
}

// becomeLeaderAfterElection installs the winning term's leadership,
// re-validating under the lock that nothing (a concurrent term advance,
// a concurrent StepDown) invalidated the win in the meantime.
func (c *RaftConsensus) becomeLeaderAfterElection(result election.ElectionResult) {
	unlock, err := c.state.LockForUpdate()
	if err != nil {
		return
	}
	if c.state.CurrentTermUnlocked() != result.Term || c.state.RoleUnlocked() != state.RoleCandidate {
		unlock()
		return
	}
	c.state.BecomeLeaderUnlocked(c.localUUID)
	if result.OldLeaderLeaseExpiration > 0 || result.OldLeaderHtLeaseExpiration > 0 {
		c.state.UpdateOldLeaderLeaseExpirationAbsolute(result.OldLeaderLeaseExpiration, result.OldLeaderHtLeaseExpiration)
	}
	committed := c.state.CommittedOpIdUnlocked()
	activeConfig := c.state.ActiveConfigUnlocked()
	term := c.state.CurrentTermUnlocked()
	unlock()

	c.queue.SetLeaderMode(committed, term, activeConfig)
	c.peers.UpdateRaftConfig(activeConfig)
	c.detector.Snooze(0)
	metrics.ElectionsWon.WithLabelValues(c.tabletID).Inc()
	c.Focus("won election, became leader", zap.Int64("term", term), zap.String("tablet", c.tabletID))
	c.peers.SignalRequest(peer.AlwaysSend)
	c.replicateEmptyOp(term)
}

// replicateEmptyOp submits a no-op round under term, the new leader's own
// term. recomputeMajorityUnlocked only advances the commit watermark for an
// entry matching the current term, so anything a prior leader left
// majority-replicated but uncommitted stays stuck until something is
// replicated in the new term; without client writes there is nothing to do
// that but this. Runs on the raft worker pool so the caller does not block
// on replication.
func (c *RaftConsensus) replicateEmptyOp(term int64) {
	if err := c.workerPool.Submit(func() {
		if _, err := c.Replicate(context.Background(), &ProposeRequest{
			OpType:    types.OpEmpty,
			BoundTerm: term,
		}); err != nil {
			c.Warn("empty op replication after becoming leader failed", zap.Int64("term", term), zap.Error(err))
		}
	}); err != nil {
		c.Warn("submit empty op replication to worker pool failed", zap.Error(err))
	}
}

// notifyElectionLost fires LeaderElectionLostAsync at the replica that
// asked us to run a forced election, fire-and-forget.
func (c *RaftConsensus) notifyElectionLost(originatorUUID string) {
	unlock, err := c.state.LockForRead()
	if err != nil {
		return
	}
	cfg := c.state.ActiveConfigUnlocked()
	unlock()

	p, ok := cfg.PeerByUUID(originatorUUID)
	if !ok {
		return
	}
	proxy, err := c.proxies.NewProxy(p)
	if err != nil {
		c.Warn("open proxy to notify election loss failed", zap.String("peer", originatorUUID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConsensusRPCTimeout)
	proxy.LeaderElectionLostAsync(ctx, &types.LeaderElectionLostRequest{
		ElectionLostByUUID: c.localUUID,
		TabletId:           c.tabletID,
	}, func(_ *types.LeaderElectionLostResponse, _ error) {
		cancel()
		proxy.Close()
	})
}

// lostElectionBackoff computes a randomized exponential backoff based on
// current_term - committed.term, capped at LeaderFailureExpBackoffMaxDelta
// before up to 50% random jitter is added on top, so a replica that keeps
// losing elections snoozes instead of retrying immediately.
func (c *RaftConsensus) lostElectionBackoff() time.Duration {
	unlock, err := c.state.LockForRead()
	if err != nil {
		return 0
	}
	term := c.state.CurrentTermUnlocked()
	committed := c.state.CommittedOpIdUnlocked()
	unlock()

	delta := term - committed.Term
	if delta < 0 {
		delta = 0
	}
	if delta > 10 {
		delta = 10 // cap the shift so this never overflows
	}
	backoff := c.opts.RaftHeartbeatInterval * time.Duration(int64(1)<<uint(delta))
	if backoff > c.opts.LeaderFailureExpBackoffMaxDelta {
		backoff = c.opts.LeaderFailureExpBackoffMaxDelta
	}
	if backoff <= 0 {
		return 0
	}
	return backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
}
