package consensus

import (
	"context"
	"runtime"
	"time"

	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/pkg/consensus/state"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
)

// Update is UpdateConsensus's server-side handler: the follower path.
// Steps are numbered to match the order this core's design insists on:
// prepares must be enqueued before (or concurrently with) writes so that
// the eventual commit has something to apply.
func (c *RaftConsensus) Update(ctx context.Context, req *types.UpdateConsensusRequest) (*types.UpdateConsensusResponse, error) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	if req.HasPropagatedHybridTime {
		c.clock.Update(req.PropagatedHybridTime)
	}

	unlock, err := c.state.LockForUpdate()
	if err != nil {
		return nil, err
	}

	resp := &types.UpdateConsensusResponse{ResponderUUID: c.localUUID}

	// 2. Dedupe against committed and pending.
	preceding := req.PrecedingId
	surviving := req.Ops
	for len(surviving) > 0 {
		next := surviving[0]
		if next.Id.LessOrEqual(c.state.CommittedOpIdUnlocked()) {
			preceding = next.Id
			surviving = surviving[1:]
			continue
		}
		ok, mismatch := c.state.IsOpCommittedOrPending(next.Id)
		if mismatch {
			c.state.AbortOpsAfterUnlocked(next.Id.Index - 1)
			break
		}
		if ok {
			preceding = next.Id
			surviving = surviving[1:]
			continue
		}
		break
	}

	// 3. Sequencing.
	prev := preceding
	for _, op := range surviving {
		if err := state.CheckOpInSequence(prev, op.Id); err != nil {
			unlock()
			return nil, err
		}
		prev = op.Id
	}

	// 4. Term check.
	current := c.state.CurrentTermUnlocked()
	if req.CallerTerm < current {
		resp.ResponderTerm = current
		resp.Status.Error = &types.ConsensusError{Code: types.ErrInvalidTerm}
		unlock()
		return resp, nil
	}
	if req.CallerTerm > current {
		if err := c.handleTermAdvanceUnlocked(req.CallerTerm); err != nil {
			unlock()
			return nil, err
		}
		current = req.CallerTerm
	}

	// 5. Log-matching property.
	if ok, _ := c.state.IsOpCommittedOrPending(preceding); !ok {
		c.state.AbortOpsAfterUnlocked(preceding.Index - 1)
		resp.ResponderTerm = current
		resp.Status.Error = &types.ConsensusError{Code: types.ErrPrecedingEntryDidntMatch}
		resp.Status.LastReceived = c.state.LastReceivedOpIdUnlocked()
		resp.Status.LastCommittedIdx = c.state.CommittedOpIdUnlocked().Index
		unlock()
		return resp, nil
	}

	// 6. Accept leader, snooze the election timer, absorb lease info,
	// withhold starting our own election for one more timeout.
	c.state.BecomeFollowerUnlocked(req.CallerUUID)
	if req.HasLeaderLease {
		c.state.UpdateOldLeaderLeaseExpiration(time.Duration(req.LeaderLeaseDurationMs)*time.Millisecond, req.HtLeaseExpiration)
	}
	c.detector.Snooze(0)
	c.detector.WithholdElectionStartUntil(time.Now().Add(c.opts.electionTimeout()))

	// 7. Early commit, ahead of enqueuing this batch's prepares.
	committedCandidate, ok := c.state.OpIdAtIndexUnlocked(req.CommittedIndex)
	if !ok {
		committedCandidate = c.state.CommittedOpIdUnlocked()
	}
	earlyTarget := minOpId(c.state.LastReceivedOpIdUnlocked(), preceding, committedCandidate)
	if _, err := c.state.AdvanceCommittedIndexUnlocked(tabletApplyContext{c.tablet}, earlyTarget); err != nil {
		unlock()
		return nil, err
	}

	// 8. Memory-pressure gate, checked once per batch rather than once per
	// entry: reject the whole update rather than enqueue prepares the
	// tablet has no headroom to hold.
	if c.memoryPressureExceededUnlocked() {
		unlock()
		return nil, consensuserrors.New(consensuserrors.KindServiceUnavailable, "heap usage above configured soft limit, rejecting update")
	}

	// 9. Enqueue prepares; a synchronous prepare failure drops that entry
	// and everything after it from this batch.
	prepared := make([]*types.ReplicateMsg, 0, len(surviving))
	for _, op := range surviving {
		round := types.NewConsensusRound(op, req.CallerTerm, nil)
		if err := c.state.AddPendingOperation(round); err != nil {
			unlock()
			return nil, err
		}
		opCopy := op
		prepErr := c.opFactory.StartOperation(ctx, round, func(err error) {
			if err != nil {
				c.Warn("prepare failed asynchronously", zap.String("op", opCopy.Id.String()), zap.Error(err))
			}
		})
		if prepErr != nil {
			c.Warn("prepare failed synchronously, dropping remainder of batch", zap.String("op", opCopy.Id.String()), zap.Error(prepErr))
			c.state.AbortOpsAfterUnlocked(op.Id.Index - 1)
			resp.Status.Error = &types.ConsensusError{Code: types.ErrCannotPrepare}
			break
		}
		prepared = append(prepared, op)
	}

	// 10. Enqueue writes. A log-append failure here is crash-fatal: the
	// entries have already been accepted into pending and the leader
	// believes they are on their way.
	var durable chan error
	if len(prepared) > 0 {
		durable = make(chan error, 1)
		appendErr := c.log.AppendOperations(ctx, prepared, func(err error) {
			if err != nil {
				c.Fatal("log append failed", zap.Error(err))
			}
			durable <- err
		})
		if appendErr != nil {
			unlock()
			return nil, appendErr
		}
	}

	// 11. Commit up to what this batch actually appended.
	if len(prepared) > 0 {
		lastAppended := prepared[len(prepared)-1].Id
		committedCandidate, ok = c.state.OpIdAtIndexUnlocked(req.CommittedIndex)
		if !ok {
			committedCandidate = c.state.CommittedOpIdUnlocked()
		}
		if _, err := c.state.AdvanceCommittedIndexUnlocked(tabletApplyContext{c.tablet}, minOpId(lastAppended, committedCandidate)); err != nil {
			unlock()
			return nil, err
		}
	}

	// 12. Fill response.
	resp.ResponderTerm = current
	resp.Status.LastReceived = c.state.LastReceivedOpIdUnlocked()
	resp.Status.LastReceivedCurrentLeader = c.state.LastReceivedOpIdUnlocked()
	resp.Status.LastCommittedIdx = c.state.CommittedOpIdUnlocked().Index

	// 13. Release the lock, then wait for durability, snoozing the
	// election timer periodically so a slow disk does not itself trigger
	// an election against a leader that is still alive.
	unlock()

	if durable != nil {
		ticker := time.NewTicker(c.opts.RaftHeartbeatInterval)
		defer ticker.Stop()
	waitForDurable:
		for {
			select {
			case <-durable:
				break waitForDurable
			case <-ticker.C:
				c.detector.Snooze(0)
			case <-ctx.Done():
				break waitForDurable
			}
		}
	}

	return resp, nil
}

// memoryPressureExceededUnlocked reports whether heap usage has crossed
// opts.MemorySoftLimitBytes; the check is disabled when the limit is zero.
// Caller holds c.state's update lock, though the check itself only reads
// runtime memory stats.
func (c *RaftConsensus) memoryPressureExceededUnlocked() bool {
	if c.opts.MemorySoftLimitBytes == 0 {
		return false
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc >= c.opts.MemorySoftLimitBytes
}
