package consensus

import (
	"context"

	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/pkg/consensus/peer"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

// ProposeRequest is one round a caller wants replicated. BoundTerm must be
// a term snapshot taken via CurrentTerm before building the request; it is
// re-checked under the replica-state lock so a term change racing the
// proposal is caught rather than silently replicated under the wrong term.
// PreAppendHook, if set, runs after the OpId is allocated and before the
// round is queued — the seam writes use to materialize hybrid time into
// the payload once they know their final position in the log.
type ProposeRequest struct {
	OpType             types.OpKind
	HybridTime         uint64
	Payload            []byte
	ChangeConfigRecord *types.ChangeConfigRecord
	BoundTerm          int64
	PreAppendHook      func(msg *types.ReplicateMsg) error
	OnComplete         types.ReplicateCallback
}

// Replicate submits a single round. See ReplicateBatch.
func (c *RaftConsensus) Replicate(ctx context.Context, req *ProposeRequest) (types.OpId, error) {
	ids, err := c.ReplicateBatch(ctx, []*ProposeRequest{req})
	if err != nil {
		return types.OpId{}, err
	}
	return ids[0], nil
}

// ReplicateBatch is the leader path: allocate OpIds for every request,
// queue them all via the log, and advance last-received. Any failure part
// way through rolls back every id allocated by this call, in reverse
// order, leaving ReplicaState exactly as it was before the call started.
func (c *RaftConsensus) ReplicateBatch(ctx context.Context, reqs []*ProposeRequest) ([]types.OpId, error) {
	unlock, err := c.state.LockForReplicate()
	if err != nil {
		return nil, err
	}

	currentTerm := c.state.CurrentTermUnlocked()
	ids := make([]types.OpId, 0, len(reqs))
	msgs := make([]*types.ReplicateMsg, 0, len(reqs))

	rollback := func(upTo int) {
		for i := upTo - 1; i >= 0; i-- {
			c.state.CancelPendingOperation(ids[i], true)
		}
	}

	for i, req := range reqs {
		if req.BoundTerm != currentTerm {
			rollback(i)
			unlock()
			return nil, consensuserrors.New(consensuserrors.KindIllegalState,
				"bound term %d does not match current term %d", req.BoundTerm, currentTerm)
		}

		id := c.state.NewIdUnlocked()
		msg := &types.ReplicateMsg{
			Id:                 id,
			OpType:             req.OpType,
			HybridTime:         req.HybridTime,
			CommittedOpId:      c.state.CommittedOpIdUnlocked(),
			Payload:            req.Payload,
			ChangeConfigRecord: req.ChangeConfigRecord,
		}

		if req.PreAppendHook != nil {
			if err := req.PreAppendHook(msg); err != nil {
				c.state.CancelPendingOperation(id, false)
				rollback(i)
				unlock()
				return nil, err
			}
		}

		round := types.NewConsensusRound(msg, currentTerm, req.OnComplete)
		if err := c.state.AddPendingOperation(round); err != nil {
			c.state.CancelPendingOperation(id, false)
			rollback(i)
			unlock()
			return nil, err
		}

		ids = append(ids, id)
		msgs = append(msgs, msg)
	}

	if err := c.queue.AppendOperations(ctx, msgs, nil); err != nil {
		rollback(len(ids))
		unlock()
		return nil, err
	}

	unlock()

	c.peers.SignalRequest(peer.NonEmptyOnly)
	return ids, nil
}
