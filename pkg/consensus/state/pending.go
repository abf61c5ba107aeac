package state

import (
	"sort"

	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
)

// LastReceivedOpIdUnlocked returns the highest OpId this replica has
// received (from itself, as leader, or from the current leader).
func (s *ReplicaState) LastReceivedOpIdUnlocked() OpId {
	return s.lastReceivedOpId
}

func (s *ReplicaState) CommittedOpIdUnlocked() OpId {
	return s.committedOpId
}

// NewIdUnlocked allocates the next leader index in the current term. Must
// be called after LockForReplicate. Pairs with CancelPendingOperation on
// rollback: cancel-then-allocate must be deterministic, which holds here
// because allocation is a pure function of lastReceivedOpId.
func (s *ReplicaState) NewIdUnlocked() OpId {
	id := OpId{Term: s.currentTerm, Index: s.lastReceivedOpId.Index + 1}
	s.lastReceivedOpId = id
	return id
}

// CancelPendingOperation rolls back an allocation made by NewIdUnlocked
// that was never (or no longer will be) added as a pending round.
// shouldExist controls whether the id is expected to currently be pending.
func (s *ReplicaState) CancelPendingOperation(id OpId, shouldExist bool) {
	_, exists := s.pending[id.Index]
	if exists != shouldExist {
		s.log.Panic("CancelPendingOperation existence mismatch",
			zap.String("id", id.String()), zap.Bool("expected", shouldExist), zap.Bool("actual", exists))
	}
	if exists {
		delete(s.pending, id.Index)
	}
	if id.Index == s.lastReceivedOpId.Index && id.Term == s.lastReceivedOpId.Term {
		s.lastReceivedOpId = s.highestPendingOrCommitted()
	}
}

func (s *ReplicaState) highestPendingOrCommitted() OpId {
	best := s.committedOpId
	for _, r := range s.pending {
		if best.Less(r.Id()) {
			best = r.Id()
		}
	}
	return best
}

// AddPendingOperation inserts round by index; fails if an entry with the
// same index already exists with a different term, or if the index is at
// or below committed.
func (s *ReplicaState) AddPendingOperation(round *types.ConsensusRound) error {
	idx := round.Id().Index
	if idx <= s.committedOpId.Index {
		return consensuserrors.New(consensuserrors.KindIllegalState,
			"cannot add pending operation at or below committed index %d", s.committedOpId.Index)
	}
	if existing, ok := s.pending[idx]; ok && existing.Id().Term != round.Id().Term {
		return consensuserrors.New(consensuserrors.KindIllegalState,
			"index %d already pending with different term %s != %s", idx, existing.Id(), round.Id())
	}
	s.pending[idx] = round
	if s.lastReceivedOpId.Less(round.Id()) {
		s.lastReceivedOpId = round.Id()
	}
	return nil
}

// AbortOpsAfterUnlocked drops all pending rounds with index > index,
// invoking each one's completion callback with Aborted, and sets
// lastReceivedOpId to the largest remaining pending id (or committed id if
// none remain). last_received_op_id is monotone within a term and may
// only regress via this method.
func (s *ReplicaState) AbortOpsAfterUnlocked(index int64) {
	var indices []int64
	for i := range s.pending {
		if i > index {
			indices = append(indices, i)
		}
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] > indices[b] })
	for _, i := range indices {
		round := s.pending[i]
		delete(s.pending, i)
		round.Finish(types.ReplicateStatus{OK: false, Err: consensuserrors.ErrAborted})
	}
	s.lastReceivedOpId = s.highestPendingOrCommitted()
}

// IsOpCommittedOrPending reports whether opId is at or below committed, or
// matches a pending round exactly; termMismatch is true iff a pending round
// exists at the same index with a different term.
func (s *ReplicaState) IsOpCommittedOrPending(opId OpId) (ok bool, termMismatch bool) {
	if opId.LessOrEqual(s.committedOpId) {
		return true, false
	}
	if round, found := s.pending[opId.Index]; found {
		if round.Id().Term == opId.Term {
			return true, false
		}
		return false, true
	}
	return false, false
}

// CheckOpInSequence enforces cur.term >= prev.term && cur.index ==
// prev.index+1; violation is a Corruption error.
func CheckOpInSequence(prev, cur OpId) error {
	if cur.Term < prev.Term || cur.Index != prev.Index+1 {
		return consensuserrors.New(consensuserrors.KindCorruption,
			"op %s does not follow %s in sequence", cur, prev)
	}
	return nil
}

// AdvanceCommittedIndexUnlocked verifies that every index in
// (committed, target] is pending, applies them in index order via ctx,
// and updates committedOpId. Returns whether the
// committed index changed.
func (s *ReplicaState) AdvanceCommittedIndexUnlocked(ctx applyContext, target OpId) (bool, error) {
	if target.LessOrEqual(s.committedOpId) {
		return false, nil
	}
	for i := s.committedOpId.Index + 1; i <= target.Index; i++ {
		if _, ok := s.pending[i]; !ok {
			return false, consensuserrors.New(consensuserrors.KindIllegalState,
				"cannot advance committed index to %d: index %d is not pending", target.Index, i)
		}
	}
	for i := s.committedOpId.Index + 1; i <= target.Index; i++ {
		round := s.pending[i]
		if err := ctx.Apply(round); err != nil {
			return false, err
		}
		delete(s.pending, i)
		round.Finish(types.ReplicateStatus{OK: true})
	}
	s.committedOpId = target
	return true, nil
}

// applyContext is the narrow capability AdvanceCommittedIndexUnlocked needs
// to hand a round to the storage engine; satisfied by the consensus
// package's tabletApplyContext, which wraps a types.Tablet. Kept
// separate here so this package does not import the larger port surface.
type applyContext interface {
	Apply(round *types.ConsensusRound) error
}

// OpIdAtIndexUnlocked resolves a bare index (as carried on the wire in
// committed_index) to the full (term, index) OpId this replica knows for
// it, looked up from the committed cursor or the pending map. ok is false
// if this replica does not yet have any record of that index.
func (s *ReplicaState) OpIdAtIndexUnlocked(index int64) (OpId, bool) {
	if index == s.committedOpId.Index {
		return s.committedOpId, true
	}
	if r, ok := s.pending[index]; ok {
		return r.Id(), true
	}
	return OpId{}, false
}

func (s *ReplicaState) PendingCount() int {
	return len(s.pending)
}

func (s *ReplicaState) PendingRound(index int64) (*types.ConsensusRound, bool) {
	r, ok := s.pending[index]
	return r, ok
}
