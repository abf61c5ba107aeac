package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/state"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

func newState(t *testing.T) *state.ReplicaState {
	t.Helper()
	cfg := types.RaftConfig{
		Peers:     []types.Peer{{UUID: "a", MemberType: types.VOTER}},
		OpIdIndex: 0,
	}
	s := state.New(tlog.New("test"), cfg, types.ConsensusMetadata{CurrentTerm: 1})
	unlock, err := s.LockForStart()
	require.NoError(t, err)
	s.SetRunning()
	unlock()
	return s
}

func TestNewIdUnlockedAllocatesNextIndex(t *testing.T) {
	s := newState(t)
	unlock, err := s.LockForUpdate()
	require.NoError(t, err)
	defer unlock()

	// A fresh replica is a follower; force leader for this unit test of
	// allocation mechanics alone.
	s.BecomeLeaderUnlocked("a")

	id := s.NewIdUnlocked()
	assert.Equal(t, types.OpId{Term: 1, Index: 1}, id)

	id2 := s.NewIdUnlocked()
	assert.Equal(t, types.OpId{Term: 1, Index: 2}, id2)
}

func TestCancelPendingOperationIsDeterministic(t *testing.T) {
	s := newState(t)
	unlock, err := s.LockForUpdate()
	require.NoError(t, err)
	defer unlock()
	s.BecomeLeaderUnlocked("a")

	id := s.NewIdUnlocked()
	s.CancelPendingOperation(id, false)

	// Cancel-then-allocate of the next id yields the same id.
	again := s.NewIdUnlocked()
	assert.Equal(t, id, again)
}

func TestAddPendingOperationRejectsIndexAtOrBelowCommitted(t *testing.T) {
	s := newState(t)
	unlock, err := s.LockForUpdate()
	require.NoError(t, err)
	defer unlock()
	s.BecomeLeaderUnlocked("a")

	id := s.NewIdUnlocked()
	round := types.NewConsensusRound(&types.ReplicateMsg{Id: id}, 1, nil)
	require.NoError(t, s.AddPendingOperation(round))

	applyCtx := fakeApplyContext{}
	changed, err := s.AdvanceCommittedIndexUnlocked(applyCtx, id)
	require.NoError(t, err)
	assert.True(t, changed)

	// Re-adding at the now-committed index must fail.
	dup := types.NewConsensusRound(&types.ReplicateMsg{Id: id}, 1, nil)
	err = s.AddPendingOperation(dup)
	assert.Error(t, err)
	assert.Equal(t, consensuserrors.KindIllegalState, consensuserrors.KindOf(err))
}

func TestAbortOpsAfterUnlockedRegressesLastReceived(t *testing.T) {
	s := newState(t)
	unlock, err := s.LockForUpdate()
	require.NoError(t, err)
	defer unlock()
	s.BecomeLeaderUnlocked("a")

	var aborted []bool
	for i := 0; i < 3; i++ {
		id := s.NewIdUnlocked()
		idx := id
		round := types.NewConsensusRound(&types.ReplicateMsg{Id: idx}, 1, func(status types.ReplicateStatus) {
			aborted = append(aborted, !status.OK)
		})
		require.NoError(t, s.AddPendingOperation(round))
	}
	assert.Equal(t, types.OpId{Term: 1, Index: 3}, s.LastReceivedOpIdUnlocked())

	s.AbortOpsAfterUnlocked(1)
	assert.Equal(t, types.OpId{Term: 1, Index: 1}, s.LastReceivedOpIdUnlocked())
	require.Len(t, aborted, 2)
	assert.True(t, aborted[0])
	assert.True(t, aborted[1])
}

func TestIsOpCommittedOrPendingDetectsTermMismatch(t *testing.T) {
	s := newState(t)
	unlock, err := s.LockForUpdate()
	require.NoError(t, err)
	defer unlock()
	s.BecomeLeaderUnlocked("a")

	id := s.NewIdUnlocked()
	round := types.NewConsensusRound(&types.ReplicateMsg{Id: id}, 1, nil)
	require.NoError(t, s.AddPendingOperation(round))

	ok, mismatch := s.IsOpCommittedOrPending(id)
	assert.True(t, ok)
	assert.False(t, mismatch)

	wrongTerm := types.OpId{Term: 99, Index: id.Index}
	ok, mismatch = s.IsOpCommittedOrPending(wrongTerm)
	assert.False(t, ok)
	assert.True(t, mismatch)
}

func TestCheckOpInSequence(t *testing.T) {
	prev := types.OpId{Term: 1, Index: 5}
	assert.NoError(t, state.CheckOpInSequence(prev, types.OpId{Term: 1, Index: 6}))
	assert.NoError(t, state.CheckOpInSequence(prev, types.OpId{Term: 2, Index: 6}))
	assert.Error(t, state.CheckOpInSequence(prev, types.OpId{Term: 1, Index: 7}))
	assert.Error(t, state.CheckOpInSequence(prev, types.OpId{Term: 0, Index: 6}))
}

func TestLeaseNeverRegresses(t *testing.T) {
	s := newState(t)
	s.UpdateOldLeaderLeaseExpiration(0, 100)
	before := s.OldLeaderHtLeaseExpiration()
	s.UpdateOldLeaderLeaseExpiration(0, 50)
	assert.Equal(t, before, s.OldLeaderHtLeaseExpiration(), "lease must not regress on a lower proposal")
	s.UpdateOldLeaderLeaseExpiration(0, 200)
	assert.Equal(t, uint64(200), s.OldLeaderHtLeaseExpiration())
}

type fakeApplyContext struct{}

func (fakeApplyContext) Apply(round *types.ConsensusRound) error { return nil }
