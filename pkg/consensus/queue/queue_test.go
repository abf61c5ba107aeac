package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabletraft/tabletraft/pkg/consensus/queue"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

// fakeLogStore is a minimal in-memory types.LogStore for queue tests; it
// does not exercise durability or segmenting, only the (term, index)
// bookkeeping the queue itself depends on.
type fakeLogStore struct {
	mu      sync.Mutex
	entries []*types.ReplicateMsg
}

func (f *fakeLogStore) AppendOperations(_ context.Context, entries []*types.ReplicateMsg, onDurable func(error)) error {
	f.mu.Lock()
	f.entries = append(f.entries, entries...)
	f.mu.Unlock()
	if onDurable != nil {
		onDurable(nil)
	}
	return nil
}

func (f *fakeLogStore) LatestEntryOpId() types.OpId {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return types.OpId{}
	}
	return f.entries[len(f.entries)-1].Id
}

func (f *fakeLogStore) WaitForSafeOpIdToApply(context.Context, types.OpId) error { return nil }

func (f *fakeLogStore) LookupOpId(index int64) (types.OpId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Id.Index == index {
			return e.Id, nil
		}
	}
	return types.OpId{}, assertNotFound{}
}

type assertNotFound struct{}

func (assertNotFound) Error() string { return "not found" }

func (f *fakeLogStore) ReadReplicatesInRange(_ context.Context, lo, hi int64, _ int) ([]*types.ReplicateMsg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ReplicateMsg
	for _, e := range f.entries {
		if e.Id.Index >= lo && e.Id.Index <= hi {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLogStore) GetSegmentPrefixNotIncluding(int64) ([]int64, error) { return nil, nil }

func (f *fakeLogStore) LastOpIdWithType(types.OpKind) (types.OpId, bool) { return types.OpId{}, false }

func newTestQueue(t *testing.T, log types.LogStore) (*queue.PeerMessageQueue, chan types.OpId) {
	t.Helper()
	notified := make(chan types.OpId, 8)
	q, err := queue.New("self", log, func(id types.OpId) { notified <- id }, nil)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q, notified
}

func threeVoterConfig() types.RaftConfig {
	return types.RaftConfig{
		Peers: []types.Peer{
			{UUID: "self", MemberType: types.VOTER},
			{UUID: "b", MemberType: types.VOTER},
			{UUID: "c", MemberType: types.VOTER},
		},
		OpIdIndex: 0,
	}
}

func TestRequestForPeerStartsAtNextIndex(t *testing.T) {
	log := &fakeLogStore{}
	q, _ := newTestQueue(t, log)
	cfg := threeVoterConfig()
	q.SetLeaderMode(types.OpId{}, 1, cfg)

	require.NoError(t, q.AppendOperations(context.Background(), []*types.ReplicateMsg{
		{Id: types.OpId{Term: 1, Index: 1}},
		{Id: types.OpId{Term: 1, Index: 2}},
	}, nil))

	req, needsBootstrap, memberType, _, err := q.RequestForPeer("b")
	require.NoError(t, err)
	assert.False(t, needsBootstrap)
	assert.Equal(t, types.VOTER, memberType)
	require.Len(t, req.Ops, 2)
	assert.Equal(t, int64(1), req.Ops[0].Id.Index)
}

func TestResponseFromPeerAdvancesMajorityOnTwoOfThree(t *testing.T) {
	log := &fakeLogStore{}
	q, notified := newTestQueue(t, log)
	cfg := threeVoterConfig()
	q.SetLeaderMode(types.OpId{}, 1, cfg)

	require.NoError(t, q.AppendOperations(context.Background(), []*types.ReplicateMsg{
		{Id: types.OpId{Term: 1, Index: 1}},
	}, nil))

	more, err := q.ResponseFromPeer("b", &types.UpdateConsensusResponse{
		Status: types.UpdateConsensusStatus{LastReceived: types.OpId{Term: 1, Index: 1}},
	})
	require.NoError(t, err)
	assert.False(t, more)

	select {
	case id := <-notified:
		assert.Equal(t, types.OpId{Term: 1, Index: 1}, id)
	case <-time.After(time.Second):
		t.Fatal("expected majority-replicated notification after 2 of 3 voters (self + b) caught up")
	}
}

func TestResponseFromPeerPrecedingMismatchDecrementsNextIndex(t *testing.T) {
	log := &fakeLogStore{}
	q, _ := newTestQueue(t, log)
	cfg := threeVoterConfig()
	q.SetLeaderMode(types.OpId{}, 1, cfg)

	require.NoError(t, q.AppendOperations(context.Background(), []*types.ReplicateMsg{
		{Id: types.OpId{Term: 1, Index: 1}},
		{Id: types.OpId{Term: 1, Index: 2}},
	}, nil))

	_, err := q.ResponseFromPeer("b", &types.UpdateConsensusResponse{
		Status: types.UpdateConsensusStatus{
			Error: &types.ConsensusError{Code: types.ErrPrecedingEntryDidntMatch},
		},
	})
	require.NoError(t, err)

	req, _, _, lastOk, err := q.RequestForPeer("b")
	require.NoError(t, err)
	assert.False(t, lastOk)
	require.NotEmpty(t, req.Ops)
	assert.Less(t, req.Ops[0].Id.Index, int64(2))

	progress, ok := q.Progress("b")
	require.True(t, ok)
	assert.False(t, progress.LastResponsiveAt.IsZero(), "a PRECEDING_ENTRY_DIDNT_MATCH reply is a successful round trip and must count as liveness")
}

func TestUntrackPeerRemovesFromMajorityComputation(t *testing.T) {
	log := &fakeLogStore{}
	q, _ := newTestQueue(t, log)
	cfg := threeVoterConfig()
	q.SetLeaderMode(types.OpId{}, 1, cfg)
	q.UntrackPeer("c")

	_, _, _, _, err := q.RequestForPeer("c")
	assert.Error(t, err)
}

func TestAppendOperationsAdvancesMajorityForSoloVoter(t *testing.T) {
	log := &fakeLogStore{}
	q, notified := newTestQueue(t, log)
	cfg := types.RaftConfig{
		Peers:     []types.Peer{{UUID: "self", MemberType: types.VOTER}},
		OpIdIndex: 0,
	}
	q.SetLeaderMode(types.OpId{}, 1, cfg)

	require.NoError(t, q.AppendOperations(context.Background(), []*types.ReplicateMsg{
		{Id: types.OpId{Term: 1, Index: 1}},
	}, nil))

	select {
	case id := <-notified:
		assert.Equal(t, types.OpId{Term: 1, Index: 1}, id)
	case <-time.After(time.Second):
		t.Fatal("majority-replicated callback never fired for solo voter")
	}
}
