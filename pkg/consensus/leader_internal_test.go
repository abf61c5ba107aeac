package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

// These tests reach into RaftConsensus's own package so they can force a
// replica into Leader role directly (via state.BecomeLeaderUnlocked and
// queue.SetLeaderMode, the same two calls becomeSoleLeader itself makes)
// rather than driving a full multi-peer election.

type internalFakeLogStore struct {
	mu      sync.Mutex
	entries []*types.ReplicateMsg
}

func (f *internalFakeLogStore) AppendOperations(_ context.Context, entries []*types.ReplicateMsg, onDurable func(error)) error {
	f.mu.Lock()
	f.entries = append(f.entries, entries...)
	f.mu.Unlock()
	if onDurable != nil {
		onDurable(nil)
	}
	return nil
}

func (f *internalFakeLogStore) LatestEntryOpId() types.OpId {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return types.OpId{}
	}
	return f.entries[len(f.entries)-1].Id
}

func (f *internalFakeLogStore) WaitForSafeOpIdToApply(context.Context, types.OpId) error { return nil }

func (f *internalFakeLogStore) LookupOpId(index int64) (types.OpId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Id.Index == index {
			return e.Id, nil
		}
	}
	return types.OpId{}, internalNotFoundErr{}
}

type internalNotFoundErr struct{}

func (internalNotFoundErr) Error() string { return "not found" }

func (f *internalFakeLogStore) ReadReplicatesInRange(_ context.Context, lo, hi int64, _ int) ([]*types.ReplicateMsg, error) {
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

func (f *internalFakeLogStore) GetSegmentPrefixNotIncluding(int64) ([]int64, error) { return nil, nil }

func (f *internalFakeLogStore) LastOpIdWithType(types.OpKind) (types.OpId, bool) { return types.OpId{}, false }

type internalFakeMetadataStore struct {
	mu sync.Mutex
	md types.ConsensusMetadata
}

func (f *internalFakeMetadataStore) Load() (types.ConsensusMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.md, nil
}

func (f *internalFakeMetadataStore) Save(md types.ConsensusMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.md = md
	return nil
}

type internalFakeClock struct{}

func (internalFakeClock) Now() uint64                { return 1 }
func (internalFakeClock) Update(uint64)              {}
func (internalFakeClock) MaxSafeTimeToReadAt() uint64 { return 1 }

type internalFakeTablet struct {
	mu      sync.Mutex
	applied []*types.ConsensusRound
}

func (f *internalFakeTablet) Apply(_ context.Context, round *types.ConsensusRound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, round)
	return nil
}

func (f *internalFakeTablet) MaxPersistentOpId() types.OpId { return types.OpId{} }

func (f *internalFakeTablet) SetFlushFilter(func(types.OpId) bool) {}

type internalFakeOperationFactory struct{}

func (internalFakeOperationFactory) StartOperation(_ context.Context, _ *types.ConsensusRound, onPrepared func(error)) error {
	onPrepared(nil)
	return nil
}

// newForcedLeader builds a multi-voter RaftConsensus and forces it straight
// into Leader role for peers[0] (assumed to be the local UUID), bypassing
// RunElection entirely.
func newForcedLeader(t *testing.T, localUUID string, peers []types.Peer) *RaftConsensus {
	t.Helper()

	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	committedConfig := types.RaftConfig{Peers: peers, OpIdIndex: 0}
	rc, err := New(localUUID, "tablet-1", committedConfig, types.ConsensusMetadata{CommittedConfig: committedConfig}, Deps{
		MetadataStore:    &internalFakeMetadataStore{},
		Clock:            internalFakeClock{},
		Log:              &internalFakeLogStore{},
		OperationFactory: internalFakeOperationFactory{},
		Tablet:           &internalFakeTablet{},
		WorkerPool:       pool,
	}, NewOptions())
	require.NoError(t, err)
	t.Cleanup(rc.Shutdown)
	require.NoError(t, rc.Start())

	// A single-voter config already elects itself sole leader in Start; a
	// multi-voter config starts as a follower and needs forcing here,
	// mirroring becomeSoleLeader's own state/queue calls.
	unlock, err := rc.state.LockForUpdate()
	require.NoError(t, err)
	if rc.state.IsLeaderUnlocked() {
		unlock()
		return rc
	}
	term := rc.state.CurrentTermUnlocked() + 1
	rc.state.SetCurrentTermUnlocked(term)
	rc.state.BecomeLeaderUnlocked(localUUID)
	committed := rc.state.CommittedOpIdUnlocked()
	active := rc.state.ActiveConfigUnlocked()
	unlock()

	rc.queue.SetLeaderMode(committed, term, active)
	return rc
}

func TestChangeConfigAddServerGeneratesPeerUUID(t *testing.T) {
	rc := newForcedLeader(t, "self", []types.Peer{{UUID: "self", MemberType: types.VOTER}})

	// Nothing has committed in term 1 yet; ChangeConfig refuses to proceed
	// until it has, so replicate one write first.
	_, err := rc.Replicate(context.Background(), &ProposeRequest{
		OpType:    types.OpWrite,
		Payload:   []byte("seed"),
		BoundTerm: 1,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		committed, err := rc.CommittedOpId()
		return err == nil && committed.Term == 1
	}, time.Second, 5*time.Millisecond, "seed write never committed")

	req := &ChangeConfigRequest{
		Type:              ChangeConfigAddServer,
		NewPeerAddr:       "10.0.0.2:9070",
		NewPeerMemberType: types.PRE_VOTER,
		BoundTerm:         1,
	}
	_, err = rc.ChangeConfig(context.Background(), req)
	require.NoError(t, err)

	assert.NotEmpty(t, req.PeerUUID)
	_, err = uuid.Parse(req.PeerUUID)
	assert.NoError(t, err, "generated peer UUID must be a valid UUID")

	require.Eventually(t, func() bool {
		cfg := rc.state.CommittedConfigUnlocked()
		p, ok := cfg.PeerByUUID(req.PeerUUID)
		return ok && p.MemberType == types.PRE_VOTER
	}, time.Second, 5*time.Millisecond, "ADD_SERVER config change never committed")
}

func TestStepDownRejectsNominateNotCaughtUpPeer(t *testing.T) {
	rc := newForcedLeader(t, "self", []types.Peer{
		{UUID: "self", MemberType: types.VOTER},
		{UUID: "straggler", MemberType: types.VOTER},
		{UUID: "acker", MemberType: types.VOTER},
	})

	id, err := rc.Replicate(context.Background(), &ProposeRequest{
		OpType:    types.OpWrite,
		Payload:   []byte("hello"),
		BoundTerm: 1,
	})
	require.NoError(t, err)

	// "acker" catches up so the write reaches a 2-of-3 majority; "straggler"
	// never responds, so it stays behind the resulting commit index.
	_, err = rc.queue.ResponseFromPeer("acker", &types.UpdateConsensusResponse{
		Status: types.UpdateConsensusStatus{LastReceived: id},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		committed, err := rc.CommittedOpId()
		return err == nil && committed.Index >= id.Index
	}, time.Second, 5*time.Millisecond, "write never reached majority")

	err = rc.StepDown(context.Background(), &StepDownRequest{NewLeaderUUID: "straggler"})
	assert.Error(t, err, "stepping down to a nominee that has not replicated the committed index must be rejected")
}
