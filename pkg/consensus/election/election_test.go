package election_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/election"
	"github.com/tabletraft/tabletraft/pkg/consensus/state"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

type fakeMetadataStore struct {
	mu    sync.Mutex
	saved []types.ConsensusMetadata
}

func (f *fakeMetadataStore) Load() (types.ConsensusMetadata, error) { return types.ConsensusMetadata{}, nil }
func (f *fakeMetadataStore) Save(md types.ConsensusMetadata) error {
	f.mu.Lock()
	f.saved = append(f.saved, md)
	f.mu.Unlock()
	return nil
}

func (f *fakeMetadataStore) last() types.ConsensusMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved[len(f.saved)-1]
}

type fakeDetector struct {
	snoozed int
}

func (f *fakeDetector) Snooze(time.Duration) { f.snoozed++ }

func newTestState(t *testing.T, term int64, votedFor string) *state.ReplicaState {
	t.Helper()
	cfg := types.RaftConfig{Peers: []types.Peer{
		{UUID: "self", MemberType: types.VOTER},
		{UUID: "other", MemberType: types.VOTER},
	}}
	s := state.New(tlog.New("test"), cfg, types.ConsensusMetadata{CurrentTerm: term, VotedFor: votedFor})
	unlock, err := s.LockForStart()
	require.NoError(t, err)
	s.SetRunning()
	unlock()
	return s
}

func TestHandleRequestVoteGrantsWhenUnvoted(t *testing.T) {
	s := newTestState(t, 1, "")
	md := &fakeMetadataStore{}
	det := &fakeDetector{}

	resp, err := election.HandleRequestVote(s, md, det, false, &types.RequestVoteRequest{
		CandidateUUID: "other",
		CandidateTerm: 1,
	})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted)
	assert.Equal(t, 1, det.snoozed)
	assert.Equal(t, "other", md.last().VotedFor)
}

func TestHandleRequestVoteDeniesLeaderIsAlive(t *testing.T) {
	s := newTestState(t, 1, "")
	md := &fakeMetadataStore{}
	det := &fakeDetector{}

	resp, err := election.HandleRequestVote(s, md, det, true, &types.RequestVoteRequest{
		CandidateUUID: "other",
		CandidateTerm: 1,
	})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted)
	assert.Equal(t, types.ErrLeaderIsAlive, resp.Error.Code)
}

func TestHandleRequestVoteDeniesStaleTerm(t *testing.T) {
	s := newTestState(t, 5, "")
	md := &fakeMetadataStore{}
	det := &fakeDetector{}

	resp, err := election.HandleRequestVote(s, md, det, false, &types.RequestVoteRequest{
		CandidateUUID: "other",
		CandidateTerm: 3,
	})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted)
	assert.Equal(t, types.ErrInvalidTerm, resp.Error.Code)
}

func TestHandleRequestVoteDeniesAlreadyVotedForSomeoneElse(t *testing.T) {
	s := newTestState(t, 1, "third")
	md := &fakeMetadataStore{}
	det := &fakeDetector{}

	resp, err := election.HandleRequestVote(s, md, det, false, &types.RequestVoteRequest{
		CandidateUUID: "other",
		CandidateTerm: 1,
	})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted)
	assert.Equal(t, types.ErrAlreadyVoted, resp.Error.Code)
}

func TestHandleRequestVoteGrantsRepeatToSameCandidate(t *testing.T) {
	s := newTestState(t, 1, "other")
	md := &fakeMetadataStore{}
	det := &fakeDetector{}

	resp, err := election.HandleRequestVote(s, md, det, false, &types.RequestVoteRequest{
		CandidateUUID: "other",
		CandidateTerm: 1,
	})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted)
}

func TestHandleRequestVoteAdvancesTermAndGrants(t *testing.T) {
	s := newTestState(t, 1, "third")
	md := &fakeMetadataStore{}
	det := &fakeDetector{}

	resp, err := election.HandleRequestVote(s, md, det, false, &types.RequestVoteRequest{
		CandidateUUID: "other",
		CandidateTerm: 7,
	})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted)
	assert.Equal(t, int64(7), resp.ResponderTerm)
}

type fakeVoteProxy struct {
	granted bool
	closed  bool
}

func (p *fakeVoteProxy) UpdateAsync(context.Context, *types.UpdateConsensusRequest, func(*types.UpdateConsensusResponse, error)) {
}
func (p *fakeVoteProxy) RequestVoteAsync(ctx context.Context, req *types.RequestVoteRequest, cb func(*types.RequestVoteResponse, error)) {
	go cb(&types.RequestVoteResponse{ResponderTerm: req.CandidateTerm, VoteGranted: p.granted}, nil)
}
func (p *fakeVoteProxy) RunLeaderElectionAsync(context.Context, *types.RunLeaderElectionRequest, func(*types.RunLeaderElectionResponse, error)) {
}
func (p *fakeVoteProxy) LeaderElectionLostAsync(context.Context, *types.LeaderElectionLostRequest, func(*types.LeaderElectionLostResponse, error)) {
}
func (p *fakeVoteProxy) StartRemoteBootstrap(context.Context, *types.StartRemoteBootstrapRequest) {}
func (p *fakeVoteProxy) Close()                                                                   { p.closed = true }

type fakeProxyFactory struct {
	granted bool
}

func (f *fakeProxyFactory) NewProxy(types.Peer) (types.PeerProxy, error) {
	return &fakeVoteProxy{granted: f.granted}, nil
}

func TestRunElectionWinsWithUnanimousVotes(t *testing.T) {
	s := newTestState(t, 1, "")
	md := &fakeMetadataStore{}
	cfg := types.RaftConfig{Peers: []types.Peer{
		{UUID: "self", MemberType: types.VOTER},
		{UUID: "other", MemberType: types.VOTER},
	}}

	result, err := election.RunElection(context.Background(), s, md, &fakeProxyFactory{granted: true}, cfg, "self", "tablet-1", false, election.NewConfig(), tlog.New("test"))
	require.NoError(t, err)
	assert.Equal(t, election.Won, result.Decision)
	assert.Equal(t, int64(2), result.Term)
}

func TestRunElectionLosesWhenOutvoted(t *testing.T) {
	s := newTestState(t, 1, "")
	md := &fakeMetadataStore{}
	cfg := types.RaftConfig{Peers: []types.Peer{
		{UUID: "self", MemberType: types.VOTER},
		{UUID: "other", MemberType: types.VOTER},
		{UUID: "third", MemberType: types.VOTER},
	}}

	result, err := election.RunElection(context.Background(), s, md, &fakeProxyFactory{granted: false}, cfg, "self", "tablet-1", false, election.NewConfig(), tlog.New("test"))
	require.NoError(t, err)
	assert.Equal(t, election.Lost, result.Decision)
}
