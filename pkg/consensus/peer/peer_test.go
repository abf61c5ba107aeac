package peer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabletraft/tabletraft/pkg/consensus/peer"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

type fakeProxy struct {
	mu       sync.Mutex
	updates  int
	respond  func(*types.UpdateConsensusRequest) (*types.UpdateConsensusResponse, error)
	closed   bool
}

func (f *fakeProxy) UpdateAsync(ctx context.Context, req *types.UpdateConsensusRequest, cb func(*types.UpdateConsensusResponse, error)) {
	f.mu.Lock()
	f.updates++
	respond := f.respond
	f.mu.Unlock()
	resp, err := respond(req)
	cb(resp, err)
}

func (f *fakeProxy) RequestVoteAsync(context.Context, *types.RequestVoteRequest, func(*types.RequestVoteResponse, error)) {}
func (f *fakeProxy) RunLeaderElectionAsync(context.Context, *types.RunLeaderElectionRequest, func(*types.RunLeaderElectionResponse, error)) {
}
func (f *fakeProxy) LeaderElectionLostAsync(context.Context, *types.LeaderElectionLostRequest, func(*types.LeaderElectionLostResponse, error)) {
}
func (f *fakeProxy) StartRemoteBootstrap(context.Context, *types.StartRemoteBootstrapRequest) {}
func (f *fakeProxy) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

type fakeQueue struct {
	mu            sync.Mutex
	nextIndex     int64
	latest        int64
	responses     int
	untracked     bool
	failedReports []string
}

func (q *fakeQueue) RequestForPeer(uuid string) (*types.UpdateConsensusRequest, bool, types.MemberType, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ops []*types.ReplicateMsg
	if q.nextIndex <= q.latest {
		ops = []*types.ReplicateMsg{{Id: types.OpId{Term: 1, Index: q.nextIndex}}}
	}
	return &types.UpdateConsensusRequest{DestUUID: uuid, Ops: ops}, false, types.VOTER, true, nil
}

func (q *fakeQueue) ResponseFromPeer(uuid string, resp *types.UpdateConsensusResponse) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responses++
	if resp.Status.LastReceived.Index > 0 {
		q.nextIndex = resp.Status.LastReceived.Index + 1
	}
	return q.nextIndex <= q.latest, nil
}

func (q *fakeQueue) NotifyPeerIsResponsiveDespiteError(string) {}
func (q *fakeQueue) NotifyObserversOfFailedFollower(uuid string, reason string) {
	q.mu.Lock()
	q.failedReports = append(q.failedReports, reason)
	q.mu.Unlock()
}
func (q *fakeQueue) UntrackPeer(string) {
	q.mu.Lock()
	q.untracked = true
	q.mu.Unlock()
}

func newTestPeer(t *testing.T, proxy *fakeProxy, q *fakeQueue) (*peer.Peer, *ants.Pool) {
	t.Helper()
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	opts := peer.NewOptions()
	opts.HeartbeatInterval = time.Hour // tests drive sends explicitly
	p := peer.New(types.Peer{UUID: "b", MemberType: types.VOTER}, "tablet-1", proxy, q, nil, nil, pool, opts)
	t.Cleanup(p.Close)
	return p, pool
}

func TestSignalRequestPipelinesUntilCaughtUp(t *testing.T) {
	q := &fakeQueue{nextIndex: 1, latest: 3}
	var mu sync.Mutex
	sent := 0
	proxy := &fakeProxy{respond: func(req *types.UpdateConsensusRequest) (*types.UpdateConsensusResponse, error) {
		mu.Lock()
		sent++
		mu.Unlock()
		last := types.OpId{}
		if len(req.Ops) > 0 {
			last = req.Ops[0].Id
		}
		return &types.UpdateConsensusResponse{Status: types.UpdateConsensusStatus{LastReceived: last}}, nil
	}}
	p, _ := newTestPeer(t, proxy, q)

	require.NoError(t, p.SignalRequest(peer.AlwaysSend))

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.nextIndex > q.latest
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.GreaterOrEqual(t, sent, 3)
	mu.Unlock()
}

func TestSignalRequestSecondCallWhileInFlightIsNoop(t *testing.T) {
	q := &fakeQueue{nextIndex: 1, latest: 1}
	block := make(chan struct{})
	proxy := &fakeProxy{respond: func(*types.UpdateConsensusRequest) (*types.UpdateConsensusResponse, error) {
		<-block
		return &types.UpdateConsensusResponse{}, nil
	}}
	p, _ := newTestPeer(t, proxy, q)

	require.NoError(t, p.SignalRequest(peer.AlwaysSend))
	time.Sleep(20 * time.Millisecond) // let the first send acquire the permit
	require.NoError(t, p.SignalRequest(peer.AlwaysSend))
	close(block)
}

func TestTopLevelErrorReportsFailedFollower(t *testing.T) {
	q := &fakeQueue{nextIndex: 1, latest: 1}
	proxy := &fakeProxy{respond: func(*types.UpdateConsensusRequest) (*types.UpdateConsensusResponse, error) {
		return &types.UpdateConsensusResponse{TopLevelError: assertErr("wrong server uuid")}, nil
	}}
	p, _ := newTestPeer(t, proxy, q)

	require.NoError(t, p.SignalRequest(peer.AlwaysSend))

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.failedReports) == 1
	}, time.Second, time.Millisecond)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestHeartbeaterSuppressedRightAfterRealSend(t *testing.T) {
	q := &fakeQueue{nextIndex: 1, latest: 1}
	var mu sync.Mutex
	sends := 0
	proxy := &fakeProxy{respond: func(req *types.UpdateConsensusRequest) (*types.UpdateConsensusResponse, error) {
		mu.Lock()
		sends++
		mu.Unlock()
		last := types.OpId{}
		if len(req.Ops) > 0 {
			last = req.Ops[0].Id
		}
		return &types.UpdateConsensusResponse{Status: types.UpdateConsensusStatus{LastReceived: last}}, nil
	}}

	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	opts := peer.NewOptions()
	opts.HeartbeatInterval = time.Hour
	p := peer.New(types.Peer{UUID: "b", MemberType: types.VOTER}, "tablet-1", proxy, q, nil, nil, pool, opts)
	t.Cleanup(p.Close)

	require.NoError(t, p.SignalRequest(peer.AlwaysSend))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sends >= 1
	}, time.Second, time.Millisecond)

	// A real send just went out, so a heartbeat landing well inside the
	// (hour-long) interval must be suppressed rather than fire a redundant
	// status-only request.
	p.ForceHeartbeatTick()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, sends, "heartbeat fired despite a real send within the interval")
}

func TestCloseUntracksPeer(t *testing.T) {
	q := &fakeQueue{}
	proxy := &fakeProxy{respond: func(*types.UpdateConsensusRequest) (*types.UpdateConsensusResponse, error) {
		return &types.UpdateConsensusResponse{}, nil
	}}
	p, _ := newTestPeer(t, proxy, q)
	p.Close()
	assert.True(t, q.untracked)
}
