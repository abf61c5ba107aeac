package rpcproxy

import (
	"context"

	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Proxy implements types.PeerProxy over one grpc.ClientConn. Each Async
// method fires its RPC on its own goroutine and invokes cb once the call
// returns, matching the fire-and-continue shape Peer's single-in-flight
// sender loop expects.
type Proxy struct {
	tlog.Logger
	conn *grpc.ClientConn
}

func NewProxy(conn *grpc.ClientConn) *Proxy {
	return &Proxy{Logger: tlog.New("rpcproxy"), conn: conn}
}

func (p *Proxy) UpdateAsync(ctx context.Context, req *types.UpdateConsensusRequest, cb func(*types.UpdateConsensusResponse, error)) {
	go func() {
		resp := new(types.UpdateConsensusResponse)
		err := p.conn.Invoke(ctx, ServiceName+"/Update", req, resp, grpc.CallContentSubtype(codecName))
		cb(resp, err)
	}()
}

func (p *Proxy) RequestVoteAsync(ctx context.Context, req *types.RequestVoteRequest, cb func(*types.RequestVoteResponse, error)) {
	go func() {
		resp := new(types.RequestVoteResponse)
		err := p.conn.Invoke(ctx, ServiceName+"/RequestVote", req, resp, grpc.CallContentSubtype(codecName))
		cb(resp, err)
	}()
}

func (p *Proxy) RunLeaderElectionAsync(ctx context.Context, req *types.RunLeaderElectionRequest, cb func(*types.RunLeaderElectionResponse, error)) {
	go func() {
		resp := new(types.RunLeaderElectionResponse)
		err := p.conn.Invoke(ctx, ServiceName+"/RunLeaderElection", req, resp, grpc.CallContentSubtype(codecName))
		cb(resp, err)
	}()
}

func (p *Proxy) LeaderElectionLostAsync(ctx context.Context, req *types.LeaderElectionLostRequest, cb func(*types.LeaderElectionLostResponse, error)) {
	go func() {
		resp := new(types.LeaderElectionLostResponse)
		err := p.conn.Invoke(ctx, ServiceName+"/LeaderElectionLost", req, resp, grpc.CallContentSubtype(codecName))
		cb(resp, err)
	}()
}

// StartRemoteBootstrap is fire-and-forget: errors are logged, never
// surfaced to the caller, per types.PeerProxy's contract.
func (p *Proxy) StartRemoteBootstrap(ctx context.Context, req *types.StartRemoteBootstrapRequest) {
	go func() {
		resp := new(types.StartRemoteBootstrapResponse)
		if err := p.conn.Invoke(ctx, ServiceName+"/StartRemoteBootstrap", req, resp, grpc.CallContentSubtype(codecName)); err != nil {
			p.Warn("start remote bootstrap rpc failed", zap.String("tablet", req.TabletId), zap.Error(err))
		}
	}()
}

func (p *Proxy) Close() {
	_ = p.conn.Close()
}

var _ types.PeerProxy = (*Proxy)(nil)
