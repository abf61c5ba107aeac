// Package rpcproxy is the gRPC transport binding for PeerProxy: it wires
// the consensus core's five RPCs onto a grpc.Server/grpc.ClientConn pair.
//
// protoc is unavailable in this build environment, so the request/response
// envelopes stay the plain structs already defined in pkg/consensus/types
// rather than compiled .proto messages; a hand-registered grpc.ServiceDesc
// plus the json codec in codec.go carries them over the wire instead of
// generated marshal/unmarshal code. Every other grpc mechanism — dialing,
// deadlines, interceptors, connection reuse — is the real library.
package rpcproxy

import (
	"context"

	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "tabletraft.consensus.Consensus"

// Server is the per-tablet RPC surface *consensus.RaftConsensus implements.
type Server interface {
	Update(ctx context.Context, req *types.UpdateConsensusRequest) (*types.UpdateConsensusResponse, error)
	RequestVote(ctx context.Context, req *types.RequestVoteRequest) (*types.RequestVoteResponse, error)
	RunLeaderElection(ctx context.Context, req *types.RunLeaderElectionRequest) (*types.RunLeaderElectionResponse, error)
	LeaderElectionLost(ctx context.Context, req *types.LeaderElectionLostRequest) (*types.LeaderElectionLostResponse, error)
}

// TabletLookup resolves an incoming request's tablet id to the replica
// that owns it. Returning false maps to a NotFound grpc status.
type TabletLookup interface {
	Lookup(tabletID string) (Server, bool)
}

func notFound(tabletID string) error {
	return status.Errorf(codes.NotFound, "tablet %q not found on this server", tabletID)
}

func _Update_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.UpdateConsensusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	lookup := srv.(TabletLookup)
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		r := req.(*types.UpdateConsensusRequest)
		s, ok := lookup.Lookup(r.TabletId)
		if !ok {
			return nil, notFound(r.TabletId)
		}
		return s.Update(ctx, r)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Update"}, call)
}

func _RequestVote_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	lookup := srv.(TabletLookup)
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		r := req.(*types.RequestVoteRequest)
		s, ok := lookup.Lookup(r.TabletId)
		if !ok {
			return nil, notFound(r.TabletId)
		}
		return s.RequestVote(ctx, r)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/RequestVote"}, call)
}

func _RunLeaderElection_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.RunLeaderElectionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	lookup := srv.(TabletLookup)
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		r := req.(*types.RunLeaderElectionRequest)
		s, ok := lookup.Lookup(r.TabletId)
		if !ok {
			return nil, notFound(r.TabletId)
		}
		return s.RunLeaderElection(ctx, r)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/RunLeaderElection"}, call)
}

func _LeaderElectionLost_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.LeaderElectionLostRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	lookup := srv.(TabletLookup)
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		r := req.(*types.LeaderElectionLostRequest)
		s, ok := lookup.Lookup(r.TabletId)
		if !ok {
			return nil, notFound(r.TabletId)
		}
		return s.LeaderElectionLost(ctx, r)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/LeaderElectionLost"}, call)
}

// _StartRemoteBootstrap_Handler always acks: this core only implements the
// sending side of remote bootstrap (Peer.SendNextRequest issuing
// StartRemoteBootstrap); the receiving side belongs to the remote-bootstrap
// session subsystem, out of this core's scope.
func _StartRemoteBootstrap_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.StartRemoteBootstrapRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return &types.StartRemoteBootstrapResponse{}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/StartRemoteBootstrap"}, call)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TabletLookup)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Update", Handler: _Update_Handler},
		{MethodName: "RequestVote", Handler: _RequestVote_Handler},
		{MethodName: "RunLeaderElection", Handler: _RunLeaderElection_Handler},
		{MethodName: "LeaderElectionLost", Handler: _LeaderElectionLost_Handler},
		{MethodName: "StartRemoteBootstrap", Handler: _StartRemoteBootstrap_Handler},
	},
	Metadata: "pkg/rpcproxy/consensus.proto",
}

// RegisterServer registers lookup as the handler for every tablet this
// process hosts.
func RegisterServer(s *grpc.Server, lookup TabletLookup) {
	s.RegisterService(&ServiceDesc, lookup)
}
