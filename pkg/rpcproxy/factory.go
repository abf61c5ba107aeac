package rpcproxy

import (
	"fmt"
	"sync"

	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Factory dials, and caches, one grpc.ClientConn per remote address,
// handing out a Proxy bound to it. A connection is reused across every
// Peer sender that targets the same address rather than dialed once per
// sender.
type Factory struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewFactory() *Factory {
	return &Factory{conns: make(map[string]*grpc.ClientConn)}
}

func (f *Factory) NewProxy(peer types.Peer) (types.PeerProxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	conn, ok := f.conns[peer.LastKnownAddr]
	if !ok {
		var err error
		conn, err = grpc.NewClient(peer.LastKnownAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		)
		if err != nil {
			return nil, consensuserrors.Wrap(consensuserrors.KindServiceUnavailable, err, fmt.Sprintf("dial peer %s", peer.UUID))
		}
		f.conns[peer.LastKnownAddr] = conn
	}
	return NewProxy(conn), nil
}

func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	return nil
}

var _ types.PeerProxyFactory = (*Factory)(nil)
