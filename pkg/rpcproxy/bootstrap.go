package rpcproxy

import (
	"context"

	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
)

// Bootstrapper implements peer.RemoteBootstrapper by issuing the
// StartRemoteBootstrap rpc against the target peer. The receiving side's
// session lifecycle is out of this core's scope; Start only has to get the
// kickoff on the wire.
type Bootstrapper struct {
	tlog.Logger
	proxies   types.PeerProxyFactory
	localUUID string
	localAddr string
}

func NewBootstrapper(proxies types.PeerProxyFactory, localUUID, localAddr string) *Bootstrapper {
	return &Bootstrapper{
		Logger:    tlog.New("bootstrapper"),
		proxies:   proxies,
		localUUID: localUUID,
		localAddr: localAddr,
	}
}

func (b *Bootstrapper) Start(ctx context.Context, p types.Peer, tabletID string) {
	proxy, err := b.proxies.NewProxy(p)
	if err != nil {
		b.Warn("open proxy for remote bootstrap failed", zap.String("peer", p.UUID), zap.Error(err))
		return
	}
	proxy.StartRemoteBootstrap(ctx, &types.StartRemoteBootstrapRequest{
		TabletId:            tabletID,
		BootstrapPeerUUID:   b.localUUID,
		BootstrapSourceAddr: b.localAddr,
	})
}
