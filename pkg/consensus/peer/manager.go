package peer

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
)

// Manager is PeerManager: holds uuid -> Peer for every peer in the active
// config other than the local replica, and fans out SignalRequest while
// ignoring individual failures (each Peer owns its own backoff). Grounded
// on internal/server/node.go's pattern of a map-of-workers kept in sync
// with a membership list.
type Manager struct {
	tlog.Logger

	mu         sync.Mutex
	localUUID  string
	tabletID   string
	proxies    types.PeerProxyFactory
	queue      Queue
	changeRole ChangeRoleRequester
	bootstrap  RemoteBootstrapper
	pool       *ants.Pool
	peerOpts   *Options

	peers map[string]*Peer
}

func NewManager(localUUID, tabletID string, proxies types.PeerProxyFactory, q Queue, changeRole ChangeRoleRequester, bootstrap RemoteBootstrapper, pool *ants.Pool, peerOpts *Options) *Manager {
	return &Manager{
		Logger:     tlog.New("peermanager[" + tabletID + "]"),
		localUUID:  localUUID,
		tabletID:   tabletID,
		proxies:    proxies,
		queue:      q,
		changeRole: changeRole,
		bootstrap:  bootstrap,
		pool:       pool,
		peerOpts:   peerOpts,
		peers:      make(map[string]*Peer),
	}
}

// UpdateRaftConfig opens new Peers for uuids newly present in active and
// closes Peers for uuids no longer present.
func (m *Manager) UpdateRaftConfig(active types.RaftConfig) {
	m.mu.Lock()
	wanted := make(map[string]types.Peer, len(active.Peers))
	for _, p := range active.Peers {
		if p.UUID == m.localUUID {
			continue
		}
		wanted[p.UUID] = p
	}

	var toClose []*Peer
	for uuid, pr := range m.peers {
		if _, ok := wanted[uuid]; !ok {
			toClose = append(toClose, pr)
			delete(m.peers, uuid)
		}
	}

	var opened []types.Peer
	for uuid, p := range wanted {
		if _, ok := m.peers[uuid]; !ok {
			opened = append(opened, p)
		}
	}
	m.mu.Unlock()

	for _, pr := range toClose {
		pr.Close()
	}

	for _, p := range opened {
		proxy, err := m.proxies.NewProxy(p)
		if err != nil {
			m.Warn("failed to open proxy for peer", zap.Error(err))
			continue
		}
		newPeer := New(p, m.tabletID, proxy, m.queue, m.changeRole, m.bootstrap, m.pool, m.peerOpts)
		m.mu.Lock()
		m.peers[p.UUID] = newPeer
		m.mu.Unlock()
	}
}

// SignalRequest fans out to every open Peer, ignoring individual errors.
func (m *Manager) SignalRequest(mode TriggerMode) {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		_ = p.SignalRequest(mode)
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.peers = make(map[string]*Peer)
	m.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
}
