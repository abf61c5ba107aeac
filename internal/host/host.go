// Package host is the per-process registry binding tablet ids to the
// consensus core and its collaborators, satisfying pkg/rpcproxy's
// TabletLookup so one grpc.Server can front every tablet cmd/tabletd
// hosts.
package host

import (
	"sync"

	"github.com/tabletraft/tabletraft/internal/tablet"
	"github.com/tabletraft/tabletraft/pkg/consensus"
	"github.com/tabletraft/tabletraft/pkg/logstore"
	"github.com/tabletraft/tabletraft/pkg/metastore"
	"github.com/tabletraft/tabletraft/pkg/rpcproxy"
	"github.com/tabletraft/tabletraft/pkg/storage"
)

// Tablet bundles one tablet's consensus core with the collaborators this
// process owns the lifecycle of, so Host can shut them down in order.
type Tablet struct {
	ID        string
	Peer      *tablet.TabletPeer
	Consensus *consensus.RaftConsensus
	Log       *logstore.Store
	Engine    *storage.Engine
	Meta      *metastore.Store
}

// Host holds every tablet this process serves.
type Host struct {
	mu      sync.RWMutex
	tablets map[string]*Tablet
}

func New() *Host {
	return &Host{tablets: make(map[string]*Tablet)}
}

func (h *Host) Register(t *Tablet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tablets[t.ID] = t
}

// Lookup implements rpcproxy.TabletLookup.
func (h *Host) Lookup(tabletID string) (rpcproxy.Server, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tablets[tabletID]
	if !ok {
		return nil, false
	}
	return t.Consensus, true
}

func (h *Host) Tablets() []*Tablet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Tablet, 0, len(h.tablets))
	for _, t := range h.tablets {
		out = append(out, t)
	}
	return out
}

// Close shuts every tablet down in dependency order: consensus first (it
// may still be issuing Apply/log-append calls), then the storage engine,
// then the log and metadata stores it read from.
func (h *Host) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, t := range h.tablets {
		t.Consensus.Shutdown()
		_ = t.Engine.Close()
		_ = t.Log.Close()
		_ = t.Meta.Close()
	}
}

var _ rpcproxy.TabletLookup = (*Host)(nil)
