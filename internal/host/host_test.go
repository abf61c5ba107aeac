package host_test

import (
	"path/filepath"
	"testing"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabletraft/tabletraft/internal/host"
	"github.com/tabletraft/tabletraft/internal/tablet"
	"github.com/tabletraft/tabletraft/pkg/consensus"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"github.com/tabletraft/tabletraft/pkg/hlc"
	"github.com/tabletraft/tabletraft/pkg/logstore"
	"github.com/tabletraft/tabletraft/pkg/metastore"
	"github.com/tabletraft/tabletraft/pkg/rpcproxy"
	"github.com/tabletraft/tabletraft/pkg/storage"
)

func newTestTablet(t *testing.T, dataDir, tabletID string, proxies *rpcproxy.Factory, pool *ants.Pool) *host.Tablet {
	t.Helper()

	meta, err := metastore.Open(dataDir, tabletID)
	require.NoError(t, err)

	md, err := meta.Load()
	require.NoError(t, err)

	committedConfig := types.RaftConfig{
		Peers:     []types.Peer{{UUID: "n1", LastKnownAddr: "127.0.0.1:9070", MemberType: types.VOTER}},
		OpIdIndex: 0,
	}
	md.CommittedConfig = committedConfig
	require.NoError(t, meta.Save(md))

	logStore, err := logstore.Open(logstore.NewOptions(filepath.Join(dataDir, tabletID, "log")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = logStore.Close() })

	engine, err := storage.Open(dataDir, tabletID)
	require.NoError(t, err)
	engine.Start()

	deps := consensus.Deps{
		MetadataStore:    meta,
		Clock:            hlc.New(0),
		Log:              logStore,
		OperationFactory: tablet.DefaultOperationFactory{},
		Proxies:          proxies,
		Tablet:           engine,
		WorkerPool:       pool,
		Bootstrap:        rpcproxy.NewBootstrapper(proxies, "n1", "127.0.0.1:9070"),
	}
	rc, err := consensus.New("n1", tabletID, committedConfig, md, deps, consensus.NewOptions())
	require.NoError(t, err)

	tp := tablet.New(tabletID, logStore, engine, rc, nil)

	return &host.Tablet{ID: tabletID, Peer: tp, Consensus: rc, Log: logStore, Engine: engine, Meta: meta}
}

func TestHostRegisterAndLookup(t *testing.T) {
	dataDir := t.TempDir()
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	defer pool.Release()
	proxies := rpcproxy.NewFactory()
	defer proxies.Close()

	h := host.New()
	tb := newTestTablet(t, dataDir, "tablet-1", proxies, pool)
	h.Register(tb)

	srv, ok := h.Lookup("tablet-1")
	assert.True(t, ok)
	assert.Same(t, tb.Consensus, srv)

	_, ok = h.Lookup("does-not-exist")
	assert.False(t, ok)

	assert.Len(t, h.Tablets(), 1)

	h.Close()
}

func TestHostTabletsSnapshot(t *testing.T) {
	dataDir := t.TempDir()
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	defer pool.Release()
	proxies := rpcproxy.NewFactory()
	defer proxies.Close()

	h := host.New()
	h.Register(newTestTablet(t, dataDir, "tablet-a", proxies, pool))
	h.Register(newTestTablet(t, dataDir, "tablet-b", proxies, pool))

	ids := map[string]bool{}
	for _, tb := range h.Tablets() {
		ids[tb.ID] = true
	}
	assert.True(t, ids["tablet-a"])
	assert.True(t, ids["tablet-b"])

	h.Close()
}
