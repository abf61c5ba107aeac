package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sasha-s/go-deadlock"
	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/host"
	"github.com/tabletraft/tabletraft/internal/tablet"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"github.com/tabletraft/tabletraft/pkg/hlc"
	"github.com/tabletraft/tabletraft/pkg/logstore"
	"github.com/tabletraft/tabletraft/pkg/metastore"
	"github.com/tabletraft/tabletraft/pkg/rpcproxy"
	"github.com/tabletraft/tabletraft/pkg/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const maxClockSkew = 500 * time.Millisecond

// run wires and serves every tablet in cfg until an interrupt or terminate
// signal arrives, then shuts everything down in dependency order.
func run(cfg *Config) error {
	tlog.Configure(&tlog.Options{Level: cfg.LogLevel, LogDir: cfg.LogDir})
	logger := tlog.New("tabletd")

	deadlock.Opts.Disable = !cfg.DeadlockCheck

	pool, err := ants.NewPool(256, ants.WithNonblocking(false))
	if err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "create raft worker pool")
	}
	defer pool.Release()

	proxies := rpcproxy.NewFactory()
	defer proxies.Close()
	bootstrapper := rpcproxy.NewBootstrapper(proxies, cfg.NodeUUID, cfg.ListenAddr)

	h := host.New()
	for _, tc := range cfg.Tablets {
		if err := openTablet(cfg, tc, proxies, bootstrapper, pool, h); err != nil {
			h.Close()
			return fmt.Errorf("open tablet %s: %w", tc.ID, err)
		}
	}

	grpcServer := grpc.NewServer()
	rpcproxy.RegisterServer(grpcServer, h)
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		h.Close()
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "listen on node.listenAddr")
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("tabletd started",
		zap.String("node", cfg.NodeUUID),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Int("tablets", len(cfg.Tablets)))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("tabletd shutting down")
	grpcServer.GracefulStop()
	_ = metricsServer.Close()
	h.Close()
	tlog.Sync()
	return nil
}

// openTablet opens a tablet's metadata store, log, and storage engine,
// bootstraps its committed configuration if this is the first time it has
// been opened, builds its consensus core, and registers it with h.
func openTablet(cfg *Config, tc TabletConfig, proxies *rpcproxy.Factory, bootstrapper *rpcproxy.Bootstrapper, pool *ants.Pool, h *host.Host) error {
	meta, err := metastore.Open(cfg.DataDir, tc.ID)
	if err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "open metastore")
	}
	md, err := meta.Load()
	if err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "load consensus metadata")
	}

	committedConfig := md.CommittedConfig
	if !committedConfig.IsCommitted() {
		peers := make([]types.Peer, 0, len(tc.Peers))
		for _, p := range tc.Peers {
			peers = append(peers, types.Peer{UUID: p.UUID, LastKnownAddr: p.Addr, MemberType: p.MemberType})
		}
		committedConfig = types.RaftConfig{Peers: peers, OpIdIndex: 0}
		md.CommittedConfig = committedConfig
		if err := meta.Save(md); err != nil {
			return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "persist initial committed config")
		}
	}

	logStore, err := logstore.Open(logstore.NewOptions(filepath.Join(cfg.DataDir, tc.ID, "log")))
	if err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "open log store")
	}

	engine, err := storage.Open(cfg.DataDir, tc.ID)
	if err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "open storage engine")
	}
	engine.Start()

	clock := hlc.New(maxClockSkew)

	deps := consensus.Deps{
		MetadataStore:    meta,
		Clock:            clock,
		Log:              logStore,
		OperationFactory: tablet.DefaultOperationFactory{},
		Proxies:          proxies,
		Tablet:           engine,
		WorkerPool:       pool,
		Bootstrap:        bootstrapper,
	}
	rc, err := consensus.New(cfg.NodeUUID, tc.ID, committedConfig, md, deps, consensus.NewOptions())
	if err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "construct consensus core")
	}

	tp := tablet.New(tc.ID, logStore, engine, rc, nil)

	h.Register(&host.Tablet{ID: tc.ID, Peer: tp, Consensus: rc, Log: logStore, Engine: engine, Meta: meta})

	return rc.Start()
}
