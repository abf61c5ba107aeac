// Package consensus implements RaftConsensus: the per-tablet orchestrator
// that binds ReplicaState, PeerMessageQueue, PeerManager, the failure
// detector, and the election package into the five RPCs a tablet replica
// answers (Update, RequestVote, RunLeaderElection, LeaderElectionLost, and
// the locally-invoked Replicate/ChangeConfig/StepDown). Each RPC takes and
// releases its own locks in a fixed order (state before queue before
// peer) rather than holding one lock for the whole call.
package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/lni/goutils/syncutil"
	"github.com/panjf2000/ants/v2"
	"github.com/sasha-s/go-deadlock"
	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/detector"
	"github.com/tabletraft/tabletraft/pkg/consensus/peer"
	"github.com/tabletraft/tabletraft/pkg/consensus/preparer"
	"github.com/tabletraft/tabletraft/pkg/consensus/queue"
	"github.com/tabletraft/tabletraft/pkg/consensus/state"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
)

// RaftConsensus is the orchestrator for one tablet replica.
type RaftConsensus struct {
	tlog.Logger

	localUUID string
	tabletID  string
	opts      *Options

	// updateMu is RaftConsensus::update_lock: the coarse lock serializing
	// Update and RequestVote against each other. go-deadlock so a
	// lock-ordering mistake against state's finer lock surfaces as a
	// report instead of a silent hang, matching the ordering rule every
	// component in this package must respect: updateMu before
	// ReplicaState's own lock, never the reverse.
	updateMu deadlock.Mutex

	state     *state.ReplicaState
	queue     *queue.PeerMessageQueue
	peers     *peer.Manager
	detector  *detector.Detector
	md        types.MetadataStore
	clock     types.Clock
	log       types.LogStore
	opFactory types.OperationFactory
	proxies   types.PeerProxyFactory
	tablet    types.Tablet

	workerPool *ants.Pool // raft worker pool: DoElectionCallback, TryRemoveFollowerTask
	preparer   *preparer.Preparer

	protegeMu            sync.Mutex
	electionLostByProtege map[string]time.Time

	evictMu       sync.Mutex
	evictInFlight bool

	stopper *syncutil.Stopper // owns unresponsiveFollowerScanLoop
}

// Deps bundles every external collaborator RaftConsensus needs to be
// constructed; kept as one struct so New's signature does not grow a new
// positional parameter every time a port is added.
type Deps struct {
	MetadataStore    types.MetadataStore
	Clock            types.Clock
	Log              types.LogStore
	OperationFactory types.OperationFactory
	Proxies          types.PeerProxyFactory
	Tablet           types.Tablet
	WorkerPool       *ants.Pool
	Bootstrap        peer.RemoteBootstrapper
}

func New(localUUID, tabletID string, committedConfig types.RaftConfig, md types.ConsensusMetadata, deps Deps, opts *Options) (*RaftConsensus, error) {
	if opts == nil {
		opts = NewOptions()
	}
	logger := tlog.New("consensus[" + tabletID + "]")

	replicaState := state.New(logger, committedConfig, md)

	c := &RaftConsensus{
		Logger:                logger,
		localUUID:             localUUID,
		tabletID:              tabletID,
		opts:                  opts,
		state:                 replicaState,
		md:                    deps.MetadataStore,
		clock:                 deps.Clock,
		log:                   deps.Log,
		opFactory:             deps.OperationFactory,
		proxies:               deps.Proxies,
		tablet:                deps.Tablet,
		workerPool:            deps.WorkerPool,
		electionLostByProtege: make(map[string]time.Time),
		stopper:               syncutil.NewStopper(),
	}

	q, err := queue.New(localUUID, deps.Log, c.onMajorityReplicated, c.onFailedFollower)
	if err != nil {
		return nil, consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "create peer message queue")
	}
	c.queue = q

	c.peers = peer.NewManager(localUUID, tabletID, deps.Proxies, q, c, deps.Bootstrap, deps.WorkerPool, peer.NewOptions())
	preparerCfg := preparer.NewConfig()
	preparerCfg.TabletID = tabletID
	preparerCfg.QueueSize = opts.PrepareQueueMaxSize
	preparerCfg.MaxBatchSize = opts.MaxGroupReplicateBatchSize
	c.preparer = preparer.New(preparerReplicator{c}, preparerCfg)

	detCfg := detector.NewConfig()
	detCfg.HeartbeatInterval = opts.RaftHeartbeatInterval
	detCfg.MaxMissedPeriods = opts.LeaderFailureMaxMissedHeartbeatPeriods
	detCfg.SampleMean = opts.LeaderFailureMonitorCheckMean
	detCfg.SampleStdDev = opts.LeaderFailureMonitorCheckStdDev
	c.detector = detector.New(types.RealFailureMonitorClock, detCfg, c.electionCallback)

	return c, nil
}

// Start brings up the failure monitor and, if this replica is alone in
// its own config, becomes leader immediately (a freshly bootstrapped
// single-voter tablet has no one to elect against).
func (c *RaftConsensus) Start() error {
	unlock, err := c.state.LockForStart()
	if err != nil {
		return err
	}
	cfg := c.state.CommittedConfigUnlocked()
	c.state.SetRunning()
	unlock()

	c.queue.SetNonLeaderMode()
	c.peers.UpdateRaftConfig(cfg)

	if c.opts.EnableLeaderFailureDetection {
		c.detector.Start()
	}
	c.stopper.RunWorker(c.unresponsiveFollowerScanLoop)
	c.preparer.Start()

	voters := cfg.Voters()
	if len(voters) == 1 && voters[0].UUID == c.localUUID {
		c.becomeSoleLeader()
	}
	return nil
}

func (c *RaftConsensus) becomeSoleLeader() {
	unlock, err := c.state.LockForUpdate()
	if err != nil {
		return
	}
	term := c.state.CurrentTermUnlocked()
	if term == 0 {
		term = 1
		c.state.SetCurrentTermUnlocked(term)
	}
	c.state.BecomeLeaderUnlocked(c.localUUID)
	committed := c.state.CommittedOpIdUnlocked()
	activeCfg := c.state.ActiveConfigUnlocked()
	unlock()

	c.queue.SetLeaderMode(committed, term, activeCfg)
	c.Focus("became sole leader of single-voter tablet", zap.String("tablet", c.tabletID))
	c.replicateEmptyOp(term)
}

func (c *RaftConsensus) Shutdown() {
	c.detector.Stop()
	c.stopper.Stop()
	c.preparer.Stop()
	unlock := c.state.LockForShutdown()
	unlock()
	c.peers.Close()
	c.queue.Close()
	c.state.SetShutDown()
}

// CurrentTerm is a thread-safe snapshot used by callers that need to stamp
// a proposal's BoundTerm before calling Replicate/ReplicateBatch.
func (c *RaftConsensus) CurrentTerm() (int64, error) {
	unlock, err := c.state.LockForRead()
	if err != nil {
		return 0, err
	}
	defer unlock()
	return c.state.CurrentTermUnlocked(), nil
}

func (c *RaftConsensus) IsLeader() (bool, error) {
	unlock, err := c.state.LockForRead()
	if err != nil {
		return false, err
	}
	defer unlock()
	return c.state.IsLeaderUnlocked(), nil
}

// CommittedOpId is a thread-safe snapshot used by TabletPeer's log-GC
// horizon computation.
func (c *RaftConsensus) CommittedOpId() (types.OpId, error) {
	unlock, err := c.state.LockForRead()
	if err != nil {
		return types.OpId{}, err
	}
	defer unlock()
	return c.state.CommittedOpIdUnlocked(), nil
}

func minOpId(ids ...types.OpId) types.OpId {
	best := ids[0]
	for _, id := range ids[1:] {
		if id.Less(best) {
			best = id
		}
	}
	return best
}

// tabletApplyContext adapts types.Tablet to the narrow applyContext
// ReplicaState.AdvanceCommittedIndexUnlocked needs, without requiring the
// state package to import the larger port surface.
type tabletApplyContext struct {
	tablet types.Tablet
}

func (a tabletApplyContext) Apply(round *types.ConsensusRound) error {
	return a.tablet.Apply(context.Background(), round)
}

// electionCallback runs on the reactor thread that the failure monitor
// samples from; it must not block, so it only hands off to the raft
// worker pool.
func (c *RaftConsensus) electionCallback() {
	if err := c.workerPool.Submit(c.doElectionCallback); err != nil {
		c.Warn("submit election callback to worker pool failed", zap.Error(err))
	}
}
