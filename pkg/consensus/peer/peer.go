// Package peer implements the per-follower sender and PeerManager. A Peer
// owns exactly one remote UUID for its lifetime, enforces a
// single-in-flight-request discipline via a one-permit semaphore, and
// pipelines the next request as soon as a response reports more work
// pending.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type lifecycle int32

const (
	kCreated lifecycle = iota
	kStarted
	kRunning
	kClosed
)

type TriggerMode int

const (
	AlwaysSend TriggerMode = iota
	NonEmptyOnly
)

// Queue is the narrow capability Peer needs from PeerMessageQueue.
// *queue.PeerMessageQueue satisfies this structurally; peer never imports
// package queue.
type Queue interface {
	RequestForPeer(uuid string) (req *types.UpdateConsensusRequest, needsRemoteBootstrap bool, memberType types.MemberType, lastExchangeSuccessful bool, err error)
	ResponseFromPeer(uuid string, resp *types.UpdateConsensusResponse) (morePending bool, err error)
	NotifyPeerIsResponsiveDespiteError(uuid string)
	NotifyObserversOfFailedFollower(uuid string, reason string)
	UntrackPeer(uuid string)
}

// ChangeRoleRequester is the narrow capability Peer uses to promote a
// caught-up PRE_VOTER/PRE_OBSERVER, satisfied by RaftConsensus.
type ChangeRoleRequester interface {
	RequestChangeRole(ctx context.Context, peerUUID string, promoteTo types.MemberType) error
}

// RemoteBootstrapper is the opaque fire-and-forget kickoff of remote
// bootstrap; the receiving side's session lifecycle is out of this core's
// scope.
type RemoteBootstrapper interface {
	Start(ctx context.Context, peer types.Peer, tabletID string)
}

type Options struct {
	HeartbeatInterval time.Duration
}

func NewOptions() *Options {
	return &Options{HeartbeatInterval: 500 * time.Millisecond}
}

// Peer is the per-follower sender. One instance per remote replica in the
// active config, owned by a PeerManager.
type Peer struct {
	tlog.Logger

	peer     types.Peer
	tabletID string
	opts     *Options

	proxy      types.PeerProxy
	queue      Queue
	changeRole ChangeRoleRequester
	bootstrap  RemoteBootstrapper
	pool       *ants.Pool

	state   atomic.Int32 // lifecycle
	permit  chan struct{}
	mu      sync.Mutex
	lastExchangeFailed bool

	// lastRealSendUnixNano is updated whenever a request carrying ops goes
	// out; the heartbeater skips firing when one already went out this
	// interval, since it would carry nothing a peer doesn't already know.
	lastRealSendUnixNano atomic.Int64

	heartbeatStop chan struct{}
	heartbeatOnce sync.Once
}

func New(p types.Peer, tabletID string, proxy types.PeerProxy, q Queue, changeRole ChangeRoleRequester, bootstrap RemoteBootstrapper, pool *ants.Pool, opts *Options) *Peer {
	if opts == nil {
		opts = NewOptions()
	}
	pr := &Peer{
		Logger:        tlog.New("peer[" + p.UUID + "]"),
		peer:          p,
		tabletID:      tabletID,
		opts:          opts,
		proxy:         proxy,
		queue:         q,
		changeRole:    changeRole,
		bootstrap:     bootstrap,
		pool:          pool,
		permit:        make(chan struct{}, 1),
		heartbeatStop: make(chan struct{}),
	}
	pr.state.Store(int32(kCreated))
	pr.startHeartbeater()
	return pr
}

func (p *Peer) startHeartbeater() {
	go func() {
		ticker := time.NewTicker(p.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.resetHeartbeatIfIdle()
			case <-p.heartbeatStop:
				return
			}
		}
	}()
}

// ForceHeartbeatTick drives one heartbeat check synchronously, as if the
// ticker had just fired; exported only for deterministic tests.
func (p *Peer) ForceHeartbeatTick() {
	p.resetHeartbeatIfIdle()
}

func (p *Peer) resetHeartbeatIfIdle() {
	if lifecycle(p.state.Load()) == kClosed {
		return
	}
	if time.Since(time.Unix(0, p.lastRealSendUnixNano.Load())) < p.opts.HeartbeatInterval {
		// A request carrying ops already went out this interval; it told
		// the peer everything a heartbeat would.
		return
	}
	_ = p.SignalRequest(AlwaysSend)
}

// SignalRequest implements the send-trigger protocol: try to acquire the
// send permit; if unavailable, the already-running request will observe
// new work on its next response, so return OK.
func (p *Peer) SignalRequest(mode TriggerMode) error {
	select {
	case p.permit <- struct{}{}:
	default:
		return nil
	}

	if lifecycle(p.state.Load()) == kClosed {
		<-p.permit
		return consensuserrors.New(consensuserrors.KindIllegalState, "peer %s is closed", p.peer.UUID)
	}

	if lifecycle(p.state.Load()) == kCreated || lifecycle(p.state.Load()) == kStarted {
		p.state.Store(int32(kRunning))
		mode = AlwaysSend
	}

	p.mu.Lock()
	failed := p.lastExchangeFailed
	p.mu.Unlock()
	if failed && mode == NonEmptyOnly {
		<-p.permit
		return nil
	}

	if err := p.pool.Submit(func() { p.sendNextRequest(mode) }); err != nil {
		<-p.permit
		return consensuserrors.Wrap(consensuserrors.KindServiceUnavailable, err, "submit send to worker pool")
	}
	return nil
}

// sendNextRequest runs on the raft worker pool.
func (p *Peer) sendNextRequest(mode TriggerMode) {
	req, needsBootstrap, memberType, lastOk, err := p.queue.RequestForPeer(p.peer.UUID)
	if err != nil {
		p.Warn("queue request for peer failed", zap.Error(err))
		<-p.permit
		return
	}

	if needsBootstrap {
		if p.bootstrap != nil {
			p.bootstrap.Start(context.Background(), p.peer, p.tabletID)
		}
		<-p.permit
		return
	}

	if lastOk && memberType.IsPreTransition() && req != nil && len(req.Ops) == 0 {
		// caught up: promote the transient member type.
		if p.changeRole != nil {
			_ = p.changeRole.RequestChangeRole(context.Background(), p.peer.UUID, memberType.PromotedType())
		}
		<-p.permit
		return
	}

	if len(req.Ops) == 0 && mode == NonEmptyOnly {
		<-p.permit
		return
	}

	if len(req.Ops) > 0 {
		p.lastRealSendUnixNano.Store(time.Now().UnixNano())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	p.proxy.UpdateAsync(ctx, req, func(resp *types.UpdateConsensusResponse, err error) {
		defer cancel()
		p.processResponse(resp, err)
	})
}

// processResponse runs on a reactor thread: classify the result
// and hand substantive work to DoProcessResponse on the worker pool.
func (p *Peer) processResponse(resp *types.UpdateConsensusResponse, err error) {
	if err != nil {
		p.mu.Lock()
		p.lastExchangeFailed = true
		p.mu.Unlock()
		<-p.permit
		return
	}
	if resp.TopLevelError != nil {
		p.queue.NotifyObserversOfFailedFollower(p.peer.UUID, resp.TopLevelError.Error())
		p.mu.Lock()
		p.lastExchangeFailed = true
		p.mu.Unlock()
		<-p.permit
		return
	}
	if resp.Status.Error != nil && resp.Status.Error.Code == types.ErrCannotPrepare {
		p.queue.NotifyPeerIsResponsiveDespiteError(p.peer.UUID)
	}

	if err := p.pool.Submit(func() { p.doProcessResponse(resp) }); err != nil {
		<-p.permit
	}
}

func (p *Peer) doProcessResponse(resp *types.UpdateConsensusResponse) {
	morePending, err := p.queue.ResponseFromPeer(p.peer.UUID, resp)
	p.mu.Lock()
	p.lastExchangeFailed = err != nil
	p.mu.Unlock()
	// Release the permit before pipelining so SignalRequest can take it.
	<-p.permit
	if err != nil {
		p.Warn("queue response processing failed", zap.Error(err))
		return
	}
	if morePending {
		_ = p.SignalRequest(AlwaysSend)
	}
}

// Close transitions to kClosed and waits for any outstanding send by
// acquiring the permit. It never holds the state lock while doing so, to
// honor the documented lock-ordering rule.
func (p *Peer) Close() {
	p.state.Store(int32(kClosed))
	p.heartbeatOnce.Do(func() { close(p.heartbeatStop) })
	p.permit <- struct{}{}
	<-p.permit
	p.queue.UntrackPeer(p.peer.UUID)
	p.proxy.Close()
}
