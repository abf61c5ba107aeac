// Package tablet is the glue: it owns one tablet replica's log store,
// consensus core, and storage engine end to end, and computes the log-GC
// horizon that couples all three together — the minimum of the several
// independent watermarks (latest log entry, named anchors, in-flight ops,
// the transaction coordinator's PrepareGC horizon, the storage engine's
// max-persistent op-id, and the committed op-id) that all have to clear
// before a segment is safe to delete.
package tablet

import (
	"context"

	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
)

// TxnCoordinator is the narrow capability TabletPeer needs from the
// transaction-status subsystem: the lowest op-id that must survive log GC
// so an in-doubt distributed transaction can still be resolved. Distributed
// transactions themselves are out of this core's scope; TabletPeer only
// consumes the horizon.
type TxnCoordinator interface {
	PrepareGC() (types.OpId, bool)
}

// TabletPeer owns the lifecycle of one tablet replica's log, consensus
// core, preparer pipeline, and storage engine, and computes the log-GC
// anchor policy coupling them together.
type TabletPeer struct {
	tlog.Logger

	tabletID  string
	log       types.LogStore
	engine    types.Tablet
	consensus *consensus.RaftConsensus

	anchors  *LogAnchorRegistry
	inFlight *InFlightTracker
	txns     TxnCoordinator
}

// New wires a TabletPeer and installs its flush filter on engine. txns may
// be nil for a tablet with no transaction coordinator; the seam exists so
// one can be wired in later without touching this package again.
func New(tabletID string, log types.LogStore, engine types.Tablet, rc *consensus.RaftConsensus, txns TxnCoordinator) *TabletPeer {
	tp := &TabletPeer{
		Logger:    tlog.New("tabletpeer[" + tabletID + "]"),
		tabletID:  tabletID,
		log:       log,
		engine:    engine,
		consensus: rc,
		anchors:   NewLogAnchorRegistry(),
		inFlight:  NewInFlightTracker(),
		txns:      txns,
	}
	engine.SetFlushFilter(tp.flushFilter)
	return tp
}

// flushFilter permits flushing an immutable memtable only once the largest
// op-id encoded into it has been durably appended to the log, so a crash
// right after flush never leaves the storage engine ahead of the log it
// would need to replay from.
func (tp *TabletPeer) flushFilter(maxOpIdInMemtable types.OpId) bool {
	return !tp.log.LatestEntryOpId().Less(maxOpIdInMemtable)
}

// RegisterAnchor pins the log at index under name until Unregister is
// called; used by remote bootstrap and log-scan callers that read segments
// GC might otherwise reclaim mid-read.
func (tp *TabletPeer) RegisterAnchor(name string, index int64) {
	tp.anchors.Register(name, index)
}

func (tp *TabletPeer) UnregisterAnchor(name string) {
	tp.anchors.Unregister(name)
}

// Propose hands req to the consensus core's preparer pipeline, tracking it
// as in-flight from the moment its pre-append hook sees its op-id until its round
// completes, so the log-GC horizon never reclaims an entry a driver might
// still retry against.
func (tp *TabletPeer) Propose(req *consensus.ProposeRequest, prepare func(ctx context.Context) error) error {
	var assigned types.OpId
	req.PreAppendHook = chainPreAppendHooks(req.PreAppendHook, func(msg *types.ReplicateMsg) error {
		assigned = msg.Id
		tp.inFlight.Track(assigned)
		return nil
	})
	onComplete := req.OnComplete
	req.OnComplete = func(status types.ReplicateStatus) {
		tp.inFlight.Untrack(assigned)
		if onComplete != nil {
			onComplete(status)
		}
	}
	return tp.consensus.Propose(req, prepare)
}

func chainPreAppendHooks(first, second func(msg *types.ReplicateMsg) error) func(msg *types.ReplicateMsg) error {
	return func(msg *types.ReplicateMsg) error {
		if first != nil {
			if err := first(msg); err != nil {
				return err
			}
		}
		return second(msg)
	}
}

// GetEarliestNeededLogIndex computes the earliest log index that must be
// retained: the minimum of the latest log entry's index, any registered
// anchor, the lowest in-flight operation driver, the transaction
// coordinator's PrepareGC horizon, the storage engine's max-persistent
// op-id (only if it trails the committed op-id), and the committed op-id
// itself.
func (tp *TabletPeer) GetEarliestNeededLogIndex() (int64, error) {
	earliest := tp.log.LatestEntryOpId().Index

	if idx, ok := tp.anchors.Earliest(); ok && idx < earliest {
		earliest = idx
	}
	if id, ok := tp.inFlight.Lowest(); ok && id.Index < earliest {
		earliest = id.Index
	}
	if tp.txns != nil {
		if id, ok := tp.txns.PrepareGC(); ok && id.Index < earliest {
			earliest = id.Index
		}
	}

	committed, err := tp.consensus.CommittedOpId()
	if err != nil {
		return 0, err
	}
	if maxPersistent := tp.engine.MaxPersistentOpId(); maxPersistent.Index < committed.Index && maxPersistent.Index < earliest {
		earliest = maxPersistent.Index
	}
	if committed.Index < earliest {
		earliest = committed.Index
	}
	if earliest < 0 {
		earliest = 0
	}
	return earliest, nil
}

// GCLog computes the retained prefix and identifies the log segments that
// can be dropped. Segment deletion itself is a LogStore-internal operation
// this core's LogReader/LogWriter ports don't expose; TabletPeer only
// computes the safe boundary and logs it.
func (tp *TabletPeer) GCLog() ([]int64, error) {
	idx, err := tp.GetEarliestNeededLogIndex()
	if err != nil {
		return nil, consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "compute log GC horizon")
	}
	segments, err := tp.log.GetSegmentPrefixNotIncluding(idx)
	if err != nil {
		return nil, consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "resolve GC-safe segment prefix")
	}
	if len(segments) > 0 {
		tp.Info("log GC horizon computed", zap.Int64("safe_index", idx), zap.Int("segments", len(segments)))
	}
	return segments, nil
}
