package types

import (
	"context"
	"time"
)

// The interfaces in this file are the core's external collaborators:
// RPC transport, the tablet storage engine, the persisted consensus
// metadata store, and the hybrid-logical clock. The core only ever depends
// on these ports; concrete implementations live outside pkg/consensus
// (pkg/rpcproxy, pkg/storage, pkg/metastore, pkg/hlc).

// PeerProxy issues asynchronous RPCs to one remote peer, with cancellation.
// One PeerProxy instance is bound to a single remote UUID for the lifetime
// of a Peer sender.
type PeerProxy interface {
	UpdateAsync(ctx context.Context, req *UpdateConsensusRequest, cb func(*UpdateConsensusResponse, error))
	RequestVoteAsync(ctx context.Context, req *RequestVoteRequest, cb func(*RequestVoteResponse, error))
	RunLeaderElectionAsync(ctx context.Context, req *RunLeaderElectionRequest, cb func(*RunLeaderElectionResponse, error))
	LeaderElectionLostAsync(ctx context.Context, req *LeaderElectionLostRequest, cb func(*LeaderElectionLostResponse, error))
	// StartRemoteBootstrap is fire-and-forget: errors are
	// logged, never surfaced to the caller.
	StartRemoteBootstrap(ctx context.Context, req *StartRemoteBootstrapRequest)
	Close()
}

// PeerProxyFactory opens a PeerProxy for a given peer descriptor; injected
// so PeerManager can open connections without depending on a concrete
// transport.
type PeerProxyFactory interface {
	NewProxy(peer Peer) (PeerProxy, error)
}

// Tablet is the storage engine applying committed row operations, tracking
// MVCC, and respecting a flush filter.
type Tablet interface {
	// Apply applies a committed operation; called in index order by a
	// single serialized executor.
	Apply(ctx context.Context, round *ConsensusRound) error
	// MaxPersistentOpId is the highest OpId durably flushed to disk.
	MaxPersistentOpId() OpId
	// SetFlushFilter installs the predicate gating when an immutable
	// memtable may be flushed: it may be flushed only once
	// the largest OpId encoded into it has been appended to the log.
	SetFlushFilter(filter func(maxOpIdInMemtable OpId) bool)
}

// OperationFactory constructs the typed Operation (Prepare/Apply/PreCommit/
// Finish lifecycle) for a ReplicateMsg, and starts an asynchronous Prepare
// on it. A non-nil return means Prepare failed synchronously (malformed
// payload, prepare queue full) and onPrepared is never invoked; a nil
// return means Prepare was started and onPrepared will be invoked exactly
// once, possibly from another goroutine.
type OperationFactory interface {
	StartOperation(ctx context.Context, round *ConsensusRound, onPrepared func(error)) error
}

// MetadataStore persists current term, voted-for, and committed config
// atomically.
type MetadataStore interface {
	Load() (ConsensusMetadata, error)
	Save(md ConsensusMetadata) error
}

// Clock is the hybrid-logical clock: now() and update(ht).
type Clock interface {
	Now() uint64
	Update(ht uint64)
	// MaxSafeTimeToReadAt returns the upper bound on hybrid time safely
	// observable without additional synchronization; used by lease checks.
	MaxSafeTimeToReadAt() uint64
}

// LogReader enumerates segments and resolves op-id <-> offset for GC and
// peer catch-up.
type LogReader interface {
	LookupOpId(index int64) (OpId, error)
	ReadReplicatesInRange(ctx context.Context, lo, hi int64, maxBytes int) ([]*ReplicateMsg, error)
	// GetSegmentPrefixNotIncluding returns identifiers of the largest
	// prefix of segments known to contain no entry with index >= index.
	GetSegmentPrefixNotIncluding(index int64) ([]int64, error)
	LastOpIdWithType(kind OpKind) (OpId, bool)
}

// LogWriter is the append side of LogStore.
type LogWriter interface {
	AppendOperations(ctx context.Context, entries []*ReplicateMsg, onDurable func(error)) error
	LatestEntryOpId() OpId
	WaitForSafeOpIdToApply(ctx context.Context, id OpId) error
}

// LogStore is the append-only WAL the core replicates into.
type LogStore interface {
	LogWriter
	LogReader
}

// FailureMonitorClock lets the failure monitor and election timer be
// tested without real sleeps.
type FailureMonitorClock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

var RealFailureMonitorClock FailureMonitorClock = realClock{}
