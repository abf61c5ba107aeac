// Package state implements ReplicaState: the mutex-guarded, authoritative
// in-memory Raft state for one tablet replica. Pending-but-not-yet-committed
// rounds are tracked in a map keyed by op index rather than a flat log slice,
// because a round can be aborted (AbortOpsAfter) without ever reaching the
// log at all.
package state

import (
	"github.com/sasha-s/go-deadlock"
	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

// LeaderLeaseStatus is returned by GetLeaderLeaseStatus.
type LeaderLeaseStatus int

const (
	HasLease LeaderLeaseStatus = iota
	NoMajorityReplicatedLease
	OldLeaderMayHaveLease
)

// ReplicaState is guarded by mu for every mutator and every reader.
type ReplicaState struct {
	mu deadlock.Mutex
	log tlog.Logger

	lifecycle LifecycleState

	currentTerm int64
	votedFor    string // empty string = no vote cast this term
	role        Role
	leaderUUID  string

	committedConfig types.RaftConfig
	pendingConfig   *types.RaftConfig // nil when there is no pending config change

	// pending holds every round between (committedOpId, lastReceivedOpId]
	// that has not yet been applied, keyed by index.
	pending map[int64]*types.ConsensusRound

	lastReceivedOpId OpId
	committedOpId    OpId

	// Leases. oldLeaderLeaseExpiration is a unix-nanos
	// wall clock deadline; oldLeaderHtLeaseExpiration is a hybrid-time
	// value. Both only ever move forward (UpdateOldLeaderLeaseExpiration
	// takes the max of current and proposed).
	oldLeaderLeaseExpirationNanos int64
	oldLeaderHtLeaseExpiration    uint64

	majorityReplicatedLeaseExpirationNanos int64
	majorityReplicatedHtLeaseExpiration    uint64
}

// OpId is a local alias so this file reads self-contained; identical to
// types.OpId.
type OpId = types.OpId

func New(log tlog.Logger, committedConfig types.RaftConfig, md types.ConsensusMetadata) *ReplicaState {
	return &ReplicaState{
		log:             log,
		lifecycle:       Initialized,
		currentTerm:     md.CurrentTerm,
		votedFor:        md.VotedFor,
		role:            RoleFollower,
		committedConfig: committedConfig,
		pending:         make(map[int64]*types.ConsensusRound),
	}
}

// --- Lifecycle / lock gating ---

func (s *ReplicaState) checkLifecycle(allowed ...LifecycleState) error {
	for _, a := range allowed {
		if s.lifecycle == a {
			return nil
		}
	}
	return consensuserrors.New(consensuserrors.KindIllegalState,
		"replica is %s, operation requires one of %v", s.lifecycle, allowed)
}

// LockForStart must be held while transitioning Initialized -> Running.
func (s *ReplicaState) LockForStart() (func(), error) {
	s.mu.Lock()
	if err := s.checkLifecycle(Initialized); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return s.mu.Unlock, nil
}

// LockForReplicate must be held while a leader allocates OpIds and appends
// pending rounds.
func (s *ReplicaState) LockForReplicate() (func(), error) {
	s.mu.Lock()
	if err := s.checkLifecycle(Running); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.role != RoleLeader {
		s.mu.Unlock()
		return nil, consensuserrors.New(consensuserrors.KindIllegalState, "not leader")
	}
	return s.mu.Unlock, nil
}

// LockForUpdate must be held while a follower processes UpdateConsensus.
func (s *ReplicaState) LockForUpdate() (func(), error) {
	s.mu.Lock()
	if err := s.checkLifecycle(Running); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return s.mu.Unlock, nil
}

// LockForRead allows Initialized or Running (e.g. inspecting config before
// the replica has started replicating).
func (s *ReplicaState) LockForRead() (func(), error) {
	s.mu.Lock()
	if err := s.checkLifecycle(Initialized, Running); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return s.mu.Unlock, nil
}

func (s *ReplicaState) LockForConfigChange() (func(), error) {
	s.mu.Lock()
	if err := s.checkLifecycle(Running); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return s.mu.Unlock, nil
}

func (s *ReplicaState) LockForShutdown() func() {
	s.mu.Lock()
	s.lifecycle = ShuttingDown
	return s.mu.Unlock
}

func (s *ReplicaState) LockForMajorityReplicatedIndexUpdate() (func(), error) {
	s.mu.Lock()
	if err := s.checkLifecycle(Running); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return s.mu.Unlock, nil
}

// SetRunning finishes the Initialized -> Running transition; caller must
// hold the lock obtained from LockForStart.
func (s *ReplicaState) SetRunning() {
	s.lifecycle = Running
}

func (s *ReplicaState) SetShutDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = ShutDown
}

func (s *ReplicaState) Lifecycle() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}
