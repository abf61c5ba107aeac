package types

import "time"

// OpKind is the tagged-sum dispatch for the operation types that can flow
// through the log. Centralized here so the Preparer's apply-alone rule and
// the log store's per-kind last-op-id lookup share the same enum.
type OpKind int

const (
	OpWrite OpKind = iota
	OpAlterSchema
	OpUpdateTransaction
	OpSnapshot
	OpTruncate
	// OpEmpty is the no-op "safe time" heartbeat operation a leader
	// replicates purely to advance hybrid-time when there is no write
	// traffic.
	OpEmpty
	OpChangeConfig
)

// AppliesAlone reports whether operations of this kind must be applied one
// at a time rather than batched with surrounding operations.
func (k OpKind) AppliesAlone() bool {
	return k == OpAlterSchema || k == OpEmpty
}

func (k OpKind) String() string {
	switch k {
	case OpWrite:
		return "WRITE"
	case OpAlterSchema:
		return "ALTER_SCHEMA"
	case OpUpdateTransaction:
		return "UPDATE_TRANSACTION"
	case OpSnapshot:
		return "SNAPSHOT"
	case OpTruncate:
		return "TRUNCATE"
	case OpEmpty:
		return "EMPTY"
	case OpChangeConfig:
		return "CHANGE_CONFIG"
	default:
		return "UNKNOWN"
	}
}

// ReplicateMsg is the shared, immutable log-entry payload. Once constructed it must never be mutated —
// the log cache, the peer message queue, and every in-flight peer request
// may hold the same pointer.
type ReplicateMsg struct {
	Id         OpId
	OpType     OpKind
	HybridTime uint64
	// CommittedOpId is the leader's committed op-id at the moment this
	// entry was appended; carried so a follower applying this
	// entry later knows what the leader considered safe at append time.
	CommittedOpId OpId
	// Payload is the opaque operation body; its serialization is inherited
	// from the surrounding system's schema and not specified here.
	Payload []byte
	// ChangeConfigRecord is only set when OpType == OpChangeConfig.
	ChangeConfigRecord *ChangeConfigRecord
}

// ChangeConfigRecord carries the old and new configs for a CHANGE_CONFIG_OP
// entry.
type ChangeConfigRecord struct {
	OldConfig RaftConfig
	NewConfig RaftConfig
}

// ReplicateCallback is invoked exactly once when a round's fate is decided:
// committed-and-applied, or aborted.
type ReplicateCallback func(status ReplicateStatus)

type ReplicateStatus struct {
	OK  bool
	Err error
}

// ConsensusRound binds a ReplicateMsg to the term it was submitted under
// (leader side) and the callback to invoke on completion.
// Created on submission (leader) or on receipt (follower); destroyed once
// committed-and-applied or aborted.
type ConsensusRound struct {
	Msg        *ReplicateMsg
	BoundTerm  int64
	OnComplete ReplicateCallback
	CreatedAt  time.Time
}

func NewConsensusRound(msg *ReplicateMsg, boundTerm int64, cb ReplicateCallback) *ConsensusRound {
	return &ConsensusRound{Msg: msg, BoundTerm: boundTerm, OnComplete: cb, CreatedAt: time.Now()}
}

func (r *ConsensusRound) Id() OpId {
	return r.Msg.Id
}

func (r *ConsensusRound) Finish(status ReplicateStatus) {
	if r.OnComplete != nil {
		r.OnComplete(status)
	}
}
