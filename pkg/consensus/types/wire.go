package types

// This file holds the Go-native shape of the consensus core's wire
// envelopes. The concrete serialization used over the wire lives in
// pkg/rpcproxy; these structs are the values every consensus component
// actually works with.

type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrInvalidTerm
	ErrPrecedingEntryDidntMatch
	ErrAlreadyVoted
	ErrLastOpIdTooOld
	ErrLeaderIsAlive
	ErrConsensusBusy
	ErrCannotPrepare
)

type ConsensusError struct {
	Code   ErrorCode
	Status error
}

// UpdateConsensusRequest is the main replication RPC's request.
type UpdateConsensusRequest struct {
	CallerUUID              string
	CallerTerm              int64
	TabletId                string
	DestUUID                string
	PrecedingId             OpId
	Ops                     []*ReplicateMsg
	CommittedIndex          int64
	PropagatedHybridTime    uint64
	HasPropagatedHybridTime bool
	PropagatedSafeTime      uint64
	HasPropagatedSafeTime   bool
	LeaderLeaseDurationMs   int64
	HasLeaderLease          bool
	HtLeaseExpiration       uint64
	HasHtLease              bool
}

type UpdateConsensusStatus struct {
	LastReceived              OpId
	LastReceivedCurrentLeader OpId
	LastCommittedIdx          int64
	Error                     *ConsensusError // nil if no per-request error
}

type UpdateConsensusResponse struct {
	ResponderUUID string
	ResponderTerm int64
	Status        UpdateConsensusStatus
	// TopLevelError covers transport/application errors such as
	// WRONG_SERVER_UUID or TABLET_NOT_FOUND.
	TopLevelError error
}

// RequestVoteRequest is the vote RPC's request.
type RequestVoteRequest struct {
	CandidateUUID     string
	CandidateTerm     int64
	TabletId          string
	LastReceivedOpId  OpId
	IgnoreLiveLeader  bool
}

type RequestVoteResponse struct {
	ResponderUUID               string
	ResponderTerm               int64
	VoteGranted                 bool
	Error                       *ConsensusError
	OldLeaderLeaseExpiration    int64 // unix nanos, 0 if none
	OldLeaderHtLeaseExpiration  uint64
}

// RunLeaderElectionRequest triggers an election on the nominee (stepdown
// with a nominee).
type RunLeaderElectionRequest struct {
	OriginatorUUID string
	DestUUID       string
	TabletId       string
	CommittedIndex int64
}

type RunLeaderElectionResponse struct{}

// LeaderElectionLostRequest notifies an originator that its protégé lost.
type LeaderElectionLostRequest struct {
	ElectionLostByUUID string
	TabletId           string
}

type LeaderElectionLostResponse struct{}

// StartRemoteBootstrapRequest is opaque to the core; invoked fire-and-forget.
type StartRemoteBootstrapRequest struct {
	TabletId        string
	BootstrapPeerUUID string
	BootstrapSourceAddr string
}

type StartRemoteBootstrapResponse struct{}
