package types

// MemberType is a peer descriptor's member-type enum.
type MemberType int

const (
	VOTER MemberType = iota
	OBSERVER
	PRE_VOTER
	PRE_OBSERVER
	NON_PARTICIPANT
)

func (m MemberType) String() string {
	switch m {
	case VOTER:
		return "VOTER"
	case OBSERVER:
		return "OBSERVER"
	case PRE_VOTER:
		return "PRE_VOTER"
	case PRE_OBSERVER:
		return "PRE_OBSERVER"
	case NON_PARTICIPANT:
		return "NON_PARTICIPANT"
	default:
		return "UNKNOWN"
	}
}

func (m MemberType) IsVoter() bool {
	return m == VOTER
}

// IsPreTransition reports whether m is one of the transient remote-bootstrap
// member types (PRE_VOTER/PRE_OBSERVER) that get promoted on catch-up.
func (m MemberType) IsPreTransition() bool {
	return m == PRE_VOTER || m == PRE_OBSERVER
}

// PromotedType returns the VOTER/OBSERVER type a PRE_* member is promoted
// to, per ChangeConfig's CHANGE_ROLE semantics.
func (m MemberType) PromotedType() MemberType {
	switch m {
	case PRE_VOTER:
		return VOTER
	case PRE_OBSERVER:
		return OBSERVER
	default:
		return m
	}
}

// Peer is the descriptor of a tablet replica: a permanent identity, a
// last-known network address, and its role in the config.
type Peer struct {
	UUID       string
	LastKnownAddr string
	MemberType MemberType
}

// RaftConfig is an ordered set of Peer descriptors plus the log index of
// the entry that installed it. OpIdIndex is unset (-1) for the
// pending configuration, which has not yet been committed.
type RaftConfig struct {
	Peers     []Peer
	OpIdIndex int64
}

const UnsetOpIdIndex = -1

func (c RaftConfig) IsCommitted() bool {
	return c.OpIdIndex != UnsetOpIdIndex
}

func (c RaftConfig) PeerByUUID(uuid string) (Peer, bool) {
	for _, p := range c.Peers {
		if p.UUID == uuid {
			return p, true
		}
	}
	return Peer{}, false
}

func (c RaftConfig) Voters() []Peer {
	var out []Peer
	for _, p := range c.Peers {
		if p.MemberType.IsVoter() {
			out = append(out, p)
		}
	}
	return out
}

// Majority returns floor(n/2)+1 for n voters.
func Majority(numVoters int) int {
	return numVoters/2 + 1
}

// ChangeConfigType is the single-server config mutation kind. Joint
// consensus is out of scope; every change is one add, one remove, or one
// role promotion.
type ChangeConfigType int

const (
	ChangeConfigAddServer ChangeConfigType = iota
	ChangeConfigRemoveServer
	ChangeConfigChangeRole
)

func (t ChangeConfigType) String() string {
	switch t {
	case ChangeConfigAddServer:
		return "ADD_SERVER"
	case ChangeConfigRemoveServer:
		return "REMOVE_SERVER"
	case ChangeConfigChangeRole:
		return "CHANGE_ROLE"
	default:
		return "UNKNOWN"
	}
}

// ConsensusMetadata is the persisted control record: current term,
// voted-for, and the committed config. The transient pending config is
// NOT part of this struct — it lives only in ReplicaState until committed.
type ConsensusMetadata struct {
	CurrentTerm    int64
	VotedFor       string // empty if no vote cast this term
	CommittedConfig RaftConfig
}
