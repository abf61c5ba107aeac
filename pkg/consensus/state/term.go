package state

import "go.uber.org/zap"

// CurrentTermUnlocked returns the current term. Caller must hold the lock.
func (s *ReplicaState) CurrentTermUnlocked() int64 {
	return s.currentTerm
}

func (s *ReplicaState) VotedForUnlocked() string {
	return s.votedFor
}

func (s *ReplicaState) RoleUnlocked() Role {
	return s.role
}

func (s *ReplicaState) LeaderUUIDUnlocked() string {
	return s.leaderUUID
}

func (s *ReplicaState) IsLeaderUnlocked() bool {
	return s.role == RoleLeader
}

// SetCurrentTermUnlocked advances the term and clears voted-for. The caller
// is responsible for persisting this via MetadataStore *before* any
// externally-observable consequence leaves the process; this method only mutates in-memory state.
func (s *ReplicaState) SetCurrentTermUnlocked(term int64) {
	if term <= s.currentTerm {
		s.log.Panic("term must strictly increase", zap.Int64("current", s.currentTerm), zap.Int64("new", term))
	}
	s.currentTerm = term
	s.votedFor = ""
}

// GrantVoteUnlocked records that votedFor cast a vote in the current term.
// voted_for is set at most once per term; the caller
// must persist this before any vote-granted reply leaves the process.
func (s *ReplicaState) GrantVoteUnlocked(candidateUUID string) error {
	if s.votedFor != "" && s.votedFor != candidateUUID {
		return errAlreadyVoted(s.votedFor)
	}
	s.votedFor = candidateUUID
	return nil
}

func (s *ReplicaState) BecomeFollowerUnlocked(leaderUUID string) {
	s.role = RoleFollower
	s.leaderUUID = leaderUUID
	s.log.Focus("become follower", zap.Int64("term", s.currentTerm), zap.String("leader", leaderUUID))
}

func (s *ReplicaState) BecomeCandidateUnlocked() {
	s.role = RoleCandidate
	s.leaderUUID = ""
	s.log.Focus("become candidate", zap.Int64("term", s.currentTerm))
}

func (s *ReplicaState) BecomeLeaderUnlocked(selfUUID string) {
	s.role = RoleLeader
	s.leaderUUID = selfUUID
	// A new leader's lease bookkeeping starts from scratch; it must still
	// wait out whatever old-leader lease it heard about during the
	// election before it may authorize reads.
	s.majorityReplicatedLeaseExpirationNanos = 0
	s.majorityReplicatedHtLeaseExpiration = 0
	s.log.Focus("become leader", zap.Int64("term", s.currentTerm))
}
