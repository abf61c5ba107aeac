package state

import "time"

// UpdateOldLeaderLeaseExpiration takes the MAXIMUM of the current and
// proposed expirations — leases never regress. duration is
// relative to now; htExpiration is an absolute hybrid-time value.
func (s *ReplicaState) UpdateOldLeaderLeaseExpiration(duration time.Duration, htExpiration uint64) {
	proposed := time.Now().Add(duration).UnixNano()
	if proposed > s.oldLeaderLeaseExpirationNanos {
		s.oldLeaderLeaseExpirationNanos = proposed
	}
	if htExpiration > s.oldLeaderHtLeaseExpiration {
		s.oldLeaderHtLeaseExpiration = htExpiration
	}
}

// UpdateOldLeaderLeaseExpirationAbsolute is the absolute-deadline form used
// when propagating lease info learned from a vote response.
func (s *ReplicaState) UpdateOldLeaderLeaseExpirationAbsolute(deadlineNanos int64, htExpiration uint64) {
	if deadlineNanos > s.oldLeaderLeaseExpirationNanos {
		s.oldLeaderLeaseExpirationNanos = deadlineNanos
	}
	if htExpiration > s.oldLeaderHtLeaseExpiration {
		s.oldLeaderHtLeaseExpiration = htExpiration
	}
}

func (s *ReplicaState) OldLeaderLeaseExpirationNanos() int64 {
	return s.oldLeaderLeaseExpirationNanos
}

func (s *ReplicaState) OldLeaderHtLeaseExpiration() uint64 {
	return s.oldLeaderHtLeaseExpiration
}

// UpdateMajorityReplicatedLeaseExpirationUnlocked is called once the
// majority-replicated watermark advances; it extends the new leader's own
// lease. Never regresses.
func (s *ReplicaState) UpdateMajorityReplicatedLeaseExpirationUnlocked(duration time.Duration, htDuration uint64, clockNow uint64) {
	proposed := time.Now().Add(duration).UnixNano()
	if proposed > s.majorityReplicatedLeaseExpirationNanos {
		s.majorityReplicatedLeaseExpirationNanos = proposed
	}
	proposedHt := clockNow + htDuration
	if proposedHt > s.majorityReplicatedHtLeaseExpiration {
		s.majorityReplicatedHtLeaseExpiration = proposedHt
	}
}

// GetLeaderLeaseStatus reports whether this leader currently holds the
// lease, and if not, how long the caller must wait.
func (s *ReplicaState) GetLeaderLeaseStatus() (status LeaderLeaseStatus, remaining time.Duration) {
	now := time.Now().UnixNano()
	if now < s.oldLeaderLeaseExpirationNanos {
		return OldLeaderMayHaveLease, time.Duration(s.oldLeaderLeaseExpirationNanos - now)
	}
	if s.majorityReplicatedLeaseExpirationNanos == 0 || now >= s.majorityReplicatedLeaseExpirationNanos {
		return NoMajorityReplicatedLease, 0
	}
	return HasLease, time.Duration(s.majorityReplicatedLeaseExpirationNanos - now)
}
