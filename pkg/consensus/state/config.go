package state

import (
	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

func (s *ReplicaState) CommittedConfigUnlocked() types.RaftConfig {
	return s.committedConfig
}

func (s *ReplicaState) PendingConfigUnlocked() (types.RaftConfig, bool) {
	if s.pendingConfig == nil {
		return types.RaftConfig{}, false
	}
	return *s.pendingConfig, true
}

// ActiveConfigUnlocked is the pending config if one exists, else the
// committed config — the config currently governing replication.
func (s *ReplicaState) ActiveConfigUnlocked() types.RaftConfig {
	if s.pendingConfig != nil {
		return *s.pendingConfig
	}
	return s.committedConfig
}

// AreCommittedAndCurrentTermsSame must hold before admitting another config
// change while one is pending. Determining the term the committed config's
// opid was written under from the log's own evidence is outside this
// package's purview, so the orchestrator supplies the committed config's
// originating term explicitly.
func (s *ReplicaState) AreCommittedAndCurrentTermsSame(committedConfigTerm int64) bool {
	return committedConfigTerm == s.currentTerm
}

// SetPendingConfigUnlocked installs a proposed config change; fails if one
// is already pending.
func (s *ReplicaState) SetPendingConfigUnlocked(cfg types.RaftConfig) error {
	if s.pendingConfig != nil {
		return consensuserrors.New(consensuserrors.KindIllegalState, "a config change is already pending")
	}
	cfg.OpIdIndex = types.UnsetOpIdIndex
	s.pendingConfig = &cfg
	return nil
}

// ClearPendingConfigUnlocked drops the pending config without committing
// it (used on abort).
func (s *ReplicaState) ClearPendingConfigUnlocked() {
	s.pendingConfig = nil
}

// SetCommittedConfigUnlocked overwrites the committed config directly,
// bypassing the normal pending/commit discipline. Used only by
// RaftConsensus.UnsafeChangeConfig (spec_full's operator escape hatch for a
// tablet that has permanently lost quorum); never called from the normal
// ChangeConfig path.
func (s *ReplicaState) SetCommittedConfigUnlocked(cfg types.RaftConfig) {
	s.committedConfig = cfg
}

// CommitPendingConfigUnlocked promotes the pending config to committed,
// stamping the opid index that installed it.
func (s *ReplicaState) CommitPendingConfigUnlocked(opIdIndex int64) error {
	if s.pendingConfig == nil {
		return consensuserrors.New(consensuserrors.KindIllegalState, "no pending config to commit")
	}
	cfg := *s.pendingConfig
	cfg.OpIdIndex = opIdIndex
	s.committedConfig = cfg
	s.pendingConfig = nil
	return nil
}
