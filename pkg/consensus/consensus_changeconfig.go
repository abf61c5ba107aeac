package consensus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
)

// ChangeConfigRequest describes one single-server config mutation. Never
// joint: exactly one add, remove, or role change per call.
type ChangeConfigRequest struct {
	Type types.ChangeConfigType

	// PeerUUID identifies the peer being removed or role-changed. For
	// ADD_SERVER it is optional: leaving it empty assigns the new peer a
	// freshly generated permanent UUID, filled into this field on return.
	PeerUUID string

	// NewPeerAddr/NewPeerMemberType are required for ADD_SERVER;
	// NewPeerMemberType must be PRE_VOTER or PRE_OBSERVER.
	NewPeerAddr       string
	NewPeerMemberType types.MemberType

	// PromoteTo is required for CHANGE_ROLE.
	PromoteTo types.MemberType

	// BoundTerm, if non-zero, is re-checked against the current term
	// under the lock (same discipline as ProposeRequest.BoundTerm).
	BoundTerm int64

	// CasConfigOpIdIndex, if set, must match the committed config's
	// OpIdIndex or the request is rejected — atomic compare-and-swap on
	// the config generation.
	CasConfigOpIdIndex *int64
}

// Re-exported so callers commonly need only import pkg/consensus, not
// pkg/consensus/types, to build a ChangeConfigRequest.
const (
	ChangeConfigAddServer    = types.ChangeConfigAddServer
	ChangeConfigRemoveServer = types.ChangeConfigRemoveServer
	ChangeConfigChangeRole   = types.ChangeConfigChangeRole
)

// ChangeConfig applies a single-server config mutation: preconditions
// (leader has committed in its own term, no pending config, no peer mid
// PRE_VOTER/PRE_OBSERVER transition other than the one the request names),
// then encodes the change as a CHANGE_CONFIG_OP round, sets it pending
// immediately, and replicates it like any other round. The new config
// becomes committed only when this round itself commits (see
// onMajorityReplicated).
func (c *RaftConsensus) ChangeConfig(ctx context.Context, req *ChangeConfigRequest) (types.OpId, error) {
	unlock, err := c.state.LockForConfigChange()
	if err != nil {
		return types.OpId{}, err
	}

	if !c.state.IsLeaderUnlocked() {
		unlock()
		return types.OpId{}, consensuserrors.New(consensuserrors.KindIllegalState, "not leader")
	}
	term := c.state.CurrentTermUnlocked()
	if req.BoundTerm != 0 && req.BoundTerm != term {
		unlock()
		return types.OpId{}, consensuserrors.New(consensuserrors.KindIllegalState,
			"bound term %d does not match current term %d", req.BoundTerm, term)
	}
	committed := c.state.CommittedOpIdUnlocked()
	if committed.Term != term {
		unlock()
		return types.OpId{}, consensuserrors.New(consensuserrors.KindIllegalState,
			"LEADER_NOT_READY_CHANGE_CONFIG: no entry committed in current term yet")
	}
	if _, pending := c.state.PendingConfigUnlocked(); pending {
		unlock()
		return types.OpId{}, consensuserrors.New(consensuserrors.KindIllegalState,
			"LEADER_NOT_READY_CHANGE_CONFIG: a config change is already pending")
	}

	if req.Type == types.ChangeConfigAddServer && req.PeerUUID == "" {
		req.PeerUUID = uuid.NewString()
	}

	oldConfig := c.state.CommittedConfigUnlocked()
	if req.CasConfigOpIdIndex != nil && oldConfig.OpIdIndex != *req.CasConfigOpIdIndex {
		unlock()
		return types.OpId{}, consensuserrors.New(consensuserrors.KindInvalidArgument,
			"cas_config_opid_index mismatch: committed config is at %d, caller expected %d",
			oldConfig.OpIdIndex, *req.CasConfigOpIdIndex)
	}
	for _, p := range oldConfig.Peers {
		if p.MemberType.IsPreTransition() && p.UUID != req.PeerUUID {
			unlock()
			return types.OpId{}, consensuserrors.New(consensuserrors.KindIllegalState,
				"LEADER_NOT_READY_CHANGE_CONFIG: peer %s is still mid-transition", p.UUID)
		}
	}

	newConfig := oldConfig
	newConfig.Peers = append([]types.Peer(nil), oldConfig.Peers...)

	if err := applyChangeConfigMutation(&newConfig, c.localUUID, req); err != nil {
		unlock()
		return types.OpId{}, err
	}

	if err := c.state.SetPendingConfigUnlocked(newConfig); err != nil {
		unlock()
		return types.OpId{}, err
	}
	unlock()

	id, err := c.Replicate(ctx, &ProposeRequest{
		OpType:             types.OpChangeConfig,
		ChangeConfigRecord: &types.ChangeConfigRecord{OldConfig: oldConfig, NewConfig: newConfig},
		BoundTerm:          term,
	})
	if err != nil {
		if unlock2, lerr := c.state.LockForConfigChange(); lerr == nil {
			c.state.ClearPendingConfigUnlocked()
			unlock2()
		}
		return types.OpId{}, err
	}
	return id, nil
}

// applyChangeConfigMutation mutates newConfig in place per req.Type,
// enforcing single-server ADD_SERVER/REMOVE_SERVER/CHANGE_ROLE semantics.
func applyChangeConfigMutation(newConfig *types.RaftConfig, localUUID string, req *ChangeConfigRequest) error {
	switch req.Type {
	case types.ChangeConfigAddServer:
		if req.NewPeerMemberType != types.PRE_VOTER && req.NewPeerMemberType != types.PRE_OBSERVER {
			return consensuserrors.New(consensuserrors.KindInvalidArgument, "ADD_SERVER requires PRE_VOTER or PRE_OBSERVER")
		}
		if req.NewPeerAddr == "" {
			return consensuserrors.New(consensuserrors.KindInvalidArgument, "ADD_SERVER requires an address")
		}
		if _, exists := newConfig.PeerByUUID(req.PeerUUID); exists {
			return consensuserrors.New(consensuserrors.KindInvalidArgument, "peer %s already in config", req.PeerUUID)
		}
		newConfig.Peers = append(newConfig.Peers, types.Peer{
			UUID:          req.PeerUUID,
			LastKnownAddr: req.NewPeerAddr,
			MemberType:    req.NewPeerMemberType,
		})
		return nil

	case types.ChangeConfigRemoveServer:
		if req.PeerUUID == localUUID {
			return consensuserrors.New(consensuserrors.KindInvalidArgument, "cannot remove self")
		}
		filtered := newConfig.Peers[:0]
		found := false
		for _, p := range newConfig.Peers {
			if p.UUID == req.PeerUUID {
				found = true
				continue
			}
			filtered = append(filtered, p)
		}
		if !found {
			return consensuserrors.New(consensuserrors.KindNotFound, "peer %s not in config", req.PeerUUID)
		}
		newConfig.Peers = filtered
		return nil

	case types.ChangeConfigChangeRole:
		if req.PeerUUID == localUUID {
			return consensuserrors.New(consensuserrors.KindInvalidArgument, "cannot change own role")
		}
		idx := -1
		for i, p := range newConfig.Peers {
			if p.UUID == req.PeerUUID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return consensuserrors.New(consensuserrors.KindNotFound, "peer %s not in config", req.PeerUUID)
		}
		cur := newConfig.Peers[idx].MemberType
		valid := (cur == types.PRE_VOTER && req.PromoteTo == types.VOTER) ||
			(cur == types.PRE_OBSERVER && req.PromoteTo == types.OBSERVER)
		if !valid {
			return consensuserrors.New(consensuserrors.KindInvalidArgument,
				"invalid role transition %s -> %s", cur, req.PromoteTo)
		}
		newConfig.Peers[idx].MemberType = req.PromoteTo
		return nil

	default:
		return consensuserrors.New(consensuserrors.KindInvalidArgument, "unknown change config type %d", req.Type)
	}
}

// RequestChangeRole is peer.ChangeRoleRequester: a Peer sender calls this
// once its follower is caught up and mid-transition, to promote it from
// PRE_VOTER/PRE_OBSERVER to VOTER/OBSERVER.
func (c *RaftConsensus) RequestChangeRole(ctx context.Context, peerUUID string, promoteTo types.MemberType) error {
	_, err := c.ChangeConfig(ctx, &ChangeConfigRequest{
		Type:      types.ChangeConfigChangeRole,
		PeerUUID:  peerUUID,
		PromoteTo: promoteTo,
	})
	return err
}

// UnsafeChangeConfig is the operator-invoked escape hatch for a tablet that
// has permanently lost quorum: it persists newConfig as the committed
// config directly, bypassing the normal CAS/commit/replicate discipline.
// It is never reachable from PeerProxy — only from an operator tool acting
// directly on this process.
func (c *RaftConsensus) UnsafeChangeConfig(newConfig types.RaftConfig) error {
	unlock, err := c.state.LockForConfigChange()
	if err != nil {
		return err
	}
	c.Warn("UNSAFE config override invoked — bypassing normal ChangeConfig discipline",
		zap.Any("new_config", newConfig))
	term := c.state.CurrentTermUnlocked()
	votedFor := c.state.VotedForUnlocked()
	c.state.ClearPendingConfigUnlocked()
	c.state.SetCommittedConfigUnlocked(newConfig)
	unlock()

	if err := c.md.Save(types.ConsensusMetadata{CurrentTerm: term, VotedFor: votedFor, CommittedConfig: newConfig}); err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "persist unsafe config override")
	}
	c.peers.UpdateRaftConfig(newConfig)
	return nil
}

// StepDownRequest optionally names a nominee for a leadership transfer.
type StepDownRequest struct {
	NewLeaderUUID string
}

// StepDown makes the leader step down to follower and, if a nominee was
// named, asks it to run a forced election
// after verifying the nominee is a caught-up voter that has not recently
// lost an election to the same request.
func (c *RaftConsensus) StepDown(ctx context.Context, req *StepDownRequest) error {
	unlock, err := c.state.LockForUpdate()
	if err != nil {
		return err
	}
	if !c.state.IsLeaderUnlocked() {
		unlock()
		return consensuserrors.New(consensuserrors.KindIllegalState, "not leader")
	}

	var nominee types.Peer
	haveNominee := req.NewLeaderUUID != ""
	if haveNominee {
		p, ok := c.state.ActiveConfigUnlocked().PeerByUUID(req.NewLeaderUUID)
		if !ok || !p.MemberType.IsVoter() {
			unlock()
			return consensuserrors.New(consensuserrors.KindInvalidArgument,
				"LEADER_NOT_READY_TO_STEP_DOWN: nominee %s is not a voter in the active config", req.NewLeaderUUID)
		}
		nominee = p
	}
	committedIdx := c.state.CommittedOpIdUnlocked().Index
	unlock()

	if haveNominee {
		if !c.canPeerBecomeLeader(nominee.UUID, committedIdx) {
			return consensuserrors.New(consensuserrors.KindIllegalState,
				"LEADER_NOT_READY_TO_STEP_DOWN: nominee %s is not caught up", nominee.UUID)
		}
		c.protegeMu.Lock()
		lostAt, seen := c.electionLostByProtege[nominee.UUID]
		c.protegeMu.Unlock()
		if seen && time.Since(lostAt) < c.opts.MinLeaderStepdownRetryInterval {
			return consensuserrors.New(consensuserrors.KindIllegalState,
				"LEADER_NOT_READY_TO_STEP_DOWN: nominee %s recently lost an election, retry later", nominee.UUID)
		}
	}

	unlock2, err := c.state.LockForUpdate()
	if err != nil {
		return err
	}
	c.state.BecomeFollowerUnlocked("")
	unlock2()
	// Give the protege time to win before we would otherwise re-contest.
	c.detector.WithholdElectionStartUntil(time.Now().Add(
		time.Duration(c.opts.AfterStepdownDelayElectionMultiplier) * c.opts.electionTimeout()))

	if haveNominee {
		proxy, err := c.proxies.NewProxy(nominee)
		if err != nil {
			return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "open proxy to nominee")
		}
		reqCtx, cancel := context.WithTimeout(context.Background(), c.opts.ConsensusRPCTimeout)
		proxy.RunLeaderElectionAsync(reqCtx, &types.RunLeaderElectionRequest{
			OriginatorUUID: c.localUUID,
			DestUUID:       nominee.UUID,
			TabletId:       c.tabletID,
			CommittedIndex: committedIdx,
		}, func(_ *types.RunLeaderElectionResponse, err error) {
			cancel()
			proxy.Close()
			if err != nil {
				c.Warn("RunLeaderElection on nominee failed", zap.String("nominee", nominee.UUID), zap.Error(err))
			}
		})
	}
	return nil
}

// canPeerBecomeLeader reports whether uuid's last-known replicated index,
// as tracked by the leader's queue, is caught up with committedIdx.
func (c *RaftConsensus) canPeerBecomeLeader(uuid string, committedIdx int64) bool {
	progress, ok := c.queue.Progress(uuid)
	if !ok {
		return false
	}
	return progress.LastReceivedOpId.Index >= committedIdx
}
