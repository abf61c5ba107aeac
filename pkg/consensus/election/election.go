// Package election implements one-shot leader elections: the candidate
// side that advances the term, requests votes from every VOTER peer in
// parallel, and tallies the result with a VoteCounter, and the receiver
// side that decides whether to grant a vote. Votes are collected by a
// dedicated goroutine calling out through PeerProxy, racing a
// VoteCounter's decision against in-flight RPCs.
package election

import (
	"context"
	"sync"
	"time"

	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/state"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
)

// FailureDetector is the narrow capability RunElection and HandleRequestVote
// need from the failure detector: push the election timer forward on any
// sign that term/vote activity happened.
type FailureDetector interface {
	Snooze(extraBackoff time.Duration)
}

// ElectionResult is handed to RunElection's caller once a decision is
// reached or every voter has been heard from without one.
type ElectionResult struct {
	Term                       int64
	Decision                   Decision
	Message                    string
	OldLeaderLeaseExpiration   int64 // unix nanos, 0 if none reported
	OldLeaderHtLeaseExpiration uint64
}

type Config struct {
	VoteRequestTimeout time.Duration
}

func NewConfig() Config {
	return Config{VoteRequestTimeout: 3 * time.Second}
}

// RunElection executes the candidate side of one election: advances the
// term, persists (term, voted_for = self), requests votes from every other
// VOTER peer in parallel, and returns once VoteCounter reaches a decision
// or every voter has responded.
func RunElection(
	ctx context.Context,
	s *state.ReplicaState,
	md types.MetadataStore,
	proxies types.PeerProxyFactory,
	activeConfig types.RaftConfig,
	localUUID, tabletID string,
	ignoreLiveLeader bool,
	cfg Config,
	log tlog.Logger,
) (ElectionResult, error) {
	unlock, err := s.LockForUpdate()
	if err != nil {
		return ElectionResult{}, err
	}
	wasLeader := s.IsLeaderUnlocked()
	if wasLeader {
		s.BecomeFollowerUnlocked("")
	}
	term := s.CurrentTermUnlocked() + 1
	s.SetCurrentTermUnlocked(term)
	s.BecomeCandidateUnlocked()
	if err := s.GrantVoteUnlocked(localUUID); err != nil {
		unlock()
		return ElectionResult{}, err
	}
	lastReceived := s.LastReceivedOpIdUnlocked()
	committedConfig := s.CommittedConfigUnlocked()
	unlock()

	if err := md.Save(types.ConsensusMetadata{CurrentTerm: term, VotedFor: localUUID, CommittedConfig: committedConfig}); err != nil {
		return ElectionResult{}, consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "persist term/vote before requesting votes")
	}

	voters := activeConfig.Voters()
	counter := NewVoteCounter(len(voters))
	counter.Record(localUUID, true)

	var mu sync.Mutex
	var oldLeaseNanos int64
	var oldHtLease uint64

	decided := make(chan Decision, 1)
	var once sync.Once
	signal := func(d Decision) {
		once.Do(func() { decided <- d })
	}

	if d := counter.Decide(); d != Pending {
		signal(d)
	}

	var wg sync.WaitGroup
	for _, peer := range voters {
		if peer.UUID == localUUID {
			continue
		}
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			proxy, err := proxies.NewProxy(peer)
			if err != nil {
				log.Warn("open proxy for vote request failed", zap.String("peer", peer.UUID), zap.Error(err))
				mu.Lock()
				counter.Record(peer.UUID, false)
				d := counter.Decide()
				mu.Unlock()
				if d != Pending {
					signal(d)
				}
				return
			}
			defer proxy.Close()

			reqCtx, cancel := context.WithTimeout(ctx, cfg.VoteRequestTimeout)
			defer cancel()

			respCh := make(chan *types.RequestVoteResponse, 1)
			proxy.RequestVoteAsync(reqCtx, &types.RequestVoteRequest{
				CandidateUUID:    localUUID,
				CandidateTerm:    term,
				TabletId:         tabletID,
				LastReceivedOpId: lastReceived,
				IgnoreLiveLeader: ignoreLiveLeader,
			}, func(resp *types.RequestVoteResponse, err error) {
				if err != nil {
					respCh <- nil
					return
				}
				respCh <- resp
			})

			var resp *types.RequestVoteResponse
			select {
			case resp = <-respCh:
			case <-reqCtx.Done():
			}

			mu.Lock()
			if resp != nil {
				counter.Record(peer.UUID, resp.VoteGranted)
				if resp.OldLeaderLeaseExpiration > oldLeaseNanos {
					oldLeaseNanos = resp.OldLeaderLeaseExpiration
				}
				if resp.OldLeaderHtLeaseExpiration > oldHtLease {
					oldHtLease = resp.OldLeaderHtLeaseExpiration
				}
			} else {
				counter.Record(peer.UUID, false)
			}
			d := counter.Decide()
			mu.Unlock()
			if d != Pending {
				signal(d)
			}
		}()
	}

	go func() {
		wg.Wait()
		mu.Lock()
		d := counter.Decide()
		mu.Unlock()
		signal(d)
	}()

	var decision Decision
	select {
	case decision = <-decided:
	case <-ctx.Done():
		return ElectionResult{}, ctx.Err()
	}

	mu.Lock()
	result := ElectionResult{
		Term:                       term,
		Decision:                   decision,
		OldLeaderLeaseExpiration:   oldLeaseNanos,
		OldLeaderHtLeaseExpiration: oldHtLease,
	}
	mu.Unlock()
	switch decision {
	case Won:
		result.Message = "won election"
	case Lost:
		result.Message = "lost election"
	default:
		result.Message = "election inconclusive, all voters responded without a majority"
	}
	return result, nil
}

// HandleRequestVote implements the receiver side of RequestVote: the
// ordered deny/grant checks. leaderIsAlive must be computed by the caller
// (RaftConsensus knows its own failure-detector deadline and clock); this
// package stays decoupled from wall-clock wiring.
func HandleRequestVote(
	s *state.ReplicaState,
	md types.MetadataStore,
	detector FailureDetector,
	leaderIsAlive bool,
	req *types.RequestVoteRequest,
) (*types.RequestVoteResponse, error) {
	unlock, err := s.LockForUpdate()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if leaderIsAlive && !req.IgnoreLiveLeader {
		return denyResponse(s, types.ErrLeaderIsAlive), nil
	}

	current := s.CurrentTermUnlocked()
	if req.CandidateTerm < current {
		return denyResponse(s, types.ErrInvalidTerm), nil
	}

	if req.CandidateTerm == current {
		votedFor := s.VotedForUnlocked()
		if votedFor != "" && votedFor != req.CandidateUUID {
			return denyResponse(s, types.ErrAlreadyVoted), nil
		}
	} else {
		if s.IsLeaderUnlocked() {
			s.BecomeFollowerUnlocked("")
		}
		s.SetCurrentTermUnlocked(req.CandidateTerm)
		current = req.CandidateTerm
	}

	if req.LastReceivedOpId.Less(s.LastReceivedOpIdUnlocked()) {
		return denyResponse(s, types.ErrLastOpIdTooOld), nil
	}

	if err := s.GrantVoteUnlocked(req.CandidateUUID); err != nil {
		return denyResponse(s, types.ErrAlreadyVoted), nil
	}

	if err := md.Save(types.ConsensusMetadata{
		CurrentTerm:     current,
		VotedFor:        req.CandidateUUID,
		CommittedConfig: s.CommittedConfigUnlocked(),
	}); err != nil {
		return nil, consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "persist vote before granting")
	}

	detector.Snooze(0)

	return &types.RequestVoteResponse{
		ResponderTerm:              current,
		VoteGranted:                true,
		OldLeaderLeaseExpiration:   s.OldLeaderLeaseExpirationNanos(),
		OldLeaderHtLeaseExpiration: s.OldLeaderHtLeaseExpiration(),
	}, nil
}

func denyResponse(s *state.ReplicaState, code types.ErrorCode) *types.RequestVoteResponse {
	return &types.RequestVoteResponse{
		ResponderTerm: s.CurrentTermUnlocked(),
		VoteGranted:   false,
		Error:         &types.ConsensusError{Code: code},
	}
}
