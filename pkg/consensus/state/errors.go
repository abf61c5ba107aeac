package state

import "github.com/tabletraft/tabletraft/internal/consensuserrors"

func errAlreadyVoted(votedFor string) error {
	return consensuserrors.New(consensuserrors.KindIllegalState, "already voted for %s this term", votedFor)
}
