package tablet

import (
	"context"

	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

// DefaultOperationFactory prepares every operation synchronously and
// successfully. ReplicateMsg's Payload is kept opaque ([]byte): this core
// has no row schema to validate a payload against, so Prepare has nothing
// left to do once the leader (or, on a follower, the log append itself)
// has already fixed the operation's OpId and term.
type DefaultOperationFactory struct{}

func (DefaultOperationFactory) StartOperation(ctx context.Context, round *types.ConsensusRound, onPrepared func(error)) error {
	onPrepared(nil)
	return nil
}

var _ types.OperationFactory = DefaultOperationFactory{}
