package consensus

import (
	"context"

	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/pkg/consensus/preparer"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

var errUnknownDriverType = consensuserrors.New(consensuserrors.KindIllegalState, "preparer produced a driver ReplicateBatch cannot unwrap")

// WriteOperationDriver adapts one ProposeRequest to preparer.OperationDriver
// so client writes can flow through the batching pipeline before they reach
// ReplicateBatch. prepare, if set, runs on the preparer's goroutine before
// the request is eligible for batching — the seam a caller uses to acquire
// row locks or otherwise validate the write ahead of replication.
type WriteOperationDriver struct {
	req     *ProposeRequest
	prepare func(ctx context.Context) error
}

func NewWriteOperationDriver(req *ProposeRequest, prepare func(ctx context.Context) error) *WriteOperationDriver {
	return &WriteOperationDriver{req: req, prepare: prepare}
}

func (d *WriteOperationDriver) BoundTerm() int64   { return d.req.BoundTerm }
func (d *WriteOperationDriver) Kind() types.OpKind { return d.req.OpType }

func (d *WriteOperationDriver) PrepareAndStart(ctx context.Context) error {
	if d.prepare == nil {
		return nil
	}
	return d.prepare(ctx)
}

func (d *WriteOperationDriver) Fail(err error) {
	if d.req.OnComplete != nil {
		d.req.OnComplete(types.ReplicateStatus{OK: false, Err: err})
	}
}

// preparerReplicator satisfies preparer.BatchReplicator by unwrapping each
// driver back to its ProposeRequest and calling ReplicateBatch directly;
// drivers not produced by NewWriteOperationDriver are rejected rather than
// silently dropped, since that would replicate fewer rounds than the caller
// queued.
type preparerReplicator struct{ c *RaftConsensus }

func (a preparerReplicator) ReplicateBatch(ctx context.Context, drivers []preparer.OperationDriver) error {
	reqs := make([]*ProposeRequest, len(drivers))
	for i, d := range drivers {
		wd, ok := d.(*WriteOperationDriver)
		if !ok {
			return errUnknownDriverType
		}
		reqs[i] = wd.req
	}
	_, err := a.c.ReplicateBatch(ctx, reqs)
	return err
}

// Propose submits req through the preparer's batching pipeline rather than
// calling ReplicateBatch directly; prepare (optional) runs once the request
// reaches the front of the pipeline, before it can be grouped into a batch
// with the requests around it.
func (c *RaftConsensus) Propose(req *ProposeRequest, prepare func(ctx context.Context) error) error {
	return c.preparer.SubmitLeader(NewWriteOperationDriver(req, prepare))
}
