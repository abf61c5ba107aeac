// Package preparer implements the serial per-tablet pipeline that batches
// leader-side proposals before they are handed to RaftConsensus.ReplicateBatch.
// A single worker drains the queue in submission order, groups consecutive
// successes bound to the same term into one ReplicateBatch call, and flushes
// early on a term change or an operation that must be applied alone.
package preparer

import (
	"context"

	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/metrics"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"

	"github.com/lni/goutils/syncutil"
)

// OperationDriver is one item submitted to the preparer: a leader-side
// proposal not yet accepted into the log, or a follower-side received
// message whose local bookkeeping must run before the batch it interrupted
// resumes.
type OperationDriver interface {
	BoundTerm() int64
	Kind() types.OpKind
	// PrepareAndStart runs this driver's local work (validation, lock
	// acquisition, hybrid-time stamping) before it becomes eligible for
	// ReplicateBatch.
	PrepareAndStart(ctx context.Context) error
	// Fail is called exactly once for a driver that never reaches
	// ReplicateBatch, or whose containing sub-batch's ReplicateBatch call
	// itself failed.
	Fail(err error)
}

// BatchReplicator is the narrow capability the preparer needs from
// RaftConsensus: replicate a set of already-prepared, same-term drivers as
// one batch.
type BatchReplicator interface {
	ReplicateBatch(ctx context.Context, drivers []OperationDriver) error
}

// Config bounds the preparer's queue depth and leader batch size.
type Config struct {
	QueueSize    int
	MaxBatchSize int
	// TabletID labels the batch-size metric; left blank in tests.
	TabletID string
}

func NewConfig() Config {
	return Config{QueueSize: 1000, MaxBatchSize: 1000}
}

type item struct {
	driver     OperationDriver
	isFollower bool
}

// Preparer drains a single channel on one goroutine, so operations from the
// same tablet are always prepared in submission order regardless of which
// caller goroutine submitted them.
type Preparer struct {
	tlog.Logger

	cfg        Config
	replicator BatchReplicator
	items      chan item
	stopper    *syncutil.Stopper
}

func New(replicator BatchReplicator, cfg Config) *Preparer {
	return &Preparer{
		Logger:     tlog.New("preparer"),
		cfg:        cfg,
		replicator: replicator,
		items:      make(chan item, cfg.QueueSize),
		stopper:    syncutil.NewStopper(),
	}
}

func (p *Preparer) Start() {
	p.stopper.RunWorker(p.loop)
}

// Stop drains and prepares everything already queued before returning.
func (p *Preparer) Stop() {
	close(p.items)
	p.stopper.Stop()
}

// SubmitLeader enqueues a leader-side proposal for batching. Returns an
// error immediately, without blocking, if the queue is full.
func (p *Preparer) SubmitLeader(d OperationDriver) error {
	select {
	case p.items <- item{driver: d}:
		return nil
	default:
		return consensuserrors.New(consensuserrors.KindServiceUnavailable, "preparer queue full")
	}
}

// SubmitFollower enqueues a replica-side item that bypasses batching: any
// leader batch in flight is flushed first, then this driver's
// PrepareAndStart runs alone before the loop resumes draining leader items.
func (p *Preparer) SubmitFollower(d OperationDriver) error {
	select {
	case p.items <- item{driver: d, isFollower: true}:
		return nil
	default:
		return consensuserrors.New(consensuserrors.KindServiceUnavailable, "preparer queue full")
	}
}

func (p *Preparer) loop() {
	var batch []OperationDriver
	var batchTerm int64
	stopC := p.stopper.ShouldStop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flushBatch(batch)
		batch = nil
	}

	for {
		select {
		case it, ok := <-p.items:
			if !ok {
				flush()
				return
			}
			if it.isFollower {
				flush()
				if err := it.driver.PrepareAndStart(context.Background()); err != nil {
					it.driver.Fail(err)
				}
				continue
			}
			if len(batch) > 0 && it.driver.BoundTerm() != batchTerm {
				flush()
			}
			if it.driver.Kind().AppliesAlone() {
				flush()
				p.flushBatch([]OperationDriver{it.driver})
				continue
			}
			if len(batch) == 0 {
				batchTerm = it.driver.BoundTerm()
			}
			batch = append(batch, it.driver)
			if len(batch) >= p.cfg.MaxBatchSize {
				flush()
			}
		case <-stopC:
			// Stop closes items before signalling, so keep draining until
			// the closed channel is seen above and the final flush runs.
			stopC = nil
		}
	}
}

// flushBatch runs PrepareAndStart on every driver in order, replicating
// each run of consecutive successes as its own sub-batch so a mid-batch
// prepare failure never blocks the drivers around it.
func (p *Preparer) flushBatch(batch []OperationDriver) {
	metrics.PreparerBatchSize.WithLabelValues(p.cfg.TabletID).Observe(float64(len(batch)))

	var sub []OperationDriver

	flushSub := func() {
		if len(sub) == 0 {
			return
		}
		if err := p.replicator.ReplicateBatch(context.Background(), sub); err != nil {
			for _, d := range sub {
				d.Fail(err)
			}
		}
		sub = nil
	}

	for _, d := range batch {
		if err := d.PrepareAndStart(context.Background()); err != nil {
			flushSub()
			d.Fail(err)
			continue
		}
		sub = append(sub, d)
	}
	flushSub()
}
