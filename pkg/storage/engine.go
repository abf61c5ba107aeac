// Package storage is the pebble-backed reference implementation of
// types.Tablet: it applies committed operations to their own keyspace and
// exposes the max-persistent-op-id / flush-filter contract the consensus
// core needs to gate log GC and memtable flush against each other. A
// syncutil.Stopper-run background loop periodically checks whether the
// memtable should flush and, if so, records the op-id that flush makes
// durable.
package storage

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/lni/goutils/syncutil"
	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap"
)

// Engine is one tablet's row-storage engine.
type Engine struct {
	tlog.Logger

	db            *pebble.DB
	wo            *pebble.WriteOptions
	stopper       *syncutil.Stopper
	flushInterval time.Duration

	mu               sync.Mutex
	appliedMaxOpId   types.OpId
	persistedMaxOpId types.OpId
	filter           func(maxOpIdInMemtable types.OpId) bool
}

// Open opens (creating if absent) the pebble database rooted at dataDir.
func Open(dataDir, tabletID string) (*Engine, error) {
	db, err := pebble.Open(filepath.Join(dataDir, tabletID, "data"), &pebble.Options{
		FormatMajorVersion: pebble.FormatNewest,
	})
	if err != nil {
		return nil, consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "open tablet pebble db")
	}
	return &Engine{
		Logger:        tlog.New("storage[" + tabletID + "]"),
		db:            db,
		wo:            &pebble.WriteOptions{},
		stopper:       syncutil.NewStopper(),
		flushInterval: time.Second,
	}, nil
}

// Start brings up the background loop that checks the installed flush
// filter and flushes pebble's active memtable once it is safe to.
func (e *Engine) Start() {
	e.stopper.RunWorker(e.flushLoop)
}

func (e *Engine) Close() error {
	e.stopper.Stop()
	return e.db.Close()
}

func opIdKey(id types.OpId) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(id.Term))
	binary.BigEndian.PutUint64(buf[8:], uint64(id.Index))
	return buf
}

// Apply writes round's payload under its op-id. Interpreting Payload as a
// row-level upsert/delete against a schema is outside this core's scope,
// so this engine treats it as opaque, which is enough to exercise the
// consensus core's apply/flush/GC contract end to end.
func (e *Engine) Apply(ctx context.Context, round *types.ConsensusRound) error {
	if err := e.db.Set(opIdKey(round.Msg.Id), round.Msg.Payload, e.wo); err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "apply operation to tablet")
	}
	e.mu.Lock()
	if e.appliedMaxOpId.Less(round.Msg.Id) {
		e.appliedMaxOpId = round.Msg.Id
	}
	e.mu.Unlock()
	return nil
}

// MaxPersistentOpId is the highest op-id durably flushed to disk.
func (e *Engine) MaxPersistentOpId() types.OpId {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persistedMaxOpId
}

func (e *Engine) SetFlushFilter(filter func(maxOpIdInMemtable types.OpId) bool) {
	e.mu.Lock()
	e.filter = filter
	e.mu.Unlock()
}

func (e *Engine) flushLoop() {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.maybeFlush()
		case <-e.stopper.ShouldStop():
			return
		}
	}
}

func (e *Engine) maybeFlush() {
	e.mu.Lock()
	filter := e.filter
	candidate := e.appliedMaxOpId
	alreadyPersisted := !e.persistedMaxOpId.Less(candidate)
	e.mu.Unlock()
	if filter == nil || alreadyPersisted {
		return
	}
	if !filter(candidate) {
		return
	}
	if err := e.db.Flush(); err != nil {
		e.Warn("tablet flush failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	if e.persistedMaxOpId.Less(candidate) {
		e.persistedMaxOpId = candidate
	}
	e.mu.Unlock()
}

var _ types.Tablet = (*Engine)(nil)
