package logstore

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/lni/goutils/syncutil"
	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"github.com/tabletraft/tabletraft/pkg/opwait"
)

// Options configures a Store, built through the functional-option
// convention used for every long-lived component in this core.
type Options struct {
	Dir             string
	MaxSegmentBytes int64
	QueueDepth      int
	IndexCacheSize  int
}

type Option func(*Options)

func NewOptions(dir string) *Options {
	return &Options{
		Dir:             dir,
		MaxSegmentBytes: 64 << 20,
		QueueDepth:      4096,
		IndexCacheSize:  8192,
	}
}

func WithMaxSegmentBytes(n int64) Option { return func(o *Options) { o.MaxSegmentBytes = n } }
func WithQueueDepth(n int) Option        { return func(o *Options) { o.QueueDepth = n } }

type appendJob struct {
	entries   []*types.ReplicateMsg
	onDurable func(error)
}

// Store is the on-disk WAL implementing types.LogStore. Appends are async:
// AppendOperations enqueues onto a bounded channel and returns
// immediately, failing with KindServiceUnavailable when the channel is
// full; a single writer goroutine drains it, fsyncs, and invokes
// onDurable.
type Store struct {
	tlog.Logger

	mu       sync.Mutex
	dir      string
	opts     *Options
	segments []*segment
	active   *segment
	nextSeq  int64
	index    *logIndex

	latest       types.OpId
	lastOfKind   map[types.OpKind]types.OpId
	durableWait  opwait.ThresholdWait
	jobs         chan appendJob
	stopper      *syncutil.Stopper
	closed       bool
}

func Open(opts *Options) (*Store, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "create log dir")
	}
	s := &Store{
		Logger:      tlog.New("logstore"),
		dir:         opts.Dir,
		opts:        opts,
		index:       newLogIndex(opts.IndexCacheSize),
		lastOfKind:  make(map[types.OpKind]types.OpId),
		durableWait: opwait.NewThresholdWait(),
		jobs:        make(chan appendJob, opts.QueueDepth),
		stopper:     syncutil.NewStopper(),
	}
	seg, err := newSegment(opts.Dir, 1)
	if err != nil {
		return nil, err
	}
	s.nextSeq = 1
	s.active = seg
	s.segments = append(s.segments, seg)
	s.stopper.RunWorker(s.writeLoop)
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.jobs)
	s.stopper.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		_ = seg.close()
	}
	return nil
}

func (s *Store) writeLoop() {
	for job := range s.jobs {
		err := s.writeBatch(job.entries)
		if job.onDurable != nil {
			job.onDurable(err)
		}
	}
}

func (s *Store) writeBatch(entries []*types.ReplicateMsg) error {
	s.mu.Lock()
	for _, msg := range entries {
		if s.active.sizeBytes >= s.opts.MaxSegmentBytes {
			if err := s.rotateUnlocked(); err != nil {
				s.mu.Unlock()
				return err
			}
		}
		offset, err := s.active.appendEntry(msg)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.index.record(msg.Id.Index, location{segmentSeq: s.active.seq, offset: offset})
		if s.latest.Less(msg.Id) {
			s.latest = msg.Id
		}
		if prev, ok := s.lastOfKind[msg.OpType]; !ok || prev.Less(msg.Id) {
			s.lastOfKind[msg.OpType] = msg.Id
		}
	}
	err := s.active.flush()
	last := entries[len(entries)-1].Id.Index
	s.mu.Unlock()
	if err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "fsync log segment")
	}
	s.durableWait.Trigger(uint64(last))
	return nil
}

// rotateUnlocked closes the active segment and opens the next one. Caller
// holds s.mu.
func (s *Store) rotateUnlocked() error {
	if err := s.active.flush(); err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "flush segment before rotation")
	}
	s.nextSeq++
	seg, err := newSegment(s.dir, s.nextSeq)
	if err != nil {
		return err
	}
	s.segments = append(s.segments, seg)
	s.active = seg
	return nil
}

// AppendOperations implements types.LogWriter. It must not block the
// caller on disk I/O: entries are hung off a bounded channel and the
// result observed later, either through onDurable or
// WaitForSafeOpIdToApply.
func (s *Store) AppendOperations(ctx context.Context, entries []*types.ReplicateMsg, onDurable func(error)) error {
	if len(entries) == 0 {
		return nil
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Id.Index != entries[i-1].Id.Index+1 {
			return consensuserrors.New(consensuserrors.KindCorruption,
				"non-contiguous append batch: %s followed by %s", entries[i-1].Id, entries[i].Id)
		}
	}
	select {
	case s.jobs <- appendJob{entries: entries, onDurable: onDurable}:
		return nil
	default:
		return consensuserrors.New(consensuserrors.KindServiceUnavailable, "log append queue is full")
	}
}

func (s *Store) LatestEntryOpId() types.OpId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

func (s *Store) WaitForSafeOpIdToApply(ctx context.Context, id types.OpId) error {
	s.mu.Lock()
	reached := !s.latest.Less(id)
	s.mu.Unlock()
	if reached {
		return nil
	}
	ch := s.durableWait.Wait(uint64(id.Index))
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return consensuserrors.Wrap(consensuserrors.KindTimedOut, ctx.Err(), "wait for safe op id")
	}
}

// LookupOpId implements types.LogReader: resolves the full OpId (with term)
// for a given index, consulting the cache first and falling back to a scan
// of resident segments.
func (s *Store) LookupOpId(index int64) (types.OpId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc, ok := s.index.lookup(index); ok {
		for _, seg := range s.segments {
			if seg.seq == loc.segmentSeq {
				if msg, ok := seg.entryAt(index); ok {
					return msg.Id, nil
				}
			}
		}
	}
	for _, seg := range s.segments {
		if msg, ok := seg.entryAt(index); ok {
			return msg.Id, nil
		}
	}
	return types.OpId{}, consensuserrors.New(consensuserrors.KindNotFound, "no log entry at index %d", index)
}

// ReadReplicatesInRange returns entries with index in [lo, hi], stopping
// early before an entry whose payload would push the total past maxBytes
// (the first entry is always returned).
func (s *Store) ReadReplicatesInRange(ctx context.Context, lo, hi int64, maxBytes int) ([]*types.ReplicateMsg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ReplicateMsg
	budget := 0
	for _, seg := range s.segments {
		if seg.firstIdx == 0 || seg.lastIdx < lo || seg.firstIdx > hi {
			continue
		}
		start := lo
		if seg.firstIdx > start {
			start = seg.firstIdx
		}
		end := hi
		if seg.lastIdx < end {
			end = seg.lastIdx
		}
		for i := start; i <= end; i++ {
			msg, ok := seg.entryAt(i)
			if !ok {
				return nil, consensuserrors.New(consensuserrors.KindCorruption, "missing log entry at index %d within segment bounds", i)
			}
			if maxBytes > 0 && len(out) > 0 && budget+len(msg.Payload) > maxBytes {
				return out, nil
			}
			out = append(out, msg)
			budget += len(msg.Payload)
		}
	}
	return out, nil
}

// GetSegmentPrefixNotIncluding returns the sequence numbers of segments
// that are fully below index — candidates for GC.
func (s *Store) GetSegmentPrefixNotIncluding(index int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seqs []int64
	for _, seg := range s.segments {
		if seg == s.active {
			continue
		}
		if seg.lastIdx != 0 && seg.lastIdx < index {
			seqs = append(seqs, seg.seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (s *Store) LastOpIdWithType(kind types.OpKind) (types.OpId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.lastOfKind[kind]
	return id, ok
}

// TruncateAfter drops every entry with index > index and rewinds the
// in-memory cursors accordingly (used on term-change rollback
// AbortOpsAfterUnlocked's log-side counterpart). Segments that become
// entirely empty are removed from the resident list; their files are left
// on disk for the operator to clean up rather than unlinked inline.
func (s *Store) TruncateAfter(index int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.segments[:0:0]
	for _, seg := range s.segments {
		if seg.firstIdx != 0 && seg.firstIdx > index {
			continue
		}
		seg.truncateAfter(index)
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		return consensuserrors.New(consensuserrors.KindIllegalState, "truncate removed all segments")
	}
	s.segments = kept
	s.active = kept[len(kept)-1]
	s.index.forgetFrom(index + 1)
	if s.latest.Index > index {
		if newLatest, err := s.lookupLastResidentUnlocked(); err == nil {
			s.latest = newLatest
		} else {
			s.latest = types.OpId{}
		}
	}
	for kind, id := range s.lastOfKind {
		if id.Index > index {
			delete(s.lastOfKind, kind)
		}
	}
	return nil
}

func (s *Store) lookupLastResidentUnlocked() (types.OpId, error) {
	var best types.OpId
	found := false
	for _, seg := range s.segments {
		if seg.lastIdx == 0 {
			continue
		}
		if msg, ok := seg.entryAt(seg.lastIdx); ok {
			if !found || best.Less(msg.Id) {
				best = msg.Id
				found = true
			}
		}
	}
	if !found {
		return types.OpId{}, consensuserrors.New(consensuserrors.KindNotFound, "log is empty")
	}
	return best, nil
}

var _ types.LogStore = (*Store)(nil)
