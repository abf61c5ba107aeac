package logstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

func mustOpen(t *testing.T, maxSegBytes int64) *Store {
	t.Helper()
	opts := NewOptions(t.TempDir())
	if maxSegBytes > 0 {
		opts.MaxSegmentBytes = maxSegBytes
	}
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msg(term, index int64, payload string) *types.ReplicateMsg {
	return &types.ReplicateMsg{Id: types.OpId{Term: term, Index: index}, OpType: types.OpWrite, Payload: []byte(payload)}
}

func appendSync(t *testing.T, s *Store, entries ...*types.ReplicateMsg) {
	t.Helper()
	done := make(chan error, 1)
	require.NoError(t, s.AppendOperations(context.Background(), entries, func(err error) { done <- err }))
	require.NoError(t, <-done)
}

func TestAppendOperationsRejectsNonContiguousBatch(t *testing.T) {
	s := mustOpen(t, 0)
	err := s.AppendOperations(context.Background(), []*types.ReplicateMsg{msg(1, 1, "a"), msg(1, 3, "b")}, nil)
	assert.Error(t, err)
}

func TestAppendThenLookupOpId(t *testing.T) {
	s := mustOpen(t, 0)
	appendSync(t, s, msg(1, 1, "a"), msg(1, 2, "b"), msg(1, 3, "c"))

	id, err := s.LookupOpId(2)
	require.NoError(t, err)
	assert.Equal(t, types.OpId{Term: 1, Index: 2}, id)

	assert.Equal(t, types.OpId{Term: 1, Index: 3}, s.LatestEntryOpId())
}

func TestWaitForSafeOpIdToApplyUnblocksOnDurability(t *testing.T) {
	s := mustOpen(t, 0)
	target := types.OpId{Term: 1, Index: 5}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- s.WaitForSafeOpIdToApply(ctx, target)
	}()

	for i := int64(1); i <= 5; i++ {
		appendSync(t, s, msg(1, i, "x"))
	}

	require.NoError(t, <-done)
}

func TestReadReplicatesInRangeRespectsMaxBytes(t *testing.T) {
	s := mustOpen(t, 0)
	for i := int64(1); i <= 5; i++ {
		appendSync(t, s, msg(1, i, "abcde"))
	}

	out, err := s.ReadReplicatesInRange(context.Background(), 1, 5, 12)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].Id.Index)
	assert.Equal(t, int64(2), out[1].Id.Index)
}

func TestGetSegmentPrefixNotIncludingExcludesActiveSegment(t *testing.T) {
	s := mustOpen(t, 64) // tiny segments so rotation actually happens
	for i := int64(1); i <= 20; i++ {
		appendSync(t, s, msg(1, i, "0123456789"))
	}

	seqs, err := s.GetSegmentPrefixNotIncluding(20)
	require.NoError(t, err)
	assert.NotContains(t, seqs, s.active.seq)
	for _, seq := range seqs {
		assert.Less(t, seq, s.active.seq)
	}
}

func TestLastOpIdWithType(t *testing.T) {
	s := mustOpen(t, 0)
	appendSync(t, s, msg(1, 1, "a"))
	empty := &types.ReplicateMsg{Id: types.OpId{Term: 1, Index: 2}, OpType: types.OpEmpty}
	appendSync(t, s, empty)

	id, ok := s.LastOpIdWithType(types.OpEmpty)
	require.True(t, ok)
	assert.Equal(t, types.OpId{Term: 1, Index: 2}, id)

	_, ok = s.LastOpIdWithType(types.OpAlterSchema)
	assert.False(t, ok)
}

func TestTruncateAfterRewindsLatestAndIndex(t *testing.T) {
	s := mustOpen(t, 0)
	for i := int64(1); i <= 5; i++ {
		appendSync(t, s, msg(1, i, "x"))
	}

	require.NoError(t, s.TruncateAfter(3))
	assert.Equal(t, types.OpId{Term: 1, Index: 3}, s.LatestEntryOpId())

	_, err := s.LookupOpId(4)
	assert.Error(t, err)
}

func TestAppendOperationsFailsWhenQueueFull(t *testing.T) {
	opts := NewOptions(t.TempDir())
	opts.QueueDepth = 1
	s, err := Open(opts)
	require.NoError(t, err)
	defer s.Close()

	block := make(chan struct{})
	require.NoError(t, s.AppendOperations(context.Background(), []*types.ReplicateMsg{msg(1, 1, "a")}, func(error) {
		<-block
	}))

	var lastErr error
	for i := 0; i < 64; i++ {
		lastErr = s.AppendOperations(context.Background(), []*types.ReplicateMsg{msg(1, int64(i+2), "b")}, nil)
		if lastErr != nil {
			break
		}
	}
	close(block)
	assert.Error(t, lastErr)
}
