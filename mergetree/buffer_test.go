package mergetree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/merge"
	"tablestore/types"
)

func kv(key interface{}, seq int64, kind types.RowKind, values ...interface{}) merge.KeyValue {
	return merge.KeyValue{Key: []interface{}{key}, Sequence: seq, Kind: kind, Value: types.Row{Kind: kind, Values: values}}
}

func TestWriteBufferPutAndDrainSorted(t *testing.T) {
	b := NewWriteBuffer(0, t.TempDir())

	_, err := b.Put(kv(int64(3), 1, types.Insert, "c"))
	require.NoError(t, err)
	_, err = b.Put(kv(int64(1), 1, types.Insert, "a"))
	require.NoError(t, err)
	_, err = b.Put(kv(int64(2), 1, types.Insert, "b"))
	require.NoError(t, err)

	out, err := b.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []interface{}{int64(1)}, out[0].Key)
	assert.Equal(t, []interface{}{int64(2)}, out[1].Key)
	assert.Equal(t, []interface{}{int64(3)}, out[2].Key)
}

func TestWriteBufferPutOverwritesSameKey(t *testing.T) {
	b := NewWriteBuffer(0, t.TempDir())

	_, err := b.Put(kv(int64(1), 1, types.Insert, "first"))
	require.NoError(t, err)
	assert.Equal(t, 1, b.RecordCount())

	_, err = b.Put(kv(int64(1), 2, types.UpdateAfter, "second"))
	require.NoError(t, err)
	assert.Equal(t, 1, b.RecordCount(), "a later record under the same key replaces, not appends")

	out, err := b.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "second", out[0].Value.Values[0])
}

func TestWriteBufferSpillsWhenOverMaxSize(t *testing.T) {
	b := NewWriteBuffer(1, t.TempDir()) // any non-empty buffer exceeds this

	shouldSpill, err := b.Put(kv(int64(1), 1, types.Insert, "a"))
	require.NoError(t, err)
	assert.False(t, shouldSpill, "after a spill the in-memory buffer is empty, so no additional flush is signaled yet")
	assert.Equal(t, 0, b.RecordCount(), "the record should have been spilled out of memory")
	assert.Len(t, b.spillFiles, 1)

	out, err := b.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Value.Values[0])
	assert.Empty(t, b.spillFiles, "Drain must consume and remove spill files")
}

func TestWriteBufferDrainMergesSpilledAndInMemoryRuns(t *testing.T) {
	b := NewWriteBuffer(1, t.TempDir())

	_, err := b.Put(kv(int64(1), 1, types.Insert, "a")) // spills immediately
	require.NoError(t, err)

	b.maxSize = 0 // stop forcing a spill so the next Put stays in memory
	_, err = b.Put(kv(int64(2), 1, types.Insert, "b"))
	require.NoError(t, err)

	out, err := b.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []interface{}{int64(1)}, out[0].Key)
	assert.Equal(t, []interface{}{int64(2)}, out[1].Key)
}

func TestWriteBufferDrainResetsState(t *testing.T) {
	b := NewWriteBuffer(0, t.TempDir())
	_, err := b.Put(kv(int64(1), 1, types.Insert, "a"))
	require.NoError(t, err)

	_, err = b.Drain(context.Background())
	require.NoError(t, err)

	out, err := b.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out, "draining an already-drained buffer yields nothing")
}

func TestWriteBufferSizeTracksPuts(t *testing.T) {
	b := NewWriteBuffer(0, t.TempDir())
	assert.Equal(t, int64(0), b.Size())

	_, err := b.Put(kv(int64(1), 1, types.Insert, "a"))
	require.NoError(t, err)
	assert.Positive(t, b.Size())
}
