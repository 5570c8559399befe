package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/config"
	"tablestore/manifest"
	"tablestore/types"
)

func TestWriteOpensOneWriterPerBucketAndRestoresOnce(t *testing.T) {
	ctx := context.Background()
	tbl, s := openTestTable(t, pkDef(), config.TableOptions{Bucket: 4})

	restoreCalls := map[int]int{}
	restore := func(partition []interface{}, bucket int) ([]manifest.DataFileMeta, error) {
		restoreCalls[bucket]++
		return nil, nil
	}

	w := NewWrite(tbl, "writer-1", s.ID, s.RowType(), []int{0}, -1)
	for i := int64(0); i < 20; i++ {
		require.NoError(t, w.Write(ctx, types.Insert, []interface{}{i, "x"}, nil, restore))
	}

	require.Len(t, w.writers, len(restoreCalls), "each distinct bucket opens exactly one writer")
	for bucket, calls := range restoreCalls {
		assert.Equal(t, 1, calls, "bucket %d restored more than once", bucket)
	}
}

func TestWriteResolveSequenceUsesSequenceFieldWhenConfigured(t *testing.T) {
	tbl, s := openTestTable(t, pkDef(), config.TableOptions{})
	w := NewWrite(tbl, "writer-1", s.ID, s.RowType(), []int{0}, 1)

	ctx := context.Background()
	require.NoError(t, w.Write(ctx, types.Insert, []interface{}{int64(1), int64(99)}, nil, func(partition []interface{}, bucket int) ([]manifest.DataFileMeta, error) {
		return tbl.RestoreFiles(ctx, partition, bucket)
	}))

	entry := w.writers[bucketKey{partition: "[]", bucket: tbl.AssignBucket([]interface{}{int64(1), int64(99)})}]
	require.NotNil(t, entry)
	assert.Equal(t, int64(99), w.resolveSequence(entry.writer, []interface{}{int64(1), int64(99)}), "the sequence field's value is used as the record's sequence number")
}

func TestWriteResolveSequenceFallsBackToWriterSequenceWhenUnset(t *testing.T) {
	ctx := context.Background()
	tbl, s := openTestTable(t, pkDef(), config.TableOptions{})
	w := NewWrite(tbl, "writer-1", s.ID, s.RowType(), []int{0}, -1)

	require.NoError(t, w.Write(ctx, types.Insert, []interface{}{int64(1), "a"}, nil, func(partition []interface{}, bucket int) ([]manifest.DataFileMeta, error) {
		return tbl.RestoreFiles(ctx, partition, bucket)
	}))
	require.NoError(t, w.Write(ctx, types.Insert, []interface{}{int64(1), "b"}, nil, func(partition []interface{}, bucket int) ([]manifest.DataFileMeta, error) {
		return tbl.RestoreFiles(ctx, partition, bucket)
	}))

	for _, e := range w.writers {
		assert.GreaterOrEqual(t, e.writer.NextSequence(), int64(2), "each write advances the writer's own sequence counter")
	}
}

func TestPrepareCommitWithNoWritesReturnsEmptyIncrements(t *testing.T) {
	ctx := context.Background()
	tbl, s := openTestTable(t, pkDef(), config.TableOptions{})
	w := NewWrite(tbl, "writer-1", s.ID, s.RowType(), []int{0}, -1)

	committable, err := w.PrepareCommit(ctx, 1, false)
	require.NoError(t, err)
	assert.Empty(t, committable.Increments)
	assert.Equal(t, s.ID, committable.SchemaID)
}
