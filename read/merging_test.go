package read

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/fileio"
	"tablestore/format"
	"tablestore/manifest"
	"tablestore/merge"
	"tablestore/mergetree"
	"tablestore/scan"
	"tablestore/types"
)

func writePhysicalFile(t *testing.T, ff format.FileFormat, io_ fileio.FileIO, path string, rt types.RowType, kvs []merge.KeyValue) {
	t.Helper()
	physical := mergetree.PhysicalRowType(rt)
	ctx := context.Background()
	w, err := ff.CreateWriterFactory(physical)(ctx, io_, path, physical)
	require.NoError(t, err)
	for _, kv := range kvs {
		require.NoError(t, w.Write(ctx, mergetree.ToPhysicalRow(kv)))
	}
	require.NoError(t, w.Close())
}

func TestKeyValueFileStoreReadMergesAndDeduplicatesAcrossFiles(t *testing.T) {
	ctx := context.Background()
	ff, err := format.Get("parquet", nil)
	require.NoError(t, err)
	io_ := fileio.NewLocalFileIO()
	rt := valueRowType()
	dir := t.TempDir()

	writePhysicalFile(t, ff, io_, dir+"/f1.parquet", rt, []merge.KeyValue{
		{Key: []interface{}{int64(1)}, Sequence: 1, Kind: types.Insert,
			Value: types.Row{Values: []interface{}{int64(1), "first"}}},
		{Key: []interface{}{int64(2)}, Sequence: 1, Kind: types.Insert,
			Value: types.Row{Values: []interface{}{int64(2), "only"}}},
	})
	writePhysicalFile(t, ff, io_, dir+"/f2.parquet", rt, []merge.KeyValue{
		{Key: []interface{}{int64(1)}, Sequence: 2, Kind: types.UpdateAfter,
			Value: types.Row{Values: []interface{}{int64(1), "second"}}},
	})

	r := &KeyValueFileStoreRead{
		IO:           io_,
		BucketPath:   func(partition []interface{}, bucket int) string { return dir },
		ValueRowType: rt,
		KeyPositions: []int{0},
		ReaderFor:    ff.CreateReaderFactory(rt),
		NewMergeFn:   func() merge.Function { return &merge.Deduplicate{} },
	}

	reader, err := r.CreateReader(ctx, scan.Split{Files: []manifest.DataFileMeta{
		{FileName: "f1.parquet"}, {FileName: "f2.parquet"},
	}})
	require.NoError(t, err)
	defer reader.Close()

	results := map[int64]string{}
	for {
		row, ok, err := reader.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		results[row.Values[0].(int64)] = row.Values[1].(string)
	}
	require.Len(t, results, 2)
	assert.Equal(t, "second", results[1], "the later sequence number wins for key 1")
	assert.Equal(t, "only", results[2])
}

func TestKeyValueFileStoreReadSuppressesDeletedKeys(t *testing.T) {
	ctx := context.Background()
	ff, err := format.Get("parquet", nil)
	require.NoError(t, err)
	io_ := fileio.NewLocalFileIO()
	rt := valueRowType()
	dir := t.TempDir()

	writePhysicalFile(t, ff, io_, dir+"/f1.parquet", rt, []merge.KeyValue{
		{Key: []interface{}{int64(1)}, Sequence: 1, Kind: types.Insert,
			Value: types.Row{Values: []interface{}{int64(1), "first"}}},
		{Key: []interface{}{int64(1)}, Sequence: 2, Kind: types.Delete,
			Value: types.Row{Values: []interface{}{int64(1), "first"}}},
	})

	r := &KeyValueFileStoreRead{
		IO:           io_,
		BucketPath:   func(partition []interface{}, bucket int) string { return dir },
		ValueRowType: rt,
		KeyPositions: []int{0},
		ReaderFor:    ff.CreateReaderFactory(rt),
		NewMergeFn:   func() merge.Function { return &merge.Deduplicate{} },
	}

	reader, err := r.CreateReader(ctx, scan.Split{Files: []manifest.DataFileMeta{{FileName: "f1.parquet"}}})
	require.NoError(t, err)
	defer reader.Close()

	_, ok, err := reader.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "the key's latest record is a delete")
}
