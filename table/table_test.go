package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/commit"
	"tablestore/config"
	"tablestore/fileio"
	"tablestore/manifest"
	"tablestore/schema"
	"tablestore/types"
)

func openTestTable(t *testing.T, def schema.TableDef, opts config.TableOptions) (*Table, *schema.Schema) {
	t.Helper()
	ctx := context.Background()
	io_ := fileio.NewLocalFileIO()
	root := t.TempDir()

	sm := schema.NewManager(io_, root)
	s, err := sm.CreateTable(ctx, def)
	require.NoError(t, err)

	tbl, err := Open(ctx, io_, root, s, opts, commit.NopLock{}, nil)
	require.NoError(t, err)
	return tbl, s
}

func pkDef() schema.TableDef {
	return schema.TableDef{
		Fields: []schema.FieldDef{
			{Name: "id", Type: types.DataType{ID: types.Int64}},
			{Name: "name", Type: types.DataType{ID: types.StringType}, Nullable: true},
		},
		PrimaryKeys: []string{"id"},
	}
}

func appendDef() schema.TableDef {
	return schema.TableDef{
		Fields: []schema.FieldDef{
			{Name: "id", Type: types.DataType{ID: types.Int64}},
			{Name: "name", Type: types.DataType{ID: types.StringType}, Nullable: true},
		},
	}
}

func valueCountDef() schema.TableDef {
	return schema.TableDef{
		Fields: []schema.FieldDef{
			{Name: "count", Type: types.DataType{ID: types.Int64}},
		},
	}
}

func TestOpenDeterminesKindFromSchema(t *testing.T) {
	tbl, _ := openTestTable(t, pkDef(), config.TableOptions{})
	assert.Equal(t, ChangelogWithKey, tbl.Kind)

	tbl, _ = openTestTable(t, appendDef(), config.TableOptions{})
	assert.Equal(t, Append, tbl.Kind)

	tbl, _ = openTestTable(t, valueCountDef(), config.TableOptions{})
	assert.Equal(t, ChangelogValueCount, tbl.Kind)
}

func TestOpenValueCountKindYieldsToExplicitMergeEngine(t *testing.T) {
	tbl, _ := openTestTable(t, valueCountDef(), config.TableOptions{MergeEngine: config.MergeDeduplicate})
	assert.Equal(t, Append, tbl.Kind, "an explicit merge-engine option rules out the value-count convention")
}

func TestAssignBucketIsZeroForUnbucketedAppendTable(t *testing.T) {
	tbl, _ := openTestTable(t, appendDef(), config.TableOptions{})
	assert.Equal(t, 0, tbl.AssignBucket([]interface{}{int64(1), "a"}))
}

func TestAssignBucketUsesPrimaryKeyForChangelogTable(t *testing.T) {
	tbl, _ := openTestTable(t, pkDef(), config.TableOptions{Bucket: 8})
	b1 := tbl.AssignBucket([]interface{}{int64(7), "a"})
	b2 := tbl.AssignBucket([]interface{}{int64(7), "b"})
	assert.Equal(t, b1, b2, "bucketing only depends on the key field, not the value fields")
	assert.True(t, b1 >= 0 && b1 < 8)
}

func TestNewMergeFunctionMatchesConfiguredEngine(t *testing.T) {
	tbl, _ := openTestTable(t, pkDef(), config.TableOptions{MergeEngine: config.MergeAggregation})
	require.NotNil(t, tbl.NewMergeFunction())

	appendTbl, _ := openTestTable(t, appendDef(), config.TableOptions{})
	assert.Nil(t, appendTbl.NewMergeFunction(), "append-only tables have no merge function")
}

func TestBucketPathDiffersPerBucketWhenUnpartitioned(t *testing.T) {
	tbl, _ := openTestTable(t, pkDef(), config.TableOptions{})
	p1 := tbl.BucketPath(nil, 0)
	p2 := tbl.BucketPath(nil, 1)
	assert.NotEqual(t, p1, p2)
}

func TestWriteAndPrepareCommitRoundTripsThroughScan(t *testing.T) {
	ctx := context.Background()
	tbl, s := openTestTable(t, pkDef(), config.TableOptions{})

	valueRowType := s.RowType()
	w := NewWrite(tbl, "writer-1", s.ID, valueRowType, []int{0}, -1)

	require.NoError(t, w.Write(ctx, types.Insert, []interface{}{int64(1), "alice"}, nil, func(partition []interface{}, bucket int) ([]manifest.DataFileMeta, error) {
		return tbl.RestoreFiles(ctx, partition, bucket)
	}))
	require.NoError(t, w.Write(ctx, types.Insert, []interface{}{int64(2), "bob"}, nil, func(partition []interface{}, bucket int) ([]manifest.DataFileMeta, error) {
		return tbl.RestoreFiles(ctx, partition, bucket)
	}))

	committable, err := w.PrepareCommit(ctx, 1, false)
	require.NoError(t, err)
	require.NotEmpty(t, committable.Increments)

	require.NoError(t, tbl.Commit.Commit(ctx, committable))

	latest, ok, err := tbl.Snapshots.LatestSnapshotID(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	plan, err := tbl.Scan.Plan(ctx, latest)
	require.NoError(t, err)
	require.Len(t, plan.Splits, 1, "both rows land in the table's single bucket")

	reader := tbl.OpenKeyValueReader(valueRowType, []int{0})
	r, err := reader.CreateReader(ctx, plan.Splits[0])
	require.NoError(t, err)
	defer r.Close()

	names := map[int64]string{}
	for {
		row, ok, err := r.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		names[row.Values[0].(int64)] = row.Values[1].(string)
	}
	assert.Equal(t, map[int64]string{1: "alice", 2: "bob"}, names)
}

func TestRestoreFilesEmptyBeforeAnyCommit(t *testing.T) {
	ctx := context.Background()
	tbl, _ := openTestTable(t, pkDef(), config.TableOptions{})
	files, err := tbl.RestoreFiles(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, files)
}
