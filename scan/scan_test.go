package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/config"
	"tablestore/fileio"
	"tablestore/manifest"
	"tablestore/predicate"
	"tablestore/snapshot"
)

type harness struct {
	snapshots    *snapshot.Manager
	manifestFile *manifest.ManifestFile
	manifestList *manifest.ManifestList
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	io_ := fileio.NewLocalFileIO()
	root := t.TempDir()
	return &harness{
		snapshots:    snapshot.NewManager(io_, root),
		manifestFile: manifest.NewManifestFile(io_, root, 64<<20),
		manifestList: manifest.NewManifestList(io_, root),
	}
}

func (h *harness) commitSnapshot(t *testing.T, id int64, entries []manifest.ManifestEntry) {
	t.Helper()
	ctx := context.Background()
	metas, err := h.manifestFile.Write(ctx, entries)
	require.NoError(t, err)
	listName, err := h.manifestList.Write(ctx, metas)
	require.NoError(t, err)
	ok, err := h.snapshots.Commit(ctx, &snapshot.Snapshot{
		ID:               id,
		CommitKind:       snapshot.Append,
		BaseManifestList: listName,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func fileMeta(name string, minKey, maxKey int64) manifest.DataFileMeta {
	return manifest.DataFileMeta{
		FileName: name,
		FileSize: 100,
		RowCount: 1,
		MinKey:   []interface{}{minKey},
		MaxKey:   []interface{}{maxKey},
		KeyStats: map[int]manifest.FieldStats{0: {Min: minKey, Max: maxKey}},
	}
}

func TestScanPlanGroupsFilesByPartitionAndBucket(t *testing.T) {
	h := newHarness(t)
	h.commitSnapshot(t, 0, []manifest.ManifestEntry{
		{Kind: manifest.Add, Partition: []interface{}{"p1"}, Bucket: 0, TotalBuckets: 2, File: fileMeta("a.parquet", 1, 10)},
		{Kind: manifest.Add, Partition: []interface{}{"p1"}, Bucket: 1, TotalBuckets: 2, File: fileMeta("b.parquet", 1, 10)},
	})

	s := &Scan{Snapshots: h.snapshots, ManifestList: h.manifestList, ManifestFile: h.manifestFile}
	plan, err := s.Plan(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, plan.Splits, 2, "two buckets each become their own split")
}

func TestScanPlanReducesDeleteEntries(t *testing.T) {
	h := newHarness(t)
	h.commitSnapshot(t, 0, []manifest.ManifestEntry{
		{Kind: manifest.Add, Partition: nil, Bucket: 0, TotalBuckets: 1, File: fileMeta("a.parquet", 1, 10)},
		{Kind: manifest.Add, Partition: nil, Bucket: 0, TotalBuckets: 1, File: fileMeta("b.parquet", 1, 10)},
		{Kind: manifest.Delete, Partition: nil, Bucket: 0, TotalBuckets: 1, File: fileMeta("a.parquet", 1, 10)},
	})

	s := &Scan{Snapshots: h.snapshots, ManifestList: h.manifestList, ManifestFile: h.manifestFile}
	plan, err := s.Plan(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, plan.Splits, 1)
	require.Len(t, plan.Splits[0].Files, 1)
	assert.Equal(t, "b.parquet", plan.Splits[0].Files[0].FileName)
}

func TestScanPlanAppliesKeyFilterPushdown(t *testing.T) {
	h := newHarness(t)
	h.commitSnapshot(t, 0, []manifest.ManifestEntry{
		{Kind: manifest.Add, Bucket: 0, TotalBuckets: 1, File: fileMeta("in-range.parquet", 1, 10)},
		{Kind: manifest.Add, Bucket: 0, TotalBuckets: 1, File: fileMeta("out-of-range.parquet", 100, 200)},
	})

	s := &Scan{
		Snapshots: h.snapshots, ManifestList: h.manifestList, ManifestFile: h.manifestFile,
		KeyFilter: []predicate.Predicate{predicate.Equal(0, int64(5))},
	}
	plan, err := s.Plan(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, plan.Splits, 1)
	require.Len(t, plan.Splits[0].Files, 1)
	assert.Equal(t, "in-range.parquet", plan.Splits[0].Files[0].FileName)
}

func TestScanPlanSkipsValueFilterPushdownForPrimaryKeyTables(t *testing.T) {
	h := newHarness(t)
	f := fileMeta("a.parquet", 1, 10)
	f.ValueStats = map[int]manifest.FieldStats{0: {Min: int64(100), Max: int64(200)}}
	h.commitSnapshot(t, 0, []manifest.ManifestEntry{{Kind: manifest.Add, Bucket: 0, TotalBuckets: 1, File: f}})

	s := &Scan{
		Snapshots: h.snapshots, ManifestList: h.manifestList, ManifestFile: h.manifestFile,
		ValueFilter:  []predicate.Predicate{predicate.Equal(0, int64(5))},
		IsPrimaryKey: true,
	}
	plan, err := s.Plan(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, plan.Splits, 1, "value filter pushdown is disabled for primary key tables even though stats would have pruned the file")
}

func TestScanPlanAppliesValueFilterPushdownForAppendOnlyTables(t *testing.T) {
	h := newHarness(t)
	f := fileMeta("a.parquet", 1, 10)
	f.ValueStats = map[int]manifest.FieldStats{0: {Min: int64(100), Max: int64(200)}}
	h.commitSnapshot(t, 0, []manifest.ManifestEntry{{Kind: manifest.Add, Bucket: 0, TotalBuckets: 1, File: f}})

	s := &Scan{
		Snapshots: h.snapshots, ManifestList: h.manifestList, ManifestFile: h.manifestFile,
		ValueFilter: []predicate.Predicate{predicate.Equal(0, int64(5))},
	}
	plan, err := s.Plan(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, plan.Splits, "5 is outside the file's [100,200] value stats range")
}

func TestResolveSnapshotIDFromSnapshotMode(t *testing.T) {
	h := newHarness(t)
	id, ok, err := ResolveSnapshotID(context.Background(), h.snapshots, config.TableOptions{
		ScanMode: config.ScanFromSnapshot, ScanSnapshotID: 7,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestResolveSnapshotIDDefaultFallsBackToLatest(t *testing.T) {
	h := newHarness(t)
	h.commitSnapshot(t, 0, nil)
	h.commitSnapshot(t, 1, nil)

	id, ok, err := ResolveSnapshotID(context.Background(), h.snapshots, config.TableOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)
}

func TestResolveSnapshotIDFromTimestamp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.manifestList.Write(ctx, nil)
	require.NoError(t, err)

	ok1, err := h.snapshots.Commit(ctx, &snapshot.Snapshot{ID: 0, TimeMillis: 1000})
	require.NoError(t, err)
	require.True(t, ok1)
	ok2, err := h.snapshots.Commit(ctx, &snapshot.Snapshot{ID: 1, TimeMillis: 2000})
	require.NoError(t, err)
	require.True(t, ok2)

	id, ok, err := ResolveSnapshotID(ctx, h.snapshots, config.TableOptions{
		ScanMode: config.ScanFromTimestamp, ScanTimestampMillis: 1500,
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), id, "the newest snapshot at or before the requested timestamp")
}
