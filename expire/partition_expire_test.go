package expire

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/commit"
	"tablestore/manifest"
	"tablestore/scan"
)

func TestExtractPartitionTimeSubstitutesPartitionFields(t *testing.T) {
	tm, err := ExtractPartitionTime([]string{"dt", "hr"}, []interface{}{"2024-01-02", "13"}, "$dt $hr:00:00", "2006-01-02 15:04:05")
	require.NoError(t, err)
	assert.Equal(t, 2024, tm.Year())
	assert.Equal(t, 13, tm.Hour())
}

func TestExtractPartitionTimeErrorsOnUnparseableResult(t *testing.T) {
	_, err := ExtractPartitionTime([]string{"dt"}, []interface{}{"not-a-date"}, "$dt", "2006-01-02")
	assert.Error(t, err)
}

func (h *expireHarness) scan() *scan.Scan {
	return &scan.Scan{Snapshots: h.snapshots, ManifestList: h.manifestList, ManifestFile: h.manifestFile}
}

func TestPartitionExpireRunOverwritesOnlyExpiredPartitions(t *testing.T) {
	h := newExpireHarness(t)
	ctx := context.Background()

	require.NoError(t, h.commit.Commit(ctx, commit.Committable{
		CommitUser: "w", CommitIdentifier: 1,
		Increments: []commit.Increment{{Bucket: 0, TotalBuckets: 1, Partition: []interface{}{"2000-01-01"},
			NewFiles: []manifest.DataFileMeta{{FileName: "stale.parquet", FileSize: 1}}}},
	}))
	require.NoError(t, h.commit.Commit(ctx, commit.Committable{
		CommitUser: "w", CommitIdentifier: 2,
		Increments: []commit.Increment{{Bucket: 0, TotalBuckets: 1, Partition: []interface{}{"2099-01-01"},
			NewFiles: []manifest.DataFileMeta{{FileName: "fresh.parquet", FileSize: 1}}}},
	}))

	pe := &PartitionExpire{
		PartitionKeys:      []string{"dt"},
		ExpirationTime:     24 * time.Hour,
		CheckInterval:      0,
		TimestampPattern:   "$dt",
		TimestampFormatter: "2006-01-02",
		Scan:               h.scan(),
		Commit:             h.commit,
		Now:                func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) },
	}

	require.NoError(t, pe.Run(ctx))

	latest, ok, err := h.snapshots.LatestSnapshotID(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	plan, err := h.scan().Plan(ctx, latest)
	require.NoError(t, err)

	var partitions []string
	for _, split := range plan.Splits {
		partitions = append(partitions, split.Partition[0].(string))
	}
	assert.ElementsMatch(t, []string{"2099-01-01"}, partitions, "only the stale 2000-01-01 partition was overwritten away")
}

func TestPartitionExpireRunIsNoopBeforeCheckIntervalElapses(t *testing.T) {
	h := newExpireHarness(t)
	ctx := context.Background()
	h.appendFile(t, "w", 1, manifest.DataFileMeta{FileName: "a.parquet", FileSize: 1})

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pe := NewPartitionExpire(nil, 0, time.Hour, time.Hour, "", "", h.scan(), h.commit, func() time.Time {
		return now
	})

	require.NoError(t, pe.Run(ctx))
	ids, err := h.snapshots.ListSnapshotIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "the check interval has not elapsed since construction, so Run is a no-op")
}
