package enumerator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/scan"
)

func split(bucket int, snapshotID int64) scan.Split {
	return scan.Split{Bucket: bucket, SnapshotID: snapshotID}
}

func TestContinuousFileSplitEnumeratorAssignsBucketAffinity(t *testing.T) {
	e := NewContinuousFileSplitEnumerator(nil, []scan.Split{split(0, 0), split(1, 0)})

	s, ok, _ := e.RequestSplit(7)
	require.True(t, ok)
	assert.Equal(t, 0, s.Bucket)

	// bucket 0 is now affine to reader 7; a second request for reader 7
	// with more pending work in bucket 0 must return it, not bucket 1.
	e.mu.Lock()
	e.queues[0] = append(e.queues[0], split(0, 1))
	e.mu.Unlock()

	s2, ok, _ := e.RequestSplit(7)
	require.True(t, ok)
	assert.Equal(t, 0, s2.Bucket)
}

func TestContinuousFileSplitEnumeratorRoundRobinsUnclaimedBuckets(t *testing.T) {
	e := NewContinuousFileSplitEnumerator(nil, []scan.Split{split(0, 0), split(1, 0), split(2, 0)})

	s1, _, _ := e.RequestSplit(1)
	s2, _, _ := e.RequestSplit(2)
	s3, _, _ := e.RequestSplit(3)

	assert.ElementsMatch(t, []int{0, 1, 2}, []int{s1.Bucket, s2.Bucket, s3.Bucket}, "three distinct readers claim three distinct buckets")
}

func TestContinuousFileSplitEnumeratorRequestSplitEmptyQueueNotFinished(t *testing.T) {
	e := NewContinuousFileSplitEnumerator(nil, nil)
	_, ok, noMoreSplits := e.RequestSplit(1)
	assert.False(t, ok)
	assert.False(t, noMoreSplits, "discovery has not finished, so the reader should keep polling")
}

func TestContinuousFileSplitEnumeratorReportsNoMoreSplitsOnceFinishedAndDrained(t *testing.T) {
	e := NewContinuousFileSplitEnumerator(nil, []scan.Split{split(0, 0)})
	e.mu.Lock()
	e.finished = true
	e.mu.Unlock()

	_, ok, _ := e.RequestSplit(1)
	require.True(t, ok, "the one pending split is still delivered first")

	_, ok, noMoreSplits := e.RequestSplit(1)
	assert.False(t, ok)
	assert.True(t, noMoreSplits)
}

func TestContinuousFileSplitEnumeratorAddSplitsBackPreservesFIFOAndReleasesAffinity(t *testing.T) {
	e := NewContinuousFileSplitEnumerator(nil, []scan.Split{split(0, 0)})

	first, ok, _ := e.RequestSplit(1)
	require.True(t, ok)

	e.mu.Lock()
	e.queues[0] = append(e.queues[0], split(0, 2))
	e.mu.Unlock()

	e.AddSplitsBack([]scan.Split{first}, 1)

	next, ok, _ := e.RequestSplit(9)
	require.True(t, ok)
	assert.Equal(t, int64(0), next.SnapshotID, "the returned split is redelivered before the newer one already queued")

	_, claimedBy9 := 9, false
	e.mu.Lock()
	claimedBy9 = e.readerOf[0] == 9
	e.mu.Unlock()
	assert.True(t, claimedBy9, "affinity was released, so a different reader could claim the bucket")
}
