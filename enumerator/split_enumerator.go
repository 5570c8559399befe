package enumerator

import (
	"context"
	"sort"
	"sync"

	"tablestore/scan"
)

// ContinuousFileSplitEnumerator distributes the splits a SnapshotEnumerator
// discovers to a fixed set of readers, maintaining spec.md §4.K's three
// guarantees: within-bucket FIFO across snapshots, bucket affinity (every
// split of one bucket always goes to the same reader), and fair round-robin
// assignment across buckets.
type ContinuousFileSplitEnumerator struct {
	mu sync.Mutex

	enumerator *SnapshotEnumerator

	// queues[bucket] holds that bucket's pending splits, oldest snapshot
	// first; AddSplitsBack prepends rather than appends to preserve FIFO
	// order across a reassignment.
	queues map[int][]scan.Split
	// bucketOrder lists every bucket that has ever had work, in first-seen
	// order, used as the round-robin ring when assigning an unclaimed
	// bucket to a newly-requesting reader.
	bucketOrder []int
	// readerOf records bucket affinity: once a bucket is assigned to a
	// reader, every future split of that bucket goes to the same reader.
	readerOf map[int]int
	// rrCursor is the position in bucketOrder the next unclaimed-bucket
	// search starts from, so repeated assignment doesn't always favor the
	// same low-numbered bucket.
	rrCursor int

	finished       bool
	noMoreSplits   map[int]bool
}

// NewContinuousFileSplitEnumerator constructs an enumerator seeded with any
// splits already known (e.g. from a prior full scan), grouped into their
// buckets' FIFO queues.
func NewContinuousFileSplitEnumerator(se *SnapshotEnumerator, initial []scan.Split) *ContinuousFileSplitEnumerator {
	e := &ContinuousFileSplitEnumerator{
		enumerator:   se,
		queues:       map[int][]scan.Split{},
		readerOf:     map[int]int{},
		noMoreSplits: map[int]bool{},
	}
	for _, s := range initial {
		e.enqueue(s)
	}
	return e
}

func (e *ContinuousFileSplitEnumerator) enqueue(s scan.Split) {
	if _, ok := e.queues[s.Bucket]; !ok {
		e.bucketOrder = append(e.bucketOrder, s.Bucket)
	}
	e.queues[s.Bucket] = append(e.queues[s.Bucket], s)
}

// Discover polls the underlying SnapshotEnumerator once, enqueuing any
// splits it returns. The caller is responsible for retrying after its
// configured discovery interval when Tick reports nothing new, and for
// restarting discovery from the latest snapshot when Finished is reported.
func (e *ContinuousFileSplitEnumerator) Discover(ctx context.Context) (finished bool, err error) {
	result, err := e.enumerator.Tick(ctx)
	if err != nil {
		return false, err
	}
	if result.Finished {
		e.mu.Lock()
		e.finished = true
		e.mu.Unlock()
		return true, nil
	}
	if result.Plan == nil {
		return false, nil
	}

	e.mu.Lock()
	for _, s := range result.Plan.Splits {
		e.enqueue(s)
	}
	e.mu.Unlock()
	return false, nil
}

// RequestSplit assigns the next split due to readerID, preferring a bucket
// already affine to this reader; if none has pending work, the next
// unclaimed bucket in round-robin order is claimed. ok is false if nothing
// is currently available; noMoreSplits is true once discovery has finished
// and every queue is drained, signaling the reader it will receive nothing
// further.
func (e *ContinuousFileSplitEnumerator) RequestSplit(readerID int) (split scan.Split, ok bool, noMoreSplits bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for bucket, r := range e.readerOf {
		if r != readerID {
			continue
		}
		if q := e.queues[bucket]; len(q) > 0 {
			split, e.queues[bucket] = q[0], q[1:]
			return split, true, false
		}
	}

	if bucket, found := e.claimNextBucket(readerID); found {
		q := e.queues[bucket]
		split, e.queues[bucket] = q[0], q[1:]
		return split, true, false
	}

	return scan.Split{}, false, e.finished && e.allDrained()
}

// claimNextBucket binds the next bucket with pending work (scanning
// bucketOrder starting from rrCursor, so assignment rotates fairly across
// requesting readers rather than always handing out the lowest bucket id)
// to readerID.
func (e *ContinuousFileSplitEnumerator) claimNextBucket(readerID int) (int, bool) {
	n := len(e.bucketOrder)
	for i := 0; i < n; i++ {
		idx := (e.rrCursor + i) % n
		bucket := e.bucketOrder[idx]
		if _, claimed := e.readerOf[bucket]; claimed {
			continue
		}
		if len(e.queues[bucket]) == 0 {
			continue
		}
		e.readerOf[bucket] = readerID
		e.rrCursor = (idx + 1) % n
		return bucket, true
	}
	return 0, false
}

func (e *ContinuousFileSplitEnumerator) allDrained() bool {
	for _, q := range e.queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// AddSplitsBack returns splits a failed or restarting reader had not yet
// finished processing to the front of their bucket's queue, so they are
// redelivered before any split discovered since — preserving within-bucket
// FIFO across the reassignment. Bucket affinity is released: the next
// RequestSplit for that bucket may bind it to a different reader.
func (e *ContinuousFileSplitEnumerator) AddSplitsBack(splits []scan.Split, readerID int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byBucket := map[int][]scan.Split{}
	for _, s := range splits {
		byBucket[s.Bucket] = append(byBucket[s.Bucket], s)
	}
	for bucket, ss := range byBucket {
		sort.Slice(ss, func(i, j int) bool { return ss[i].SnapshotID < ss[j].SnapshotID })
		e.queues[bucket] = append(ss, e.queues[bucket]...)
		delete(e.readerOf, bucket)
	}
}
