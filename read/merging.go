package read

import (
	"container/heap"
	"context"

	"golang.org/x/sync/errgroup"

	"tablestore/fileio"
	"tablestore/format"
	"tablestore/manifest"
	"tablestore/merge"
	"tablestore/mergetree"
	"tablestore/scan"
	"tablestore/types"
)

// KeyValueFileStoreRead builds the merging reader of spec.md §4.L for
// primary-key tables: every file in a split is opened as a sorted
// (key, sequence, kind, value) stream, k-way merged by (key ASC,
// sequence ASC), and folded through the table's merge function one key
// group at a time.
type KeyValueFileStoreRead struct {
	IO           fileio.FileIO
	BucketPath   func(partition []interface{}, bucket int) string
	ValueRowType types.RowType
	KeyPositions []int
	ReaderFor    format.ReaderFactory
	NewMergeFn   func() merge.Function
}

// CreateReader opens every file in split concurrently (they must all be
// live for the duration of the merge, unlike ConcatRecordReader's
// one-at-a-time sequencing) and returns a reader presenting one merged row
// per live key.
func (r *KeyValueFileStoreRead) CreateReader(ctx context.Context, split scan.Split) (*MergingReader, error) {
	physicalRow := mergetree.PhysicalRowType(r.ValueRowType)
	dir := r.BucketPath(split.Partition, split.Bucket)

	readers := make([]format.RecordReader, len(split.Files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range split.Files {
		i, f := i, f
		g.Go(func() error {
			rr, err := r.ReaderFor(gctx, r.IO, dir+"/"+f.FileName, physicalRow, nil, nil)
			if err != nil {
				return err
			}
			readers[i] = rr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, rr := range readers {
			if rr != nil {
				rr.Close()
			}
		}
		return nil, err
	}

	m := &MergingReader{mergeFn: r.NewMergeFn()}
	for _, rr := range readers {
		cur := &cursor{reader: rr, keyPositions: r.KeyPositions}
		if err := cur.advance(ctx); err != nil {
			m.Close()
			return nil, err
		}
		if !cur.done {
			m.cursors = append(m.cursors, cur)
		}
	}
	heap.Init(&m.cursors)
	return m, nil
}

// cursor wraps one file's physical-row stream with its current decoded
// KeyValue, the unit container/heap orders on.
type cursor struct {
	reader       format.RecordReader
	keyPositions []int
	kv           merge.KeyValue
	done         bool
}

func (c *cursor) advance(ctx context.Context) error {
	row, ok, err := c.reader.Next(ctx)
	if err != nil {
		return err
	}
	if !ok {
		c.done = true
		return c.reader.Close()
	}
	c.kv = mergetree.FromPhysicalRow(row, c.keyPositions)
	return nil
}

// cursorHeap orders cursors by (key ASC, sequence ASC), the order a k-way
// merge must drain them in to present each key's records oldest-sequence
// first to the merge function.
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	if c := manifest.CompareKeys(h[i].kv.Key, h[j].kv.Key); c != 0 {
		return c < 0
	}
	return h[i].kv.Sequence < h[j].kv.Sequence
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x interface{}) { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergingReader presents the k-way-merged, per-key-merge-function-folded
// row stream for one split.
type MergingReader struct {
	cursors cursorHeap
	mergeFn merge.Function
}

// Next returns the next live merged row, or ok=false once every key group
// has been consumed.
func (m *MergingReader) Next(ctx context.Context) (types.Row, bool, error) {
	for m.cursors.Len() > 0 {
		key := m.cursors[0].kv.Key
		m.mergeFn.Reset()

		for m.cursors.Len() > 0 && manifest.CompareKeys(m.cursors[0].kv.Key, key) == 0 {
			c := m.cursors[0]
			if err := m.mergeFn.Add(c.kv); err != nil {
				return types.Row{}, false, err
			}
			if err := c.advance(ctx); err != nil {
				return types.Row{}, false, err
			}
			if c.done {
				heap.Pop(&m.cursors)
			} else {
				heap.Fix(&m.cursors, 0)
			}
		}

		if row, ok := m.mergeFn.GetResult(); ok {
			return row, true, nil
		}
		// merge function produced no live value for this key (e.g. the
		// latest record was a DELETE): continue to the next key group.
	}
	return types.Row{}, false, nil
}

// Close closes every still-open underlying file reader.
func (m *MergingReader) Close() error {
	var first error
	for _, c := range m.cursors {
		if err := c.reader.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.cursors = nil
	return first
}
