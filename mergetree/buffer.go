package mergetree

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"sort"

	"github.com/klauspost/compress/zstd"

	"tablestore/manifest"
	"tablestore/merge"
)

// WriteBuffer is the spillable sorted run a MergeTreeWriter accumulates
// before flushing to an L0 data file (spec.md §4.I). Records are kept
// in-memory, keyed by their serialized composite key, until writeBufferSize
// is exceeded; at that point the buffer is sorted and spilled to a local
// scratch file (zstd-compressed) so ingest can keep accepting records
// without growing heap usage unbounded. Drain merges every spilled run plus
// whatever remains in memory into one sorted, final stream.
type WriteBuffer struct {
	maxSize    int64
	scratchDir string

	records map[string]merge.KeyValue
	size    int64

	spillFiles []string
}

// NewWriteBuffer constructs a WriteBuffer bounded by maxSize bytes
// in-memory before it spills to scratchDir.
func NewWriteBuffer(maxSize int64, scratchDir string) *WriteBuffer {
	return &WriteBuffer{maxSize: maxSize, scratchDir: scratchDir, records: make(map[string]merge.KeyValue)}
}

// Put inserts or overwrites the record for kv.Key, returning true if the
// buffer should be flushed to an L0 file after this call (caller's
// responsibility — WriteBuffer itself only spills to disk, it never flushes
// to a DataFileMeta; that crosses into the FileFormat writer).
func (b *WriteBuffer) Put(kv merge.KeyValue) (shouldSpill bool, err error) {
	key := keyString(kv.Key)
	if old, ok := b.records[key]; ok {
		b.size -= estimateRecordSize(old)
	}
	b.records[key] = kv
	b.size += estimateRecordSize(kv)
	if b.size >= b.maxSize && b.maxSize > 0 {
		if err := b.spill(); err != nil {
			return false, err
		}
	}
	return len(b.spillFiles) > 0 && b.size == 0, nil
}

// Size reports the in-memory footprint estimate, in bytes.
func (b *WriteBuffer) Size() int64 { return b.size }

// RecordCount reports the number of distinct live keys currently buffered
// in memory (excludes spilled runs).
func (b *WriteBuffer) RecordCount() int { return len(b.records) }

func (b *WriteBuffer) spill() error {
	if len(b.records) == 0 {
		return nil
	}
	sorted := b.sortedRecords()
	f, err := os.CreateTemp(b.scratchDir, "spill-*.zst")
	if err != nil {
		return fmt.Errorf("mergetree: spilling write buffer: %w", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("mergetree: opening spill compressor: %w", err)
	}
	enc := gob.NewEncoder(zw)
	for _, kv := range sorted {
		if err := enc.Encode(kv); err != nil {
			zw.Close()
			f.Close()
			return fmt.Errorf("mergetree: encoding spilled record: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("mergetree: closing spill compressor: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("mergetree: closing spill file: %w", err)
	}
	b.spillFiles = append(b.spillFiles, f.Name())
	b.records = make(map[string]merge.KeyValue)
	b.size = 0
	return nil
}

func (b *WriteBuffer) sortedRecords() []merge.KeyValue {
	out := make([]merge.KeyValue, 0, len(b.records))
	for _, kv := range b.records {
		out = append(out, kv)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := manifest.CompareKeys(out[i].Key, out[j].Key); c != 0 {
			return c < 0
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// Drain returns every buffered and spilled record in sorted (key ASC,
// sequence ASC) order and clears the buffer, deleting spill files as it
// consumes them.
func (b *WriteBuffer) Drain(ctx context.Context) ([]merge.KeyValue, error) {
	runs := [][]merge.KeyValue{b.sortedRecords()}
	for _, path := range b.spillFiles {
		run, err := readSpillFile(path)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
		os.Remove(path)
	}
	b.records = make(map[string]merge.KeyValue)
	b.size = 0
	b.spillFiles = nil
	return mergeSortedRuns(runs), nil
}

func readSpillFile(path string) ([]merge.KeyValue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mergetree: reopening spill file %s: %w", path, err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("mergetree: opening spill decompressor: %w", err)
	}
	defer zr.Close()
	dec := gob.NewDecoder(zr)
	var out []merge.KeyValue
	for {
		var kv merge.KeyValue
		if err := dec.Decode(&kv); err != nil {
			break
		}
		out = append(out, kv)
	}
	return out, nil
}

// mergeSortedRuns k-way merges already-sorted runs into one sorted stream.
func mergeSortedRuns(runs [][]merge.KeyValue) []merge.KeyValue {
	total := 0
	for _, r := range runs {
		total += len(r)
	}
	out := make([]merge.KeyValue, 0, total)
	idx := make([]int, len(runs))
	for {
		best := -1
		for i, r := range runs {
			if idx[i] >= len(r) {
				continue
			}
			if best == -1 || less(r[idx[i]], runs[best][idx[best]]) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		out = append(out, runs[best][idx[best]])
		idx[best]++
	}
	return out
}

func less(a, b merge.KeyValue) bool {
	if c := manifest.CompareKeys(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.Sequence < b.Sequence
}

func keyString(key []interface{}) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%v", key)
	return buf.String()
}

func estimateRecordSize(kv merge.KeyValue) int64 {
	return int64(64 + 16*(len(kv.Key)+len(kv.Value.Values)))
}
