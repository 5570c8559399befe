package table

import (
	"context"
	"fmt"
	"sync"

	"tablestore/commit"
	"tablestore/manifest"
	"tablestore/merge"
	"tablestore/mergetree"
	"tablestore/types"
)

// bucketKey identifies one (partition, bucket)'s writer within a session.
type bucketKey struct {
	partition string
	bucket    int
}

// Write is one writer session against a ChangelogWithKey or
// ChangelogValueCount table: it routes incoming rows to their bucket's
// MergeTreeWriter (spec.md §2's "user row → bucketing/partitioning →
// MergeTreeWriter"), opening writers lazily and restoring them from the
// latest snapshot's files the first time a bucket is touched.
type Write struct {
	table        *Table
	commitUser   string
	schemaID     int64
	valueRowType types.RowType
	keyPositions []int
	sequenceIdx  int // -1 when sequence.field is unset

	mu      sync.Mutex
	writers map[bucketKey]*writerEntry
}

type writerEntry struct {
	writer       *mergetree.MergeTreeWriter
	partition    []interface{}
	bucket       int
	totalBuckets int
}

// NewWrite opens a writer session. sequenceFieldIdx is the position of the
// table's `sequence.field` within valueRowType, or -1 when unset (sequence
// numbers are then assigned by each bucket's writer in write order).
func NewWrite(t *Table, commitUser string, schemaID int64, valueRowType types.RowType, keyPositions []int, sequenceFieldIdx int) *Write {
	return &Write{
		table: t, commitUser: commitUser, schemaID: schemaID,
		valueRowType: valueRowType, keyPositions: keyPositions, sequenceIdx: sequenceFieldIdx,
		writers: map[bucketKey]*writerEntry{},
	}
}

// Write buffers one record, assigning it to a bucket by its key/value
// fields and opening (or restoring) that bucket's writer on first touch.
func (w *Write) Write(ctx context.Context, kind types.RowKind, values []interface{}, partition []interface{}, restoreFiles func(partition []interface{}, bucket int) ([]manifest.DataFileMeta, error)) error {
	bucket := w.table.AssignBucket(values)
	key := bucketKey{partition: fmt.Sprintf("%v", partition), bucket: bucket}

	w.mu.Lock()
	entry, ok := w.writers[key]
	if !ok {
		var restore []manifest.DataFileMeta
		if restoreFiles != nil {
			var err error
			restore, err = restoreFiles(partition, bucket)
			if err != nil {
				w.mu.Unlock()
				return fmt.Errorf("table: restoring bucket %d: %w", bucket, err)
			}
		}
		mw := w.table.OpenWriterForBucket(partition, bucket, w.table.Options.Bucket, w.valueRowType, w.keyPositions, w.schemaID, restore)
		entry = &writerEntry{writer: mw, partition: partition, bucket: bucket, totalBuckets: w.table.Options.Bucket}
		w.writers[key] = entry
	}
	mw := entry.writer
	w.mu.Unlock()

	key2 := make([]interface{}, len(w.keyPositions))
	for i, pos := range w.keyPositions {
		if pos < len(values) {
			key2[i] = values[pos]
		}
	}

	seq := w.resolveSequence(mw, values)
	return mw.Write(ctx, merge.KeyValue{
		Key: key2, Sequence: seq, Kind: kind,
		Value: types.Row{Kind: kind, Values: values},
	})
}

func (w *Write) resolveSequence(mw *mergetree.MergeTreeWriter, values []interface{}) int64 {
	if w.sequenceIdx >= 0 && w.sequenceIdx < len(values) {
		if n, ok := values[w.sequenceIdx].(int64); ok {
			return n
		}
	}
	return mw.NextSequence()
}

// PrepareCommit drains every touched bucket's writer and assembles a single
// Committable ready for commit.FileStoreCommit.Commit, matching spec.md
// §4.I's "drains the buffer... returns (newFiles, compactBeforeFiles,
// compactAfterFiles, changelogFiles) per bucket".
func (w *Write) PrepareCommit(ctx context.Context, identifier int64, forceCompact bool) (commit.Committable, error) {
	w.mu.Lock()
	entries := make([]*writerEntry, 0, len(w.writers))
	for _, e := range w.writers {
		entries = append(entries, e)
	}
	w.mu.Unlock()

	committable := commit.Committable{
		CommitUser:       w.commitUser,
		CommitIdentifier: identifier,
		SchemaID:         w.schemaID,
	}
	for _, e := range entries {
		inc, err := e.writer.PrepareCommit(ctx, e.partition, e.bucket, e.totalBuckets, forceCompact || w.table.Options.CommitForceCompact)
		if err != nil {
			return commit.Committable{}, fmt.Errorf("table: prepareCommit bucket %d: %w", e.bucket, err)
		}
		committable.Increments = append(committable.Increments, inc)
	}
	return committable, nil
}
