// Package read implements the two read-path shapes of spec.md §4.L:
// AppendOnlyFileStoreRead's ConcatRecordReader for append-only/value-count
// tables, and KeyValueFileStoreRead's merging reader for primary-key
// tables.
package read

import (
	"context"

	"tablestore/fileio"
	"tablestore/format"
	"tablestore/predicate"
	"tablestore/scan"
	"tablestore/types"
)

// AppendOnlyFileStoreRead opens a split as a straight concatenation of its
// files, each through the table's file format reader factory with
// projection and predicate pushdown.
type AppendOnlyFileStoreRead struct {
	IO         fileio.FileIO
	BucketPath func(partition []interface{}, bucket int) string
	RowType    types.RowType
	ReaderFor  format.ReaderFactory

	Projection []int
	Filters    []predicate.Predicate
}

// CreateReader opens split's files lazily, one at a time, in file order.
func (r *AppendOnlyFileStoreRead) CreateReader(ctx context.Context, split scan.Split) format.RecordReader {
	dir := r.BucketPath(split.Partition, split.Bucket)
	paths := make([]string, len(split.Files))
	for i, f := range split.Files {
		paths[i] = dir + "/" + f.FileName
	}
	return &ConcatRecordReader{
		ctx:        ctx,
		io:         r.IO,
		paths:      paths,
		rowType:    r.RowType,
		projection: r.Projection,
		filters:    r.Filters,
		open:       r.ReaderFor,
	}
}

// ConcatRecordReader presents many files as one RecordReader, opening each
// only when the previous one is exhausted so a split with many files never
// holds more than one file handle open at a time.
type ConcatRecordReader struct {
	ctx        context.Context
	io         fileio.FileIO
	paths      []string
	rowType    types.RowType
	projection []int
	filters    []predicate.Predicate
	open       format.ReaderFactory

	idx     int
	current format.RecordReader
}

// Next returns the next row across the concatenated files, opening
// successive files on demand.
func (c *ConcatRecordReader) Next(ctx context.Context) (types.Row, bool, error) {
	for {
		if c.current == nil {
			if c.idx >= len(c.paths) {
				return types.Row{}, false, nil
			}
			r, err := c.open(ctx, c.io, c.paths[c.idx], c.rowType, c.projection, c.filters)
			if err != nil {
				return types.Row{}, false, err
			}
			c.idx++
			c.current = r
		}

		row, ok, err := c.current.Next(ctx)
		if err != nil {
			return types.Row{}, false, err
		}
		if ok {
			return row, true, nil
		}
		if err := c.current.Close(); err != nil {
			return types.Row{}, false, err
		}
		c.current = nil
	}
}

// Close releases the currently open file, if any.
func (c *ConcatRecordReader) Close() error {
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}

// ExpandValueCountRow turns one merged value-count row into its
// repeated-row presentation: |count| copies, tagged +I if count is
// positive or -D if negative (spec.md §4.L "value-count" shape). countIdx
// is the row's count column position.
func ExpandValueCountRow(row types.Row, countIdx int) []types.Row {
	count, _ := row.Values[countIdx].(int64)
	if count == 0 {
		return nil
	}
	kind := types.Insert
	n := count
	if count < 0 {
		kind = types.Delete
		n = -count
	}
	out := make([]types.Row, n)
	for i := range out {
		out[i] = types.Row{Kind: kind, Values: row.Values}
	}
	return out
}
