// Package format implements the FileFormat capability of spec.md §4.C: a
// per-identifier factory producing a reader factory, a writer factory, and
// a stats extractor. The metadata plane (schema/snapshot/manifest) is
// JSON-encoded uniformly regardless of this choice (see manifest package);
// FileFormat applies only to table DATA files.
package format

import (
	"context"
	"fmt"

	"tablestore/fileio"
	"tablestore/manifest"
	"tablestore/predicate"
	"tablestore/types"
)

// RecordReader streams rows out of one data file, already projected and
// predicate-filtered where the format supports pushdown.
type RecordReader interface {
	// Next returns the next row, or ok=false at end of stream.
	Next(ctx context.Context) (row types.Row, ok bool, err error)
	Close() error
}

// BulkWriter accepts rows for one data file in sequence order.
type BulkWriter interface {
	Write(ctx context.Context, row types.Row) error
	Close() error
}

// StatsExtractor computes per-field min/max/nullCount and row count for an
// already-written data file, for DataFileMeta.KeyStats/ValueStats.
type StatsExtractor interface {
	Extract(ctx context.Context, io_ fileio.FileIO, path string, rowType types.RowType) (stats map[int]manifest.FieldStats, rowCount int64, err error)
}

// ReaderFactory opens path for reading, applying projection (field
// positions within rowType to materialize) and filters (pushed down where
// the format allows).
type ReaderFactory func(ctx context.Context, io_ fileio.FileIO, path string, rowType types.RowType, projection []int, filters []predicate.Predicate) (RecordReader, error)

// WriterFactory opens path for writing rows of rowType.
type WriterFactory func(ctx context.Context, io_ fileio.FileIO, path string, rowType types.RowType) (BulkWriter, error)

// FileFormat is the capability a table's `file.format` option selects.
type FileFormat interface {
	CreateReaderFactory(rowType types.RowType) ReaderFactory
	CreateWriterFactory(rowType types.RowType) WriterFactory
	CreateStatsExtractor(rowType types.RowType) StatsExtractor
	Extension() string
}

// Factory constructs a FileFormat from its option map. It MUST fail
// construction with a clear error identifying the unrecognized key for any
// option it does not recognize (spec.md §4.C).
type Factory func(options map[string]string) (FileFormat, error)

var registry = map[string]Factory{
	"parquet": newParquetFormat,
}

// Register adds or replaces a format factory under identifier.
func Register(identifier string, f Factory) { registry[identifier] = f }

// Get constructs the FileFormat named identifier with the given options.
func Get(identifier string, options map[string]string) (FileFormat, error) {
	f, ok := registry[identifier]
	if !ok {
		return nil, fmt.Errorf("format: unrecognized file.format %q", identifier)
	}
	return f(options)
}
