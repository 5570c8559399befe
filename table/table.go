// Package table wires every capability-sized package (schema, manifest,
// snapshot, commit, scan, mergetree, expire, read) into the three logical
// table shapes of spec.md §1: append-only, changelog-with-primary-key, and
// changelog-by-value-count. It is the "StoreOps" assembly point spec.md §9's
// design notes call for — no new storage logic lives here, only
// construction and bucket routing.
package table

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"tablestore/commit"
	"tablestore/config"
	"tablestore/expire"
	"tablestore/fileio"
	"tablestore/format"
	"tablestore/layout"
	"tablestore/manifest"
	"tablestore/merge"
	"tablestore/mergetree"
	"tablestore/read"
	"tablestore/scan"
	"tablestore/schema"
	"tablestore/snapshot"
	"tablestore/types"
)

// Kind tags which of the three logical shapes of spec.md §1 a Table
// implements.
type Kind int

const (
	// Append is a table with no primary key: writes are pure inserts,
	// reads concatenate files directly.
	Append Kind = iota
	// ChangelogWithKey is an LSM merge-tree primary-key table.
	ChangelogWithKey
	// ChangelogValueCount is a PK-less table whose rows are a BIGINT
	// occurrence count, merged via merge.ValueCount and presented through
	// the value-count row expansion of spec.md §4.L.
	ChangelogValueCount
)

// Table bundles one table's full set of capability objects, constructed
// once per table root and reused across writer sessions, scans, and
// maintenance passes.
type Table struct {
	Kind Kind
	Root string

	IO      fileio.FileIO
	Schema  *schema.Manager
	Options config.TableOptions

	ManifestFile *manifest.ManifestFile
	ManifestList *manifest.ManifestList
	Snapshots    *snapshot.Manager
	Commit       *commit.FileStoreCommit
	Scan         *scan.Scan
	Expire       *expire.Expire

	fileFormat format.FileFormat
	bucket     *BucketAssigner
	compactSem *semaphore.Weighted
}

// Open constructs every capability object for the table rooted at root,
// using s as its current schema (the caller resolves latest()/commitChanges
// beforehand via the schema package).
func Open(ctx context.Context, io_ fileio.FileIO, root string, s *schema.Schema, opts config.TableOptions, lock commit.Lock, compactSem *semaphore.Weighted) (*Table, error) {
	mergeEngineSet := opts.MergeEngine != ""
	opts.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("table %s: %w", root, err)
	}

	ff, err := format.Get(opts.FileFormat, nil)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", root, err)
	}

	fieldNames := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		fieldNames[i] = f.Name
	}

	kind := Append
	switch {
	case len(s.PrimaryKeys) > 0:
		kind = ChangelogWithKey
	case !mergeEngineSet && looksLikeValueCount(s):
		kind = ChangelogValueCount
	}

	var assigner *BucketAssigner
	if kind != Append {
		assigner, err = resolveBucketAssigner(opts, fieldNames, s.PartitionKeys, s.PrimaryKeys)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", root, err)
		}
	} else if opts.BucketKey != "" || opts.Bucket > 1 {
		assigner, err = resolveBucketAssigner(opts, fieldNames, s.PartitionKeys, nil)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", root, err)
		}
	}

	mf := manifest.NewManifestFile(io_, root, opts.ManifestTargetFileSize)
	ml := manifest.NewManifestList(io_, root)
	snaps := snapshot.NewManager(io_, root)
	cm := commit.New(snaps, mf, ml, lock)
	sc := &scan.Scan{
		Snapshots:       snaps,
		ManifestList:    ml,
		ManifestFile:    mf,
		IsPrimaryKey:    kind == ChangelogWithKey,
		TargetSplitSize: opts.TargetFileSize,
		OpenFileCost:    4 << 20,
	}
	ex := &expire.Expire{
		IO: io_, TableRoot: root,
		ManifestFile: mf, ManifestList: ml, Snapshots: snaps, Lock: lock,
		PartitionKeys: s.PartitionKeys, DefaultPartitionName: opts.PartitionDefaultName,
		NumRetainedMin: opts.SnapshotNumRetainedMin, NumRetainedMax: opts.SnapshotNumRetainedMax,
		MillisRetained: int64(opts.SnapshotTimeRetained / 1e6),
	}

	if compactSem == nil {
		compactSem = semaphore.NewWeighted(int64(4))
	}

	return &Table{
		Kind: kind, Root: root, IO: io_, Schema: nil, Options: opts,
		ManifestFile: mf, ManifestList: ml, Snapshots: snaps, Commit: cm, Scan: sc, Expire: ex,
		fileFormat: ff, bucket: assigner, compactSem: compactSem,
	}, nil
}

// looksLikeValueCount reports whether s's non-key shape matches the
// value-count convention: no primary key, and a single BIGINT value
// column, the layout merge.ValueCount expects (spec.md §4.J).
func looksLikeValueCount(s *schema.Schema) bool {
	if len(s.PrimaryKeys) > 0 || len(s.Fields) != 1 {
		return false
	}
	return s.Fields[0].Type.ID == types.Int64
}

// BucketPath returns the on-disk directory for one (partition, bucket).
func (t *Table) BucketPath(partition []interface{}, bucket int) string {
	spec := layout.PartitionSpec(t.schemaPartitionKeys(), partition, t.Options.PartitionDefaultName)
	return layout.BucketPath(t.Root, spec, bucket)
}

func (t *Table) schemaPartitionKeys() []string {
	return t.Expire.PartitionKeys
}

// AssignBucket routes a row's values to a bucket. Unbucketed append-only
// tables (bucket assigner absent) always return bucket 0.
func (t *Table) AssignBucket(values []interface{}) int {
	if t.bucket == nil {
		return 0
	}
	return t.bucket.Assign(values)
}

// NewMergeFunction constructs a fresh merge.Function for this table's
// configured merge-engine (spec.md §4.J); nil for Append tables, which have
// none.
func (t *Table) NewMergeFunction() func() merge.Function {
	switch t.Kind {
	case ChangelogValueCount:
		return func() merge.Function { return &merge.ValueCount{} }
	case ChangelogWithKey:
		switch t.Options.MergeEngine {
		case config.MergePartialUpdate:
			return func() merge.Function {
				return &merge.PartialUpdate{IgnoreDelete: t.Options.PartialUpdateIgnoreDelete}
			}
		case config.MergeAggregation:
			return func() merge.Function { return &merge.Aggregate{} }
		default:
			return func() merge.Function { return &merge.Deduplicate{} }
		}
	default:
		return nil
	}
}

// NewChangelogProducer constructs this table's configured changelog
// producer (spec.md §4.I).
func (t *Table) NewChangelogProducer() mergetree.ChangelogProducer {
	switch t.Options.ChangelogProducer {
	case config.ChangelogInput:
		return mergetree.InputChangelog{}
	case config.ChangelogLookup:
		return mergetree.LookupChangelog{}
	case config.ChangelogFullCompaction:
		return mergetree.FullCompactionChangelog{}
	default:
		return mergetree.NoneChangelog{}
	}
}

// OpenWriterForBucket constructs (or restores, when restoreFiles is
// non-empty — spec.md §4.I "Restart") the MergeTreeWriter for one
// (partition, bucket), then wires its compaction manager: MakeRewriter
// needs the writer instance, so the compact manager is attached in a
// second pass after construction.
func (t *Table) OpenWriterForBucket(partition []interface{}, bucket, totalBuckets int, valueRowType types.RowType, keyPositions []int, schemaID int64, restoreFiles []manifest.DataFileMeta) *mergetree.MergeTreeWriter {
	cfg := mergetree.Config{
		IO:                      t.IO,
		BucketDir:               t.BucketPath(partition, bucket),
		ValueRowType:            valueRowType,
		KeyFieldPositions:       keyPositions,
		FileFormat:              t.fileFormat,
		SchemaID:                schemaID,
		NumLevels:               t.Options.NumLevels,
		WriteBufferSize:         t.Options.WriteBufferSize,
		TargetFileSize:          t.Options.TargetFileSize,
		NumSortedRunStopTrigger: t.Options.NumSortedRunStopTrigger,
		WriteOnly:               t.Options.WriteOnly,
		Changelog:               t.NewChangelogProducer(),
		NewMergeFn:              t.NewMergeFunction(),
	}

	var w *mergetree.MergeTreeWriter
	if len(restoreFiles) > 0 {
		w = mergetree.RestoreWriter(cfg, restoreFiles)
	} else {
		w = mergetree.New(cfg)
	}

	if !t.Options.WriteOnly {
		compactOpts := mergetree.CompactionOptions{
			NumLevels:                     t.Options.NumLevels,
			NumSortedRunCompactionTrigger: t.Options.NumSortedRunCompactionTrigger,
			NumSortedRunStopTrigger:       t.Options.NumSortedRunStopTrigger,
			MaxSizeAmplificationPercent:   t.Options.MaxSizeAmplificationPercent,
			SortedRunSizeRatio:            t.Options.SizeRatio,
			TargetFileSize:                t.Options.TargetFileSize,
		}
		w.SetCompactManager(mergetree.NewMergeTreeCompactManager(compactOpts, w.MakeRewriter(), t.compactSem))
	}
	return w
}

// RestoreFiles returns the currently-live files for one (partition, bucket)
// at the table's latest snapshot, the set a MergeTreeWriter restores its
// Levels from when a writer session touches a bucket it didn't open fresh
// (spec.md §4.I "Restart").
func (t *Table) RestoreFiles(ctx context.Context, partition []interface{}, bucket int) ([]manifest.DataFileMeta, error) {
	snapshotID, ok, err := scan.ResolveSnapshotID(ctx, t.Snapshots, config.TableOptions{ScanMode: config.ScanLatest})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	plan, err := t.Scan.Plan(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	for _, split := range plan.Splits {
		if split.Bucket != bucket || !partitionEqual(split.Partition, partition) {
			continue
		}
		return split.Files, nil
	}
	return nil, nil
}

func partitionEqual(a, b []interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fmt.Sprintf("%v", a[i]) != fmt.Sprintf("%v", b[i]) {
			return false
		}
	}
	return true
}

// OpenAppendOnlyReader builds the append-only read path for this table.
func (t *Table) OpenAppendOnlyReader(rowType types.RowType) *read.AppendOnlyFileStoreRead {
	return &read.AppendOnlyFileStoreRead{
		IO:         t.IO,
		BucketPath: t.BucketPath,
		RowType:    rowType,
		ReaderFor:  t.fileFormat.CreateReaderFactory(rowType),
	}
}

// OpenKeyValueReader builds the merging read path for this primary-key
// table.
func (t *Table) OpenKeyValueReader(valueRowType types.RowType, keyPositions []int) *read.KeyValueFileStoreRead {
	physical := mergetree.PhysicalRowType(valueRowType)
	return &read.KeyValueFileStoreRead{
		IO:           t.IO,
		BucketPath:   t.BucketPath,
		ValueRowType: valueRowType,
		KeyPositions: keyPositions,
		ReaderFor:    t.fileFormat.CreateReaderFactory(physical),
		NewMergeFn:   t.NewMergeFunction(),
	}
}
