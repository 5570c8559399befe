package mergetree

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tablestore/commit"
	"tablestore/fileio"
	"tablestore/format"
	"tablestore/manifest"
	"tablestore/merge"
	"tablestore/types"
)

// MergeTreeWriter owns one (partition, bucket)'s LSM tree: the write
// buffer, Levels, the shared CompactManager, and the changelog producer
// (spec.md §4.I). It is single-threaded for ingest; compaction runs
// asynchronously on the shared executor behind CompactManager.
type MergeTreeWriter struct {
	io          fileio.FileIO
	bucketDir   string
	valueRow    types.RowType
	physicalRow types.RowType
	keyPositions []int
	fileFormat  format.FileFormat
	schemaID    int64
	targetFileSize int64
	numSortedRunStopTrigger int
	writeOnly   bool

	buffer            *WriteBuffer
	levels            *Levels
	compact           CompactManager
	changelog         ChangelogProducer
	newMergeFn        func() merge.Function

	mu               sync.Mutex
	sequence         int64
	pendingNew       []manifest.DataFileMeta
	pendingChangelog []manifest.DataFileMeta
}

// Config bundles a MergeTreeWriter's construction parameters.
type Config struct {
	IO                      fileio.FileIO
	BucketDir               string
	ValueRowType            types.RowType
	KeyFieldPositions       []int
	FileFormat              format.FileFormat
	SchemaID                int64
	NumLevels               int
	WriteBufferSize         int64
	TargetFileSize          int64
	NumSortedRunStopTrigger int
	WriteOnly               bool
	Changelog               ChangelogProducer
	NewMergeFn              func() merge.Function
	Compact                 CompactManager
	ScratchDir              string
}

// New constructs a fresh MergeTreeWriter (no restart files).
func New(cfg Config) *MergeTreeWriter {
	return newWriter(cfg, NewLevels(cfg.NumLevels), 0)
}

// RestoreWriter constructs a MergeTreeWriter recovering from the given
// bucket files as recorded in the latest snapshot (spec.md §4.I
// "Restart"): Levels is rebuilt from each file's level field, and the
// sequence counter resumes from one past the maximum observed.
func RestoreWriter(cfg Config, files []manifest.DataFileMeta) *MergeTreeWriter {
	levels := RestoreLevels(cfg.NumLevels, files)
	seq := manifest.GetMaxSequenceNumber(files)
	return newWriter(cfg, levels, seq)
}

func newWriter(cfg Config, levels *Levels, startSequence int64) *MergeTreeWriter {
	changelog := cfg.Changelog
	if changelog == nil {
		changelog = NoneChangelog{}
	}
	compactMgr := cfg.Compact
	if compactMgr == nil || cfg.WriteOnly {
		compactMgr = NoopCompactManager{}
	}
	return &MergeTreeWriter{
		io:                      cfg.IO,
		bucketDir:               cfg.BucketDir,
		valueRow:                cfg.ValueRowType,
		physicalRow:             PhysicalRowType(cfg.ValueRowType),
		keyPositions:            cfg.KeyFieldPositions,
		fileFormat:              cfg.FileFormat,
		schemaID:                cfg.SchemaID,
		targetFileSize:          cfg.TargetFileSize,
		numSortedRunStopTrigger: cfg.NumSortedRunStopTrigger,
		writeOnly:               cfg.WriteOnly,
		buffer:                  NewWriteBuffer(cfg.WriteBufferSize, cfg.ScratchDir),
		levels:                  levels,
		compact:                 compactMgr,
		changelog:               changelog,
		newMergeFn:              cfg.NewMergeFn,
		sequence:                startSequence,
	}
}

// SetCompactManager attaches mgr as this writer's CompactManager, used once
// construction is complete since MakeRewriter needs a writer instance to
// close over.
func (w *MergeTreeWriter) SetCompactManager(mgr CompactManager) {
	w.compact = mgr
}

// NextSequence assigns and returns the next monotonic sequence number for
// this bucket, used when the table has no `sequence.field` configured.
func (w *MergeTreeWriter) NextSequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	seq := w.sequence
	w.sequence++
	return seq
}

// Write buffers one record. It blocks only if the sorted-run count has
// reached numSortedRunStopTrigger, providing the backpressure spec.md §5
// requires; in write-only mode compaction never runs so this bound is
// never enforced.
func (w *MergeTreeWriter) Write(ctx context.Context, kv merge.KeyValue) error {
	if !w.writeOnly && w.levels.SortedRunCount() >= w.numSortedRunStopTrigger {
		if _, err := w.compact.WaitAll(ctx); err != nil {
			return fmt.Errorf("mergetree: write blocked on compaction backpressure: %w", err)
		}
		w.applyCompactResults(w.compact.Poll())
	}
	if _, err := w.buffer.Put(kv); err != nil {
		return err
	}
	return nil
}

// flush drains the write buffer into a new L0 data file, runs the
// changelog producer over the flushed records, and records both as pending
// for the next PrepareCommit.
func (w *MergeTreeWriter) flush(ctx context.Context) error {
	if w.buffer.RecordCount() == 0 {
		return nil
	}
	records, err := w.buffer.Drain(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	meta, err := w.writeDataFile(ctx, 0, records)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.pendingNew = append(w.pendingNew, meta)
	w.mu.Unlock()

	changelogRecords := w.changelog.OnFlush(records, w.lookupHigherLevels)
	w.levels.AddL0File(meta)
	if len(changelogRecords) > 0 {
		clMeta, err := w.writeDataFile(ctx, -1, changelogRecords)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.pendingChangelog = append(w.pendingChangelog, clMeta)
		w.mu.Unlock()
	}
	return nil
}

// lookupHigherLevels performs the LOOKUP changelog producer's prior-value
// probe: scan the existing L0 files newest first, then levels ≥1 from
// shallowest to deepest, returning the first (newest) record matching key.
// A full implementation indexes level files by key range; this walks level
// files linearly, which is sufficient for the bucket sizes this engine
// targets between compactions.
func (w *MergeTreeWriter) lookupHigherLevels(key []interface{}) (merge.KeyValue, bool) {
	for level := 0; level < w.levels.NumLevels(); level++ {
		files := w.levels.Level(level)
		for i := len(files) - 1; i >= 0; i-- {
			f := files[i]
			if manifest.CompareKeys(key, f.MinKey) < 0 || manifest.CompareKeys(key, f.MaxKey) > 0 {
				continue
			}
			if kv, ok := w.scanFileForKey(context.Background(), f, key); ok {
				return kv, true
			}
		}
	}
	return merge.KeyValue{}, false
}

func (w *MergeTreeWriter) scanFileForKey(ctx context.Context, f manifest.DataFileMeta, key []interface{}) (merge.KeyValue, bool) {
	reader, err := w.openDataFile(ctx, f)
	if err != nil {
		return merge.KeyValue{}, false
	}
	defer reader.Close()

	var found merge.KeyValue
	ok := false
	for {
		row, more, err := reader.Next(ctx)
		if err != nil || !more {
			break
		}
		kv := FromPhysicalRow(row, w.keyPositions)
		if manifest.CompareKeys(kv.Key, key) == 0 {
			found = kv
			ok = true
		}
	}
	return found, ok
}

func (w *MergeTreeWriter) openDataFile(ctx context.Context, f manifest.DataFileMeta) (format.RecordReader, error) {
	rf := w.fileFormat.CreateReaderFactory(w.physicalRow)
	return rf(ctx, w.io, w.dataFilePath(f.FileName), w.physicalRow, nil, nil)
}

func (w *MergeTreeWriter) dataFilePath(name string) string { return w.bucketDir + "/" + name }

// writeDataFile persists records (already sorted by key then sequence) as
// one physical data file, extracting key/value stats along the way.
// level=-1 designates a changelog file (named changelog-<uuid> rather than
// data-<uuid>, per spec.md §6's on-disk layout).
func (w *MergeTreeWriter) writeDataFile(ctx context.Context, level int, records []merge.KeyValue) (manifest.DataFileMeta, error) {
	prefix := "data"
	if level < 0 {
		prefix = "changelog"
	}
	name := fmt.Sprintf("%s-%s.%s", prefix, uuid.NewString(), w.fileFormat.Extension())
	path := w.dataFilePath(name)

	wf := w.fileFormat.CreateWriterFactory(w.physicalRow)
	writer, err := wf(ctx, w.io, path, w.physicalRow)
	if err != nil {
		return manifest.DataFileMeta{}, err
	}
	for _, kv := range records {
		if err := writer.Write(ctx, ToPhysicalRow(kv)); err != nil {
			writer.Close()
			return manifest.DataFileMeta{}, err
		}
	}
	if err := writer.Close(); err != nil {
		return manifest.DataFileMeta{}, err
	}

	extractor := w.fileFormat.CreateStatsExtractor(w.physicalRow)
	physicalStats, rowCount, err := extractor.Extract(ctx, w.io, path, w.physicalRow)
	if err != nil {
		return manifest.DataFileMeta{}, err
	}

	keyStats, valueStats := splitStats(physicalStats, w.keyPositions)

	var st fileStat
	if statuses, err := w.io.ListStatus(ctx, w.bucketDir); err == nil {
		for _, s := range statuses {
			if s.Path == path || lastPathSegment(s.Path) == name {
				st.size = s.Size
			}
		}
	}

	return manifest.DataFileMeta{
		FileName:          name,
		FileSize:          st.size,
		RowCount:          rowCount,
		MinKey:            records[0].Key,
		MaxKey:            records[len(records)-1].Key,
		KeyStats:          keyStats,
		ValueStats:        valueStats,
		MinSequenceNumber: records[0].Sequence,
		MaxSequenceNumber: records[len(records)-1].Sequence,
		SchemaID:          w.schemaID,
		Level:             maxInt(level, 0),
	}, nil
}

type fileStat struct{ size int64 }

func lastPathSegment(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// splitStats reprojects the physical row's per-field stats (indexed
// including the two system columns) into key-only stats (indexed by
// position within the primary key) and value stats (indexed by position
// within the value row, i.e. shifted left by 2 to drop the system columns).
func splitStats(physical map[int]manifest.FieldStats, keyPositions []int) (key, value map[int]manifest.FieldStats) {
	key = make(map[int]manifest.FieldStats, len(keyPositions))
	value = make(map[int]manifest.FieldStats)
	for physIdx, s := range physical {
		if physIdx < 2 {
			continue
		}
		valueIdx := physIdx - 2
		value[valueIdx] = s
		for keyIdx, pos := range keyPositions {
			if pos == valueIdx {
				key[keyIdx] = s
			}
		}
	}
	return key, value
}

func (w *MergeTreeWriter) applyCompactResults(results []CompactResult) {
	for _, r := range results {
		w.levels.ApplyCompaction(r.OutputLevel, r.Before, r.After)
	}
}

// PrepareCommit drains the buffer, applies any completed (or, if
// forceCompact, synchronously awaited) compaction results, and returns the
// bucket's pending increment (spec.md §4.I "Prepare commit").
func (w *MergeTreeWriter) PrepareCommit(ctx context.Context, partition []interface{}, bucket, totalBuckets int, forceCompact bool) (commit.Increment, error) {
	if err := w.flush(ctx); err != nil {
		return commit.Increment{}, err
	}

	if err := w.compact.MaybeSchedule(ctx, w.levels, forceCompact); err != nil {
		return commit.Increment{}, err
	}

	var results []CompactResult
	if forceCompact {
		var err error
		results, err = w.compact.WaitAll(ctx)
		if err != nil {
			return commit.Increment{}, err
		}
	} else {
		results = w.compact.Poll()
	}
	w.applyCompactResults(results)

	w.mu.Lock()
	inc := commit.Increment{
		Partition:      partition,
		Bucket:         bucket,
		TotalBuckets:   totalBuckets,
		NewFiles:       w.pendingNew,
		ChangelogFiles: w.pendingChangelog,
	}
	w.pendingNew = nil
	w.pendingChangelog = nil
	w.mu.Unlock()

	for _, r := range results {
		inc.CompactBefore = append(inc.CompactBefore, r.Before...)
		inc.CompactAfter = append(inc.CompactAfter, r.After...)
	}
	return inc, nil
}

// Levels exposes the bucket's current Levels, used by Scan when planning
// merge-tree splits (spec.md §4.H: "all files in a bucket form one split").
func (w *MergeTreeWriter) Levels() *Levels { return w.levels }

// MakeRewriter builds the Rewriter a MergeTreeCompactManager invokes to
// perform one compaction job: k-way merge the inputs by (key, sequence),
// fold each key group through the table's merge function, and write the
// result as a single output data file at outputLevel.
func (w *MergeTreeWriter) MakeRewriter() Rewriter {
	return func(ctx context.Context, outputLevel int, inputs []manifest.DataFileMeta) ([]manifest.DataFileMeta, error) {
		var runs [][]merge.KeyValue
		for _, f := range inputs {
			run, err := w.readFileRecords(ctx, f)
			if err != nil {
				return nil, err
			}
			runs = append(runs, run)
		}
		merged := mergeSortedRuns(runs)

		var out []merge.KeyValue
		fn := w.newMergeFn()
		var curKey []interface{}
		flushGroup := func() {
			if fn == nil || curKey == nil {
				return
			}
			if row, ok := fn.GetResult(); ok {
				out = append(out, merge.KeyValue{Key: curKey, Sequence: lastSeqFor(merged, curKey), Kind: row.Kind, Value: row})
			}
			fn.Reset()
		}
		for _, kv := range merged {
			if curKey == nil || manifest.CompareKeys(kv.Key, curKey) != 0 {
				flushGroup()
				curKey = kv.Key
			}
			if fn != nil {
				fn.Add(kv)
			}
		}
		flushGroup()

		if len(out) == 0 {
			return nil, nil
		}
		meta, err := w.writeDataFile(ctx, outputLevel, out)
		if err != nil {
			return nil, err
		}
		return []manifest.DataFileMeta{meta}, nil
	}
}

func lastSeqFor(records []merge.KeyValue, key []interface{}) int64 {
	var last int64
	for _, r := range records {
		if manifest.CompareKeys(r.Key, key) == 0 && r.Sequence > last {
			last = r.Sequence
		}
	}
	return last
}

func (w *MergeTreeWriter) readFileRecords(ctx context.Context, f manifest.DataFileMeta) ([]merge.KeyValue, error) {
	reader, err := w.openDataFile(ctx, f)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var out []merge.KeyValue
	for {
		row, more, err := reader.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		out = append(out, FromPhysicalRow(row, w.keyPositions))
	}
	return out, nil
}
