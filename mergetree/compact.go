package mergetree

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/semaphore"

	"tablestore/manifest"
)

// CompactionOptions mirrors the table options of spec.md §4.I/§6 that
// govern universal compaction.
type CompactionOptions struct {
	NumLevels                   int
	NumSortedRunCompactionTrigger int
	NumSortedRunStopTrigger       int
	MaxSizeAmplificationPercent  int
	SortedRunSizeRatio           int // percent
	TargetFileSize               int64
}

// Rewriter performs the actual k-way merge + merge-function fold + write
// for one compaction job, producing its output files. Supplied by
// MergeTreeWriter.MakeRewriter, which owns the FileIO/FileFormat/Function
// the rewrite needs; that rewriter writes the whole result as a single file
// and does not split it at TargetFileSize.
type Rewriter func(ctx context.Context, outputLevel int, inputs []manifest.DataFileMeta) ([]manifest.DataFileMeta, error)

// CompactResult is one completed compaction job's effect on Levels: before
// is removed, after is inserted at outputLevel.
type CompactResult struct {
	OutputLevel int
	Before      []manifest.DataFileMeta
	After       []manifest.DataFileMeta
}

// CompactManager schedules and executes compactions for one bucket's
// Levels over a shared, bounded executor (spec.md §4.I, §5).
type CompactManager interface {
	// MaybeSchedule inspects the current levels and launches a compaction
	// task if a universal-compaction trigger fires, or always when force
	// is true (prepareCommit(forceCompact)). It does not wait for the task
	// to finish; it blocks only while waiting for a free executor slot.
	MaybeSchedule(ctx context.Context, levels *Levels, force bool) error
	// Poll returns and clears any compaction results that have completed
	// since the last call, without blocking.
	Poll() []CompactResult
	// WaitAll blocks until every currently in-flight compaction completes,
	// returning their results. Used when prepareCommit needs the output of
	// a forced compaction, or when the stop-trigger backpressure requires
	// write() to block.
	WaitAll(ctx context.Context) ([]CompactResult, error)
	// Close releases the manager. Both implementations here do nothing on
	// Close; in-flight compactions are not canceled.
	Close()
}

// NoopCompactManager never schedules compaction, implementing write-only
// mode (spec.md §6 `write-only`): ingest proceeds, flushed L0 files
// accumulate, and compaction is deferred to a separate dedicated job.
type NoopCompactManager struct{}

func (NoopCompactManager) MaybeSchedule(ctx context.Context, levels *Levels, force bool) error { return nil }
func (NoopCompactManager) Poll() []CompactResult                                                { return nil }
func (NoopCompactManager) WaitAll(ctx context.Context) ([]CompactResult, error)                 { return nil, nil }
func (NoopCompactManager) Close()                                                                {}

// MergeTreeCompactManager implements the default universal compaction
// strategy of spec.md §4.I: triggers on sorted-run count, size
// amplification, or adjacent size ratio; runs compactions on a
// semaphore-bounded executor so compaction across buckets is parallel but
// capped process-wide.
type MergeTreeCompactManager struct {
	opts     CompactionOptions
	rewriter Rewriter

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight *bitset.BitSet // levels currently the target of a running compaction
	results  []CompactResult
}

// NewMergeTreeCompactManager constructs a manager sharing the given
// semaphore-bounded executor slot pool across buckets.
func NewMergeTreeCompactManager(opts CompactionOptions, rewriter Rewriter, sem *semaphore.Weighted) *MergeTreeCompactManager {
	return &MergeTreeCompactManager{
		opts:     opts,
		rewriter: rewriter,
		sem:      sem,
		inFlight: bitset.New(uint(opts.NumLevels + 1)),
	}
}

func (m *MergeTreeCompactManager) MaybeSchedule(ctx context.Context, levels *Levels, force bool) error {
	plan := pickCompaction(levels, m.opts, force)
	if plan == nil {
		return nil
	}
	return m.schedule(ctx, levels, *plan)
}

type compactionPlan struct {
	outputLevel int
	inputs      []manifest.DataFileMeta
}

// pickCompaction implements the universal compaction trigger rules of
// spec.md §4.I: sorted-run count ≥ compactionTrigger, size amplification of
// the oldest run vs. the rest, or an adjacent size-ratio below threshold.
// Once triggered it always compacts every file of every level into the
// deepest configured level (the simplification this engine makes vs. the
// finer run selection of full universal compaction, noted in DESIGN.md).
func pickCompaction(levels *Levels, opts CompactionOptions, force bool) *compactionPlan {
	runs := levels.SortedRunCount()
	sizes := levels.RunSizes()
	triggered := force || runs >= opts.NumSortedRunCompactionTrigger

	if !triggered && len(sizes) > 1 {
		var youngerTotal int64
		for _, s := range sizes[1:] {
			youngerTotal += s
		}
		if youngerTotal > 0 && sizes[0]*100/youngerTotal >= int64(opts.MaxSizeAmplificationPercent) {
			triggered = true
		}
	}
	if !triggered && len(sizes) > 1 {
		for i := 0; i+1 < len(sizes); i++ {
			if sizes[i+1] == 0 {
				continue
			}
			if sizes[i]*100/sizes[i+1] <= int64(opts.SortedRunSizeRatio) {
				triggered = true
				break
			}
		}
	}
	if !triggered {
		return nil
	}

	inputs := append([]manifest.DataFileMeta{}, levels.Level(0)...)
	for level := 1; level < levels.NumLevels(); level++ {
		inputs = append(inputs, levels.Level(level)...)
	}
	if len(inputs) == 0 {
		return nil
	}
	outputLevel := levels.NumLevels() - 1
	if outputLevel < 1 {
		outputLevel = 1
	}
	return &compactionPlan{outputLevel: outputLevel, inputs: inputs}
}

func (m *MergeTreeCompactManager) schedule(ctx context.Context, levels *Levels, plan compactionPlan) error {
	m.mu.Lock()
	if m.inFlight.Test(uint(plan.outputLevel)) {
		m.mu.Unlock()
		return nil // a compaction targeting this level is already running.
	}
	m.inFlight.Set(uint(plan.outputLevel))
	m.mu.Unlock()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		m.inFlight.Clear(uint(plan.outputLevel))
		m.mu.Unlock()
		return fmt.Errorf("mergetree: acquiring compaction slot: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.sem.Release(1)
		defer func() {
			m.mu.Lock()
			m.inFlight.Clear(uint(plan.outputLevel))
			m.mu.Unlock()
		}()

		after, err := m.rewriter(ctx, plan.outputLevel, plan.inputs)
		if err != nil {
			// compaction failures are non-fatal to ingest; the next
			// trigger retries. The output file, if partially written, is
			// the rewriter's own responsibility to unlink (spec.md §5
			// cancellation).
			return
		}
		m.mu.Lock()
		m.results = append(m.results, CompactResult{OutputLevel: plan.outputLevel, Before: plan.inputs, After: after})
		m.mu.Unlock()
	}()
	return nil
}

func (m *MergeTreeCompactManager) Poll() []CompactResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.results
	m.results = nil
	return out
}

func (m *MergeTreeCompactManager) WaitAll(ctx context.Context) ([]CompactResult, error) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return m.Poll(), nil
	case <-ctx.Done():
		return m.Poll(), ctx.Err()
	}
}

func (m *MergeTreeCompactManager) Close() {}
