// Package scan implements the Scan/SplitGenerator pipeline of spec.md
// §4.H: snapshot resolution, manifest-entry ADD/DELETE reduction, filter
// pushdown via per-file statistics, and split packing.
package scan

import (
	"context"
	"fmt"

	"tablestore/config"
	"tablestore/manifest"
	"tablestore/predicate"
	"tablestore/snapshot"
)

// Split is a unit of work handed to one reader: every file a reader must
// open to produce its slice of (partition, bucket) data, plus the
// snapshot id it was planned against (used by the streaming enumerator for
// ordering).
type Split struct {
	SnapshotID   int64
	Partition    []interface{}
	Bucket       int
	TotalBuckets int
	Files        []manifest.DataFileMeta
}

// Plan is the result of one Scan: every split surviving filter pushdown.
type Plan struct {
	SnapshotID int64
	Splits     []Split
}

// Scan plans splits for one snapshot, applying partition, bucket, key, and
// value filter pushdown (spec.md §4.H).
type Scan struct {
	Snapshots    *snapshot.Manager
	ManifestList *manifest.ManifestList
	ManifestFile *manifest.ManifestFile

	PartitionFilter predicate.Predicate
	BucketFilter    func(bucket int) bool
	KeyFilter       []predicate.Predicate
	ValueFilter     []predicate.Predicate

	// IsPrimaryKey disables value-filter pushdown: old values for
	// unchanged keys may be hidden by newer files, so a value filter
	// cannot safely prune a PK table's files (spec.md §4.H step 3).
	IsPrimaryKey bool

	TargetSplitSize int64
	OpenFileCost    int64
}

// ResolveSnapshotID turns a table's scan.mode option into a concrete
// snapshot id (spec.md §4.H step 1, §6 scan.* options).
func ResolveSnapshotID(ctx context.Context, mgr *snapshot.Manager, opts config.TableOptions) (int64, bool, error) {
	switch opts.ScanMode {
	case config.ScanFromSnapshot:
		return opts.ScanSnapshotID, true, nil
	case config.ScanFromTimestamp:
		return resolveByTimestamp(ctx, mgr, opts.ScanTimestampMillis)
	default:
		return mgr.LatestSnapshotID(ctx)
	}
}

func resolveByTimestamp(ctx context.Context, mgr *snapshot.Manager, millis int64) (int64, bool, error) {
	var found int64
	ok := false
	err := mgr.TraversalSnapshotsFromLatestSafely(ctx, func(s *snapshot.Snapshot) (bool, error) {
		if s.TimeMillis <= millis {
			found = s.ID
			ok = true
			return false, nil
		}
		return true, nil
	})
	return found, ok, err
}

// Plan resolves snapshotID's live files and groups them into splits.
func (s *Scan) Plan(ctx context.Context, snapshotID int64) (Plan, error) {
	snap, err := s.Snapshots.Snapshot(ctx, snapshotID)
	if err != nil {
		return Plan{}, fmt.Errorf("scan: reading snapshot %d: %w", snapshotID, err)
	}

	live := make(map[string]manifest.ManifestEntry)
	order := make([]string, 0)
	applyList := func(listName string) error {
		metas, err := s.ManifestList.Read(ctx, listName)
		if err != nil {
			return err
		}
		for _, meta := range metas {
			if s.PartitionFilter != nil && meta.PartitionStats != nil && s.PartitionFilter.PrunesStats(meta.PartitionStats) {
				continue
			}
			entries, err := s.ManifestFile.Read(ctx, meta.FileName)
			if err != nil {
				return err
			}
			for _, e := range entries {
				key := e.File.FileName
				if _, seen := live[key]; !seen {
					order = append(order, key)
				}
				if e.Kind == manifest.Delete {
					delete(live, key)
				} else {
					live[key] = e
				}
			}
		}
		return nil
	}
	if err := applyList(snap.BaseManifestList); err != nil {
		return Plan{}, fmt.Errorf("scan: reading base manifest list: %w", err)
	}
	if err := applyList(snap.DeltaManifestList); err != nil {
		return Plan{}, fmt.Errorf("scan: reading delta manifest list: %w", err)
	}

	groups := map[string][]manifest.DataFileMeta{}
	groupMeta := map[string]struct {
		partition    []interface{}
		bucket       int
		totalBuckets int
	}{}

	for _, name := range order {
		e, ok := live[name]
		if !ok {
			continue
		}
		if s.BucketFilter != nil && !s.BucketFilter(e.Bucket) {
			continue
		}
		if prunedByKeyFilter(s.KeyFilter, e.File.KeyStats) {
			continue
		}
		if !s.IsPrimaryKey && prunedByKeyFilter(s.ValueFilter, e.File.ValueStats) {
			continue
		}
		key := groupKey(e.Partition, e.Bucket)
		groups[key] = append(groups[key], e.File)
		groupMeta[key] = struct {
			partition    []interface{}
			bucket       int
			totalBuckets int
		}{e.Partition, e.Bucket, e.TotalBuckets}
	}

	var splits []Split
	for key, files := range groups {
		gm := groupMeta[key]
		for _, split := range GenerateSplits(files, s.IsPrimaryKey, s.TargetSplitSize, s.OpenFileCost) {
			splits = append(splits, Split{
				SnapshotID:   snapshotID,
				Partition:    gm.partition,
				Bucket:       gm.bucket,
				TotalBuckets: gm.totalBuckets,
				Files:        split,
			})
		}
	}
	return Plan{SnapshotID: snapshotID, Splits: splits}, nil
}

func prunedByKeyFilter(filters []predicate.Predicate, stats map[int]manifest.FieldStats) bool {
	if len(filters) == 0 || stats == nil {
		return false
	}
	for _, f := range filters {
		if f.PrunesStats(stats) {
			return true
		}
	}
	return false
}

func groupKey(partition []interface{}, bucket int) string {
	return fmt.Sprintf("%v|%d", partition, bucket)
}
