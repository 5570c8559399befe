// Package enumerator implements the streaming discovery half of spec.md
// §4.K: SnapshotEnumerator turns the snapshot sequence into a stream of
// incremental plans, and ContinuousFileSplitEnumerator fans those plans out
// to readers under bucket affinity and within-bucket FIFO.
package enumerator

import (
	"context"
	"fmt"

	"tablestore/config"
	"tablestore/manifest"
	"tablestore/scan"
	"tablestore/snapshot"
)

// Result is the outcome of one SnapshotEnumerator tick: either a new
// incremental Plan, nothing yet (caller retries after the discovery
// interval), or Finished (a gap was detected and the caller should restart
// discovery from the current latest snapshot).
type Result struct {
	Plan     *scan.Plan
	Finished bool
}

// SnapshotEnumerator walks the snapshot sequence forward from an initial
// position resolved from scan.mode, emitting one incremental plan per
// still-live snapshot.
type SnapshotEnumerator struct {
	Scan       *scan.Scan
	Snapshots  *snapshot.Manager
	nextID     int64
}

// NewSnapshotEnumerator resolves the starting snapshot id from opts.ScanMode
// and constructs an enumerator that will emit incremental plans starting
// from the snapshot immediately after it (the resolved snapshot itself is
// assumed already consumed via a prior full Scan.Plan, e.g. for
// latest-full/compacted-full modes).
func NewSnapshotEnumerator(ctx context.Context, sc *scan.Scan, mgr *snapshot.Manager, opts config.TableOptions) (*SnapshotEnumerator, error) {
	id, ok, err := scan.ResolveSnapshotID(ctx, mgr, opts)
	if err != nil {
		return nil, err
	}
	next := int64(0)
	if ok {
		next = id + 1
	}
	return &SnapshotEnumerator{Scan: sc, Snapshots: mgr, nextID: next}, nil
}

// Tick advances the enumerator by at most one snapshot.
func (e *SnapshotEnumerator) Tick(ctx context.Context) (Result, error) {
	latest, ok, err := e.Snapshots.LatestSnapshotID(ctx)
	if err != nil {
		return Result{}, err
	}
	if !ok || e.nextID > latest {
		return Result{}, nil
	}

	earliest, ok, err := e.Snapshots.EarliestSnapshotID(ctx)
	if err != nil {
		return Result{}, err
	}
	if ok && e.nextID < earliest {
		// fell behind expiration: the snapshot we needed is gone.
		return Result{Finished: true}, nil
	}

	plan, err := e.incrementalPlan(ctx, e.nextID)
	if err != nil {
		if exists, existsErr := e.Snapshots.SnapshotExists(ctx, e.nextID); existsErr == nil && !exists {
			return Result{Finished: true}, nil
		}
		return Result{}, err
	}
	e.nextID++
	return Result{Plan: &plan}, nil
}

// incrementalPlan computes the files ADDed by exactly this snapshot's
// deltaManifestList, grouped by (partition, bucket) — the set a streaming
// reader must pick up, as opposed to Scan.Plan's cumulative live-file view.
// Only APPEND and OVERWRITE snapshots carry new source data; COMPACT snapshots rewrite
// existing data into new files that would otherwise be double-counted by a
// streaming consumer, so they contribute no splits here.
func (e *SnapshotEnumerator) incrementalPlan(ctx context.Context, id int64) (scan.Plan, error) {
	s, err := e.Snapshots.Snapshot(ctx, id)
	if err != nil {
		return scan.Plan{}, err
	}
	if s.CommitKind != snapshot.Append && s.CommitKind != snapshot.Overwrite {
		return scan.Plan{SnapshotID: id}, nil
	}

	metas, err := e.Scan.ManifestList.Read(ctx, s.DeltaManifestList)
	if err != nil {
		return scan.Plan{}, err
	}

	groups := map[string][]manifest.DataFileMeta{}
	groupMeta := map[string]struct {
		partition    []interface{}
		bucket       int
		totalBuckets int
	}{}
	for _, meta := range metas {
		entries, err := e.Scan.ManifestFile.Read(ctx, meta.FileName)
		if err != nil {
			return scan.Plan{}, err
		}
		for _, entry := range entries {
			if entry.Kind != manifest.Add {
				continue
			}
			key := fmt.Sprintf("%v|%d", entry.Partition, entry.Bucket)
			groups[key] = append(groups[key], entry.File)
			groupMeta[key] = struct {
				partition    []interface{}
				bucket       int
				totalBuckets int
			}{entry.Partition, entry.Bucket, entry.TotalBuckets}
		}
	}

	var splits []scan.Split
	for key, files := range groups {
		gm := groupMeta[key]
		splits = append(splits, scan.Split{
			SnapshotID:   id,
			Partition:    gm.partition,
			Bucket:       gm.bucket,
			TotalBuckets: gm.totalBuckets,
			Files:        files,
		})
	}
	return scan.Plan{SnapshotID: id, Splits: splits}, nil
}
