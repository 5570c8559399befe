// Package expire implements retention-driven deletion of snapshots,
// manifests, data files and changelog files (spec.md §4.G), plus the
// separate partition-level expiration policy (§4.G').
package expire

import (
	"context"
	"time"

	"tablestore/commit"
	"tablestore/fileio"
	"tablestore/layout"
	"tablestore/manifest"
	"tablestore/snapshot"
)

// Expire deletes snapshots (and everything only they reference) once they
// fall outside the table's retention policy, mirroring
// FileStoreExpireImpl's two-phase delete window. It always leaves at least
// one snapshot behind.
type Expire struct {
	IO           fileio.FileIO
	TableRoot    string
	ManifestFile *manifest.ManifestFile
	ManifestList *manifest.ManifestList
	Snapshots    *snapshot.Manager
	Lock         commit.Lock

	PartitionKeys        []string
	DefaultPartitionName string

	NumRetainedMin int
	NumRetainedMax int
	MillisRetained int64

	// Now returns the current time in epoch millis; overridable in tests.
	Now func() int64
}

func (e *Expire) lock() commit.Lock {
	if e.Lock == nil {
		return commit.NopLock{}
	}
	return e.Lock
}

func (e *Expire) bucketPath(partition []interface{}, bucket int) string {
	spec := layout.PartitionSpec(e.PartitionKeys, partition, e.DefaultPartitionName)
	return layout.BucketPath(e.TableRoot, spec, bucket)
}

// Run runs one retention pass.
func (e *Expire) Run(ctx context.Context) error {
	latest, ok, err := e.Snapshots.LatestSnapshotID(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil // no snapshot, nothing to expire
	}
	earliest, ok, err := e.Snapshots.EarliestSnapshotID(ctx)
	if err != nil || !ok {
		return err
	}

	now := e.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	currentMillis := now()

	numRetainedMin := e.NumRetainedMin
	if numRetainedMin < 1 {
		numRetainedMin = 1
	}
	numRetainedMax := e.NumRetainedMax
	if numRetainedMax < numRetainedMin {
		numRetainedMax = numRetainedMin
	}

	// Find the earliest id we could stop expiring at, scanning from the
	// oldest id eligible under numRetainedMax up to the youngest still
	// subject to numRetainedMin: the first one still within millisRetained
	// tells us every younger snapshot is also within it.
	start := latest - int64(numRetainedMax) + 1
	if start < earliest {
		start = earliest
	}
	end := latest - int64(numRetainedMin)
	for id := start; id <= end; id++ {
		exists, err := e.Snapshots.SnapshotExists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		s, err := e.Snapshots.Snapshot(ctx, id)
		if err != nil {
			continue
		}
		if currentMillis-s.TimeMillis <= e.MillisRetained {
			return e.expireUntil(ctx, earliest, id)
		}
	}

	// nothing survives the time threshold: expire down to numRetainedMin.
	return e.expireUntil(ctx, earliest, latest-int64(numRetainedMin)+1)
}

func (e *Expire) expireUntil(ctx context.Context, earliestID, endExclusive int64) error {
	if endExclusive <= earliestID {
		// nothing to expire; record the hint so the next run's
		// EarliestSnapshotID lookup skips the directory listing, unless one
		// is already recorded.
		if _, ok, err := e.Snapshots.EarliestSnapshotID(ctx); err == nil && !ok {
			return e.writeEarliestHint(ctx, endExclusive)
		}
		return nil
	}

	// Only the youngest surviving run of snapshots is guaranteed present;
	// a previous crashed expiration may have already removed older ones.
	beginInclusive := earliestID
	for id := endExclusive - 1; id >= earliestID; id-- {
		exists, err := e.Snapshots.SnapshotExists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			beginInclusive = id + 1
			break
		}
	}

	// Merge-tree data files referenced by a snapshot are unused by the time
	// the NEXT snapshot exists, so the expiring range is (beginInclusive,
	// endExclusive] — one snapshot ahead of the changelog range below.
	for id := beginInclusive + 1; id <= endExclusive; id++ {
		s, err := e.Snapshots.Snapshot(ctx, id)
		if err != nil {
			continue
		}
		entries, err := e.readManifestEntries(ctx, s.DeltaManifestList)
		if err != nil {
			continue
		}
		e.expireDataFiles(ctx, entries)
	}

	// Changelog files are recorded on the snapshot that produced them, so
	// their expiring range is [beginInclusive, endExclusive).
	for id := beginInclusive; id < endExclusive; id++ {
		s, err := e.Snapshots.Snapshot(ctx, id)
		if err != nil {
			continue
		}
		if s.ChangelogManifestList == "" {
			continue
		}
		entries, err := e.readManifestEntries(ctx, s.ChangelogManifestList)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			e.IO.DeleteQuietly(ctx, e.bucketPath(entry.Partition, entry.Bucket)+"/"+entry.File.FileName)
		}
	}

	exclusiveSnapshot, err := e.Snapshots.Snapshot(ctx, endExclusive)
	if err != nil {
		return err
	}
	inUse, err := exclusiveSnapshot.DataManifests(ctx, e.ManifestList)
	if err != nil {
		return err
	}
	manifestsInUse := make(map[string]bool, len(inUse))
	for _, m := range inUse {
		manifestsInUse[m.FileName] = true
	}
	deletedManifests := map[string]bool{}

	for id := beginInclusive; id < endExclusive; id++ {
		toExpire, err := e.Snapshots.Snapshot(ctx, id)
		if err != nil {
			continue
		}

		var toExpireManifests []manifest.ManifestFileMeta
		toExpireManifests = append(toExpireManifests, e.tryReadManifestList(ctx, toExpire.BaseManifestList)...)
		toExpireManifests = append(toExpireManifests, e.tryReadManifestList(ctx, toExpire.DeltaManifestList)...)
		for _, m := range toExpireManifests {
			if !manifestsInUse[m.FileName] && !deletedManifests[m.FileName] {
				e.ManifestFile.Delete(ctx, m.FileName)
				deletedManifests[m.FileName] = true
			}
		}
		if toExpire.ChangelogManifestList != "" {
			for _, m := range e.tryReadManifestList(ctx, toExpire.ChangelogManifestList) {
				e.ManifestFile.Delete(ctx, m.FileName)
			}
		}

		e.ManifestList.Delete(ctx, toExpire.BaseManifestList)
		e.ManifestList.Delete(ctx, toExpire.DeltaManifestList)
		if toExpire.ChangelogManifestList != "" {
			e.ManifestList.Delete(ctx, toExpire.ChangelogManifestList)
		}

		e.Snapshots.DeleteQuietly(ctx, id)
	}

	return e.writeEarliestHint(ctx, endExclusive)
}

func (e *Expire) tryReadManifestList(ctx context.Context, name string) []manifest.ManifestFileMeta {
	metas, err := e.ManifestList.Read(ctx, name)
	if err != nil {
		return nil
	}
	return metas
}

func (e *Expire) readManifestEntries(ctx context.Context, listName string) ([]manifest.ManifestEntry, error) {
	metas, err := e.ManifestList.Read(ctx, listName)
	if err != nil {
		return nil, err
	}
	var entries []manifest.ManifestEntry
	for _, m := range metas {
		es, err := e.ManifestFile.Read(ctx, m.FileName)
		if err != nil {
			continue // tolerate a manifest a previous crashed expiration already deleted
		}
		entries = append(entries, es...)
	}
	return entries, nil
}

// expireDataFiles applies ADD/DELETE reduction over one manifest-entry log
// and physically deletes files still marked for deletion at the end: a file
// that is DELETEd and then re-ADDed within the same log (a compaction
// upgrade) must survive.
func (e *Expire) expireDataFiles(ctx context.Context, entries []manifest.ManifestEntry) {
	type target struct {
		path  string
		extra []string
	}
	toDelete := map[string]target{}
	for _, entry := range entries {
		path := e.bucketPath(entry.Partition, entry.Bucket) + "/" + entry.File.FileName
		switch entry.Kind {
		case manifest.Add:
			delete(toDelete, path)
		case manifest.Delete:
			extraPaths := make([]string, len(entry.File.ExtraFiles))
			bucketDir := e.bucketPath(entry.Partition, entry.Bucket)
			for i, f := range entry.File.ExtraFiles {
				extraPaths[i] = bucketDir + "/" + f
			}
			toDelete[path] = target{path: path, extra: extraPaths}
		}
	}
	for _, t := range toDelete {
		e.IO.DeleteQuietly(ctx, t.path)
		for _, f := range t.extra {
			e.IO.DeleteQuietly(ctx, f)
		}
	}
}

func (e *Expire) writeEarliestHint(ctx context.Context, id int64) error {
	return e.lock().RunWithLock(ctx, func() error {
		return e.Snapshots.CommitEarliestHint(ctx, id)
	})
}
