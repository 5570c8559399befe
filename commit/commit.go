package commit

import (
	"context"
	"fmt"
	"time"

	"tablestore/errs"
	"tablestore/manifest"
	"tablestore/snapshot"
)

// FileStoreCommit is the optimistic-concurrency writer of spec.md §4.F: it
// turns a Committable into one new APPEND snapshot (and, when the
// committable carries compaction increments, a second COMPACT snapshot),
// or one OVERWRITE snapshot for Overwrite.
type FileStoreCommit struct {
	Snapshots    *snapshot.Manager
	ManifestFile *manifest.ManifestFile
	ManifestList *manifest.ManifestList
	Lock         Lock
	MaxRetries   int
}

// New constructs a FileStoreCommit. lock may be nil, in which case commits
// are unserialized (only correct when the underlying FileIO's Rename/create
// is already atomic).
func New(snapshots *snapshot.Manager, mf *manifest.ManifestFile, ml *manifest.ManifestList, lock Lock) *FileStoreCommit {
	if lock == nil {
		lock = NopLock{}
	}
	return &FileStoreCommit{Snapshots: snapshots, ManifestFile: mf, ManifestList: ml, Lock: lock, MaxRetries: 10}
}

// Commit installs the committable's increments as one APPEND snapshot, and,
// if any increment carries compaction output, a following COMPACT snapshot.
func (c *FileStoreCommit) Commit(ctx context.Context, committable Committable) error {
	if done, err := c.skipIfAlreadyCommitted(ctx, committable); err != nil || done {
		return err
	}

	if err := c.publish(ctx, committable, snapshot.Append, appendEntries(committable), nil); err != nil {
		return err
	}

	if hasAnyCompaction(committable) {
		return c.publish(ctx, committable, snapshot.Compact, compactEntries(committable), nil)
	}
	return nil
}

// Overwrite installs exactly one OVERWRITE snapshot: every currently live
// file whose partition satisfies matches is deleted, and the committable's
// new files are added, atomically in the same snapshot.
func (c *FileStoreCommit) Overwrite(ctx context.Context, matches func(partition []interface{}) bool, committable Committable) error {
	deletes, err := c.deletesForOverwrite(ctx, matches)
	if err != nil {
		return err
	}
	entries := append(deletes, appendEntries(committable)...)
	return c.publish(ctx, committable, snapshot.Overwrite, entries, nil)
}

// FilterCommitted returns the subset of identifiers NOT yet reflected in
// any snapshot committed by user, letting a recovering writer discard work
// already durable (spec.md §4.F idempotence, P2).
func (c *FileStoreCommit) FilterCommitted(ctx context.Context, user string, identifiers []int64) ([]int64, error) {
	pending := make(map[int64]bool, len(identifiers))
	for _, id := range identifiers {
		pending[id] = true
	}
	err := c.Snapshots.TraversalSnapshotsFromLatestSafely(ctx, func(s *snapshot.Snapshot) (bool, error) {
		if s.CommitUser == user {
			delete(pending, s.CommitIdentifier)
		}
		return len(pending) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(pending))
	for _, id := range identifiers {
		if pending[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (c *FileStoreCommit) skipIfAlreadyCommitted(ctx context.Context, committable Committable) (bool, error) {
	found := false
	err := c.Snapshots.TraversalSnapshotsFromLatestSafely(ctx, func(s *snapshot.Snapshot) (bool, error) {
		if alreadyCommitted(s, committable.CommitUser, committable.CommitIdentifier) {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// publish runs the optimistic-concurrency retry loop: build a delta
// manifest for entries, attempt to claim snapshot L+1 via a fail-closed
// create, and on conflict re-check compatibility against every intervening
// snapshot before retargeting and retrying.
func (c *FileStoreCommit) publish(ctx context.Context, committable Committable, kind snapshot.CommitKind, entries []manifest.ManifestEntry, changelog []manifest.ManifestEntry) error {
	deltaMetas, err := c.ManifestFile.Write(ctx, entries)
	if err != nil {
		return errs.New(errs.IOFatal, "commit.publish", err)
	}
	deltaListName, err := c.ManifestList.Write(ctx, deltaMetas)
	if err != nil {
		return errs.New(errs.IOFatal, "commit.publish", err)
	}

	var changelogListName string
	if len(changelog) > 0 {
		clMetas, err := c.ManifestFile.Write(ctx, changelog)
		if err != nil {
			return errs.New(errs.IOFatal, "commit.publish", err)
		}
		changelogListName, err = c.ManifestList.Write(ctx, clMetas)
		if err != nil {
			return errs.New(errs.IOFatal, "commit.publish", err)
		}
	}

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		latest, ok, err := c.Snapshots.LatestSnapshotID(ctx)
		if err != nil {
			return errs.New(errs.IOTransient, "commit.publish", err)
		}
		nextID := int64(0)
		if ok {
			nextID = latest + 1
		}
		baseListName, err := c.baseManifestList(ctx, latest, ok)
		if err != nil {
			return err
		}

		total, delta := recordCounts(committable)
		s := &snapshot.Snapshot{
			Version:               1,
			ID:                    nextID,
			SchemaID:              committable.SchemaID,
			CommitUser:            committable.CommitUser,
			CommitIdentifier:      committable.CommitIdentifier,
			CommitKind:            kind,
			BaseManifestList:      baseListName,
			DeltaManifestList:     deltaListName,
			ChangelogManifestList: changelogListName,
			TimeMillis:            time.Now().UnixMilli(),
			LogOffsets:            committable.LogOffsets,
			TotalRecordCount:      total,
			DeltaRecordCount:      delta,
			Watermark:             committable.Watermark,
		}

		var published bool
		err = c.Lock.RunWithLock(ctx, func() error {
			published, err = c.Snapshots.Commit(ctx, s)
			return err
		})
		if err != nil {
			return errs.New(errs.IOTransient, "commit.publish", err)
		}
		if published {
			_ = c.Snapshots.CommitLatestHint(ctx, nextID)
			return nil
		}

		// lost the race: check compatibility against every snapshot that
		// appeared between our intended id and the new latest.
		compatible, fatal, err := c.checkConflicts(ctx, nextID, committable, entries)
		if err != nil {
			return err
		}
		if fatal != nil {
			return fatal
		}
		if !compatible {
			return errs.New(errs.ConflictFatal, "commit.publish", fmt.Errorf("incompatible concurrent commit at snapshot %d", nextID))
		}
		// compatible: loop retargets to the new latest+1 on the next iteration.
	}

	return errs.New(errs.ConflictRetriable, "commit.publish", fmt.Errorf("exceeded %d conflict retries", c.MaxRetries))
}

// baseManifestList resolves the new snapshot's base: the prior latest
// snapshot's own base+delta, chained forward so every snapshot carries the
// full live ADD/DELETE history rather than just its own commit's files
// (manifest/list.go's Read comment: base is empty only for the first
// commit). A table with no prior snapshot keeps an empty base.
func (c *FileStoreCommit) baseManifestList(ctx context.Context, latestID int64, ok bool) (string, error) {
	if !ok {
		return "", nil
	}
	latestSnap, err := c.Snapshots.Snapshot(ctx, latestID)
	if err != nil {
		return "", errs.New(errs.IOTransient, "commit.publish", err)
	}
	metas, err := latestSnap.DataManifests(ctx, c.ManifestList)
	if err != nil {
		return "", errs.New(errs.IOTransient, "commit.publish", err)
	}
	if len(metas) == 0 {
		return "", nil
	}
	name, err := c.ManifestList.Write(ctx, metas)
	if err != nil {
		return "", errs.New(errs.IOFatal, "commit.publish", err)
	}
	return name, nil
}

// checkConflicts re-reads every snapshot from the one we lost the race for
// up to the current latest, applying spec.md §4.F's compatibility rules.
func (c *FileStoreCommit) checkConflicts(ctx context.Context, from int64, committable Committable, ourEntries []manifest.ManifestEntry) (compatible bool, fatal error, err error) {
	latest, ok, err := c.Snapshots.LatestSnapshotID(ctx)
	if err != nil || !ok {
		return false, nil, err
	}

	ourDeletes := map[string]bool{}
	ourAdds := map[string]bool{} // keyed by "partition|bucket" for the overlap check
	for _, e := range ourEntries {
		if e.Kind == manifest.Delete {
			ourDeletes[e.File.FileName] = true
		} else {
			ourAdds[fmt.Sprintf("%v|%d", e.Partition, e.Bucket)] = true
		}
	}

	for id := from; id <= latest; id++ {
		s, err := c.Snapshots.Snapshot(ctx, id)
		if err != nil {
			continue // expired mid-check; treat as not-in-conflict
		}
		if s.SchemaID != committable.SchemaID {
			return false, errs.New(errs.SchemaMismatch, "commit.checkConflicts",
				fmt.Errorf("schema %d no longer current (snapshot %d used schema %d)", committable.SchemaID, id, s.SchemaID)), nil
		}

		delta, err := c.ManifestList.Read(ctx, s.DeltaManifestList)
		if err != nil {
			return false, nil, errs.New(errs.IOTransient, "commit.checkConflicts", err)
		}
		for _, meta := range delta {
			theirEntries, err := c.ManifestFile.Read(ctx, meta.FileName)
			if err != nil {
				return false, nil, errs.New(errs.IOTransient, "commit.checkConflicts", err)
			}
			for _, e := range theirEntries {
				if e.Kind == manifest.Delete && ourDeletes[e.File.FileName] {
					return false, errs.New(errs.ConflictFatal, "commit.checkConflicts",
						fmt.Errorf("file %s deleted by both concurrent commits", e.File.FileName)), nil
				}
				if e.Kind == manifest.Add {
					key := fmt.Sprintf("%v|%d", e.Partition, e.Bucket)
					if ourAdds[key] && (s.CommitKind == snapshot.Overwrite) {
						return false, errs.New(errs.ConflictFatal, "commit.checkConflicts",
							fmt.Errorf("overwrite collision on bucket %d", e.Bucket)), nil
					}
				}
			}
		}
	}
	return true, nil, nil
}

func (c *FileStoreCommit) deletesForOverwrite(ctx context.Context, matches func([]interface{}) bool) ([]manifest.ManifestEntry, error) {
	latest, ok, err := c.Snapshots.LatestSnapshotID(ctx)
	if err != nil || !ok {
		return nil, err
	}
	s, err := c.Snapshots.Snapshot(ctx, latest)
	if err != nil {
		return nil, errs.New(errs.IOTransient, "commit.deletesForOverwrite", err)
	}

	live := map[string]manifest.ManifestEntry{}
	applyList := func(listName string) error {
		metas, err := c.ManifestList.Read(ctx, listName)
		if err != nil {
			return err
		}
		for _, meta := range metas {
			entries, err := c.ManifestFile.Read(ctx, meta.FileName)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.Kind == manifest.Add {
					live[e.File.FileName] = e
				} else {
					delete(live, e.File.FileName)
				}
			}
		}
		return nil
	}
	if err := applyList(s.BaseManifestList); err != nil {
		return nil, errs.New(errs.IOTransient, "commit.deletesForOverwrite", err)
	}
	if err := applyList(s.DeltaManifestList); err != nil {
		return nil, errs.New(errs.IOTransient, "commit.deletesForOverwrite", err)
	}

	var deletes []manifest.ManifestEntry
	for _, e := range live {
		if matches(e.Partition) {
			deletes = append(deletes, manifest.ManifestEntry{
				Kind: manifest.Delete, Partition: e.Partition, Bucket: e.Bucket,
				TotalBuckets: e.TotalBuckets, File: e.File,
			})
		}
	}
	return deletes, nil
}

func recordCounts(c Committable) (total, delta int64) {
	for _, inc := range c.Increments {
		t, d := inc.recordCounts()
		total += t
		delta += d
	}
	return
}
