// Package commit implements the optimistic-concurrency FileStoreCommit of
// spec.md §4.F: the conflict-resolving writer that turns a writer's
// Committable into one (or two) new snapshots.
package commit

import (
	"tablestore/manifest"
	"tablestore/snapshot"
)

// Increment is one bucket's pending change set, as produced by a
// MergeTreeWriter's prepareCommit (spec.md §4.I).
type Increment struct {
	Partition      []interface{}
	Bucket         int
	TotalBuckets   int
	NewFiles       []manifest.DataFileMeta
	CompactBefore  []manifest.DataFileMeta
	CompactAfter   []manifest.DataFileMeta
	ChangelogFiles []manifest.DataFileMeta
}

func (inc Increment) hasCompaction() bool {
	return len(inc.CompactBefore) > 0 || len(inc.CompactAfter) > 0
}

func (inc Increment) recordCounts() (total, delta int64) {
	for _, f := range inc.NewFiles {
		delta += f.RowCount
	}
	for _, f := range inc.CompactAfter {
		total += f.RowCount
	}
	return
}

// Committable summarizes one writer session's pending files, ready to
// submit to FileStoreCommit.Commit or .Overwrite.
type Committable struct {
	CommitUser       string
	CommitIdentifier int64
	SchemaID         int64
	Increments       []Increment
	Watermark        *int64
	LogOffsets       map[int]int64
}

func appendEntries(c Committable) []manifest.ManifestEntry {
	var entries []manifest.ManifestEntry
	for _, inc := range c.Increments {
		for _, f := range inc.NewFiles {
			entries = append(entries, manifest.ManifestEntry{
				Kind: manifest.Add, Partition: inc.Partition, Bucket: inc.Bucket,
				TotalBuckets: inc.TotalBuckets, File: f,
			})
		}
	}
	return entries
}

func compactEntries(c Committable) []manifest.ManifestEntry {
	var entries []manifest.ManifestEntry
	for _, inc := range c.Increments {
		for _, f := range inc.CompactBefore {
			entries = append(entries, manifest.ManifestEntry{
				Kind: manifest.Delete, Partition: inc.Partition, Bucket: inc.Bucket,
				TotalBuckets: inc.TotalBuckets, File: f,
			})
		}
		for _, f := range inc.CompactAfter {
			entries = append(entries, manifest.ManifestEntry{
				Kind: manifest.Add, Partition: inc.Partition, Bucket: inc.Bucket,
				TotalBuckets: inc.TotalBuckets, File: f,
			})
		}
	}
	return entries
}

func changelogEntries(c Committable) []manifest.ManifestEntry {
	var entries []manifest.ManifestEntry
	for _, inc := range c.Increments {
		for _, f := range inc.ChangelogFiles {
			entries = append(entries, manifest.ManifestEntry{
				Kind: manifest.Add, Partition: inc.Partition, Bucket: inc.Bucket,
				TotalBuckets: inc.TotalBuckets, File: f,
			})
		}
	}
	return entries
}

func hasAnyCompaction(c Committable) bool {
	for _, inc := range c.Increments {
		if inc.hasCompaction() {
			return true
		}
	}
	return false
}

// alreadyCommitted reports whether s records the same (commitUser,
// commitIdentifier) pair, implementing the idempotence half of spec.md §4.F
// and §4.I4.
func alreadyCommitted(s *snapshot.Snapshot, user string, identifier int64) bool {
	return s.CommitUser == user && s.CommitIdentifier == identifier
}
