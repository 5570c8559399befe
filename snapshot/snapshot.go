// Package snapshot implements the snapshot record and SnapshotManager of
// spec.md §4.E: the atomic unit of table state, its on-disk JSON
// representation, and the EARLIEST/LATEST advisory hint files.
package snapshot

import (
	"context"

	"tablestore/manifest"
)

// CommitKind determines the conflict semantics a commit's snapshot
// participates in (spec.md §4.F).
type CommitKind string

const (
	Append  CommitKind = "APPEND"
	Compact CommitKind = "COMPACT"
	Overwrite CommitKind = "OVERWRITE"
	Analyze CommitKind = "ANALYZE"
)

// Snapshot is the authoritative, self-describing record of one commit.
type Snapshot struct {
	Version               int               `json:"version"`
	ID                     int64            `json:"id"`
	SchemaID               int64            `json:"schemaId"`
	CommitUser             string           `json:"commitUser"`
	CommitIdentifier       int64            `json:"commitIdentifier"`
	CommitKind             CommitKind       `json:"commitKind"`
	BaseManifestList       string           `json:"baseManifestList"`
	DeltaManifestList      string           `json:"deltaManifestList"`
	ChangelogManifestList  string           `json:"changelogManifestList,omitempty"`
	TimeMillis             int64            `json:"timeMillis"`
	LogOffsets             map[int]int64    `json:"logOffsets,omitempty"`
	TotalRecordCount       int64            `json:"totalRecordCount"`
	DeltaRecordCount       int64            `json:"deltaRecordCount"`
	ChangelogRecordCount   int64            `json:"changelogRecordCount"`
	Watermark              *int64           `json:"watermark,omitempty"`
}

// DataManifests returns the combined base+delta manifest file metas this
// snapshot references, reading through the given ManifestList. Used by
// Expire to compute the set of manifests still "in use" by a retained
// snapshot.
func (s *Snapshot) DataManifests(ctx context.Context, list *manifest.ManifestList) ([]manifest.ManifestFileMeta, error) {
	base, err := list.Read(ctx, s.BaseManifestList)
	if err != nil {
		return nil, err
	}
	delta, err := list.Read(ctx, s.DeltaManifestList)
	if err != nil {
		return nil, err
	}
	return append(base, delta...), nil
}
