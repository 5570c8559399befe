// Package manifest implements the manifest layer of spec.md §4.D: manifest
// entries (ADD/DELETE of data files), manifest files (bounded groups of
// entries), and manifest lists (the ordered sequence of manifests that
// composes one snapshot's diff).
package manifest

// FieldStats is the per-column statistics tuple carried in a DataFileMeta's
// key/value stats, used for filter pushdown during scan planning.
type FieldStats struct {
	Min       interface{} `json:"min"`
	Max       interface{} `json:"max"`
	NullCount int64       `json:"nullCount"`
}

// DataFileMeta describes one immutable columnar data file.
type DataFileMeta struct {
	FileName           string               `json:"fileName"`
	FileSize            int64               `json:"fileSize"`
	RowCount             int64              `json:"rowCount"`
	MinKey               []interface{}      `json:"minKey,omitempty"`
	MaxKey               []interface{}      `json:"maxKey,omitempty"`
	KeyStats             map[int]FieldStats `json:"keyStats,omitempty"`
	ValueStats           map[int]FieldStats `json:"valueStats,omitempty"`
	MinSequenceNumber    int64              `json:"minSequenceNumber"`
	MaxSequenceNumber    int64              `json:"maxSequenceNumber"`
	SchemaID             int64              `json:"schemaId"`
	Level                int                `json:"level"`
	ExtraFiles           []string           `json:"extraFiles,omitempty"`
	CreationTime         int64              `json:"creationTime"`
}

// GetMaxSequenceNumber returns 1 plus the highest MaxSequenceNumber across
// files, or 0 if files is empty — the sequence number a restored writer
// should resume from (spec.md §4.I "Restart").
func GetMaxSequenceNumber(files []DataFileMeta) int64 {
	var max int64 = -1
	for _, f := range files {
		if f.MaxSequenceNumber > max {
			max = f.MaxSequenceNumber
		}
	}
	return max + 1
}

// EntryKind tags a ManifestEntry as adding or removing a data file from the
// table's logical state.
type EntryKind int8

const (
	Add EntryKind = iota
	Delete
)

func (k EntryKind) String() string {
	if k == Add {
		return "ADD"
	}
	return "DELETE"
}

// ManifestEntry records one file's addition or removal within a bucket.
type ManifestEntry struct {
	Kind         EntryKind      `json:"kind"`
	Partition    []interface{}  `json:"partition"`
	Bucket       int            `json:"bucket"`
	TotalBuckets int            `json:"totalBuckets"`
	File         DataFileMeta   `json:"file"`
}

// ManifestFileMeta is one entry of a manifest list: a pointer to a manifest
// file plus the summary statistics scan planning needs without opening it.
type ManifestFileMeta struct {
	FileName        string                `json:"fileName"`
	FileSize        int64                 `json:"fileSize"`
	NumAddedFiles   int64                 `json:"numAddedFiles"`
	NumDeletedFiles int64                 `json:"numDeletedFiles"`
	PartitionStats  map[int]FieldStats    `json:"partitionStats,omitempty"`
}
