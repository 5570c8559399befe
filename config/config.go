// Package config loads and normalizes table and connector options, the same
// flat yaml-tagged struct style the teacher repo used for its Postgres/
// Iceberg/proxy settings, extended with the full LSM/merge-tree/retention
// option surface the storage engine exposes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MergeEngine selects how records sharing a primary key are combined.
type MergeEngine string

const (
	MergeDeduplicate   MergeEngine = "deduplicate"
	MergePartialUpdate MergeEngine = "partial-update"
	MergeAggregation   MergeEngine = "aggregation"
)

// ChangelogProducer selects how (if at all) a changelog stream is derived
// from merge-tree writes.
type ChangelogProducer string

const (
	ChangelogNone           ChangelogProducer = "none"
	ChangelogInput          ChangelogProducer = "input"
	ChangelogLookup         ChangelogProducer = "lookup"
	ChangelogFullCompaction ChangelogProducer = "full-compaction"
)

// ScanMode selects how a Scan or SnapshotEnumerator resolves its starting
// snapshot.
type ScanMode string

const (
	ScanDefault       ScanMode = "default"
	ScanLatestFull    ScanMode = "latest-full"
	ScanLatest        ScanMode = "latest"
	ScanCompactedFull ScanMode = "compacted-full"
	ScanFromTimestamp ScanMode = "from-timestamp"
	ScanFromSnapshot  ScanMode = "from-snapshot"
)

// TableOptions is the recognized table option surface of spec.md §6. Every
// field has a fixed default applied in Normalize.
type TableOptions struct {
	Bucket    int    `yaml:"bucket"`
	BucketKey string `yaml:"bucket-key"`

	FileFormat             string `yaml:"file.format"`
	ManifestFormat         string `yaml:"manifest.format"`
	ManifestTargetFileSize int64  `yaml:"manifest.target-file-size"`
	ManifestMergeMinCount  int    `yaml:"manifest.merge-min-count"`

	WriteBufferSize      int64 `yaml:"write-buffer-size"`
	PageSize             int64 `yaml:"page-size"`
	WriteBufferSpillable bool  `yaml:"write-buffer-spillable"`

	NumLevels                     int   `yaml:"num-levels"`
	NumSortedRunCompactionTrigger int   `yaml:"num-sorted-run.compaction-trigger"`
	NumSortedRunStopTrigger       int   `yaml:"num-sorted-run.stop-trigger"`
	TargetFileSize                int64 `yaml:"target-file-size"`
	SortSpillThreshold            int   `yaml:"sort-spill-threshold"`

	MaxSizeAmplificationPercent int `yaml:"compaction.max-size-amplification-percent"`
	SizeRatio                   int `yaml:"compaction.size-ratio"`

	MergeEngine               MergeEngine       `yaml:"merge-engine"`
	PartialUpdateIgnoreDelete bool              `yaml:"partial-update.ignore-delete"`
	FieldAggFunc              map[string]string `yaml:"fields-aggregate-function"`
	FieldIgnoreRetract        map[string]bool   `yaml:"fields-ignore-retract"`
	SequenceField             string            `yaml:"sequence.field"`

	ChangelogProducer           ChangelogProducer `yaml:"changelog-producer"`
	ChangelogCompactionInterval time.Duration     `yaml:"changelog-producer.compaction-interval"`

	SnapshotTimeRetained   time.Duration `yaml:"snapshot.time-retained"`
	SnapshotNumRetainedMin int           `yaml:"snapshot.num-retained.min"`
	SnapshotNumRetainedMax int           `yaml:"snapshot.num-retained.max"`

	PartitionExpirationTime          time.Duration `yaml:"partition.expiration-time"`
	PartitionExpirationCheckInterval time.Duration `yaml:"partition.expiration-check-interval"`
	PartitionTimestampPattern        string        `yaml:"partition.timestamp-pattern"`
	PartitionTimestampFormatter      string        `yaml:"partition.timestamp-formatter"`
	PartitionDefaultName             string        `yaml:"partition.default-name"`

	ScanMode                    ScanMode      `yaml:"scan.mode"`
	ScanTimestampMillis         int64         `yaml:"scan.timestamp-millis"`
	ScanSnapshotID               int64         `yaml:"scan.snapshot-id"`
	ContinuousDiscoveryInterval time.Duration `yaml:"continuous.discovery-interval"`

	WriteOnly bool `yaml:"write-only"`

	CommitForceCompact bool `yaml:"commit-force-compact"`
}

// Normalize fills zero-valued fields with the engine's fixed defaults.
func (o *TableOptions) Normalize() {
	if o.Bucket == 0 {
		o.Bucket = 1
	}
	if o.FileFormat == "" {
		o.FileFormat = "parquet"
	}
	if o.ManifestFormat == "" {
		o.ManifestFormat = "parquet"
	}
	if o.ManifestTargetFileSize == 0 {
		o.ManifestTargetFileSize = 8 << 20
	}
	if o.ManifestMergeMinCount == 0 {
		o.ManifestMergeMinCount = 30
	}
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = 64 << 20
	}
	if o.PageSize == 0 {
		o.PageSize = 64 << 10
	}
	if o.NumLevels == 0 {
		o.NumLevels = 3
	}
	if o.NumSortedRunCompactionTrigger == 0 {
		o.NumSortedRunCompactionTrigger = 5
	}
	if o.NumSortedRunStopTrigger == 0 {
		o.NumSortedRunStopTrigger = o.NumSortedRunCompactionTrigger + 3
	}
	if o.TargetFileSize == 0 {
		o.TargetFileSize = 128 << 20
	}
	if o.SortSpillThreshold == 0 {
		o.SortSpillThreshold = 10
	}
	if o.MaxSizeAmplificationPercent == 0 {
		o.MaxSizeAmplificationPercent = 200
	}
	if o.SizeRatio == 0 {
		o.SizeRatio = 1
	}
	if o.MergeEngine == "" {
		o.MergeEngine = MergeDeduplicate
	}
	if o.ChangelogProducer == "" {
		o.ChangelogProducer = ChangelogNone
	}
	if o.SnapshotTimeRetained == 0 {
		o.SnapshotTimeRetained = time.Hour
	}
	if o.SnapshotNumRetainedMin == 0 {
		o.SnapshotNumRetainedMin = 10
	}
	if o.SnapshotNumRetainedMax == 0 {
		o.SnapshotNumRetainedMax = 2147483647
	}
	if o.PartitionExpirationCheckInterval == 0 {
		o.PartitionExpirationCheckInterval = time.Hour
	}
	if o.PartitionDefaultName == "" {
		o.PartitionDefaultName = "__DEFAULT_PARTITION__"
	}
	if o.ScanMode == "" {
		o.ScanMode = ScanDefault
	}
	if o.ContinuousDiscoveryInterval == 0 {
		o.ContinuousDiscoveryInterval = 10 * time.Second
	}
}

// Validate rejects option combinations the engine cannot honor, returning an
// error naming the offending key (see package errs for the CONFIG_INVALID
// kind callers should wrap this in at construction boundaries).
func (o *TableOptions) Validate() error {
	if o.NumSortedRunStopTrigger < o.NumSortedRunCompactionTrigger {
		return fmt.Errorf("num-sorted-run.stop-trigger (%d) must be >= num-sorted-run.compaction-trigger (%d)",
			o.NumSortedRunStopTrigger, o.NumSortedRunCompactionTrigger)
	}
	if o.Bucket < 1 {
		return fmt.Errorf("bucket must be >= 1, got %d", o.Bucket)
	}
	switch o.MergeEngine {
	case MergeDeduplicate, MergePartialUpdate, MergeAggregation:
	default:
		return fmt.Errorf("unrecognized merge-engine: %q", o.MergeEngine)
	}
	switch o.ChangelogProducer {
	case ChangelogNone, ChangelogInput, ChangelogLookup, ChangelogFullCompaction:
	default:
		return fmt.Errorf("unrecognized changelog-producer: %q", o.ChangelogProducer)
	}
	return nil
}

// Postgres holds connection settings for the CDC ingest source (package
// ingest), kept in the same shape teacher's config.Config.Postgres used.
type Postgres struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	Slot        string `yaml:"slot"`
	Publication string `yaml:"publication"`
}

// TableRef names one source table to replicate into a lakehouse table.
// PrimaryKey/PartitionKeys are consulted only the first time the table is
// introduced (schema 0, package schema's CreateTable) — once a schema
// exists on disk it is authoritative and these fields are ignored.
type TableRef struct {
	Schema        string       `yaml:"schema"`
	Name          string       `yaml:"name"`
	PrimaryKey    string       `yaml:"primary-key"`
	PartitionKeys string       `yaml:"partition-keys"`
	Options       TableOptions `yaml:"options"`
}

// SplitCSV splits a comma-separated option value into its fields, skipping
// empties — the shape spec.md §6 uses for bucket-key, primary-key, and
// partition-keys alike.
func SplitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// QueryProxy settings for the DuckDB-backed ad hoc SQL surface.
type QueryProxy struct {
	Port int `yaml:"port"`
}

// Config is the top-level connector configuration.
type Config struct {
	Postgres Postgres   `yaml:"postgres"`
	Tables   []TableRef `yaml:"tables"`

	Warehouse struct {
		Path string `yaml:"path"`
	} `yaml:"warehouse"`

	Proxy QueryProxy `yaml:"proxy"`
}

// Load reads and decodes a YAML config file, normalizing every table's
// options in place.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	for i := range cfg.Tables {
		cfg.Tables[i].Options.Normalize()
		if err := cfg.Tables[i].Options.Validate(); err != nil {
			return nil, fmt.Errorf("table %s.%s options: %w", cfg.Tables[i].Schema, cfg.Tables[i].Name, err)
		}
	}

	return &cfg, nil
}
