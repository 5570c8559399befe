package manifest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"tablestore/errs"
	"tablestore/fileio"
)

// ManifestFile reads and writes manifest/manifest-<uuid> files: bounded
// groups of ManifestEntry records. The metadata plane is JSON-encoded
// uniformly (schema, snapshot, manifest, manifest list all self-describing
// JSON); the pluggable FileFormat capability (package format) applies to
// table DATA files only.
type ManifestFile struct {
	io             fileio.FileIO
	root           string
	targetFileSize int64
}

// NewManifestFile constructs a ManifestFile rooted at a table directory.
func NewManifestFile(io_ fileio.FileIO, tableRoot string, targetFileSize int64) *ManifestFile {
	if targetFileSize <= 0 {
		targetFileSize = 8 << 20
	}
	return &ManifestFile{io: io_, root: tableRoot, targetFileSize: targetFileSize}
}

func (m *ManifestFile) dir() string { return m.root + "/manifest" }

func (m *ManifestFile) path(name string) string { return m.dir() + "/" + name }

// Write splits entries into one or more manifest files bounded by
// manifest.target-file-size, returning their ManifestFileMeta summaries in
// write order.
func (m *ManifestFile) Write(ctx context.Context, entries []ManifestEntry) ([]ManifestFileMeta, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var out []ManifestFileMeta
	var batch []ManifestEntry
	var batchSize int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		meta, err := m.writeOne(ctx, batch)
		if err != nil {
			return err
		}
		out = append(out, meta)
		batch = nil
		batchSize = 0
		return nil
	}

	for _, e := range entries {
		sz := estimateSize(e)
		if batchSize+sz > m.targetFileSize && len(batch) > 0 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		batch = append(batch, e)
		batchSize += sz
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *ManifestFile) writeOne(ctx context.Context, entries []ManifestEntry) (ManifestFileMeta, error) {
	name := "manifest-" + uuid.NewString()
	data, err := json.Marshal(entries)
	if err != nil {
		return ManifestFileMeta{}, fmt.Errorf("marshaling manifest %s: %w", name, err)
	}
	if err := fileio.WriteAll(ctx, m.io, m.path(name), data, false); err != nil {
		return ManifestFileMeta{}, fmt.Errorf("writing manifest %s: %w", name, err)
	}

	var added, deleted int64
	stats := map[int]FieldStats{}
	for _, e := range entries {
		if e.Kind == Add {
			added++
		} else {
			deleted++
		}
		mergePartitionStats(stats, e.Partition)
	}

	return ManifestFileMeta{
		FileName:        name,
		FileSize:        int64(len(data)),
		NumAddedFiles:   added,
		NumDeletedFiles: deleted,
		PartitionStats:  stats,
	}, nil
}

func mergePartitionStats(stats map[int]FieldStats, partition []interface{}) {
	for i, v := range partition {
		s, ok := stats[i]
		if !ok {
			stats[i] = FieldStats{Min: v, Max: v}
			continue
		}
		if lessValue(v, s.Min) {
			s.Min = v
		}
		if lessValue(s.Max, v) {
			s.Max = v
		}
		stats[i] = s
	}
}

func estimateSize(e ManifestEntry) int64 {
	b, err := json.Marshal(e)
	if err != nil {
		return 256
	}
	return int64(len(b))
}

// Read decodes one manifest file's entries.
func (m *ManifestFile) Read(ctx context.Context, name string) ([]ManifestEntry, error) {
	var data []byte
	err := errs.Retry(ctx, func() error {
		d, err := fileio.ReadAll(ctx, m.io, m.path(name))
		if err != nil {
			return errs.New(errs.IOTransient, "manifest.ManifestFile.Read", err)
		}
		data = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", name, err)
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", name, err)
	}
	return entries, nil
}

// Delete removes a manifest file, tolerating it already being gone (a
// concurrent expirer may have deleted it first).
func (m *ManifestFile) Delete(ctx context.Context, name string) {
	m.io.DeleteQuietly(ctx, m.path(name))
}

// Merge compacts many small manifests into fewer, larger ones: it reads
// them in order, cancels ADD+DELETE pairs for the same file name, and
// re-emits the survivors via Write. Manifests are merged only when there
// are at least minCountToMerge of them.
func (m *ManifestFile) Merge(ctx context.Context, metas []ManifestFileMeta, minCountToMerge int, targetSize int64) ([]ManifestFileMeta, error) {
	if len(metas) < minCountToMerge {
		return metas, nil
	}

	// last-write-wins per file name preserves ADD/DELETE ordering across
	// manifests the way applying entries in list order does for a snapshot.
	order := make([]string, 0)
	byName := make(map[string]ManifestEntry)
	for _, meta := range metas {
		entries, err := m.Read(ctx, meta.FileName)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			key := e.File.FileName
			if _, seen := byName[key]; !seen {
				order = append(order, key)
			}
			byName[key] = e
		}
	}

	survivors := make([]ManifestEntry, 0, len(order))
	for _, name := range order {
		e := byName[name]
		if e.Kind == Delete {
			continue
		}
		survivors = append(survivors, e)
	}

	oldTargetSize := m.targetFileSize
	if targetSize > 0 {
		m.targetFileSize = targetSize
	}
	newMetas, err := m.Write(ctx, survivors)
	m.targetFileSize = oldTargetSize
	if err != nil {
		return nil, err
	}

	for _, meta := range metas {
		m.Delete(ctx, meta.FileName)
	}
	return newMetas, nil
}
