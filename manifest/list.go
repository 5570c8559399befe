package manifest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"tablestore/errs"
	"tablestore/fileio"
)

// ManifestList reads and writes manifest/manifest-list-<uuid> files: the
// ordered sequence of ManifestFileMeta that composes one snapshot's diff
// (baseManifestList or deltaManifestList).
type ManifestList struct {
	io   fileio.FileIO
	root string
}

// NewManifestList constructs a ManifestList rooted at a table directory.
func NewManifestList(io_ fileio.FileIO, tableRoot string) *ManifestList {
	return &ManifestList{io: io_, root: tableRoot}
}

func (l *ManifestList) dir() string       { return l.root + "/manifest" }
func (l *ManifestList) path(name string) string { return l.dir() + "/" + name }

// Write persists metas as one manifest-list file and returns its name.
func (l *ManifestList) Write(ctx context.Context, metas []ManifestFileMeta) (string, error) {
	name := "manifest-list-" + uuid.NewString()
	data, err := json.Marshal(metas)
	if err != nil {
		return "", fmt.Errorf("marshaling manifest list %s: %w", name, err)
	}
	if err := fileio.WriteAll(ctx, l.io, l.path(name), data, false); err != nil {
		return "", fmt.Errorf("writing manifest list %s: %w", name, err)
	}
	return name, nil
}

// Read decodes one manifest-list file. An empty name reads as an empty
// list (a snapshot's baseManifestList may legitimately be empty for the
// first commit).
func (l *ManifestList) Read(ctx context.Context, name string) ([]ManifestFileMeta, error) {
	if name == "" {
		return nil, nil
	}
	var data []byte
	err := errs.Retry(ctx, func() error {
		d, err := fileio.ReadAll(ctx, l.io, l.path(name))
		if err != nil {
			return errs.New(errs.IOTransient, "manifest.ManifestList.Read", err)
		}
		data = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading manifest list %s: %w", name, err)
	}
	var metas []ManifestFileMeta
	if err := json.Unmarshal(data, &metas); err != nil {
		return nil, fmt.Errorf("decoding manifest list %s: %w", name, err)
	}
	return metas, nil
}

// Delete removes a manifest-list file, tolerating it already being gone.
func (l *ManifestList) Delete(ctx context.Context, name string) {
	if name == "" {
		return
	}
	l.io.DeleteQuietly(ctx, l.path(name))
}
