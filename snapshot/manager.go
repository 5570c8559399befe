package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"tablestore/errs"
	"tablestore/fileio"
)

// Hint file names, written at the root of the snapshot directory to let
// readers find the latest/earliest snapshot without a directory listing —
// an advisory fast path, never authoritative: any reader must fall back to
// listing snapshot-* files if the hint is missing or stale.
const (
	Earliest = "EARLIEST"
	Latest   = "LATEST"
)

// Manager is the SnapshotManager of spec.md §4.E: it owns the
// snapshot/snapshot-<id> files and their EARLIEST/LATEST hints.
type Manager struct {
	io   fileio.FileIO
	root string
	sf   singleflight.Group
}

// NewManager constructs a Manager rooted at a table directory.
func NewManager(io_ fileio.FileIO, tableRoot string) *Manager {
	return &Manager{io: io_, root: tableRoot}
}

func (m *Manager) dir() string { return m.root + "/snapshot" }

func (m *Manager) path(id int64) string {
	return m.dir() + "/snapshot-" + strconv.FormatInt(id, 10)
}

func (m *Manager) hintPath(name string) string { return m.dir() + "/" + name }

// SnapshotExists reports whether snapshot-<id> is present.
func (m *Manager) SnapshotExists(ctx context.Context, id int64) (bool, error) {
	return m.io.Exists(ctx, m.path(id))
}

// Snapshot reads and decodes snapshot-<id>.
func (m *Manager) Snapshot(ctx context.Context, id int64) (*Snapshot, error) {
	var data []byte
	err := errs.Retry(ctx, func() error {
		d, err := fileio.ReadAll(ctx, m.io, m.path(id))
		if err != nil {
			return errs.New(errs.IOTransient, "snapshot.Manager.Snapshot", err)
		}
		data = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %d: %w", id, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot %d: %w", id, err)
	}
	return &s, nil
}

// Commit writes snapshot-<id>, failing closed if it already exists — the
// caller (commit.FileStoreCommit) relies on this to detect a lost race
// against a concurrent committer claiming the same id.
func (m *Manager) Commit(ctx context.Context, s *Snapshot) (bool, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("marshaling snapshot %d: %w", s.ID, err)
	}
	return tryCreate(ctx, m.io, m.path(s.ID), data)
}

func tryCreate(ctx context.Context, io_ fileio.FileIO, path string, data []byte) (bool, error) {
	exists, err := io_.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	w, err := io_.Create(ctx, path, false)
	if err != nil {
		// lost the race to a concurrent creator; not an error.
		return false, nil
	}
	defer w.Close()
	if _, err := w.Write(data); err != nil {
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	return true, nil
}

// DeleteQuietly removes snapshot-<id>, tolerating it already being gone (a
// previous crashed Expire may have removed it first).
func (m *Manager) DeleteQuietly(ctx context.Context, id int64) {
	m.io.DeleteQuietly(ctx, m.path(id))
}

// ListSnapshotIDs lists and parses every snapshot-<id> file present,
// ascending. Used as the authoritative fallback when hints are absent or
// untrustworthy.
func (m *Manager) ListSnapshotIDs(ctx context.Context) ([]int64, error) {
	statuses, err := m.io.ListStatus(ctx, m.dir())
	if err != nil {
		return nil, nil // directory not yet created: no snapshots
	}
	var ids []int64
	for _, st := range statuses {
		name := lastSegment(st.Path)
		if !strings.HasPrefix(name, "snapshot-") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(name, "snapshot-"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// readHint reads an EARLIEST/LATEST hint file, returning (0, false, nil) if
// absent — hints are advisory and their absence is never an error.
func (m *Manager) readHint(ctx context.Context, name string) (int64, bool, error) {
	exists, err := m.io.Exists(ctx, m.hintPath(name))
	if err != nil || !exists {
		return 0, false, nil
	}
	data, err := fileio.ReadAll(ctx, m.io, m.hintPath(name))
	if err != nil {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return id, true, nil
}

// writeHint overwrites an EARLIEST/LATEST hint file. Hints are advisory, so
// unlike snapshot commits this is a normal overwrite, not a fail-closed
// create.
func (m *Manager) writeHint(ctx context.Context, name string, id int64) error {
	path := m.hintPath(name)
	w, err := m.io.Create(ctx, path, true)
	if err != nil {
		return fmt.Errorf("writing hint %s: %w", name, err)
	}
	defer w.Close()
	_, err = w.Write([]byte(strconv.FormatInt(id, 10)))
	return err
}

// CommitLatestHint records id as the LATEST hint.
func (m *Manager) CommitLatestHint(ctx context.Context, id int64) error {
	return m.writeHint(ctx, Latest, id)
}

// CommitEarliestHint records id as the EARLIEST hint.
func (m *Manager) CommitEarliestHint(ctx context.Context, id int64) error {
	return m.writeHint(ctx, Earliest, id)
}

// LatestSnapshotID returns the id of the most recent snapshot, preferring
// the LATEST hint but verifying it still points at an existing snapshot
// file (the hint can lag an Expire that ran after it was written) before
// falling back to a full directory listing. Concurrent callers collapse
// onto a single directory listing via singleflight.
func (m *Manager) LatestSnapshotID(ctx context.Context) (int64, bool, error) {
	if id, ok, _ := m.readHint(ctx, Latest); ok {
		if exists, err := m.SnapshotExists(ctx, id); err == nil && exists {
			return id, true, nil
		}
	}

	v, err, _ := m.sf.Do(m.root+":latest", func() (interface{}, error) {
		ids, err := m.ListSnapshotIDs(ctx)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return int64(-1), nil
		}
		return ids[len(ids)-1], nil
	})
	if err != nil {
		return 0, false, err
	}
	id := v.(int64)
	if id < 0 {
		return 0, false, nil
	}
	return id, true, nil
}

// EarliestSnapshotID returns the id of the oldest retained snapshot,
// mirroring LatestSnapshotID's hint-then-listing strategy.
func (m *Manager) EarliestSnapshotID(ctx context.Context) (int64, bool, error) {
	if id, ok, _ := m.readHint(ctx, Earliest); ok {
		if exists, err := m.SnapshotExists(ctx, id); err == nil && exists {
			return id, true, nil
		}
	}

	v, err, _ := m.sf.Do(m.root+":earliest", func() (interface{}, error) {
		ids, err := m.ListSnapshotIDs(ctx)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return int64(-1), nil
		}
		return ids[0], nil
	})
	if err != nil {
		return 0, false, err
	}
	id := v.(int64)
	if id < 0 {
		return 0, false, nil
	}
	return id, true, nil
}

// TraversalSnapshotsFromLatestSafely walks snapshots from latest back to
// earliest, calling visit on each. It tolerates a snapshot file
// disappearing mid-walk (a concurrent Expire raced past it) by stopping the
// walk rather than erroring, mirroring the "safely" contract used by
// Expire and PartitionExpire when scanning in-use files.
func (m *Manager) TraversalSnapshotsFromLatestSafely(ctx context.Context, visit func(*Snapshot) (bool, error)) error {
	latest, ok, err := m.LatestSnapshotID(ctx)
	if err != nil || !ok {
		return err
	}
	earliest, ok, err := m.EarliestSnapshotID(ctx)
	if err != nil || !ok {
		return err
	}
	for id := latest; id >= earliest; id-- {
		s, err := m.Snapshot(ctx, id)
		if err != nil {
			// snapshot expired out from under us mid-walk; stop rather
			// than fail, the caller has already seen everything live.
			break
		}
		cont, err := visit(s)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}
