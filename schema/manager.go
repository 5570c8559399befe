package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tablestore/fileio"
	"tablestore/types"
)

// Manager is the append-only store of schema/schema-<id> files for one
// table, mirroring the teacher's Manager shape (an in-memory cache guarded
// by a mutex, backed by an external source of truth) but keyed by schema
// id against the table directory instead of by Postgres relation id.
type Manager struct {
	io       fileio.FileIO
	root     string // table root directory
	mu       sync.RWMutex
	cache    map[int64]*Schema
	latestID int64
	hasLatest bool
}

// NewManager constructs a Manager rooted at a table directory.
func NewManager(io_ fileio.FileIO, tableRoot string) *Manager {
	return &Manager{io: io_, root: tableRoot, cache: make(map[int64]*Schema)}
}

func (m *Manager) schemaDir() string  { return m.root + "/schema" }
func (m *Manager) schemaPath(id int64) string {
	return fmt.Sprintf("%s/schema-%d", m.schemaDir(), id)
}

// CreateTable writes schema 0 from a TableDef, assigning stable field IDs
// starting at 1 in declaration order.
func (m *Manager) CreateTable(ctx context.Context, def TableDef) (*Schema, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid table definition: %w", err)
	}

	fields := make([]types.Field, len(def.Fields))
	for i, f := range def.Fields {
		fields[i] = types.Field{
			ID:          i + 1,
			Name:        f.Name,
			Type:        f.Type,
			Nullable:    f.Nullable,
			Description: f.Description,
		}
	}

	s := &Schema{
		ID:             0,
		Fields:         fields,
		HighestFieldID: len(fields),
		PartitionKeys:  def.PartitionKeys,
		PrimaryKeys:    def.PrimaryKeys,
		Options:        def.Options,
		Comment:        def.Comment,
	}

	if err := m.write(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// CommitChanges applies changes in order to the latest schema, producing
// and persisting schema id+1.
func (m *Manager) CommitChanges(ctx context.Context, changes []SchemaChange) (*Schema, error) {
	latest, err := m.Latest(ctx)
	if err != nil {
		return nil, err
	}

	next := &Schema{
		ID:             latest.ID + 1,
		Fields:         append([]types.Field(nil), latest.Fields...),
		HighestFieldID: latest.HighestFieldID,
		PartitionKeys:  latest.PartitionKeys,
		PrimaryKeys:    latest.PrimaryKeys,
		Options:        latest.Options,
		Comment:        latest.Comment,
	}

	for _, ch := range changes {
		if err := applyChange(next, ch); err != nil {
			return nil, fmt.Errorf("applying schema change: %w", err)
		}
	}

	if err := m.write(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func applyChange(s *Schema, ch SchemaChange) error {
	switch ch.Kind {
	case AddColumn:
		s.HighestFieldID++
		s.Fields = append(s.Fields, types.Field{
			ID:          s.HighestFieldID,
			Name:        ch.FieldName,
			Type:        ch.NewType,
			Nullable:    ch.Nullable,
			Description: ch.Description,
		})
	case DropColumn:
		idx := -1
		for i, f := range s.Fields {
			if f.Name == ch.FieldName {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("column %q not found", ch.FieldName)
		}
		for _, pk := range s.PrimaryKeys {
			if pk == ch.FieldName {
				return fmt.Errorf("cannot drop primary key column %q", ch.FieldName)
			}
		}
		s.Fields = append(s.Fields[:idx], s.Fields[idx+1:]...)
	case RenameColumn:
		renamed := false
		for i := range s.Fields {
			if s.Fields[i].Name == ch.FieldName {
				s.Fields[i].Name = ch.NewName
				renamed = true
			}
		}
		if !renamed {
			return fmt.Errorf("column %q not found", ch.FieldName)
		}
		renameKeyList(s.PartitionKeys, ch.FieldName, ch.NewName)
		renameKeyList(s.PrimaryKeys, ch.FieldName, ch.NewName)
	case RetypeColumn:
		retyped := false
		for i := range s.Fields {
			if s.Fields[i].Name == ch.FieldName {
				s.Fields[i].Type = ch.NewType
				retyped = true
			}
		}
		if !retyped {
			return fmt.Errorf("column %q not found", ch.FieldName)
		}
	default:
		return fmt.Errorf("unknown schema change kind %d", ch.Kind)
	}
	return nil
}

func renameKeyList(keys []string, from, to string) {
	for i, k := range keys {
		if k == from {
			keys[i] = to
		}
	}
}

func (m *Manager) write(ctx context.Context, s *Schema) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling schema %d: %w", s.ID, err)
	}
	if err := fileio.WriteAll(ctx, m.io, m.schemaPath(s.ID), data, false); err != nil {
		return fmt.Errorf("writing schema %d: %w", s.ID, err)
	}
	m.mu.Lock()
	m.cache[s.ID] = s
	if !m.hasLatest || s.ID > m.latestID {
		m.latestID = s.ID
		m.hasLatest = true
	}
	m.mu.Unlock()
	return nil
}

// Schema returns the historical schema for the given id, reading through to
// the filesystem on cache miss.
func (m *Manager) Schema(ctx context.Context, id int64) (*Schema, error) {
	m.mu.RLock()
	if s, ok := m.cache[id]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	data, err := fileio.ReadAll(ctx, m.io, m.schemaPath(id))
	if err != nil {
		return nil, fmt.Errorf("reading schema %d: %w", id, err)
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding schema %d: %w", id, err)
	}

	m.mu.Lock()
	m.cache[id] = &s
	m.mu.Unlock()
	return &s, nil
}

// Latest returns the current (highest-id) schema.
func (m *Manager) Latest(ctx context.Context) (*Schema, error) {
	ids, err := m.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no schema versions exist for table at %s", m.root)
	}
	return m.Schema(ctx, ids[len(ids)-1])
}

// ListAll returns every schema id present, sorted ascending.
func (m *Manager) ListAll(ctx context.Context) ([]int64, error) {
	statuses, err := m.io.ListStatus(ctx, m.schemaDir())
	if err != nil {
		return nil, fmt.Errorf("listing schema directory: %w", err)
	}
	var ids []int64
	for _, st := range statuses {
		base := st.Path[strings.LastIndexByte(st.Path, '/')+1:]
		if !strings.HasPrefix(base, "schema-") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(base, "schema-"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
