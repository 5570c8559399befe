// Package systable exposes the read-only virtual tables of spec.md §6
// (`snapshots`, `schemas`, `options`, `audit_log`, `files`) as row slices
// built on each call from a table's metadata plane. Each table's row schema mirrors
// the one-field-per-column shape original_source/'s `table/system/
// SchemasTable.java` and its siblings describe; queryproxy hands these rows
// to DuckDB as an in-memory relation when a client selects from
// `"<table>$snapshots"` and friends.
package systable

import (
	"context"
	"encoding/json"
	"fmt"

	"tablestore/manifest"
	"tablestore/schema"
	"tablestore/table"
	"tablestore/types"
)

// Name enumerates the recognized system table identifiers.
type Name string

const (
	Snapshots Name = "snapshots"
	Schemas   Name = "schemas"
	Options   Name = "options"
	AuditLog  Name = "audit_log"
	Files     Name = "files"
)

// RowType returns the fixed column layout for one system table, the way
// original_source/'s SchemasTable.TABLE_TYPE constants do.
func RowType(name Name) types.RowType {
	switch name {
	case Snapshots:
		return types.RowType{Fields: []types.Field{
			{ID: 0, Name: "snapshot_id", Type: types.DataType{ID: types.Int64}},
			{ID: 1, Name: "schema_id", Type: types.DataType{ID: types.Int64}},
			{ID: 2, Name: "commit_user", Type: types.DataType{ID: types.StringType}},
			{ID: 3, Name: "commit_identifier", Type: types.DataType{ID: types.Int64}},
			{ID: 4, Name: "commit_kind", Type: types.DataType{ID: types.StringType}},
			{ID: 5, Name: "commit_time", Type: types.DataType{ID: types.Timestamp}},
			{ID: 6, Name: "total_record_count", Type: types.DataType{ID: types.Int64}},
			{ID: 7, Name: "delta_record_count", Type: types.DataType{ID: types.Int64}},
			{ID: 8, Name: "changelog_record_count", Type: types.DataType{ID: types.Int64}},
		}}
	case Schemas:
		return types.RowType{Fields: []types.Field{
			{ID: 0, Name: "schema_id", Type: types.DataType{ID: types.Int64}},
			{ID: 1, Name: "fields", Type: types.DataType{ID: types.StringType}},
			{ID: 2, Name: "partition_keys", Type: types.DataType{ID: types.StringType}},
			{ID: 3, Name: "primary_keys", Type: types.DataType{ID: types.StringType}},
			{ID: 4, Name: "options", Type: types.DataType{ID: types.StringType}},
			{ID: 5, Name: "comment", Type: types.DataType{ID: types.StringType}, Nullable: true},
		}}
	case Options:
		return types.RowType{Fields: []types.Field{
			{ID: 0, Name: "key", Type: types.DataType{ID: types.StringType}},
			{ID: 1, Name: "value", Type: types.DataType{ID: types.StringType}},
		}}
	case AuditLog:
		return types.RowType{Fields: []types.Field{
			{ID: 0, Name: "rowkind", Type: types.DataType{ID: types.StringType}},
		}}
	case Files:
		return types.RowType{Fields: []types.Field{
			{ID: 0, Name: "partition", Type: types.DataType{ID: types.StringType}},
			{ID: 1, Name: "bucket", Type: types.DataType{ID: types.Int32}},
			{ID: 2, Name: "file_path", Type: types.DataType{ID: types.StringType}},
			{ID: 3, Name: "file_size", Type: types.DataType{ID: types.Int64}},
			{ID: 4, Name: "row_count", Type: types.DataType{ID: types.Int64}},
			{ID: 5, Name: "level", Type: types.DataType{ID: types.Int32}},
			{ID: 6, Name: "min_sequence_number", Type: types.DataType{ID: types.Int64}},
			{ID: 7, Name: "max_sequence_number", Type: types.DataType{ID: types.Int64}},
			{ID: 8, Name: "schema_id", Type: types.DataType{ID: types.Int64}},
		}}
	default:
		return types.RowType{}
	}
}

// Rows materializes one system table's rows for t's current state. These
// tables are small (one row per snapshot/schema/file) so, unlike the main
// read path, there is no split/iterator abstraction — callers (queryproxy,
// tests) get a plain slice.
func Rows(ctx context.Context, t *table.Table, schemas *schema.Manager, name Name) ([]types.Row, error) {
	switch name {
	case Snapshots:
		return snapshotRows(ctx, t)
	case Schemas:
		return schemaRows(ctx, schemas)
	case Options:
		return optionRows(t)
	case AuditLog:
		return auditLogRows(ctx, t)
	case Files:
		return fileRows(ctx, t)
	default:
		return nil, fmt.Errorf("systable: unrecognized system table %q", name)
	}
}

func snapshotRows(ctx context.Context, t *table.Table) ([]types.Row, error) {
	ids, err := t.Snapshots.ListSnapshotIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("systable: listing snapshots: %w", err)
	}
	rows := make([]types.Row, 0, len(ids))
	for _, id := range ids {
		s, err := t.Snapshots.Snapshot(ctx, id)
		if err != nil {
			continue // tolerate a snapshot deleted mid-listing by a concurrent Expire
		}
		rows = append(rows, types.Row{Kind: types.Insert, Values: []interface{}{
			s.ID, s.SchemaID, s.CommitUser, s.CommitIdentifier, string(s.CommitKind),
			s.TimeMillis, s.TotalRecordCount, s.DeltaRecordCount, s.ChangelogRecordCount,
		}})
	}
	return rows, nil
}

func schemaRows(ctx context.Context, mgr *schema.Manager) ([]types.Row, error) {
	ids, err := mgr.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("systable: listing schemas: %w", err)
	}
	rows := make([]types.Row, 0, len(ids))
	for _, id := range ids {
		s, err := mgr.Schema(ctx, id)
		if err != nil {
			return nil, err
		}
		fieldsJSON, _ := json.Marshal(s.Fields)
		optsJSON, _ := json.Marshal(s.Options)
		rows = append(rows, types.Row{Kind: types.Insert, Values: []interface{}{
			s.ID, string(fieldsJSON), joinCSV(s.PartitionKeys), joinCSV(s.PrimaryKeys),
			string(optsJSON), s.Comment,
		}})
	}
	return rows, nil
}

func optionRows(t *table.Table) ([]types.Row, error) {
	data, _ := json.Marshal(t.Options)
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("systable: serializing options: %w", err)
	}
	rows := make([]types.Row, 0, len(m))
	for k, v := range m {
		rows = append(rows, types.Row{Kind: types.Insert, Values: []interface{}{k, string(v)}})
	}
	return rows, nil
}

// auditLogRows emits one "+I" row per live data file of the latest
// snapshot, a cheap proxy for the original's per-record changelog audit_log
// view. It does not decode any file, so it carries no record values and
// every row's kind is "+I"; decoding each data/changelog file through the
// FileFormat reader factory is the read path's job, not this table's.
func auditLogRows(ctx context.Context, t *table.Table) ([]types.Row, error) {
	id, ok, err := t.Snapshots.LatestSnapshotID(ctx)
	if err != nil || !ok {
		return nil, err
	}
	plan, err := t.Scan.Plan(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("systable: planning audit_log: %w", err)
	}
	var rows []types.Row
	for _, split := range plan.Splits {
		for range split.Files {
			rows = append(rows, types.Row{Kind: types.Insert, Values: []interface{}{"+I"}})
		}
	}
	return rows, nil
}

func fileRows(ctx context.Context, t *table.Table) ([]types.Row, error) {
	id, ok, err := t.Snapshots.LatestSnapshotID(ctx)
	if err != nil || !ok {
		return nil, err
	}
	plan, err := t.Scan.Plan(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("systable: planning files: %w", err)
	}
	var rows []types.Row
	for _, split := range plan.Splits {
		partition := fmt.Sprintf("%v", split.Partition)
		for _, f := range split.Files {
			rows = append(rows, fileRow(partition, split.Bucket, f))
		}
	}
	return rows, nil
}

func fileRow(partition string, bucket int, f manifest.DataFileMeta) types.Row {
	return types.Row{Kind: types.Insert, Values: []interface{}{
		partition, bucket, f.FileName, f.FileSize, f.RowCount, f.Level,
		f.MinSequenceNumber, f.MaxSequenceNumber, f.SchemaID,
	}}
}

func joinCSV(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
