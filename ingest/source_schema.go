// Package ingest turns a Postgres logical-replication stream into records
// fed to a changelog-with-primary-key table.Write session: the CDC source
// half of SPEC_FULL.md's domain stack. It borrows the teacher's schema
// package wholesale in spirit — a relation-ID-keyed cache of introspected
// source schemas, filled once at startup and kept current from Relation
// messages on the wire — but maps every column to the storage engine's own
// types.DataType instead of an Iceberg field.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"tablestore/schema"
	"tablestore/types"
)

// SourceColumn is one column of a Postgres table, as introspected or as
// carried on a wire Relation message.
type SourceColumn struct {
	Name     string
	TypeOID  uint32
	Nullable bool
}

// SourceSchema is one Postgres table's column list, in wire/catalog order.
type SourceSchema struct {
	Namespace string
	Table     string
	Columns   []SourceColumn
}

// TableDef converts the source schema into a schema.TableDef the storage
// engine's schema.Manager can create a table from, using primaryKeys as the
// new table's primary key (Postgres does not report the source's primary
// key over logical replication without REPLICA IDENTITY FULL inspection,
// so the caller supplies it from its own table configuration).
func (s *SourceSchema) TableDef(partitionKeys, primaryKeys []string) schema.TableDef {
	fields := make([]schema.FieldDef, len(s.Columns))
	for i, c := range s.Columns {
		fields[i] = schema.FieldDef{
			Name:     c.Name,
			Type:     postgresTypeToDataType(c.TypeOID),
			Nullable: c.Nullable,
		}
	}
	return schema.TableDef{
		Fields:        fields,
		PartitionKeys: partitionKeys,
		PrimaryKeys:   primaryKeys,
	}
}

// IndexOf returns the position of a named column, or -1.
func (s *SourceSchema) IndexOf(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// SchemaCache maps Postgres relation IDs to their SourceSchema, refreshed
// from Relation messages as they arrive on the replication stream.
type SchemaCache struct {
	mu       sync.RWMutex
	byRelID  map[uint32]*SourceSchema
	byName   map[string]*SourceSchema
}

// NewSchemaCache constructs an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{
		byRelID: make(map[uint32]*SourceSchema),
		byName:  make(map[string]*SourceSchema),
	}
}

// Get returns the cached schema for a relation ID.
func (c *SchemaCache) Get(relationID uint32) (*SourceSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byRelID[relationID]
	return s, ok
}

// Put installs (or replaces) the schema for a relation ID, e.g. from a
// wire Relation message or from InitializeFromCatalog.
func (c *SchemaCache) Put(relationID uint32, s *SourceSchema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRelID[relationID] = s
	c.byName[s.Namespace+"."+s.Table] = s
}

// InitializeFromCatalog loads and caches the schema for one table ahead of
// the replication stream starting, the way the teacher's InitializeSchema
// primed its cache before Start.
func (c *SchemaCache) InitializeFromCatalog(ctx context.Context, conn *pgx.Conn, namespace, table string) (uint32, error) {
	s, err := querySourceSchema(ctx, conn, namespace, table)
	if err != nil {
		return 0, fmt.Errorf("ingest: introspecting %s.%s: %w", namespace, table, err)
	}

	var relationID uint32
	err = conn.QueryRow(ctx, `
		SELECT c.oid
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2
	`, namespace, table).Scan(&relationID)
	if err != nil {
		return 0, fmt.Errorf("ingest: resolving relation id for %s.%s: %w", namespace, table, err)
	}

	c.Put(relationID, s)
	return relationID, nil
}

// IntrospectSourceSchema opens a short-lived connection to dsn and
// introspects namespace.table, for callers (main) that need a
// SourceSchema once, ahead of opening a long-lived replication
// connection via Connect.
func IntrospectSourceSchema(ctx context.Context, dsn, namespace, table string) (*SourceSchema, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ingest: connecting for introspection: %w", err)
	}
	defer conn.Close(ctx)
	return querySourceSchema(ctx, conn, namespace, table)
}

// querySourceSchema introspects a table's columns via information_schema,
// the same join the teacher used against pg_catalog.pg_type for the type
// name.
func querySourceSchema(ctx context.Context, conn *pgx.Conn, namespace, table string) (*SourceSchema, error) {
	rows, err := conn.Query(ctx, `
		SELECT c.column_name, c.is_nullable, t.oid AS type_oid
		FROM information_schema.columns c
		JOIN pg_catalog.pg_type t ON c.udt_name = t.typname
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`, namespace, table)
	if err != nil {
		return nil, fmt.Errorf("querying columns: %w", err)
	}
	defer rows.Close()

	s := &SourceSchema{Namespace: namespace, Table: table}
	for rows.Next() {
		var col SourceColumn
		var nullable string
		if err := rows.Scan(&col.Name, &nullable, &col.TypeOID); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		col.Nullable = nullable == "YES"
		s.Columns = append(s.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	return s, nil
}

// postgresTypeToDataType maps a source OID to the engine's logical type,
// falling back to STRING for anything it doesn't specifically recognize
// (matching the teacher's postgresTypeToIceberg default).
func postgresTypeToDataType(oid uint32) types.DataType {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID:
		return types.DataType{ID: types.Int32}
	case pgtype.Int8OID:
		return types.DataType{ID: types.Int64}
	case pgtype.Float4OID:
		return types.DataType{ID: types.Float32}
	case pgtype.Float8OID, pgtype.NumericOID:
		return types.DataType{ID: types.Float64}
	case pgtype.BoolOID:
		return types.DataType{ID: types.Boolean}
	case pgtype.DateOID:
		return types.DataType{ID: types.Date}
	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return types.DataType{ID: types.Timestamp}
	case pgtype.ByteaOID:
		return types.DataType{ID: types.BinaryType}
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID:
		return types.DataType{ID: types.StringType}
	default:
		return types.DataType{ID: types.StringType}
	}
}
