package ingest

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/types"
)

func TestPostgresTypeToDataTypeMapsKnownOIDs(t *testing.T) {
	cases := []struct {
		oid  uint32
		want types.DataTypeID
	}{
		{pgtype.Int2OID, types.Int32},
		{pgtype.Int4OID, types.Int32},
		{pgtype.Int8OID, types.Int64},
		{pgtype.Float4OID, types.Float32},
		{pgtype.Float8OID, types.Float64},
		{pgtype.NumericOID, types.Float64},
		{pgtype.BoolOID, types.Boolean},
		{pgtype.DateOID, types.Date},
		{pgtype.TimestampOID, types.Timestamp},
		{pgtype.TimestamptzOID, types.Timestamp},
		{pgtype.ByteaOID, types.BinaryType},
		{pgtype.TextOID, types.StringType},
		{pgtype.VarcharOID, types.StringType},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, postgresTypeToDataType(c.oid).ID, "oid %d", c.oid)
	}
}

func TestPostgresTypeToDataTypeFallsBackToString(t *testing.T) {
	assert.Equal(t, types.StringType, postgresTypeToDataType(999999).ID)
}

func TestSourceSchemaTableDefBuildsFieldsInColumnOrder(t *testing.T) {
	s := &SourceSchema{
		Namespace: "public", Table: "orders",
		Columns: []SourceColumn{
			{Name: "id", TypeOID: pgtype.Int8OID},
			{Name: "amount", TypeOID: pgtype.Float8OID, Nullable: true},
		},
	}
	def := s.TableDef([]string{"id"}, []string{"id"})
	require.Len(t, def.Fields, 2)
	assert.Equal(t, "id", def.Fields[0].Name)
	assert.Equal(t, types.Int64, def.Fields[0].Type.ID)
	assert.Equal(t, "amount", def.Fields[1].Name)
	assert.True(t, def.Fields[1].Nullable)
	assert.Equal(t, []string{"id"}, def.PartitionKeys)
	assert.Equal(t, []string{"id"}, def.PrimaryKeys)
}

func TestSourceSchemaIndexOf(t *testing.T) {
	s := &SourceSchema{Columns: []SourceColumn{{Name: "id"}, {Name: "name"}}}
	assert.Equal(t, 0, s.IndexOf("id"))
	assert.Equal(t, 1, s.IndexOf("name"))
	assert.Equal(t, -1, s.IndexOf("missing"))
}

func TestSchemaCachePutAndGet(t *testing.T) {
	c := NewSchemaCache()
	_, ok := c.Get(7)
	assert.False(t, ok)

	s := &SourceSchema{Namespace: "public", Table: "orders"}
	c.Put(7, s)

	got, ok := c.Get(7)
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestDecodeColumnDecodesKnownOID(t *testing.T) {
	typeMap := pgtype.NewMap()
	v, err := decodeColumn(typeMap, []byte("42"), pgtype.Int4OID)
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
}

func TestDecodeColumnFallsBackToRawStringForUnknownOID(t *testing.T) {
	typeMap := pgtype.NewMap()
	v, err := decodeColumn(typeMap, []byte("raw"), 999999999)
	require.NoError(t, err)
	assert.Equal(t, "raw", v)
}
