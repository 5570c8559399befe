package queryproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tablestore/types"
)

func TestDuckDBTypeMapsKnownIDs(t *testing.T) {
	cases := []struct {
		id   types.DataTypeID
		want string
	}{
		{types.Boolean, "BOOLEAN"},
		{types.Int32, "INTEGER"},
		{types.Int64, "BIGINT"},
		{types.Float32, "REAL"},
		{types.Float64, "DOUBLE"},
		{types.BinaryType, "BLOB"},
		{types.Date, "DATE"},
		{types.Timestamp, "TIMESTAMP"},
		{types.Decimal, "DOUBLE"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, duckDBType(c.id))
	}
	assert.Equal(t, "VARCHAR", duckDBType(types.StringType))
}

func TestQuoteIdentEscapesDoubleQuotes(t *testing.T) {
	assert.Equal(t, `"orders"`, quoteIdent("orders"))
	assert.Equal(t, `"a""b"`, quoteIdent(`a"b`))
}

func TestMapDataTypeToOIDMapsKnownNames(t *testing.T) {
	cases := map[string]uint32{
		"BOOLEAN":   16,
		"BIGINT":    20,
		"INTEGER":   23,
		"REAL":      700,
		"DOUBLE":    701,
		"DATE":      1082,
		"TIMESTAMP": 1114,
	}
	for name, oid := range cases {
		assert.Equal(t, oid, mapDataTypeToOID(name))
	}
	assert.Equal(t, uint32(25), mapDataTypeToOID("VARCHAR"), "unrecognized type names fall back to text OID")
}
