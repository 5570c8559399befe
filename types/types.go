// Package types defines the logical row type system shared by the schema,
// format, manifest and merge-tree layers: data types, row kinds, and the
// in-memory Row representation records are carried in between those layers.
package types

import "fmt"

// DataTypeID enumerates the logical column types the engine understands.
// Concrete FileFormat implementations (package format) map these to their
// own physical encodings.
type DataTypeID int

const (
	Unknown DataTypeID = iota
	Boolean
	Int32
	Int64
	Float32
	Float64
	StringType
	BinaryType
	Date
	Timestamp
	Decimal
)

func (d DataTypeID) String() string {
	switch d {
	case Boolean:
		return "BOOLEAN"
	case Int32:
		return "INT"
	case Int64:
		return "BIGINT"
	case Float32:
		return "FLOAT"
	case Float64:
		return "DOUBLE"
	case StringType:
		return "STRING"
	case BinaryType:
		return "BINARY"
	case Date:
		return "DATE"
	case Timestamp:
		return "TIMESTAMP"
	case Decimal:
		return "DECIMAL"
	default:
		return "UNKNOWN"
	}
}

// DataType is a column's logical type, optionally parameterized (decimal
// precision/scale).
type DataType struct {
	ID        DataTypeID
	Precision int
	Scale     int
}

// RowKind tags a record with its changelog semantics, mirroring the four
// kinds a merge-engine pipeline must distinguish between.
type RowKind int8

const (
	// Insert is a brand-new row.
	Insert RowKind = iota
	// UpdateBefore is the pre-image of an update (retraction).
	UpdateBefore
	// UpdateAfter is the post-image of an update.
	UpdateAfter
	// Delete retracts a previously emitted row.
	Delete
)

func (k RowKind) String() string {
	switch k {
	case Insert:
		return "+I"
	case UpdateBefore:
		return "-U"
	case UpdateAfter:
		return "+U"
	case Delete:
		return "-D"
	default:
		return "?"
	}
}

// IsAdd reports whether the row kind adds value to the logical table
// (as opposed to retracting a prior value).
func (k RowKind) IsAdd() bool {
	return k == Insert || k == UpdateAfter
}

// Row is the engine's in-memory record representation: an ordered slice of
// values keyed by field position in some RowType. nil means SQL NULL.
type Row struct {
	Kind   RowKind
	Values []interface{}
}

// Field is one column of a RowType: a stable ID, a name (which may change
// across schema evolution), a type, and nullability.
type Field struct {
	ID          int
	Name        string
	Type        DataType
	Nullable    bool
	Description string
}

// RowType is an ordered list of fields, e.g. a table schema's physical
// projection.
type RowType struct {
	Fields []Field
}

// FieldNames returns the ordered field names.
func (r RowType) FieldNames() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

// IndexOf returns the position of the field with the given stable ID, or -1.
func (r RowType) IndexOf(id int) int {
	for i, f := range r.Fields {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// Project returns a new RowType containing only the given field IDs, in the
// order given.
func (r RowType) Project(ids []int) RowType {
	out := make([]Field, 0, len(ids))
	for _, id := range ids {
		idx := r.IndexOf(id)
		if idx < 0 {
			continue
		}
		out = append(out, r.Fields[idx])
	}
	return RowType{Fields: out}
}

// String implements fmt.Stringer for debugging.
func (r RowType) String() string {
	return fmt.Sprintf("RowType%v", r.FieldNames())
}
