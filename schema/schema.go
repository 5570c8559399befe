// Package schema implements the append-only schema store of spec.md §4.B:
// versioned table schemas with stable field IDs, and the index/cast mapping
// used to read a data file written under an older schema against the
// table's current one.
package schema

import (
	"fmt"

	"tablestore/types"
)

// SchemaChangeKind enumerates the mutations commitChanges can apply.
type SchemaChangeKind int

const (
	AddColumn SchemaChangeKind = iota
	DropColumn
	RenameColumn
	RetypeColumn
)

// SchemaChange is one pending mutation to apply to produce the next schema
// version.
type SchemaChange struct {
	Kind      SchemaChangeKind
	FieldName string  // existing field, by current name (Drop/Rename/Retype)
	NewName   string  // Rename target
	NewType   types.DataType // Retype target, or the type of an AddColumn
	Nullable  bool
	Description string
}

// Schema is one versioned snapshot of a table's structure.
type Schema struct {
	ID              int64        `json:"id"`
	Fields          []types.Field `json:"fields"`
	HighestFieldID  int          `json:"highestFieldId"`
	PartitionKeys   []string     `json:"partitionKeys"`
	PrimaryKeys     []string     `json:"primaryKeys"`
	Options         map[string]string `json:"options"`
	Comment         string       `json:"comment"`
}

// RowType projects the schema's fields into a types.RowType in declared
// order.
func (s *Schema) RowType() types.RowType {
	return types.RowType{Fields: s.Fields}
}

// FieldByName returns the field with the given name, if present.
func (s *Schema) FieldByName(name string) (types.Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return types.Field{}, false
}

// TableDef is the initial definition passed to Manager.CreateTable.
type TableDef struct {
	Fields        []FieldDef
	PartitionKeys []string
	PrimaryKeys   []string
	Options       map[string]string
	Comment       string
}

// FieldDef names a column in a TableDef, prior to ID assignment.
type FieldDef struct {
	Name        string
	Type        types.DataType
	Nullable    bool
	Description string
}

// Validate enforces the invariants of spec.md §3: primaryKeys ⊇
// partitionKeys, and for a PK table primaryKeys \ partitionKeys is
// non-empty.
func (d *TableDef) Validate() error {
	if len(d.PrimaryKeys) == 0 {
		return nil
	}
	partSet := map[string]bool{}
	for _, k := range d.PartitionKeys {
		partSet[k] = true
	}
	pkSet := map[string]bool{}
	for _, k := range d.PrimaryKeys {
		pkSet[k] = true
	}
	for _, k := range d.PartitionKeys {
		if !pkSet[k] {
			return fmt.Errorf("primary keys must be a superset of partition keys: %q missing from primary keys", k)
		}
	}
	extra := false
	for _, k := range d.PrimaryKeys {
		if !partSet[k] {
			extra = true
			break
		}
	}
	if !extra {
		return fmt.Errorf("primary keys must contain at least one field outside the partition keys")
	}
	return nil
}
