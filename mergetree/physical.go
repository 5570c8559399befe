package mergetree

import (
	"tablestore/merge"
	"tablestore/types"
)

// Physical data files for primary-key tables carry two system columns
// ahead of the key and value columns, mirroring the on-disk layout the
// original system's KeyValueFileStore uses: the sequence number (merge
// order when sequence.field is unset) and the row kind (needed to tell
// DELETE tombstones apart from live records once flushed). DataFileMeta's
// KeyStats/ValueStats index into the key-only and full-value-row field
// lists respectively, not into this physical layout.
const (
	physicalSequenceField = "_SEQUENCE_NUMBER"
	physicalKindField     = "_VALUE_KIND"
)

// PhysicalRowType builds the on-disk row type for a bucket's data files:
// sequence number, row kind, then every field of the table's value row
// (which already contains the primary key columns).
func PhysicalRowType(valueRowType types.RowType) types.RowType {
	fields := make([]types.Field, 0, len(valueRowType.Fields)+2)
	fields = append(fields,
		types.Field{ID: -1, Name: physicalSequenceField, Type: types.DataType{ID: types.Int64}},
		types.Field{ID: -2, Name: physicalKindField, Type: types.DataType{ID: types.Int32}},
	)
	fields = append(fields, valueRowType.Fields...)
	return types.RowType{Fields: fields}
}

func kindToInt32(k types.RowKind) int32 {
	switch k {
	case types.Insert:
		return 0
	case types.UpdateBefore:
		return 1
	case types.UpdateAfter:
		return 2
	case types.Delete:
		return 3
	default:
		return 0
	}
}

func int32ToKind(v int32) types.RowKind {
	switch v {
	case 1:
		return types.UpdateBefore
	case 2:
		return types.UpdateAfter
	case 3:
		return types.Delete
	default:
		return types.Insert
	}
}

// ToPhysicalRow converts a merge KeyValue into the physical row a data
// file writer persists.
func ToPhysicalRow(kv merge.KeyValue) types.Row {
	values := make([]interface{}, 0, len(kv.Value.Values)+2)
	values = append(values, kv.Sequence, kindToInt32(kv.Kind))
	values = append(values, kv.Value.Values...)
	return types.Row{Kind: kv.Kind, Values: values}
}

// FromPhysicalRow reconstructs a merge KeyValue from a physical row, given
// the positions within the value row that form the primary key.
func FromPhysicalRow(row types.Row, keyFieldPositions []int) merge.KeyValue {
	sequence, _ := row.Values[0].(int64)
	kind := int32ToKind(toInt32(row.Values[1]))
	valueValues := row.Values[2:]

	key := make([]interface{}, len(keyFieldPositions))
	for i, pos := range keyFieldPositions {
		if pos < len(valueValues) {
			key[i] = valueValues[pos]
		}
	}
	return merge.KeyValue{
		Key:      key,
		Sequence: sequence,
		Kind:     kind,
		Value:    types.Row{Kind: kind, Values: append([]interface{}{}, valueValues...)},
	}
}

func toInt32(v interface{}) int32 {
	switch n := v.(type) {
	case int32:
		return n
	case int64:
		return int32(n)
	default:
		return 0
	}
}
