package schema

import "tablestore/types"

// CastPolicy describes how a value read under an older field type must be
// converted to the table's current field type.
type CastPolicy int

const (
	// CastIdentity means no conversion is needed.
	CastIdentity CastPolicy = iota
	// CastWiden means the data type is being promoted (e.g. INT -> BIGINT,
	// FLOAT -> DOUBLE); always safe.
	CastWiden
	// CastNarrow means the data type is being narrowed; may lose precision,
	// never refused (the engine has no runtime overflow checking).
	CastNarrow
)

// Absent marks a table field with no corresponding field in a data file's
// schema; readers must fill it with null.
const Absent = -1

// EvolutionMapping is the per-data-file projection the read path applies:
// for each position in the table's current RowType, where (if anywhere) to
// read from in the data file's RowType, and what cast (if any) to apply.
type EvolutionMapping struct {
	IndexMapping []int        // tableFieldPos -> dataFieldPos | Absent
	CastMapping  []CastPolicy // parallel to IndexMapping; meaningless when Absent
}

// Evolve computes the mapping from a data file's schema to the table's
// current schema, matching fields by their stable ID (not name — spec.md
// §4.B: "names may change").
func Evolve(tableSchema, dataSchema *Schema) EvolutionMapping {
	dataIndexByID := make(map[int]int, len(dataSchema.Fields))
	dataFieldByID := make(map[int]types.Field, len(dataSchema.Fields))
	for i, f := range dataSchema.Fields {
		dataIndexByID[f.ID] = i
		dataFieldByID[f.ID] = f
	}

	mapping := EvolutionMapping{
		IndexMapping: make([]int, len(tableSchema.Fields)),
		CastMapping:  make([]CastPolicy, len(tableSchema.Fields)),
	}

	for pos, tf := range tableSchema.Fields {
		dataIdx, ok := dataIndexByID[tf.ID]
		if !ok {
			mapping.IndexMapping[pos] = Absent
			mapping.CastMapping[pos] = CastIdentity
			continue
		}
		mapping.IndexMapping[pos] = dataIdx
		mapping.CastMapping[pos] = castPolicy(dataFieldByID[tf.ID].Type, tf.Type)
	}

	return mapping
}

func castPolicy(from, to types.DataType) CastPolicy {
	if from.ID == to.ID && from.Precision == to.Precision && from.Scale == to.Scale {
		return CastIdentity
	}
	if widens(from.ID, to.ID) {
		return CastWiden
	}
	return CastNarrow
}

func widens(from, to types.DataTypeID) bool {
	rank := map[types.DataTypeID]int{
		types.Int32:   1,
		types.Int64:   2,
		types.Float32: 1,
		types.Float64: 2,
	}
	fr, fok := rank[from]
	tr, tok := rank[to]
	if !fok || !tok {
		return false
	}
	// INT widens to BIGINT, FLOAT widens to DOUBLE, but not across families.
	sameFamily := (from == types.Int32 || from == types.Int64) == (to == types.Int32 || to == types.Int64)
	return sameFamily && tr >= fr
}

// ApplyTo projects and casts a Row read under dataSchema into the shape
// tableSchema expects, following mapping. This is the read-path half of
// spec.md P8 (schema evolution round-trip): dropped columns become null,
// present columns are reordered by current field position.
func ApplyTo(mapping EvolutionMapping, row types.Row) types.Row {
	out := types.Row{Kind: row.Kind, Values: make([]interface{}, len(mapping.IndexMapping))}
	for pos, dataIdx := range mapping.IndexMapping {
		if dataIdx == Absent || dataIdx >= len(row.Values) {
			out.Values[pos] = nil
			continue
		}
		out.Values[pos] = castValue(row.Values[dataIdx], mapping.CastMapping[pos])
	}
	return out
}

func castValue(v interface{}, policy CastPolicy) interface{} {
	if v == nil || policy == CastIdentity {
		return v
	}
	switch x := v.(type) {
	case int32:
		if policy == CastWiden {
			return int64(x)
		}
	case float32:
		if policy == CastWiden {
			return float64(x)
		}
	}
	return v
}
