// Package predicate implements the filter-pushdown predicates spec.md §4.H
// applies against per-file key/value statistics during scan planning, and
// that the FileFormat capability (package format) can apply at the row
// level for formats that support it.
package predicate

import (
	"tablestore/manifest"
	"tablestore/types"
)

// Predicate is a boolean condition over one field, addressed by its stable
// field index within a projected RowType.
type Predicate interface {
	// Evaluate tests a fully materialized row.
	Evaluate(row types.Row) bool
	// PrunesStats reports whether the given per-field statistics prove no
	// row in the file can satisfy the predicate — the pushdown fast path
	// of spec.md §4.H step 3.
	PrunesStats(stats map[int]manifest.FieldStats) bool
}

type equal struct {
	field int
	value interface{}
}

// Equal builds a field == value predicate.
func Equal(field int, value interface{}) Predicate { return equal{field, value} }

func (e equal) Evaluate(row types.Row) bool {
	if e.field >= len(row.Values) {
		return false
	}
	return manifest.CompareValues(row.Values[e.field], e.value) == 0
}

func (e equal) PrunesStats(stats map[int]manifest.FieldStats) bool {
	s, ok := stats[e.field]
	if !ok {
		return false
	}
	return manifest.CompareValues(e.value, s.Min) < 0 || manifest.CompareValues(e.value, s.Max) > 0
}

type rangePred struct {
	field          int
	min, max       interface{}
	hasMin, hasMax bool
}

// GreaterOrEqual builds a field >= value predicate.
func GreaterOrEqual(field int, value interface{}) Predicate {
	return rangePred{field: field, min: value, hasMin: true}
}

// LessOrEqual builds a field <= value predicate.
func LessOrEqual(field int, value interface{}) Predicate {
	return rangePred{field: field, max: value, hasMax: true}
}

func (r rangePred) Evaluate(row types.Row) bool {
	if r.field >= len(row.Values) {
		return false
	}
	v := row.Values[r.field]
	if r.hasMin && manifest.CompareValues(v, r.min) < 0 {
		return false
	}
	if r.hasMax && manifest.CompareValues(v, r.max) > 0 {
		return false
	}
	return true
}

func (r rangePred) PrunesStats(stats map[int]manifest.FieldStats) bool {
	s, ok := stats[r.field]
	if !ok {
		return false
	}
	if r.hasMin && manifest.CompareValues(s.Max, r.min) < 0 {
		return true
	}
	if r.hasMax && manifest.CompareValues(s.Min, r.max) > 0 {
		return true
	}
	return false
}

type and struct{ preds []Predicate }

// And conjoins predicates; a file is pruned if any conjunct prunes it.
func And(preds ...Predicate) Predicate { return and{preds} }

func (a and) Evaluate(row types.Row) bool {
	for _, p := range a.preds {
		if !p.Evaluate(row) {
			return false
		}
	}
	return true
}

func (a and) PrunesStats(stats map[int]manifest.FieldStats) bool {
	for _, p := range a.preds {
		if p.PrunesStats(stats) {
			return true
		}
	}
	return false
}

type or struct{ preds []Predicate }

// Or disjoins predicates; a file is pruned only if every disjunct prunes it.
func Or(preds ...Predicate) Predicate { return or{preds} }

func (o or) Evaluate(row types.Row) bool {
	for _, p := range o.preds {
		if p.Evaluate(row) {
			return true
		}
	}
	return false
}

func (o or) PrunesStats(stats map[int]manifest.FieldStats) bool {
	for _, p := range o.preds {
		if !p.PrunesStats(stats) {
			return false
		}
	}
	return len(o.preds) > 0
}

type isNull struct {
	field int
	want  bool
}

// IsNull builds a field IS NULL (want=true) or IS NOT NULL predicate.
func IsNull(field int, want bool) Predicate { return isNull{field, want} }

func (n isNull) Evaluate(row types.Row) bool {
	if n.field >= len(row.Values) {
		return n.want
	}
	return (row.Values[n.field] == nil) == n.want
}

func (n isNull) PrunesStats(stats map[int]manifest.FieldStats) bool {
	s, ok := stats[n.field]
	if !ok {
		return false
	}
	if n.want {
		return s.NullCount == 0
	}
	return false
}
