// Package merge implements the MergeFunction variants of spec.md §4.J:
// Deduplicate, PartialUpdate, Aggregate, and ValueCount. Each consumes an
// ordered-by-sequence stream of records sharing one key and emits at most
// one output row.
package merge

import "tablestore/types"

// KeyValue is one record in a single key's merge stream, as a
// KeyValueFileStoreRead's k-way merge presents it.
type KeyValue struct {
	Key      []interface{}
	Sequence int64
	Kind     types.RowKind
	Value    types.Row
}

// Function folds an ordered KeyValue stream for one key into at most one
// output row. A Function instance is reused across keys via Reset.
type Function interface {
	Reset()
	Add(kv KeyValue) error
	// GetResult returns the merged row, or ok=false if the key has no
	// live value (e.g. Deduplicate's latest record was a DELETE).
	GetResult() (row types.Row, ok bool)
}

// Deduplicate keeps the value with the greatest sequence number; if it is
// a DELETE, nothing is emitted.
type Deduplicate struct {
	current KeyValue
	has     bool
}

func (d *Deduplicate) Reset() { d.has = false }

func (d *Deduplicate) Add(kv KeyValue) error {
	if !d.has || kv.Sequence >= d.current.Sequence {
		d.current = kv
		d.has = true
	}
	return nil
}

func (d *Deduplicate) GetResult() (types.Row, bool) {
	if !d.has || d.current.Kind == types.Delete {
		return types.Row{}, false
	}
	return d.current.Value, true
}

// PartialUpdate folds values in sequence order, overwriting each non-null
// field. A DELETE either resets the accumulated row (default) or is
// ignored entirely when IgnoreDelete is set (spec.md §4.J).
type PartialUpdate struct {
	IgnoreDelete bool

	values []interface{}
	has    bool
}

func (p *PartialUpdate) Reset() {
	p.values = nil
	p.has = false
}

func (p *PartialUpdate) Add(kv KeyValue) error {
	if kv.Kind == types.Delete {
		if !p.IgnoreDelete {
			p.values = nil
			p.has = false
		}
		return nil
	}
	if !p.has {
		p.values = make([]interface{}, len(kv.Value.Values))
		p.has = true
	}
	for i, v := range kv.Value.Values {
		if v != nil {
			p.values[i] = v
		}
	}
	return nil
}

func (p *PartialUpdate) GetResult() (types.Row, bool) {
	if !p.has {
		return types.Row{}, false
	}
	return types.Row{Kind: types.Insert, Values: p.values}, true
}

// ValueCount treats the value as a signed BIGINT occurrence count: merge
// sums the counts across the stream and the key is considered live only
// while the running total is positive.
type ValueCount struct {
	count int64
	has   bool
}

func (v *ValueCount) Reset() {
	v.count = 0
	v.has = false
}

func (v *ValueCount) Add(kv KeyValue) error {
	v.has = true
	if len(kv.Value.Values) > 0 {
		if n, ok := kv.Value.Values[0].(int64); ok {
			v.count += n
		}
	}
	return nil
}

func (v *ValueCount) GetResult() (types.Row, bool) {
	if !v.has || v.count <= 0 {
		return types.Row{}, false
	}
	return types.Row{Kind: types.Insert, Values: []interface{}{v.count}}, true
}
