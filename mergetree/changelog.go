package mergetree

import (
	"tablestore/merge"
	"tablestore/types"
)

// ChangelogProducer implements one of the four changelog strategies of
// spec.md §4.I. A MergeTreeWriter holds one instance per bucket.
type ChangelogProducer interface {
	// OnFlush is handed the sorted records about to be written to a new L0
	// file; it returns the changelog records to persist alongside them (or
	// nil to emit none).
	OnFlush(records []merge.KeyValue, lookup func(key []interface{}) (merge.KeyValue, bool)) []merge.KeyValue
}

// NoneChangelog emits nothing: compaction output is the only visible
// change (spec.md §4.I `changelog-producer: none`).
type NoneChangelog struct{}

func (NoneChangelog) OnFlush(records []merge.KeyValue, lookup func([]interface{}) (merge.KeyValue, bool)) []merge.KeyValue {
	return nil
}

// InputChangelog appends every incoming record verbatim to the bucket's
// changelog file (`changelog-producer: input`); this is the producer P6
// tests against.
type InputChangelog struct{}

func (InputChangelog) OnFlush(records []merge.KeyValue, lookup func([]interface{}) (merge.KeyValue, bool)) []merge.KeyValue {
	out := make([]merge.KeyValue, len(records))
	copy(out, records)
	return out
}

// LookupChangelog probes prior values (via the supplied lookup, which
// searches higher levels) for each newly written key and emits the -U/+U,
// +I, or -D record the old-vs-new transition implies
// (`changelog-producer: lookup`).
type LookupChangelog struct{}

func (LookupChangelog) OnFlush(records []merge.KeyValue, lookup func([]interface{}) (merge.KeyValue, bool)) []merge.KeyValue {
	var out []merge.KeyValue
	for _, kv := range records {
		prior, found := lookup(kv.Key)
		switch {
		case kv.Kind == types.Delete:
			if found {
				out = append(out, merge.KeyValue{Key: kv.Key, Sequence: kv.Sequence, Kind: types.Delete, Value: prior.Value})
			}
		case found:
			before := prior
			before.Kind = types.UpdateBefore
			after := kv
			after.Kind = types.UpdateAfter
			out = append(out, before, after)
		default:
			ins := kv
			ins.Kind = types.Insert
			out = append(out, ins)
		}
	}
	return out
}

// FullCompactionChangelog emits nothing on flush (`changelog-producer:
// full-compaction`). DiffBeforeAfter computes a full compaction's per-key
// changelog from its pre-image and post-image, but the compaction rewriter
// (MergeTreeWriter.MakeRewriter) does not call it, so this producer writes
// no changelog files.
type FullCompactionChangelog struct{}

func (FullCompactionChangelog) OnFlush(records []merge.KeyValue, lookup func([]interface{}) (merge.KeyValue, bool)) []merge.KeyValue {
	return nil
}

// DiffBeforeAfter compares the merged value of each key before and after a
// full compaction, emitting -U/+U for changed keys, +I for newly
// materialized keys, and -D for keys dropped by the merge function.
func (FullCompactionChangelog) DiffBeforeAfter(before, after map[string]types.Row) []merge.KeyValue {
	var out []merge.KeyValue
	for k, newRow := range after {
		if oldRow, ok := before[k]; ok {
			if !rowsEqual(oldRow, newRow) {
				out = append(out,
					merge.KeyValue{Kind: types.UpdateBefore, Value: oldRow},
					merge.KeyValue{Kind: types.UpdateAfter, Value: newRow})
			}
		} else {
			out = append(out, merge.KeyValue{Kind: types.Insert, Value: newRow})
		}
	}
	for k, oldRow := range before {
		if _, ok := after[k]; !ok {
			out = append(out, merge.KeyValue{Kind: types.Delete, Value: oldRow})
		}
	}
	return out
}

func rowsEqual(a, b types.Row) bool {
	if len(a.Values) != len(b.Values) {
		return false
	}
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			return false
		}
	}
	return true
}
