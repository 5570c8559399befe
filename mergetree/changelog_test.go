package mergetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/merge"
	"tablestore/types"
)

func noLookup([]interface{}) (merge.KeyValue, bool) { return merge.KeyValue{}, false }

func TestNoneChangelogEmitsNothing(t *testing.T) {
	records := []merge.KeyValue{{Kind: types.Insert, Value: types.Row{Values: []interface{}{"a"}}}}
	out := NoneChangelog{}.OnFlush(records, noLookup)
	assert.Nil(t, out)
}

func TestInputChangelogCopiesRecordsVerbatim(t *testing.T) {
	records := []merge.KeyValue{
		{Kind: types.Insert, Value: types.Row{Values: []interface{}{"a"}}},
		{Kind: types.Delete, Value: types.Row{Values: []interface{}{"b"}}},
	}
	out := InputChangelog{}.OnFlush(records, noLookup)
	assert.Equal(t, records, out)
}

func TestLookupChangelogInsertWhenNoPriorValue(t *testing.T) {
	records := []merge.KeyValue{{Key: []interface{}{int64(1)}, Kind: types.Insert, Value: types.Row{Values: []interface{}{"a"}}}}
	out := LookupChangelog{}.OnFlush(records, noLookup)

	require.Len(t, out, 1)
	assert.Equal(t, types.Insert, out[0].Kind)
}

func TestLookupChangelogUpdateWhenPriorValueExists(t *testing.T) {
	prior := merge.KeyValue{Key: []interface{}{int64(1)}, Value: types.Row{Values: []interface{}{"old"}}}
	lookup := func(key []interface{}) (merge.KeyValue, bool) { return prior, true }

	records := []merge.KeyValue{{Key: []interface{}{int64(1)}, Kind: types.Insert, Value: types.Row{Values: []interface{}{"new"}}}}
	out := LookupChangelog{}.OnFlush(records, lookup)

	require.Len(t, out, 2)
	assert.Equal(t, types.UpdateBefore, out[0].Kind)
	assert.Equal(t, "old", out[0].Value.Values[0])
	assert.Equal(t, types.UpdateAfter, out[1].Kind)
	assert.Equal(t, "new", out[1].Value.Values[0])
}

func TestLookupChangelogDeleteOnlyWhenPriorValueExists(t *testing.T) {
	records := []merge.KeyValue{{Key: []interface{}{int64(1)}, Kind: types.Delete}}

	out := LookupChangelog{}.OnFlush(records, noLookup)
	assert.Empty(t, out, "deleting a key with no known prior value emits nothing")

	prior := merge.KeyValue{Value: types.Row{Values: []interface{}{"old"}}}
	out = LookupChangelog{}.OnFlush(records, func([]interface{}) (merge.KeyValue, bool) { return prior, true })
	require.Len(t, out, 1)
	assert.Equal(t, types.Delete, out[0].Kind)
}

func TestFullCompactionChangelogOnFlushIsDeferred(t *testing.T) {
	records := []merge.KeyValue{{Kind: types.Insert, Value: types.Row{Values: []interface{}{"a"}}}}
	out := FullCompactionChangelog{}.OnFlush(records, noLookup)
	assert.Nil(t, out, "full-compaction changelog emission happens in DiffBeforeAfter, not OnFlush")
}

func TestFullCompactionChangelogDiffBeforeAfter(t *testing.T) {
	before := map[string]types.Row{
		"1": {Values: []interface{}{"old"}},
		"2": {Values: []interface{}{"gone"}},
	}
	after := map[string]types.Row{
		"1": {Values: []interface{}{"new"}},
		"3": {Values: []interface{}{"fresh"}},
	}

	out := FullCompactionChangelog{}.DiffBeforeAfter(before, after)

	var inserts, deletes, updates int
	for _, kv := range out {
		switch kv.Kind {
		case types.Insert:
			inserts++
		case types.Delete:
			deletes++
		case types.UpdateBefore, types.UpdateAfter:
			updates++
		}
	}
	assert.Equal(t, 1, inserts, "key 3 is newly materialized")
	assert.Equal(t, 1, deletes, "key 2 dropped out of the merge")
	assert.Equal(t, 2, updates, "key 1 changed value: one -U and one +U")
}

func TestRowsEqualUnchangedKeyProducesNoDiff(t *testing.T) {
	before := map[string]types.Row{"1": {Values: []interface{}{"same"}}}
	after := map[string]types.Row{"1": {Values: []interface{}{"same"}}}

	out := FullCompactionChangelog{}.DiffBeforeAfter(before, after)
	assert.Empty(t, out)
}
