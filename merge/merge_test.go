package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/types"
)

func row(values ...interface{}) types.Row {
	return types.Row{Kind: types.Insert, Values: values}
}

func TestDeduplicateKeepsLatestBySequence(t *testing.T) {
	var d Deduplicate
	d.Reset()

	require.NoError(t, d.Add(KeyValue{Sequence: 1, Kind: types.Insert, Value: row("old")}))
	require.NoError(t, d.Add(KeyValue{Sequence: 3, Kind: types.UpdateAfter, Value: row("newest")}))
	require.NoError(t, d.Add(KeyValue{Sequence: 2, Kind: types.Insert, Value: row("middle")}))

	got, ok := d.GetResult()
	require.True(t, ok)
	assert.Equal(t, "newest", got.Values[0])
}

func TestDeduplicateLatestDeleteSuppressesResult(t *testing.T) {
	var d Deduplicate
	d.Reset()
	require.NoError(t, d.Add(KeyValue{Sequence: 1, Kind: types.Insert, Value: row("a")}))
	require.NoError(t, d.Add(KeyValue{Sequence: 2, Kind: types.Delete, Value: row("a")}))

	_, ok := d.GetResult()
	assert.False(t, ok)
}

func TestDeduplicateResetClearsState(t *testing.T) {
	var d Deduplicate
	d.Reset()
	require.NoError(t, d.Add(KeyValue{Sequence: 1, Kind: types.Insert, Value: row("a")}))
	d.Reset()
	_, ok := d.GetResult()
	assert.False(t, ok, "Reset must clear accumulated state between keys")
}

func TestPartialUpdateOverwritesNonNullFields(t *testing.T) {
	var p PartialUpdate
	p.Reset()

	require.NoError(t, p.Add(KeyValue{Sequence: 1, Kind: types.Insert, Value: row("name-1", nil, int64(10))}))
	require.NoError(t, p.Add(KeyValue{Sequence: 2, Kind: types.UpdateAfter, Value: row(nil, "city-2", nil)}))

	got, ok := p.GetResult()
	require.True(t, ok)
	assert.Equal(t, []interface{}{"name-1", "city-2", int64(10)}, got.Values)
}

func TestPartialUpdateDeleteResetsByDefault(t *testing.T) {
	var p PartialUpdate
	p.Reset()
	require.NoError(t, p.Add(KeyValue{Sequence: 1, Kind: types.Insert, Value: row("a")}))
	require.NoError(t, p.Add(KeyValue{Sequence: 2, Kind: types.Delete, Value: row("a")}))

	_, ok := p.GetResult()
	assert.False(t, ok)
}

func TestPartialUpdateIgnoreDeleteKeepsAccumulated(t *testing.T) {
	p := PartialUpdate{IgnoreDelete: true}
	p.Reset()
	require.NoError(t, p.Add(KeyValue{Sequence: 1, Kind: types.Insert, Value: row("a")}))
	require.NoError(t, p.Add(KeyValue{Sequence: 2, Kind: types.Delete, Value: row("a")}))

	got, ok := p.GetResult()
	require.True(t, ok)
	assert.Equal(t, "a", got.Values[0])
}

func TestValueCountSumsAndSuppressesNonPositive(t *testing.T) {
	var vc ValueCount
	vc.Reset()
	require.NoError(t, vc.Add(KeyValue{Value: row(int64(3))}))
	require.NoError(t, vc.Add(KeyValue{Value: row(int64(2))}))

	got, ok := vc.GetResult()
	require.True(t, ok)
	assert.Equal(t, int64(5), got.Values[0])

	vc.Reset()
	require.NoError(t, vc.Add(KeyValue{Value: row(int64(3))}))
	require.NoError(t, vc.Add(KeyValue{Value: row(int64(-3))}))
	_, ok = vc.GetResult()
	assert.False(t, ok, "a running total of zero means the key is no longer live")
}

func TestAggregateSum(t *testing.T) {
	a := Aggregate{Specs: []AggFieldSpec{{FieldIndex: 0, Function: Sum}}}
	a.Reset()
	require.NoError(t, a.Add(KeyValue{Kind: types.Insert, Value: row(int64(5))}))
	require.NoError(t, a.Add(KeyValue{Kind: types.Insert, Value: row(int64(7))}))

	got, ok := a.GetResult()
	require.True(t, ok)
	assert.Equal(t, int64(12), got.Values[0])
}

func TestAggregateSumWithRetraction(t *testing.T) {
	a := Aggregate{Specs: []AggFieldSpec{{FieldIndex: 0, Function: Sum}}}
	a.Reset()
	require.NoError(t, a.Add(KeyValue{Kind: types.Insert, Value: row(int64(10))}))
	require.NoError(t, a.Add(KeyValue{Kind: types.UpdateBefore, Value: row(int64(4))}))

	got, ok := a.GetResult()
	require.True(t, ok)
	assert.Equal(t, int64(6), got.Values[0], "a retraction subtracts from the running sum")
}

func TestAggregateMinMax(t *testing.T) {
	a := Aggregate{Specs: []AggFieldSpec{
		{FieldIndex: 0, Function: Min},
		{FieldIndex: 1, Function: Max},
	}}
	a.Reset()
	require.NoError(t, a.Add(KeyValue{Kind: types.Insert, Value: row(int64(5), int64(5))}))
	require.NoError(t, a.Add(KeyValue{Kind: types.Insert, Value: row(int64(2), int64(9))}))

	got, ok := a.GetResult()
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Values[0])
	assert.Equal(t, int64(9), got.Values[1])
}

func TestAggregateLastValue(t *testing.T) {
	a := Aggregate{Specs: []AggFieldSpec{{FieldIndex: 0, Function: LastValue}}}
	a.Reset()
	require.NoError(t, a.Add(KeyValue{Kind: types.Insert, Value: row("first")}))
	require.NoError(t, a.Add(KeyValue{Kind: types.Insert, Value: row("second")}))

	got, ok := a.GetResult()
	require.True(t, ok)
	assert.Equal(t, "second", got.Values[0])
}

func TestAggregateListAgg(t *testing.T) {
	a := Aggregate{Specs: []AggFieldSpec{{FieldIndex: 0, Function: ListAgg}}}
	a.Reset()
	require.NoError(t, a.Add(KeyValue{Kind: types.Insert, Value: row("a")}))
	require.NoError(t, a.Add(KeyValue{Kind: types.Insert, Value: row("b")}))

	got, ok := a.GetResult()
	require.True(t, ok)
	assert.Equal(t, "a,b", got.Values[0])
}

func TestAggregateBoolAndOr(t *testing.T) {
	and := Aggregate{Specs: []AggFieldSpec{{FieldIndex: 0, Function: BoolAnd}}}
	and.Reset()
	require.NoError(t, and.Add(KeyValue{Kind: types.Insert, Value: row(true)}))
	require.NoError(t, and.Add(KeyValue{Kind: types.Insert, Value: row(false)}))
	got, _ := and.GetResult()
	assert.Equal(t, false, got.Values[0])

	or := Aggregate{Specs: []AggFieldSpec{{FieldIndex: 0, Function: BoolOr}}}
	or.Reset()
	require.NoError(t, or.Add(KeyValue{Kind: types.Insert, Value: row(false)}))
	require.NoError(t, or.Add(KeyValue{Kind: types.Insert, Value: row(true)}))
	got, _ = or.GetResult()
	assert.Equal(t, true, got.Values[0])
}

func TestAggregateIgnoreRetractSkipsNonSumFields(t *testing.T) {
	a := Aggregate{Specs: []AggFieldSpec{{FieldIndex: 0, Function: Max, IgnoreRetract: true}}}
	a.Reset()
	require.NoError(t, a.Add(KeyValue{Kind: types.Insert, Value: row(int64(5))}))
	require.NoError(t, a.Add(KeyValue{Kind: types.Delete, Value: row(int64(99))}))

	got, ok := a.GetResult()
	require.True(t, ok)
	assert.Equal(t, int64(5), got.Values[0], "the retraction on a non-sum ignore-retract field must be dropped, not folded in")
}

func TestAggregateNoRecordsYieldsNoResult(t *testing.T) {
	a := Aggregate{Specs: []AggFieldSpec{{FieldIndex: 0, Function: Sum}}}
	a.Reset()
	_, ok := a.GetResult()
	assert.False(t, ok)
}
