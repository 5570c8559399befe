package merge

import "tablestore/types"

// AggFunc names one of the per-field aggregators spec.md §4.J lists for the
// Aggregate merge engine.
type AggFunc string

const (
	Sum               AggFunc = "sum"
	Min               AggFunc = "min"
	Max               AggFunc = "max"
	LastValue         AggFunc = "last_value"
	LastNonNullValue  AggFunc = "last_non_null_value"
	ListAgg           AggFunc = "listagg"
	BoolAnd           AggFunc = "bool_and"
	BoolOr            AggFunc = "bool_or"
)

// AggFieldSpec configures one value field's aggregator. Only Sum accepts
// retractions (UPDATE_BEFORE/DELETE records subtract instead of combine);
// the others either ignore retractions when IgnoreRetract is set or treat
// them the same as a forward record.
type AggFieldSpec struct {
	FieldIndex    int
	Function      AggFunc
	IgnoreRetract bool
}

// Aggregate applies a named aggregator per non-key field (spec.md §4.J).
type Aggregate struct {
	Specs []AggFieldSpec

	state       []interface{}
	initialized []bool
	has         bool
}

func (a *Aggregate) Reset() {
	a.state = make([]interface{}, len(a.Specs))
	a.initialized = make([]bool, len(a.Specs))
	a.has = false
}

func (a *Aggregate) Add(kv KeyValue) error {
	if a.state == nil {
		a.Reset()
	}
	a.has = true
	retract := kv.Kind == types.UpdateBefore || kv.Kind == types.Delete
	for i, spec := range a.Specs {
		if spec.FieldIndex >= len(kv.Value.Values) {
			continue
		}
		v := kv.Value.Values[spec.FieldIndex]
		if retract && spec.IgnoreRetract && spec.Function != Sum {
			continue
		}
		a.state[i] = combine(a.state[i], a.initialized[i], v, spec.Function, retract)
		a.initialized[i] = true
	}
	return nil
}

func (a *Aggregate) GetResult() (types.Row, bool) {
	if !a.has {
		return types.Row{}, false
	}
	return types.Row{Kind: types.Insert, Values: append([]interface{}{}, a.state...)}, true
}

func combine(current interface{}, initialized bool, incoming interface{}, fn AggFunc, retract bool) interface{} {
	if incoming == nil {
		if fn == LastValue {
			return nil
		}
		return current
	}
	if !initialized {
		if fn == Sum && retract {
			return negate(incoming)
		}
		return incoming
	}
	switch fn {
	case Sum:
		if retract {
			return subtract(current, incoming)
		}
		return add(current, incoming)
	case Min:
		if compareNumeric(incoming, current) < 0 {
			return incoming
		}
		return current
	case Max:
		if compareNumeric(incoming, current) > 0 {
			return incoming
		}
		return current
	case LastValue, LastNonNullValue:
		return incoming
	case ListAgg:
		cs, _ := current.(string)
		is, _ := incoming.(string)
		if cs == "" {
			return is
		}
		return cs + "," + is
	case BoolAnd:
		cb, _ := current.(bool)
		ib, _ := incoming.(bool)
		return cb && ib
	case BoolOr:
		cb, _ := current.(bool)
		ib, _ := incoming.(bool)
		return cb || ib
	default:
		return incoming
	}
}

func add(a, b interface{}) interface{} {
	switch av := a.(type) {
	case int64:
		bv, _ := b.(int64)
		return av + bv
	case int32:
		bv, _ := b.(int32)
		return av + bv
	case float64:
		bv, _ := b.(float64)
		return av + bv
	case float32:
		bv, _ := b.(float32)
		return av + bv
	default:
		return b
	}
}

func subtract(a, b interface{}) interface{} {
	switch av := a.(type) {
	case int64:
		bv, _ := b.(int64)
		return av - bv
	case int32:
		bv, _ := b.(int32)
		return av - bv
	case float64:
		bv, _ := b.(float64)
		return av - bv
	case float32:
		bv, _ := b.(float32)
		return av - bv
	default:
		return a
	}
}

func negate(v interface{}) interface{} {
	switch n := v.(type) {
	case int64:
		return -n
	case int32:
		return -n
	case float64:
		return -n
	case float32:
		return -n
	default:
		return v
	}
}

func compareNumeric(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
