package manifest

// lessValue provides a best-effort ordering across the handful of Go types
// the engine's Row values take on (int32/int64/float32/float64/string/
// []byte/bool), used when folding min/max statistics. A float64 also
// compares numerically against int32 and int64, since statistics decoded
// from the JSON manifests carry every number as float64. Other unlike types
// are considered incomparable and reported as not-less in either direction.
func lessValue(a, b interface{}) bool {
	if a == nil || b == nil {
		return false
	}
	switch av := a.(type) {
	case int32:
		if bv, ok := b.(int32); ok {
			return av < bv
		}
		if bv, ok := b.(float64); ok {
			return float64(av) < bv
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return av < bv
		}
		if bv, ok := b.(float64); ok {
			return float64(av) < bv
		}
	case float32:
		if bv, ok := b.(float32); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
		if bv, ok := b.(int64); ok {
			return av < float64(bv)
		}
		if bv, ok := b.(int32); ok {
			return av < float64(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case []byte:
		if bv, ok := b.([]byte); ok {
			return string(av) < string(bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return !av && bv
		}
	}
	return false
}

// CompareValues returns -1, 0, or 1 comparing a to b using the same
// best-effort type switch as lessValue.
func CompareValues(a, b interface{}) int {
	if lessValue(a, b) {
		return -1
	}
	if lessValue(b, a) {
		return 1
	}
	return 0
}

// CompareKeys compares two composite keys lexicographically, field by
// field.
func CompareKeys(a, b []interface{}) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}
