package shadow

import "encoding/json"

// DeltaEntry pairs the reported and desired values for one differing key.
// A key missing from one side is represented as nil.
type DeltaEntry struct {
	Reported any `json:"reported"`
	Desired  any `json:"desired"`
}

// Delta computes the top-level keys on which reported and desired state
// disagree. A key absent from one side is treated as null; a key that is
// null on one side and absent from the other is therefore not a
// difference. Comparison is by value with numeric types normalized, so
// 72 and 72.0 are equal.
//
// Delta(a, b) and Delta(b, a) always flag the same key set, and
// Delta(m, m) is always empty.
func Delta(reported, desired StateMap) map[string]DeltaEntry {
	out := make(map[string]DeltaEntry)
	for k, rv := range reported {
		dv, ok := desired[k]
		if !ok {
			dv = nil
		}
		if !valueEqual(rv, dv) {
			out[k] = DeltaEntry{Reported: rv, Desired: dv}
		}
	}
	for k, dv := range desired {
		if _, seen := reported[k]; seen {
			continue
		}
		if !valueEqual(nil, dv) {
			out[k] = DeltaEntry{Reported: nil, Desired: dv}
		}
	}
	return out
}

// valueEqual compares two state values after JSON-style normalization.
// Numbers compare by value across Go numeric types, objects and arrays
// compare recursively, and nil only equals nil.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case map[string]any:
		bv, ok := asObject(b)
		return ok && objectEqual(av, bv)
	case StateMap:
		bv, ok := asObject(b)
		return ok && objectEqual(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asObject(v any) (map[string]any, bool) {
	switch o := v.(type) {
	case map[string]any:
		return o, true
	case StateMap:
		return o, true
	default:
		return nil, false
	}
}

func objectEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valueEqual(av, bv) {
			return false
		}
	}
	return true
}
