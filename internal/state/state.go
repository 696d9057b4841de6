// Package state defines the value model shared by every store container:
// JSON-shaped maps with deep copy, structural equality, canonical hashing,
// field-level diffing and payload merging.
package state

import (
	"encoding/json"
	"math"
	"reflect"
	"sort"
)

// State is the observable state of one store container.
// Values are JSON-shaped: map[string]any, []any, string, bool, nil and numbers.
type State map[string]any

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = DeepCopy(v)
	}
	return out
}

// Keys returns the sorted keys of s.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromMap converts any map-shaped value into a State. It returns nil if v is
// not an object.
func FromMap(v any) State {
	switch m := v.(type) {
	case State:
		return m
	case map[string]any:
		return State(m)
	default:
		return nil
	}
}

// DeepCopy copies maps and slices recursively. Scalars are returned as is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case State:
		return val.Clone()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = DeepCopy(e)
		}
		return out
	case []any:
		if val == nil {
			return []any(nil)
		}
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = DeepCopy(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = DeepCopy(e)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

// Equal reports structural equality. Numbers compare by value regardless of
// their Go type, so an int decoded from a literal equals a float64 decoded
// from JSON.
func Equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}

	switch av := a.(type) {
	case nil:
		return b == nil
	case State:
		return equalMaps(av, FromMap(b))
	case map[string]any:
		return equalMaps(av, FromMap(b))
	case []any:
		bv, ok := toSlice(b)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case []map[string]any, []string:
		as, _ := toSlice(a)
		return Equal(as, b)
	default:
		return reflect.DeepEqual(a, b)
	}
}

func equalMaps(a map[string]any, b State) bool {
	if b == nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !Equal(v, bv) {
			return false
		}
	}
	return true
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []map[string]any:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	default:
		return nil, false
	}
}

// AsSlice exposes slice normalisation to other packages.
func AsSlice(v any) ([]any, bool) {
	return toSlice(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Number converts a numeric value to float64.
func Number(v any) (float64, bool) {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Normalize converts arbitrary Go values (structs, typed slices) into the
// JSON-shaped model by a JSON round trip. JSON-shaped input is returned as is.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, State, map[string]any, []any:
		return v, nil
	}
	if _, ok := toFloat(v); ok {
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
