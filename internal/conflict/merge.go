package conflict

import "offline-sync-service/internal/state"

// SmartMerge merges old and new values: arrays are unioned by entity id with
// new entries replacing old ones of the same id, objects are shallow-merged
// with new values winning, and any other new value wins.
func SmartMerge(old, new any) any {
	if oa, ok := state.AsSlice(old); ok {
		if na, ok := state.AsSlice(new); ok {
			return mergeByID(oa, na)
		}
	}
	if om := state.FromMap(old); om != nil {
		if nm := state.FromMap(new); nm != nil {
			out := make(map[string]any, len(om)+len(nm))
			for k, v := range om {
				out[k] = state.DeepCopy(v)
			}
			for k, v := range nm {
				out[k] = state.DeepCopy(v)
			}
			return out
		}
	}
	return state.DeepCopy(new)
}

// MergeStates applies SmartMerge key by key. Keys present on one side only
// are kept.
func MergeStates(old, new state.State) state.State {
	out := make(state.State, len(old)+len(new))
	for k, v := range old {
		out[k] = state.DeepCopy(v)
	}
	for k, nv := range new {
		if ov, ok := old[k]; ok {
			out[k] = SmartMerge(ov, nv)
			continue
		}
		out[k] = state.DeepCopy(nv)
	}
	return out
}

func mergeByID(old, new []any) []any {
	out := make([]any, 0, len(old)+len(new))
	first := make(map[string]int, len(new))
	for i, e := range new {
		if id, ok := EntityID(e); ok {
			if _, seen := first[id]; !seen {
				first[id] = i
			}
		}
	}
	placed := make(map[string]bool, len(first))
	for _, e := range old {
		if id, ok := EntityID(e); ok {
			if i, found := first[id]; found {
				if !placed[id] {
					out = append(out, state.DeepCopy(new[i]))
					placed[id] = true
				}
				continue
			}
		}
		out = append(out, state.DeepCopy(e))
	}
	for i, e := range new {
		id, ok := EntityID(e)
		switch {
		case ok && first[id] == i && placed[id]:
		case ok && first[id] == i:
			placed[id] = true
			out = append(out, state.DeepCopy(e))
		case ok:
			// A repeated id inside new is kept so validation can report it.
			out = append(out, state.DeepCopy(e))
		case !containsEqual(out, e):
			out = append(out, state.DeepCopy(e))
		}
	}
	return out
}

func containsEqual(list []any, e any) bool {
	for _, x := range list {
		if state.Equal(x, e) {
			return true
		}
	}
	return false
}

// EntityID returns the canonical id of an entity map ("id" or "_id").
func EntityID(v any) (string, bool) {
	m := state.FromMap(v)
	if m == nil {
		return "", false
	}
	for _, k := range []string{"id", "_id"} {
		if id, ok := m[k]; ok && id != nil {
			b, err := state.Canonical(id)
			if err != nil {
				return "", false
			}
			return string(b), true
		}
	}
	return "", false
}

// DuplicateIDs returns the entity ids that appear more than once in v, in
// first-seen order. Nested arrays inside objects are checked too.
func DuplicateIDs(v any) []string {
	var dups []string
	seen := map[string]bool{}
	reported := map[string]bool{}
	if arr, ok := state.AsSlice(v); ok {
		for _, e := range arr {
			id, ok := EntityID(e)
			if !ok {
				continue
			}
			if seen[id] && !reported[id] {
				dups = append(dups, id)
				reported[id] = true
			}
			seen[id] = true
		}
		return dups
	}
	if m := state.FromMap(v); m != nil {
		for _, k := range m.Keys() {
			dups = append(dups, DuplicateIDs(m[k])...)
		}
	}
	return dups
}

// AppendValues keeps both sides: arrays are unioned, objects are appended key
// by key, and for differing scalars the new value is used and the old one is
// returned in retained.
func AppendValues(old, new any) (merged any, retained []any) {
	if oa, ok := state.AsSlice(old); ok {
		if na, ok := state.AsSlice(new); ok {
			return state.UnionSlices(oa, na), nil
		}
	}
	if om := state.FromMap(old); om != nil {
		if nm := state.FromMap(new); nm != nil {
			out := make(map[string]any, len(om)+len(nm))
			for k, v := range om {
				out[k] = state.DeepCopy(v)
			}
			for _, k := range nm.Keys() {
				ov, ok := om[k]
				if !ok {
					out[k] = state.DeepCopy(nm[k])
					continue
				}
				m, r := AppendValues(ov, nm[k])
				out[k] = m
				retained = append(retained, r...)
			}
			return out, retained
		}
	}
	if old != nil && !state.Equal(old, new) {
		retained = append(retained, state.DeepCopy(old))
	}
	return state.DeepCopy(new), retained
}
