package state

import "sort"

// Change is one field-level difference between two states.
type Change struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// AsMap renders the change in the JSON-shaped model used for event payloads.
func (c Change) AsMap() map[string]any {
	return map[string]any{"field": c.Field, "old": c.Old, "new": c.New}
}

// Diff returns the changes between prev and next restricted to fields. When
// fields is empty every key of either state is compared, minus exclude.
// Results are sorted by field name.
func Diff(prev, next State, fields, exclude []string) []Change {
	candidates := append([]string(nil), fields...)
	if len(candidates) == 0 {
		seen := make(map[string]struct{}, len(prev)+len(next))
		for k := range prev {
			seen[k] = struct{}{}
		}
		for k := range next {
			seen[k] = struct{}{}
		}
		for _, f := range exclude {
			delete(seen, f)
		}
		candidates = make([]string, 0, len(seen))
		for k := range seen {
			candidates = append(candidates, k)
		}
	}
	sort.Strings(candidates)

	var changes []Change
	for _, f := range candidates {
		ov, oldOK := prev[f]
		nv, newOK := next[f]
		if !oldOK && !newOK {
			continue
		}
		if oldOK && newOK && Equal(ov, nv) {
			continue
		}
		changes = append(changes, Change{Field: f, Old: DeepCopy(ov), New: DeepCopy(nv)})
	}
	return changes
}

// ChangesPayload converts changes into a []any of maps so payload merging can
// union them.
func ChangesPayload(changes []Change) []any {
	out := make([]any, len(changes))
	for i, c := range changes {
		out[i] = c.AsMap()
	}
	return out
}
