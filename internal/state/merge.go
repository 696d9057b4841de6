package state

// MergePayloads folds src into dst and returns a new map: arrays present on
// both sides become their union (structurally equal entries kept once, dst
// order first), objects present on both sides are shallow-merged with src
// winning, and any other value from src replaces dst.
func MergePayloads(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = DeepCopy(v)
	}
	for k, sv := range src {
		dv, ok := out[k]
		if !ok {
			out[k] = DeepCopy(sv)
			continue
		}
		if da, ok := toSlice(dv); ok {
			if sa, ok := toSlice(sv); ok {
				out[k] = UnionSlices(da, sa)
				continue
			}
		}
		if dm := FromMap(dv); dm != nil {
			if sm := FromMap(sv); sm != nil {
				merged := make(map[string]any, len(dm)+len(sm))
				for mk, mv := range dm {
					merged[mk] = mv
				}
				for mk, mv := range sm {
					merged[mk] = DeepCopy(mv)
				}
				out[k] = merged
				continue
			}
		}
		out[k] = DeepCopy(sv)
	}
	return out
}

// UnionSlices returns a followed by every element of b not structurally equal
// to an element already present.
func UnionSlices(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	for _, e := range a {
		out = appendUnique(out, e)
	}
	for _, e := range b {
		out = appendUnique(out, e)
	}
	return out
}

func appendUnique(list []any, e any) []any {
	for _, x := range list {
		if Equal(x, e) {
			return list
		}
	}
	return append(list, DeepCopy(e))
}
