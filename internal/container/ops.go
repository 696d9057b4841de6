package container

import (
	"fmt"

	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/syncerr"
)

// ApplyOperation returns cur with op applied. cur is not modified.
//
//	set     payload fields replace the state's fields
//	merge   payload fields are merged (arrays unioned, objects shallow-merged)
//	append  payload arrays are appended to the state's arrays
//	remove  payload "fields" lists the fields to delete
func ApplyOperation(cur state.State, op queue.Operation) (state.State, error) {
	next := cur.Clone()
	if next == nil {
		next = state.State{}
	}
	switch op.Type {
	case OpSet:
		for k, v := range op.Payload {
			next[k] = state.DeepCopy(v)
		}
	case OpMerge:
		return state.State(state.MergePayloads(next, op.Payload)), nil
	case OpAppend:
		for k, v := range op.Payload {
			add, ok := state.AsSlice(v)
			if !ok {
				add = []any{v}
			}
			existing, _ := state.AsSlice(next[k])
			merged := make([]any, 0, len(existing)+len(add))
			merged = append(merged, existing...)
			for _, e := range add {
				merged = append(merged, state.DeepCopy(e))
			}
			next[k] = merged
		}
	case OpRemove:
		fields, ok := state.AsSlice(op.Payload["fields"])
		if !ok {
			return nil, syncerr.Permanent("", &syncerr.ValidationError{
				Store: op.StoreName, Field: "fields", Reason: "remove requires a fields list",
			})
		}
		for _, f := range fields {
			if s, ok := f.(string); ok {
				delete(next, s)
			}
		}
	default:
		return nil, syncerr.Permanent("", fmt.Errorf("unsupported operation type %q", op.Type))
	}
	return next, nil
}
