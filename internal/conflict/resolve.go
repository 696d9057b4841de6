package conflict

import (
	"context"
	"fmt"
	"strings"

	"offline-sync-service/internal/clock"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/syncerr"
)

// Resolution is the decision taken for one conflict record.
type Resolution struct {
	Record   Record   `json:"record"`
	Strategy Strategy `json:"strategy"`
	// Value replaces Record.Field, or the whole state when the record
	// concerns the whole state. Only meaningful when Apply is set.
	Value any  `json:"value,omitempty"`
	Apply bool `json:"apply"`
	// DiscardLocal asks the caller to drop queued local changes to the field:
	// either a server value supersedes them or Value already includes them.
	DiscardLocal bool   `json:"discardLocal,omitempty"`
	ReviewID     string `json:"reviewId,omitempty"`
	// Retained holds values kept alongside the winner by append_only.
	Retained []any `json:"retained,omitempty"`
}

// ApplyTo returns base with the resolution applied. base is not modified.
func (r Resolution) ApplyTo(base state.State) state.State {
	if !r.Apply {
		return base.Clone()
	}
	if r.Record.WholeState() {
		if s := state.FromMap(r.Value); s != nil {
			return s.Clone()
		}
		return base.Clone()
	}
	out := base.Clone()
	if out == nil {
		out = state.State{}
	}
	if r.Value == nil {
		delete(out, r.Record.Field)
	} else {
		out[r.Record.Field] = state.DeepCopy(r.Value)
	}
	return out
}

// Input carries the two full states a record was detected from, plus the
// snapshot with the store's queued operations applied.
type Input struct {
	Snapshot state.State
	Live     state.State
	Local    state.State
}

// localValue returns the value the queued operations give rec's field, or the
// whole projected state for a whole-state record. It reports false when no
// queued operation is linked to rec or the operations leave the field as it
// was at snapshot time.
func localValue(rec Record, in Input) (any, bool) {
	if rec.Operation == nil || in.Local == nil {
		return nil, false
	}
	if rec.WholeState() {
		if state.Equal(in.Local, state.FromMap(rec.OldValue)) {
			return nil, false
		}
		return in.Local.Clone(), true
	}
	v, ok := in.Local[rec.Field]
	old, had := in.Snapshot[rec.Field]
	if ok == had && state.Equal(v, old) {
		return nil, false
	}
	return state.DeepCopy(v), true
}

type resolveFunc func(ctx context.Context, rec Record, in Input) (Resolution, error)

// Resolver dispatches conflicts to the strategy registered for their store.
type Resolver struct {
	policy  Policy
	reviews ReviewQueue
	clock   clock.Clock
	table   map[Strategy]resolveFunc
}

// NewResolver builds a resolver. reviews receives manual_review conflicts.
func NewResolver(p Policy, reviews ReviewQueue, c clock.Clock) *Resolver {
	if c == nil {
		c = clock.New()
	}
	if reviews == nil {
		reviews = &MemoryReviewQueue{}
	}
	r := &Resolver{policy: p, reviews: reviews, clock: c}
	r.table = map[Strategy]resolveFunc{
		MergeWithValidation: r.mergeWithValidation,
		TimestampBased:      r.timestampBased,
		AppendOnly:          r.appendOnly,
		ServerAuthoritative: r.serverAuthoritative,
		ManualReview:        r.manualReview,
	}
	return r
}

// Policy returns the policy in use.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve applies the store's strategy to rec.
func (r *Resolver) Resolve(ctx context.Context, rec Record, in Input) (Resolution, error) {
	s := r.policy.StrategyFor(rec.Store)
	fn, ok := r.table[s]
	if !ok {
		return Resolution{}, fmt.Errorf("no resolver for strategy %s", s)
	}
	res, err := fn(ctx, rec, in)
	res.Record = rec
	res.Strategy = s
	return res, err
}

// Plan orders records for resolution: at most one whole-state record
// (version before timestamp), then the data records. When the store's
// strategy is manual_review and a whole-state record exists, the data records
// are dropped so one review covers the conflict.
func (r *Resolver) Plan(store string, records []Record) []Record {
	var whole *Record
	var data []Record
	for i := range records {
		rec := records[i]
		if !rec.WholeState() {
			data = append(data, rec)
			continue
		}
		if whole == nil || (whole.Kind == KindTimestamp && rec.Kind == KindVersion) {
			whole = &records[i]
		}
	}
	if whole == nil {
		return data
	}
	if r.policy.StrategyFor(store) == ManualReview {
		return []Record{*whole}
	}
	return append([]Record{*whole}, data...)
}

func (r *Resolver) mergeWithValidation(_ context.Context, rec Record, in Input) (Resolution, error) {
	var merged any
	local, queued := localValue(rec, in)
	switch {
	case queued && !rec.WholeState():
		// The queued value is merged into the live one so entities the
		// server added meanwhile survive.
		merged = SmartMerge(rec.NewValue, local)
	case rec.WholeState():
		merged = MergeStates(state.FromMap(rec.OldValue), state.FromMap(rec.NewValue))
	default:
		merged = SmartMerge(rec.OldValue, rec.NewValue)
	}
	if dups := DuplicateIDs(merged); len(dups) > 0 {
		return Resolution{}, &syncerr.ValidationError{
			Store:  rec.Store,
			Field:  fieldLabel(rec),
			Reason: "duplicate ids " + strings.Join(dups, ", "),
		}
	}
	return Resolution{Value: merged, Apply: true, DiscardLocal: queued && !rec.WholeState()}, nil
}

func (r *Resolver) timestampBased(_ context.Context, rec Record, in Input) (Resolution, error) {
	tf := r.policy.timestampField()
	if local, ok := localValue(rec, in); ok && !rec.WholeState() {
		// A queued change competes with the live value on its queue time.
		lt, lok := ParseTimestamp(in.Live[tf])
		if lok && lt.After(rec.Operation.QueuedAt) {
			return Resolution{Value: state.DeepCopy(rec.NewValue), Apply: true, DiscardLocal: true}, nil
		}
		return Resolution{Value: local, Apply: true, DiscardLocal: true}, nil
	}
	st, sok := ParseTimestamp(in.Snapshot[tf])
	lt, lok := ParseTimestamp(in.Live[tf])
	if sok && lok && st.After(lt) {
		return Resolution{Value: state.DeepCopy(rec.OldValue), Apply: true}, nil
	}
	return Resolution{Value: state.DeepCopy(rec.NewValue), Apply: true}, nil
}

func (r *Resolver) appendOnly(_ context.Context, rec Record, in Input) (Resolution, error) {
	if local, ok := localValue(rec, in); ok && !rec.WholeState() {
		merged, retained := AppendValues(rec.NewValue, local)
		return Resolution{Value: merged, Apply: true, Retained: retained, DiscardLocal: true}, nil
	}
	merged, retained := AppendValues(rec.OldValue, rec.NewValue)
	if rec.WholeState() {
		if m := state.FromMap(merged); m != nil {
			merged = state.State(m)
		}
	}
	return Resolution{Value: merged, Apply: true, Retained: retained}, nil
}

func (r *Resolver) serverAuthoritative(_ context.Context, rec Record, _ Input) (Resolution, error) {
	return Resolution{Value: state.DeepCopy(rec.NewValue), Apply: true, DiscardLocal: true}, nil
}

func (r *Resolver) manualReview(ctx context.Context, rec Record, in Input) (Resolution, error) {
	local, ok := localValue(rec, in)
	if !ok {
		local = state.DeepCopy(rec.OldValue)
	}
	id, err := r.reviews.Submit(ctx, ReviewItem{
		Store:      rec.Store,
		Field:      rec.Field,
		Kind:       rec.Kind,
		Local:      local,
		Remote:     state.DeepCopy(rec.NewValue),
		DetectedAt: r.clock.Now(),
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to queue %s for review: %w", fieldLabel(rec), err)
	}
	return Resolution{ReviewID: id}, &syncerr.ConflictUnresolvedError{
		Store:    rec.Store,
		Field:    rec.Field,
		ReviewID: id,
	}
}

func fieldLabel(rec Record) string {
	if rec.WholeState() {
		return "<state>"
	}
	return rec.Field
}
