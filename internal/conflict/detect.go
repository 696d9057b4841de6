package conflict

import (
	"time"

	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/state"
)

// Kind classifies a conflict.
type Kind string

const (
	KindVersion   Kind = "version"
	KindTimestamp Kind = "timestamp"
	KindData      Kind = "data"
)

// Record is one detected conflict. Version and timestamp conflicts concern
// the whole state and have an empty Field; their values are the full states.
type Record struct {
	Kind     Kind   `json:"kind"`
	Store    string `json:"store"`
	Field    string `json:"field,omitempty"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
	// Operation is the queued operation that touched Field, if any.
	Operation *queue.PendingOperation `json:"-"`
}

// WholeState reports whether the record concerns the entire state.
func (r Record) WholeState() bool {
	return r.Field == ""
}

// Detector compares snapshot and live states.
type Detector struct {
	policy Policy
}

func NewDetector(p Policy) *Detector {
	return &Detector{policy: p}
}

// Detect returns the conflicts between snap (pre-offline) and live, in
// order: version, timestamp, then data conflicts sorted by field.
func (d *Detector) Detect(store string, snap, live state.State) []Record {
	var out []Record
	vf, tf := d.policy.versionField(), d.policy.timestampField()

	sv, sok := snap[vf]
	lv, lok := live[vf]
	if sok && lok && !state.Equal(sv, lv) {
		out = append(out, Record{Kind: KindVersion, Store: store, OldValue: snap.Clone(), NewValue: live.Clone()})
	}

	st, sok := ParseTimestamp(snap[tf])
	lt, lok := ParseTimestamp(live[tf])
	if sok && lok && absDuration(lt.Sub(st)) > d.policy.TimestampThreshold {
		out = append(out, Record{Kind: KindTimestamp, Store: store, OldValue: snap.Clone(), NewValue: live.Clone()})
	}

	exclude := append([]string{vf, tf}, d.policy.NoiseFields[store]...)
	for _, c := range state.Diff(snap, live, d.policy.CriticalFields[store], exclude) {
		out = append(out, Record{Kind: KindData, Store: store, Field: c.Field, OldValue: c.Old, NewValue: c.New})
	}
	return out
}

// Attach links each data record to the most recent queued operation of the
// same store touching its field.
func Attach(records []Record, ops []*queue.PendingOperation) []Record {
	for i := range records {
		for _, op := range ops {
			if op.StoreName != records[i].Store || !op.Touches(records[i].Field) {
				continue
			}
			if records[i].Operation == nil || op.QueuedAt.After(records[i].Operation.QueuedAt) {
				records[i].Operation = op
			}
		}
	}
	return records
}

// ParseTimestamp accepts time.Time, RFC 3339 strings and epoch milliseconds.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
		return time.Time{}, false
	}
	if ms, ok := state.Number(v); ok {
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	return time.Time{}, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
