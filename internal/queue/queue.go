package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OfflineQueue holds operations accepted while disconnected.
type OfflineQueue struct {
	mu         sync.Mutex
	ops        []*PendingOperation
	seq        uint64
	maxRetries int
}

// NewOfflineQueue creates a queue whose operations allow maxRetries retries.
func NewOfflineQueue(maxRetries int) *OfflineQueue {
	return &OfflineQueue{maxRetries: maxRetries}
}

// Enqueue records op as queued at now and returns the pending entry.
func (q *OfflineQueue) Enqueue(op Operation, now time.Time) *PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	p := &PendingOperation{
		ID:         uuid.NewString(),
		StoreName:  op.StoreName,
		Type:       op.Type,
		Method:     op.Method,
		Payload:    op.Payload,
		Priority:   op.Priority,
		QueuedAt:   now,
		MaxRetries: q.maxRetries,
		Status:     StatusQueued,
		seq:        q.seq,
	}
	q.ops = append(q.ops, p)
	return p.clone()
}

// Len returns the number of queued operations.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Snapshot returns copies of the queued operations in insertion order.
func (q *OfflineQueue) Snapshot() []*PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*PendingOperation, len(q.ops))
	for i, p := range q.ops {
		out[i] = p.clone()
	}
	return out
}

// Drain empties the queue and returns its operations ready for replay:
// deduplicated by identity key keeping the most recently queued instance, then
// ordered by priority descending and queue time ascending.
func (q *OfflineQueue) Drain() []*PendingOperation {
	q.mu.Lock()
	ops := q.ops
	q.ops = nil
	q.mu.Unlock()
	return Order(Dedupe(ops))
}

// DiscardWhere removes the queued operations matching pred and returns them.
func (q *OfflineQueue) DiscardWhere(pred func(p *PendingOperation) bool) []*PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var kept, dropped []*PendingOperation
	for _, p := range q.ops {
		if pred(p) {
			dropped = append(dropped, p)
			continue
		}
		kept = append(kept, p)
	}
	q.ops = kept
	return dropped
}

// Strip removes field from the queued operations of store that write it.
// Operations left with nothing to write are removed and returned as dropped;
// the others are returned as trimmed. An empty field drops every operation of
// the store.
func (q *OfflineQueue) Strip(store, field string) (dropped, trimmed []*PendingOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.ops[:0]
	for _, p := range q.ops {
		if p.StoreName != store || !p.Touches(field) {
			kept = append(kept, p)
			continue
		}
		if p.withoutField(field) {
			trimmed = append(trimmed, p.clone())
			kept = append(kept, p)
			continue
		}
		dropped = append(dropped, p)
	}
	for i := len(kept); i < len(q.ops); i++ {
		q.ops[i] = nil
	}
	q.ops = kept
	return dropped, trimmed
}

// Dedupe keeps the most recently queued operation per identity key.
func Dedupe(ops []*PendingOperation) []*PendingOperation {
	latest := make(map[string]*PendingOperation, len(ops))
	for _, p := range ops {
		cur, ok := latest[p.IdentityKey()]
		if !ok || newer(p, cur) {
			latest[p.IdentityKey()] = p
		}
	}
	out := make([]*PendingOperation, 0, len(latest))
	for _, p := range ops {
		if latest[p.IdentityKey()] == p {
			out = append(out, p)
		}
	}
	return out
}

func newer(a, b *PendingOperation) bool {
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.After(b.QueuedAt)
	}
	return a.seq > b.seq
}

// Order sorts ops by priority descending, then queue time ascending. The sort
// is stable so insertion order breaks remaining ties.
func Order(ops []*PendingOperation) []*PendingOperation {
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.seq < b.seq
	})
	return ops
}

// RetryQueue holds operations that exhausted in-place retries but may still
// succeed later.
type RetryQueue struct {
	mu  sync.Mutex
	ops []*PendingOperation
}

func NewRetryQueue() *RetryQueue {
	return &RetryQueue{}
}

// Add parks p until its NextRetryAt.
func (r *RetryQueue) Add(p *PendingOperation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Status = StatusRetrying
	r.ops = append(r.ops, p)
}

// Due removes and returns the operations eligible at now: retries left and
// NextRetryAt reached. Operations with no retries left are removed and
// returned as expired.
func (r *RetryQueue) Due(now time.Time) (due, expired []*PendingOperation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*PendingOperation
	for _, p := range r.ops {
		switch {
		case p.RetryCount >= p.MaxRetries:
			expired = append(expired, p)
		case !now.Before(p.NextRetryAt):
			due = append(due, p)
		default:
			kept = append(kept, p)
		}
	}
	r.ops = kept
	return Order(due), expired
}

// Len returns the number of parked operations.
func (r *RetryQueue) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// Snapshot returns copies of the parked operations.
func (r *RetryQueue) Snapshot() []*PendingOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PendingOperation, len(r.ops))
	for i, p := range r.ops {
		out[i] = p.clone()
	}
	return out
}
