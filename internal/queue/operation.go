// Package queue buffers operations submitted while offline, replays them in
// priority order on reconnect, and retries transient failures with
// exponential backoff.
package queue

import (
	"time"

	"offline-sync-service/internal/state"
)

// Status is the lifecycle state of a pending operation.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusExecuting         Status = "executing"
	StatusSucceeded         Status = "succeeded"
	StatusRetrying          Status = "retrying"
	StatusFailedPermanently Status = "failed_permanently"
)

// Operation is a mutation submitted against a store.
type Operation struct {
	StoreName string         `json:"storeName"`
	Type      string         `json:"type"`
	Method    string         `json:"method,omitempty"`
	Payload   map[string]any `json:"payload"`
	Priority  int            `json:"priority"`
}

// PendingOperation is an Operation waiting for execution.
type PendingOperation struct {
	ID          string         `json:"id"`
	StoreName   string         `json:"storeName"`
	Type        string         `json:"type"`
	Method      string         `json:"method,omitempty"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	QueuedAt    time.Time      `json:"queuedAt"`
	RetryCount  int            `json:"retryCount"`
	MaxRetries  int            `json:"maxRetries"`
	NextRetryAt time.Time      `json:"nextRetryAt,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	Status      Status         `json:"status"`

	seq uint64
}

// IdentityKey is the deduplication key: type, store and method.
func (p *PendingOperation) IdentityKey() string {
	return p.Type + "|" + p.StoreName + "|" + p.Method
}

// Operation returns the submitted mutation.
func (p *PendingOperation) Operation() Operation {
	return Operation{
		StoreName: p.StoreName,
		Type:      p.Type,
		Method:    p.Method,
		Payload:   p.Payload,
		Priority:  p.Priority,
	}
}

// Touches reports whether the operation's payload writes field.
func (p *PendingOperation) Touches(field string) bool {
	if field == "" {
		return true
	}
	if _, ok := p.Payload[field]; ok {
		return true
	}
	for _, k := range []string{"fields", "data", "value"} {
		if m := state.FromMap(p.Payload[k]); m != nil {
			if _, ok := m[field]; ok {
				return true
			}
		}
	}
	if f, ok := p.Payload["field"].(string); ok && f == field {
		return true
	}
	if list, ok := state.AsSlice(p.Payload["fields"]); ok {
		for _, f := range list {
			if f == field {
				return true
			}
		}
	}
	return false
}

// withoutField removes field from the payload and reports whether the
// operation still writes anything. Fields written through a nested form
// cannot be separated, so such an operation is dropped whole.
func (p *PendingOperation) withoutField(field string) bool {
	if field == "" {
		return false
	}
	payload := state.State(p.Payload).Clone()
	if list, ok := state.AsSlice(payload["fields"]); ok {
		kept := make([]any, 0, len(list))
		for _, f := range list {
			if f != field {
				kept = append(kept, f)
			}
		}
		if len(kept) == 0 {
			return false
		}
		payload["fields"] = kept
		p.Payload = payload
		return true
	}
	if _, ok := payload[field]; !ok {
		return false
	}
	delete(payload, field)
	p.Payload = payload
	return len(payload) > 0
}

func (p *PendingOperation) clone() *PendingOperation {
	c := *p
	if p.Payload != nil {
		c.Payload = state.State(p.Payload).Clone()
	}
	return &c
}
