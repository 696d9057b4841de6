package sync

import (
	"fmt"
	"time"

	"offline-sync-service/internal/queue"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// ChangeEvent reports that the remote document of a store changed outside
// this engine.
type ChangeEvent struct {
	Type      EventType
	Store     string
	Timestamp time.Time
	// Position is the change feed position, e.g. "mysql-bin.000003:4711".
	Position string
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("[%s] %s @%s", e.Type, e.Store, e.Position)
}

// ChangeSource delivers ChangeEvents until stopped.
type ChangeSource interface {
	Start() error
	Stop()
	Events() <-chan ChangeEvent
}

// SubmitResult is returned by SubmitOperation.
type SubmitResult struct {
	// Status is "queued" while offline, else the operation's final status.
	Status    string                  `json:"status"`
	Operation *queue.PendingOperation `json:"operation"`
	Error     string                  `json:"error,omitempty"`
}
