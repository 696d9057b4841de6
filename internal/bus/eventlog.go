package bus

import (
	"sync"
	"time"
)

// LogEntry is one diagnostic record in the event log.
type LogEntry struct {
	Seq       uint64    `json:"seq"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   string    `json:"outcome"`
	Handlers  int       `json:"handlers,omitempty"`
}

// EventLog is a bounded ring buffer of recent emissions.
type EventLog struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

// NewEventLog creates a log holding at most size entries.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = 1
	}
	return &EventLog{entries: make([]LogEntry, size)}
}

// Append records an entry, overwriting the oldest when full.
func (l *EventLog) Append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Entries returns the buffered entries oldest first.
func (l *EventLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]LogEntry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]LogEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Len returns the number of buffered entries.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}
