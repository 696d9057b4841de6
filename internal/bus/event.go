// Package bus implements the ordered publish/subscribe backbone that carries
// every cross-component notification. Emissions pass through a middleware
// pipeline, then through an optional Gate (the debouncer), then reach
// subscribers in registration order.
package bus

import (
	"context"
	"time"
)

// Event is a single emission.
type Event struct {
	Seq       uint64
	Name      string
	Payload   map[string]any
	Meta      map[string]any
	Timestamp time.Time
}

// Annotate sets a middleware annotation on the event.
func (e *Event) Annotate(key string, value any) {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
}

// Flag reports whether the annotation key is set to true.
func (e Event) Flag(key string) bool {
	v, ok := e.Meta[key].(bool)
	return ok && v
}

// Well-known annotations.
const (
	MetaSuppress  = "suppress"
	MetaDebounced = "debounced"
	MetaImmediate = "immediate"
	MetaFailOpen  = "fail_open"
)

// Options tune a single emission.
type Options struct {
	// Immediate bypasses the gate and delivers synchronously.
	Immediate bool
	// Key overrides the discriminating key the gate derives from the payload.
	Key string
}

// Result describes what happened to an emission.
type Result struct {
	Delivered  bool
	Handlers   int
	Failed     int
	Suppressed bool
	Dropped    bool
	Reason     string
	// Merged counts the emissions folded into the delivered one.
	Merged int
}

// Handler receives delivered events. Returned errors are logged.
type Handler func(ctx context.Context, ev Event) error

// Middleware runs before delivery. Returning false vetoes the emission; a
// returned error (or panic) makes the bus fall back to direct delivery.
type Middleware func(ctx context.Context, ev *Event) (bool, error)

// DeliverFunc hands an event to subscribers and reports the outcome.
type DeliverFunc func(ev Event) Result

// Gate sits in front of delivery and may delay, merge or drop emissions.
// Submit must not block; the returned channel yields exactly one Result.
type Gate interface {
	Submit(ev Event, opts Options, deliver DeliverFunc) <-chan Result
}
