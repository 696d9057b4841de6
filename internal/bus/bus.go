package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"offline-sync-service/internal/clock"
	"offline-sync-service/internal/logger"
)

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

// DefaultEventLogSize bounds the diagnostic ring buffer.
const DefaultEventLogSize = 256

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event bus closed")

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the ordered publish/subscribe channel.
//
// Thread-safety: every method is safe for concurrent use. Handlers run
// without any bus lock held, so they may emit further events.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]subscription
	middleware []Middleware
	nextSubID  uint64

	gate   Gate
	clock  clock.Clock
	log    *EventLog
	seq    atomic.Uint64
	closed atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithGate installs the gate (debouncer) in front of delivery.
func WithGate(g Gate) Option {
	return func(b *Bus) { b.gate = g }
}

// WithClock sets the time source used to stamp events.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithEventLogSize sets the ring buffer capacity.
func WithEventLogSize(n int) Option {
	return func(b *Bus) { b.log = NewEventLog(n) }
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:  make(map[string][]subscription),
		clock: clock.New(),
		log:   NewEventLog(DefaultEventLogSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Use appends a middleware stage. Stages run in the order they were added.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Subscribe registers h for events named name (or Wildcard) and returns a
// function that removes the subscription.
func (b *Bus) Subscribe(name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[name]
			for i, s := range list {
				if s.id == id {
					b.subs[name] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[name]) == 0 {
				delete(b.subs, name)
			}
		})
	}
}

// Emit publishes an event and waits until it is delivered, merged, or dropped.
// For gated events this means waiting for the debounce or coalescing window.
func (b *Bus) Emit(ctx context.Context, name string, payload map[string]any, opts Options) (Result, error) {
	ch, err := b.EmitAsync(ctx, name, payload, opts)
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// EmitAsync publishes an event without waiting for gated delivery. The
// returned channel yields exactly one Result.
func (b *Bus) EmitAsync(ctx context.Context, name string, payload map[string]any, opts Options) (<-chan Result, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	ev := Event{
		Seq:       b.seq.Add(1),
		Name:      name,
		Payload:   payload,
		Timestamp: b.clock.Now(),
	}
	if opts.Immediate {
		ev.Annotate(MetaImmediate, true)
	}

	ok, err := b.runPipeline(ctx, &ev)
	out := make(chan Result, 1)
	switch {
	case err != nil:
		logger.Log.Warn("Middleware failed, delivering directly",
			zap.String("event", name),
			zap.Error(err),
		)
		ev.Annotate(MetaFailOpen, true)
		out <- b.deliver(ev)
		return out, nil
	case !ok:
		b.record(ev, "vetoed", 0)
		out <- Result{Dropped: true, Reason: "vetoed"}
		return out, nil
	case ev.Flag(MetaSuppress):
		b.record(ev, "suppressed", 0)
		out <- Result{Suppressed: true, Reason: "middleware"}
		return out, nil
	}

	b.mu.RLock()
	gate := b.gate
	b.mu.RUnlock()

	if gate == nil || ev.Flag(MetaImmediate) {
		out <- b.deliver(ev)
		return out, nil
	}

	b.record(ev, "gated", 0)
	return gate.Submit(ev, opts, b.deliver), nil
}

func (b *Bus) runPipeline(ctx context.Context, ev *Event) (ok bool, err error) {
	b.mu.RLock()
	stages := make([]Middleware, len(b.middleware))
	copy(stages, b.middleware)
	b.mu.RUnlock()

	for i, mw := range stages {
		ok, err = callMiddleware(ctx, mw, ev)
		if err != nil {
			return false, fmt.Errorf("middleware %d: %w", i, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func callMiddleware(ctx context.Context, mw Middleware, ev *Event) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return mw(ctx, ev)
}

// deliver hands ev to every subscriber in registration order. Named
// subscribers run before wildcard subscribers.
func (b *Bus) deliver(ev Event) Result {
	b.mu.RLock()
	named := b.subs[ev.Name]
	wild := b.subs[Wildcard]
	handlers := make([]Handler, 0, len(named)+len(wild))
	for _, s := range named {
		handlers = append(handlers, s.handler)
	}
	for _, s := range wild {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	res := Result{Delivered: true, Handlers: len(handlers)}
	ctx := context.Background()
	for _, h := range handlers {
		if err := callHandler(ctx, h, ev); err != nil {
			res.Failed++
			logger.Log.Error("Event handler failed",
				zap.String("event", ev.Name),
				zap.Uint64("seq", ev.Seq),
				zap.Error(err),
			)
		}
	}
	b.record(ev, "delivered", len(handlers))
	return res
}

func callHandler(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

func (b *Bus) record(ev Event, outcome string, handlers int) {
	b.log.Append(LogEntry{
		Seq:       ev.Seq,
		Name:      ev.Name,
		Timestamp: ev.Timestamp,
		Outcome:   outcome,
		Handlers:  handlers,
	})
}

// Log returns the recent emissions, oldest first.
func (b *Bus) Log() []LogEntry {
	return b.log.Entries()
}

// SubscriberCount returns the number of handlers registered for name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Close rejects further emissions. Pending gated emissions are the gate's
// responsibility.
func (b *Bus) Close() {
	b.closed.Store(true)
}
