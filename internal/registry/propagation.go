package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"offline-sync-service/internal/audit"
	"offline-sync-service/internal/bus"
	"offline-sync-service/internal/clock"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/state"
)

// Propagator turns accepted store:state_changed notifications into
// store:dependency_update notifications for every dependent store. The
// derived events go back through the bus, and so through the debouncer.
type Propagator struct {
	reg   *Registry
	bus   *bus.Bus
	sink  audit.Sink
	clock clock.Clock

	wg    sync.WaitGroup
	unsub func()
}

// NewPropagator wires a propagator. sink may be nil.
func NewPropagator(reg *Registry, b *bus.Bus, sink audit.Sink, c clock.Clock) *Propagator {
	if c == nil {
		c = clock.New()
	}
	return &Propagator{reg: reg, bus: b, sink: sink, clock: c}
}

// Start subscribes to state changes.
func (p *Propagator) Start() {
	p.unsub = p.bus.Subscribe(bus.EventStateChanged, p.onStateChanged)
}

// Stop unsubscribes and waits for in-flight audit writes.
func (p *Propagator) Stop() {
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()
}

// Wait blocks until pending audit writes finish.
func (p *Propagator) Wait() {
	p.wg.Wait()
}

// StateChangedPayload builds the payload the propagator expects.
func StateChangedPayload(store string, st state.State) map[string]any {
	return map[string]any{"store": store, "state": st.Clone()}
}

func (p *Propagator) onStateChanged(ctx context.Context, ev bus.Event) error {
	name, _ := ev.Payload["store"].(string)
	st := state.FromMap(ev.Payload["state"])
	if name == "" || st == nil {
		return nil
	}
	obs, err := p.reg.Observe(name, st)
	if err != nil {
		return err
	}
	if !obs.Changed || len(obs.Changes) == 0 {
		return nil
	}
	return p.Propagate(ctx, name, obs.Changes)
}

// Propagate notifies the dependents of source about changes and hands the
// change set to the audit sink.
func (p *Propagator) Propagate(ctx context.Context, source string, changes []state.Change) error {
	now := p.clock.Now()
	dependents := p.reg.Dependents(source)
	for _, dep := range dependents {
		payload := map[string]any{
			"sourceStore":    source,
			"dependentStore": dep,
			"changes":        state.ChangesPayload(changes),
			"timestamp":      now,
		}
		// EmitAsync: waiting here would hold up delivery until the debounce
		// window of the derived event closes.
		if _, err := p.bus.EmitAsync(ctx, bus.EventDependencyUpdate, payload, bus.Options{}); err != nil {
			return err
		}
	}

	if p.sink == nil {
		return nil
	}
	rec := audit.Record{
		SourceStore: source,
		Dependents:  dependents,
		Changes:     make([]map[string]any, len(changes)),
		Timestamp:   now,
	}
	for i, c := range changes {
		rec.Changes[i] = c.AsMap()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sink.Write(context.WithoutCancel(ctx), rec); err != nil {
			logger.Log.Warn("Audit sink write failed",
				zap.String("source", source),
				zap.Error(err),
			)
		}
	}()
	return nil
}
