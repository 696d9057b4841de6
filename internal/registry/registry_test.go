package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/audit"
	"offline-sync-service/internal/bus"
	"offline-sync-service/internal/clock"
	"offline-sync-service/internal/debounce"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/syncerr"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T, c clock.Clock) *Registry {
	t.Helper()
	r := New(c)
	require.NoError(t, r.Register(StoreSpec{Name: "inventory", SignificantFields: []string{"stock", "products"}}))
	require.NoError(t, r.Register(StoreSpec{Name: "sales", Dependencies: []string{"inventory"}}))
	require.NoError(t, r.Register(StoreSpec{Name: "reports", Dependencies: []string{"sales", "inventory"}}))
	require.NoError(t, r.Register(StoreSpec{Name: "audit", Dependencies: []string{Wildcard}}))
	return r
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newRegistry(t, clock.NewManual(epoch))

	assert.Error(t, r.Register(StoreSpec{Name: "inventory"}))
	assert.Error(t, r.Register(StoreSpec{Name: Wildcard}))

	h, err := r.Get("reports")
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory", "sales"}, h.Dependencies)
	assert.True(t, h.IsActive)
	assert.Nil(t, h.LastSyncedAt)

	_, err = r.Get("missing")
	assert.True(t, errors.Is(err, syncerr.ErrUnknownStore))
	assert.Equal(t, []string{"audit", "inventory", "reports", "sales"}, r.Names())
}

func TestRegistry_Dependents(t *testing.T) {
	r := newRegistry(t, nil)
	assert.Equal(t, []string{"audit", "reports", "sales"}, r.Dependents("inventory"))
	assert.Equal(t, []string{"audit", "reports"}, r.Dependents("sales"))
	assert.Equal(t, []string(nil), r.Dependents("audit"))
}

func TestRegistry_ObserveRestrictsToSignificantFields(t *testing.T) {
	c := clock.NewManual(epoch)
	r := newRegistry(t, c)

	obs, err := r.Observe("inventory", state.State{"stock": 1, "ui": "open"})
	require.NoError(t, err)
	assert.True(t, obs.Changed)
	assert.Equal(t, []state.Change{{Field: "stock", Old: nil, New: 1}}, obs.Changes)

	c.Advance(time.Second)
	obs, err = r.Observe("inventory", state.State{"stock": 1, "ui": "closed"})
	require.NoError(t, err)
	assert.True(t, obs.Changed, "hash covers every non-noise field")
	assert.Empty(t, obs.Changes)

	obs, err = r.Observe("inventory", state.State{"stock": 1, "ui": "closed"})
	require.NoError(t, err)
	assert.False(t, obs.Changed)

	h, _ := r.Get("inventory")
	require.NotNil(t, h.LastSyncedAt)
	assert.Equal(t, epoch.Add(time.Second), *h.LastSyncedAt)
	assert.Equal(t, obs.Hash, h.StateHash)
}

func TestRegistry_Degraded(t *testing.T) {
	r := newRegistry(t, nil)
	r.MarkDegraded("sales", "error flag set")
	assert.Equal(t, []string{"sales"}, r.Degraded())
	h, _ := r.Get("sales")
	assert.Equal(t, "error flag set", h.DegradedReason)

	r.ClearDegraded("sales")
	assert.Empty(t, r.Degraded())

	r.SetActive("sales", false)
	h, _ = r.Get("sales")
	assert.False(t, h.IsActive)
}

type collector struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *collector) handle(_ context.Context, ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) byDependent() map[string]bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bus.Event)
	for _, ev := range c.events {
		out[ev.Payload["dependentStore"].(string)] = ev
	}
	return out
}

func TestPropagator_NotifiesDependentsAndAudit(t *testing.T) {
	c := clock.NewManual(epoch)
	r := newRegistry(t, c)
	b := bus.New(bus.WithClock(c))
	sink := &audit.MemorySink{}
	p := NewPropagator(r, b, sink, c)
	p.Start()

	got := &collector{}
	b.Subscribe(bus.EventDependencyUpdate, got.handle)

	_, err := b.Emit(context.Background(), bus.EventStateChanged,
		StateChangedPayload("inventory", state.State{"stock": 3}), bus.Options{})
	require.NoError(t, err)
	p.Wait()

	events := got.byDependent()
	require.Len(t, events, 3)
	for _, dep := range []string{"sales", "reports", "audit"} {
		ev, ok := events[dep]
		require.True(t, ok, dep)
		assert.Equal(t, "inventory", ev.Payload["sourceStore"])
		assert.Equal(t, []any{map[string]any{"field": "stock", "old": nil, "new": 3}}, ev.Payload["changes"])
		assert.Equal(t, epoch, ev.Payload["timestamp"])
	}

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "inventory", recs[0].SourceStore)
	assert.Equal(t, []string{"audit", "reports", "sales"}, recs[0].Dependents)
}

func TestPropagator_IgnoresUnchangedState(t *testing.T) {
	r := newRegistry(t, nil)
	b := bus.New()
	p := NewPropagator(r, b, nil, nil)
	p.Start()
	defer p.Stop()

	got := &collector{}
	b.Subscribe(bus.EventDependencyUpdate, got.handle)

	payload := StateChangedPayload("sales", state.State{"total": 10})
	_, err := b.Emit(context.Background(), bus.EventStateChanged, payload, bus.Options{})
	require.NoError(t, err)
	_, err = b.Emit(context.Background(), bus.EventStateChanged, payload, bus.Options{})
	require.NoError(t, err)

	assert.Len(t, got.byDependent(), 2)
	got.mu.Lock()
	assert.Len(t, got.events, 2, "second identical state propagates nothing")
	got.mu.Unlock()
}

func TestPropagator_AuditFailureIsNotPropagated(t *testing.T) {
	r := newRegistry(t, nil)
	b := bus.New()
	p := NewPropagator(r, b, &audit.MemorySink{Err: errors.New("down")}, nil)

	err := p.Propagate(context.Background(), "inventory", []state.Change{{Field: "stock", New: 1}})
	assert.NoError(t, err)
	p.Wait()
}

func TestPropagator_StormIsBoundedByDebouncer(t *testing.T) {
	c := clock.NewManual(epoch)
	r := newRegistry(t, c)
	d := debounce.New(debounce.Config{Rules: map[string]debounce.Rule{
		bus.EventDependencyUpdate: {
			Delay:     100 * time.Millisecond,
			KeyFields: []string{"sourceStore", "dependentStore"},
			Merge:     debounce.MergeDeep,
		},
	}}, c)
	b := bus.New(bus.WithGate(d), bus.WithClock(c))
	p := NewPropagator(r, b, nil, c)
	p.Start()

	got := &collector{}
	b.Subscribe(bus.EventDependencyUpdate, got.handle)

	for i := 1; i <= 10; i++ {
		// State changes bypass the gate here so each one is observed.
		_, err := b.Emit(context.Background(), bus.EventStateChanged,
			StateChangedPayload("sales", state.State{"total": i}), bus.Options{Immediate: true})
		require.NoError(t, err)
		c.Advance(10 * time.Millisecond)
	}
	c.Advance(100 * time.Millisecond)

	got.mu.Lock()
	defer got.mu.Unlock()
	require.Len(t, got.events, 2, "one merged update per dependent")
	for _, ev := range got.events {
		assert.Len(t, ev.Payload["changes"], 10)
	}
}
