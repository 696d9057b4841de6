package debounce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/bus"
	"offline-sync-service/internal/clock"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type sink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *sink) deliver(ev bus.Event) bus.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return bus.Result{Delivered: true, Handlers: 1}
}

func (s *sink) all() []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.Event, len(s.events))
	copy(out, s.events)
	return out
}

func ev(name string, payload map[string]any) bus.Event {
	return bus.Event{Name: name, Payload: payload}
}

func recv(t *testing.T, ch <-chan bus.Result) bus.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	default:
		t.Fatal("result not ready")
		return bus.Result{}
	}
}

func pendingResult(ch <-chan bus.Result) bool {
	select {
	case <-ch:
		return false
	default:
		return true
	}
}

func TestDebouncer_BurstYieldsOneEmissionWithLatestPayload(t *testing.T) {
	c := clock.NewManual(epoch)
	d := New(Config{Rules: map[string]Rule{
		"store:state_changed": {Delay: 100 * time.Millisecond, KeyFields: []string{"store"}},
	}}, c)
	s := &sink{}

	var chans []<-chan bus.Result
	for i := 1; i <= 5; i++ {
		chans = append(chans, d.Submit(ev("store:state_changed", map[string]any{"store": "inventory", "n": i}), bus.Options{}, s.deliver))
		c.Advance(50 * time.Millisecond)
	}
	assert.Empty(t, s.all(), "every new event restarts the window")

	c.Advance(100 * time.Millisecond)
	got := s.all()
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].Payload["n"])
	assert.True(t, got[0].Flag(bus.MetaDebounced))

	for _, ch := range chans {
		res := recv(t, ch)
		assert.True(t, res.Delivered)
		assert.Equal(t, 5, res.Merged)
	}
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	c := clock.NewManual(epoch)
	d := New(Config{DefaultDelay: 10 * time.Millisecond}, c)
	s := &sink{}

	d.Submit(ev("store:state_changed", map[string]any{"store": "inventory"}), bus.Options{}, s.deliver)
	d.Submit(ev("store:state_changed", map[string]any{"store": "sales"}), bus.Options{}, s.deliver)
	c.Advance(10 * time.Millisecond)

	assert.Len(t, s.all(), 2)
}

func TestDebouncer_DeepMergeForBatchEvents(t *testing.T) {
	c := clock.NewManual(epoch)
	d := New(Config{Rules: map[string]Rule{
		"inventory:batch": {Delay: 20 * time.Millisecond, Merge: MergeDeep},
	}}, c)
	s := &sink{}

	d.Submit(ev("inventory:batch", map[string]any{"ids": []any{1, 2}, "meta": map[string]any{"a": 1}}), bus.Options{}, s.deliver)
	d.Submit(ev("inventory:batch", map[string]any{"ids": []any{2, 3}, "meta": map[string]any{"b": 2}}), bus.Options{}, s.deliver)
	c.Advance(20 * time.Millisecond)

	got := s.all()
	require.Len(t, got, 1)
	assert.Equal(t, []any{1, 2, 3}, got[0].Payload["ids"])
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, got[0].Payload["meta"])
}

func TestDebouncer_SuppressesNoopPayloads(t *testing.T) {
	d := New(Config{}, clock.NewManual(epoch))
	s := &sink{}

	for _, p := range []map[string]any{
		{"noop": true},
		{"changes": []any{}},
		{"delta": map[string]any{}},
	} {
		res := recv(t, d.Submit(ev("store:dependency_update", p), bus.Options{}, s.deliver))
		assert.True(t, res.Suppressed)
		assert.Equal(t, ReasonNoChange, res.Reason)
	}
	assert.Empty(t, s.all())
	assert.Equal(t, int64(3), d.Stats().Suppressed)
}

func TestDebouncer_DuplicateWithinHalfWindow(t *testing.T) {
	c := clock.NewManual(epoch)
	d := New(Config{DefaultDelay: 100 * time.Millisecond}, c)
	s := &sink{}
	payload := map[string]any{"store": "inventory", "stock": 4}

	d.Submit(ev("e", payload), bus.Options{}, s.deliver)
	c.Advance(100 * time.Millisecond)
	require.Len(t, s.all(), 1)

	c.Advance(20 * time.Millisecond)
	res := recv(t, d.Submit(ev("e", payload), bus.Options{}, s.deliver))
	assert.True(t, res.Suppressed)
	assert.Equal(t, ReasonDuplicate, res.Reason)

	// A different payload for the same key is not a duplicate.
	ch := d.Submit(ev("e", map[string]any{"store": "inventory", "stock": 5}), bus.Options{}, s.deliver)
	assert.True(t, pendingResult(ch))

	// Once the pending change executes, the earlier payload is no longer the
	// last one seen and is accepted again.
	c.Advance(100 * time.Millisecond)
	ch = d.Submit(ev("e", payload), bus.Options{}, s.deliver)
	assert.True(t, pendingResult(ch))
}

func TestDebouncer_RateLimitAcceptsExactlyK(t *testing.T) {
	const k, m = 5, 3
	c := clock.NewManual(epoch)
	d := New(Config{MaxEventsPerSecond: k}, c)
	s := &sink{}

	accepted, dropped := 0, 0
	for i := 0; i < k+m; i++ {
		res := recv(t, d.Submit(ev("e", map[string]any{"store": "inventory", "i": i}), bus.Options{}, s.deliver))
		if res.Dropped && res.Reason == ReasonRateLimited {
			dropped++
		} else {
			accepted++
		}
		c.Advance(10 * time.Millisecond)
	}

	assert.Equal(t, k, accepted)
	assert.Equal(t, m, dropped)
	assert.Len(t, s.all(), k)

	c.Advance(time.Second)
	res := recv(t, d.Submit(ev("e", map[string]any{"store": "inventory", "i": 99}), bus.Options{}, s.deliver))
	assert.True(t, res.Delivered, "window slides")
}

func TestDebouncer_CoalesceMergeIsOrderIndependent(t *testing.T) {
	payloads := []map[string]any{
		{"storeName": "inventory", "added": []any{"a"}, "p1": 1},
		{"storeName": "inventory", "added": []any{"b"}, "p2": 2},
		{"storeName": "inventory", "added": []any{"c"}, "p3": 3},
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}

	var results []map[string]any
	for _, order := range orders {
		c := clock.NewManual(epoch)
		d := New(Config{Coalescing: map[string]CoalesceRule{
			"sync:changes": {GroupBy: "storeName", MaxAge: 50 * time.Millisecond, Strategy: CoalesceMerge},
		}}, c)
		s := &sink{}
		for _, i := range order {
			d.Submit(ev("sync:changes", payloads[i]), bus.Options{}, s.deliver)
		}
		c.Advance(50 * time.Millisecond)
		got := s.all()
		require.Len(t, got, 1)
		results = append(results, got[0].Payload)
	}

	for _, r := range results {
		assert.Equal(t, "inventory", r["storeName"])
		assert.Equal(t, 1, r["p1"])
		assert.Equal(t, 2, r["p2"])
		assert.Equal(t, 3, r["p3"])
		assert.ElementsMatch(t, []any{"a", "b", "c"}, r["added"])
	}
}

func TestDebouncer_CoalesceStrategies(t *testing.T) {
	tests := []struct {
		strategy CoalesceStrategy
		check    func(t *testing.T, p map[string]any)
	}{
		{CoalesceLatest, func(t *testing.T, p map[string]any) {
			assert.Equal(t, 3, p["n"])
		}},
		{CoalesceAccumulate, func(t *testing.T, p map[string]any) {
			assert.Equal(t, 3, p["count"])
			assert.Equal(t, "g1", p["group"])
			require.Len(t, p["events"], 3)
			assert.Equal(t, 1, p["events"].([]any)[0].(map[string]any)["n"])
		}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			c := clock.NewManual(epoch)
			d := New(Config{Coalescing: map[string]CoalesceRule{
				"e": {GroupBy: "group", MaxAge: time.Second, Strategy: tt.strategy},
			}}, c)
			s := &sink{}
			for i := 1; i <= 3; i++ {
				d.Submit(ev("e", map[string]any{"group": "g1", "n": i}), bus.Options{}, s.deliver)
			}
			c.Advance(time.Second)
			got := s.all()
			require.Len(t, got, 1)
			tt.check(t, got[0].Payload)
		})
	}
}

func TestDebouncer_CoalesceMaxSizeExecutesEarly(t *testing.T) {
	c := clock.NewManual(epoch)
	d := New(Config{Coalescing: map[string]CoalesceRule{
		"e": {GroupBy: "group", MaxAge: time.Hour, MaxSize: 2, Strategy: CoalesceAccumulate},
	}}, c)
	s := &sink{}

	first := d.Submit(ev("e", map[string]any{"group": "g"}), bus.Options{}, s.deliver)
	second := d.Submit(ev("e", map[string]any{"group": "g"}), bus.Options{}, s.deliver)

	assert.Len(t, s.all(), 1)
	assert.Equal(t, 2, recv(t, first).Merged)
	assert.Equal(t, 2, recv(t, second).Merged)
	_, groups := d.Pending()
	assert.Zero(t, groups)
}

func TestDebouncer_CloseForceFlushes(t *testing.T) {
	c := clock.NewManual(epoch)
	d := New(Config{
		DefaultDelay: time.Hour,
		Coalescing:   map[string]CoalesceRule{"grouped": {GroupBy: "g", MaxAge: time.Hour}},
	}, c)
	s := &sink{}

	a := d.Submit(ev("e", map[string]any{"store": "inventory"}), bus.Options{}, s.deliver)
	b := d.Submit(ev("grouped", map[string]any{"g": 1}), bus.Options{}, s.deliver)
	entries, groups := d.Pending()
	assert.Equal(t, 1, entries)
	assert.Equal(t, 1, groups)

	assert.Equal(t, 2, d.Close())
	assert.Len(t, s.all(), 2)
	assert.True(t, recv(t, a).Delivered)
	assert.True(t, recv(t, b).Delivered)

	// After close, submissions pass straight through.
	assert.True(t, recv(t, d.Submit(ev("e", map[string]any{"store": "x"}), bus.Options{}, s.deliver)).Delivered)

	// Stopped timers must not deliver a second time.
	c.Advance(2 * time.Hour)
	assert.Len(t, s.all(), 3)
}

func TestDebouncer_WithBus(t *testing.T) {
	c := clock.NewManual(epoch)
	d := New(Config{DefaultDelay: 50 * time.Millisecond}, c)
	b := bus.New(bus.WithGate(d), bus.WithClock(c))

	var got []map[string]any
	b.Subscribe("store:state_changed", func(_ context.Context, e bus.Event) error {
		got = append(got, e.Payload)
		return nil
	})

	done := make(chan bus.Result, 3)
	for i := 0; i < 3; i++ {
		ch, err := b.EmitAsync(context.Background(), "store:state_changed", map[string]any{"store": "sales", "i": i}, bus.Options{})
		require.NoError(t, err)
		go func() { done <- <-ch }()
	}
	c.Advance(50 * time.Millisecond)

	for i := 0; i < 3; i++ {
		select {
		case r := <-done:
			assert.True(t, r.Delivered)
		case <-time.After(time.Second):
			t.Fatal("emit did not resolve")
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0]["i"])
}

func TestRateLimiter_Sweep(t *testing.T) {
	l := NewRateLimiter(1)
	assert.True(t, l.Allow("a", epoch))
	assert.False(t, l.Allow("a", epoch.Add(500*time.Millisecond)))
	l.Sweep(epoch.Add(2 * time.Second))
	assert.Zero(t, l.Keys())
	assert.True(t, NewRateLimiter(0).Allow("x", epoch))
}

func TestParseRules(t *testing.T) {
	r, err := ParseMergeRule("deep")
	require.NoError(t, err)
	assert.Equal(t, MergeDeep, r)
	_, err = ParseMergeRule("weird")
	assert.Error(t, err)

	s, err := ParseCoalesceStrategy("accumulate")
	require.NoError(t, err)
	assert.Equal(t, CoalesceAccumulate, s)
	_, err = ParseCoalesceStrategy("nope")
	assert.Error(t, err)
}
