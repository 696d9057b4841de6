package debounce

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/bus"
	"offline-sync-service/internal/clock"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/state"
)

// Drop reasons reported in bus.Result.Reason.
const (
	ReasonNoChange    = "no_change"
	ReasonDuplicate   = "duplicate"
	ReasonRateLimited = "rate_limited"
)

// Stats counts debouncer decisions.
type Stats struct {
	Suppressed  int64 `json:"suppressed"`
	Duplicates  int64 `json:"duplicates"`
	RateLimited int64 `json:"rateLimited"`
	Merged      int64 `json:"merged"`
	Coalesced   int64 `json:"coalesced"`
	Executed    int64 `json:"executed"`
	Flushed     int64 `json:"flushed"`
}

// entry is a pending debounced emission (one per key).
type entry struct {
	key         string
	ev          bus.Event
	deliver     bus.DeliverFunc
	timer       clock.Timer
	gen         uint64
	updateCount int
	waiters     []chan bus.Result
}

type lastExec struct {
	at   time.Time
	hash string
}

// Debouncer implements bus.Gate.
//
// Thread-safety: all state is guarded by mu; delivery always happens with mu
// released so handlers may emit again.
type Debouncer struct {
	cfg     Config
	clock   clock.Clock
	limiter *RateLimiter

	mu      sync.Mutex
	pending map[string]*entry
	groups  map[string]*group
	last    map[string]lastExec
	gen     uint64
	closed  bool
	stats   Stats
}

// New creates a debouncer with the given policy.
func New(cfg Config, c clock.Clock) *Debouncer {
	if c == nil {
		c = clock.New()
	}
	return &Debouncer{
		cfg:     cfg,
		clock:   c,
		limiter: NewRateLimiter(cfg.MaxEventsPerSecond),
		pending: make(map[string]*entry),
		groups:  make(map[string]*group),
		last:    make(map[string]lastExec),
	}
}

// Submit implements bus.Gate.
func (d *Debouncer) Submit(ev bus.Event, opts bus.Options, deliver bus.DeliverFunc) <-chan bus.Result {
	ch := make(chan bus.Result, 1)
	now := d.clock.Now()

	if isNoop(ev.Payload) {
		d.mu.Lock()
		d.stats.Suppressed++
		d.mu.Unlock()
		ch <- bus.Result{Suppressed: true, Reason: ReasonNoChange}
		return ch
	}

	rule := d.cfg.rule(ev.Name)
	key := opts.Key
	if key == "" {
		key = d.keyFor(ev, rule)
	}
	hash, _ := state.Digest(state.DomainPayload, ev.Payload)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		ch <- deliver(ev)
		return ch
	}

	if last, ok := d.last[key]; ok && rule.Delay > 0 && hash != "" &&
		last.hash == hash && now.Sub(last.at) < rule.Delay/2 {
		d.stats.Duplicates++
		d.mu.Unlock()
		ch <- bus.Result{Suppressed: true, Reason: ReasonDuplicate}
		return ch
	}

	if !d.limiter.Allow(key, now) {
		d.stats.RateLimited++
		d.mu.Unlock()
		ch <- bus.Result{Dropped: true, Reason: ReasonRateLimited}
		return ch
	}

	if cr, ok := d.cfg.Coalescing[ev.Name]; ok {
		run := d.addToGroupLocked(ev, cr, deliver, ch, now)
		d.mu.Unlock()
		if run != nil {
			run()
		}
		return ch
	}

	if rule.Delay <= 0 {
		d.last[key] = lastExec{at: now, hash: hash}
		d.stats.Executed++
		d.mu.Unlock()
		ch <- deliver(ev)
		return ch
	}

	ev.Annotate(bus.MetaDebounced, true)
	if e, ok := d.pending[key]; ok {
		e.timer.Stop()
		e.ev = mergeEvent(e.ev, ev, rule.Merge)
		e.updateCount++
		e.waiters = append(e.waiters, ch)
		d.gen++
		e.gen = d.gen
		gen := e.gen
		e.timer = d.clock.AfterFunc(rule.Delay, func() { d.fire(key, gen) })
		d.stats.Merged++
		d.mu.Unlock()
		return ch
	}

	d.gen++
	e := &entry{
		key:         key,
		ev:          ev,
		deliver:     deliver,
		gen:         d.gen,
		updateCount: 1,
		waiters:     []chan bus.Result{ch},
	}
	gen := e.gen
	e.timer = d.clock.AfterFunc(rule.Delay, func() { d.fire(key, gen) })
	d.pending[key] = e
	d.mu.Unlock()
	return ch
}

func (d *Debouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	e, ok := d.pending[key]
	if !ok || e.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.markExecutedLocked(e)
	d.mu.Unlock()

	d.execute(e)
}

func (d *Debouncer) markExecutedLocked(e *entry) {
	hash, _ := state.Digest(state.DomainPayload, e.ev.Payload)
	d.last[e.key] = lastExec{at: d.clock.Now(), hash: hash}
	d.stats.Executed++
}

func (d *Debouncer) execute(e *entry) {
	res := e.deliver(e.ev)
	res.Merged = e.updateCount
	for _, w := range e.waiters {
		w <- res
	}
}

// Flush executes every pending debounced entry and coalescing group now.
func (d *Debouncer) Flush() int {
	d.mu.Lock()
	entries := make([]*entry, 0, len(d.pending))
	for k, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, k)
		d.markExecutedLocked(e)
		entries = append(entries, e)
	}
	groups := make([]*group, 0, len(d.groups))
	for k, g := range d.groups {
		g.timer.Stop()
		delete(d.groups, k)
		groups = append(groups, g)
	}
	d.stats.Flushed += int64(len(entries) + len(groups))
	d.mu.Unlock()

	for _, e := range entries {
		d.execute(e)
	}
	for _, g := range groups {
		d.executeGroup(g)
	}
	return len(entries) + len(groups)
}

// Close force-flushes everything pending. Later submissions are delivered
// directly.
func (d *Debouncer) Close() int {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	n := d.Flush()
	if n > 0 {
		logger.Log.Info("Flushed pending events on shutdown", zap.Int("count", n))
	}
	return n
}

// Pending returns the number of pending debounce entries and coalescing groups.
func (d *Debouncer) Pending() (entries, groups int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending), len(d.groups)
}

// Stats returns a copy of the decision counters.
func (d *Debouncer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Sweep forgets duplicate-detection and rate-limit history older than the
// longest configured window.
func (d *Debouncer) Sweep() {
	now := d.clock.Now()
	d.limiter.Sweep(now)

	horizon := d.cfg.DefaultDelay
	for _, r := range d.cfg.Rules {
		if r.Delay > horizon {
			horizon = r.Delay
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, l := range d.last {
		if now.Sub(l.at) > horizon {
			delete(d.last, k)
		}
	}
}

func (d *Debouncer) keyFor(ev bus.Event, r Rule) string {
	var b strings.Builder
	b.WriteString(ev.Name)
	for _, f := range d.cfg.keyFields(r) {
		v, ok := ev.Payload[f]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "|%s=%v", f, v)
	}
	return b.String()
}

func mergeEvent(pending, next bus.Event, rule MergeRule) bus.Event {
	out := next
	switch rule {
	case MergeDeep:
		out.Payload = state.MergePayloads(pending.Payload, next.Payload)
	default:
		out.Payload = next.Payload
	}
	for k, v := range pending.Meta {
		if _, ok := out.Meta[k]; !ok {
			out.Annotate(k, v)
		}
	}
	return out
}

// isNoop reports payloads that explicitly signal no meaningful change: a
// "noop" flag, or a present but empty "changes"/"delta" field.
func isNoop(p map[string]any) bool {
	if v, ok := p["noop"].(bool); ok && v {
		return true
	}
	for _, f := range []string{"changes", "delta"} {
		v, ok := p[f]
		if !ok {
			continue
		}
		if v == nil {
			return true
		}
		if s, ok := state.AsSlice(v); ok && len(s) == 0 {
			return true
		}
		if m := state.FromMap(v); m != nil && len(m) == 0 {
			return true
		}
	}
	return false
}
