package debounce

import (
	"fmt"
	"time"

	"offline-sync-service/internal/bus"
	"offline-sync-service/internal/clock"
	"offline-sync-service/internal/state"
)

// group is a coalescing group: distinct emissions sharing a groupBy value,
// folded into one delivery when MaxAge expires, MaxSize is reached, or the
// debouncer is flushed.
type group struct {
	key       string
	groupBy   string
	groupVal  any
	rule      CoalesceRule
	first     bus.Event
	payloads  []map[string]any
	createdAt time.Time
	timer     clock.Timer
	deliver   bus.DeliverFunc
	waiters   []chan bus.Result
}

// addToGroupLocked adds ev to its group and returns a function to run after
// mu is released when the group must execute immediately.
func (d *Debouncer) addToGroupLocked(ev bus.Event, cr CoalesceRule, deliver bus.DeliverFunc,
	ch chan bus.Result, now time.Time) func() {
	val := ev.Payload[cr.GroupBy]
	key := fmt.Sprintf("%s|%s=%v", ev.Name, cr.GroupBy, val)

	g, ok := d.groups[key]
	if !ok {
		g = &group{
			key:       key,
			groupBy:   cr.GroupBy,
			groupVal:  val,
			rule:      cr,
			first:     ev,
			createdAt: now,
			deliver:   deliver,
		}
		g.timer = d.clock.AfterFunc(cr.MaxAge, func() { d.expireGroup(key, g) })
		d.groups[key] = g
	} else {
		d.stats.Coalesced++
	}
	g.payloads = append(g.payloads, ev.Payload)
	g.waiters = append(g.waiters, ch)

	if cr.MaxSize > 0 && len(g.payloads) >= cr.MaxSize {
		g.timer.Stop()
		delete(d.groups, key)
		d.stats.Executed++
		return func() { d.executeGroup(g) }
	}
	return nil
}

func (d *Debouncer) expireGroup(key string, g *group) {
	d.mu.Lock()
	if cur, ok := d.groups[key]; !ok || cur != g {
		d.mu.Unlock()
		return
	}
	delete(d.groups, key)
	d.stats.Executed++
	d.mu.Unlock()

	d.executeGroup(g)
}

func (d *Debouncer) executeGroup(g *group) {
	ev := g.first
	ev.Payload = g.fold()
	ev.Annotate("coalesced", len(g.payloads))

	res := g.deliver(ev)
	res.Merged = len(g.payloads)
	for _, w := range g.waiters {
		w <- res
	}
}

func (g *group) fold() map[string]any {
	switch g.rule.Strategy {
	case CoalesceMerge:
		out := map[string]any{}
		for _, p := range g.payloads {
			out = state.MergePayloads(out, p)
		}
		return out
	case CoalesceAccumulate:
		items := make([]any, len(g.payloads))
		for i, p := range g.payloads {
			items[i] = p
		}
		return map[string]any{
			g.groupBy: g.groupVal,
			"events":  items,
			"count":   len(items),
		}
	default:
		return g.payloads[len(g.payloads)-1]
	}
}
