// Package debounce reduces emission volume in front of the event bus without
// dropping information needed for correctness. It suppresses no-op and
// duplicate events, rate-limits per key, debounces bursts per
// (event, discriminating key) and coalesces grouped events.
package debounce

import (
	"fmt"
	"strings"
	"time"
)

// MergeRule decides how a pending debounced payload absorbs a newer one.
type MergeRule int

const (
	// MergeLatest keeps the newest payload (state-change events).
	MergeLatest MergeRule = iota
	// MergeDeep unions arrays and shallow-merges objects (batch events).
	MergeDeep
)

func (m MergeRule) String() string {
	switch m {
	case MergeLatest:
		return "latest"
	case MergeDeep:
		return "deep"
	default:
		return fmt.Sprintf("MergeRule(%d)", int(m))
	}
}

// ParseMergeRule parses "latest" or "deep".
func ParseMergeRule(s string) (MergeRule, error) {
	switch strings.ToLower(s) {
	case "", "latest":
		return MergeLatest, nil
	case "deep", "merge":
		return MergeDeep, nil
	default:
		return 0, fmt.Errorf("unknown merge rule %q", s)
	}
}

// CoalesceStrategy decides how a coalescing group folds its payloads.
type CoalesceStrategy int

const (
	CoalesceLatest CoalesceStrategy = iota
	CoalesceMerge
	CoalesceAccumulate
)

func (s CoalesceStrategy) String() string {
	switch s {
	case CoalesceLatest:
		return "latest"
	case CoalesceMerge:
		return "merge"
	case CoalesceAccumulate:
		return "accumulate"
	default:
		return fmt.Sprintf("CoalesceStrategy(%d)", int(s))
	}
}

// ParseCoalesceStrategy parses "latest", "merge" or "accumulate".
func ParseCoalesceStrategy(s string) (CoalesceStrategy, error) {
	switch strings.ToLower(s) {
	case "", "latest":
		return CoalesceLatest, nil
	case "merge":
		return CoalesceMerge, nil
	case "accumulate":
		return CoalesceAccumulate, nil
	default:
		return 0, fmt.Errorf("unknown coalescing strategy %q", s)
	}
}

// Rule configures debouncing for one event name.
type Rule struct {
	Delay     time.Duration
	KeyFields []string
	Merge     MergeRule
}

// CoalesceRule configures coalescing for one event name.
type CoalesceRule struct {
	GroupBy  string
	MaxAge   time.Duration
	MaxSize  int
	Strategy CoalesceStrategy
}

// Config is the complete debouncer policy.
type Config struct {
	// DefaultDelay applies to events without a Rule. Zero disables debouncing
	// for them.
	DefaultDelay time.Duration
	Rules        map[string]Rule
	Coalescing   map[string]CoalesceRule
	// MaxEventsPerSecond caps emissions per key in a sliding one-second
	// window. Zero disables rate limiting.
	MaxEventsPerSecond int
	// DefaultKeyFields discriminate keys for events whose Rule has none.
	DefaultKeyFields []string
}

// DefaultKeyFields are the payload fields used to discriminate debounce keys
// when a rule does not name its own.
var DefaultKeyFields = []string{"store", "sourceStore", "dependentStore", "id"}

func (c Config) rule(name string) Rule {
	if r, ok := c.Rules[name]; ok {
		return r
	}
	return Rule{Delay: c.DefaultDelay, Merge: MergeLatest}
}

func (c Config) keyFields(r Rule) []string {
	if len(r.KeyFields) > 0 {
		return r.KeyFields
	}
	if len(c.DefaultKeyFields) > 0 {
		return c.DefaultKeyFields
	}
	return DefaultKeyFields
}
