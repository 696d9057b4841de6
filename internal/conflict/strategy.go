// Package conflict detects divergence between a pre-offline snapshot and the
// live state of a store, and resolves it with the strategy configured for that
// store.
package conflict

import (
	"fmt"
	"strings"
	"time"
)

// Strategy is a resolution policy.
type Strategy int

const (
	MergeWithValidation Strategy = iota
	TimestampBased
	AppendOnly
	ServerAuthoritative
	ManualReview
)

var strategyNames = map[Strategy]string{
	MergeWithValidation: "merge_with_validation",
	TimestampBased:      "timestamp_based",
	AppendOnly:          "append_only",
	ServerAuthoritative: "server_authoritative",
	ManualReview:        "manual_review",
}

// Strategies lists every strategy.
func Strategies() []Strategy {
	return []Strategy{MergeWithValidation, TimestampBased, AppendOnly, ServerAuthoritative, ManualReview}
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStrategy parses a strategy name such as "timestamp_based".
func ParseStrategy(name string) (Strategy, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for s, sn := range strategyNames {
		if sn == n {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown resolution strategy %q", name)
}

// Policy maps stores to strategies and holds the detection thresholds.
type Policy struct {
	Strategies map[string]Strategy
	Default    Strategy
	// CriticalFields are the fields compared for data conflicts. A store
	// without an entry compares every field except markers and noise.
	CriticalFields     map[string][]string
	NoiseFields        map[string][]string
	TimestampThreshold time.Duration
	VersionField       string
	TimestampField     string
}

// DefaultPolicy returns the stock strategy assignment.
func DefaultPolicy() Policy {
	return Policy{
		Strategies: map[string]Strategy{
			"inventory": MergeWithValidation,
			"sales":     TimestampBased,
			"audit":     AppendOnly,
			"auth":      ServerAuthoritative,
			"settings":  ManualReview,
		},
		Default: MergeWithValidation,
		CriticalFields: map[string][]string{
			"inventory": {"products", "batches", "stock"},
			"sales":     {"transactions", "receipts", "totalRevenue"},
		},
		TimestampThreshold: time.Second,
		VersionField:       "version",
		TimestampField:     "lastModified",
	}
}

// StrategyFor returns the strategy registered for store.
func (p Policy) StrategyFor(store string) Strategy {
	if s, ok := p.Strategies[store]; ok {
		return s
	}
	return p.Default
}

// Assignments renders the store to strategy table.
func (p Policy) Assignments() map[string]string {
	out := make(map[string]string, len(p.Strategies))
	for store, s := range p.Strategies {
		out[store] = s.String()
	}
	return out
}

// WithOverride returns a copy of p with store reassigned to s.
func (p Policy) WithOverride(store string, s Strategy) Policy {
	next := make(map[string]Strategy, len(p.Strategies)+1)
	for k, v := range p.Strategies {
		next[k] = v
	}
	next[store] = s
	p.Strategies = next
	return p
}

func (p Policy) versionField() string {
	if p.VersionField == "" {
		return "version"
	}
	return p.VersionField
}

func (p Policy) timestampField() string {
	if p.TimestampField == "" {
		return "lastModified"
	}
	return p.TimestampField
}
