// Package registry tracks one handle per store and propagates state changes
// to the stores that depend on them.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"offline-sync-service/internal/clock"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/syncerr"
)

// Wildcard declares a dependency on every store.
const Wildcard = "*"

// StoreSpec describes a store at registration.
type StoreSpec struct {
	Name         string
	Dependencies []string
	// SignificantFields restricts propagated deltas. Empty means every field.
	SignificantFields []string
	// NoiseFields are excluded from hashing and deltas.
	NoiseFields []string
}

// StoreHandle is the registry's view of one store.
type StoreHandle struct {
	Name           string     `json:"name"`
	Dependencies   []string   `json:"dependencies"`
	IsActive       bool       `json:"isActive"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt"`
	StateHash      string     `json:"stateHash"`
	Degraded       bool       `json:"degraded"`
	DegradedReason string     `json:"degradedReason,omitempty"`
}

// Observation is the outcome of recording a new state for a store.
type Observation struct {
	Changed bool
	Changes []state.Change
	Hash    string
}

type record struct {
	handle StoreHandle
	spec   StoreSpec
	last   state.State
}

// Registry is safe for concurrent use.
type Registry struct {
	clock clock.Clock

	mu     sync.RWMutex
	stores map[string]*record
}

// New creates an empty registry.
func New(c clock.Clock) *Registry {
	if c == nil {
		c = clock.New()
	}
	return &Registry{clock: c, stores: make(map[string]*record)}
}

// Register adds a store. Registering a name twice is an error.
func (r *Registry) Register(spec StoreSpec) error {
	if spec.Name == "" || spec.Name == Wildcard {
		return fmt.Errorf("invalid store name %q", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[spec.Name]; ok {
		return fmt.Errorf("store %q already registered", spec.Name)
	}
	deps := append([]string(nil), spec.Dependencies...)
	sort.Strings(deps)
	r.stores[spec.Name] = &record{
		spec: spec,
		handle: StoreHandle{
			Name:         spec.Name,
			Dependencies: deps,
			IsActive:     true,
		},
	}
	return nil
}

// Get returns a copy of the handle.
func (r *Registry) Get(name string) (StoreHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.stores[name]
	if !ok {
		return StoreHandle{}, fmt.Errorf("%w: %s", syncerr.ErrUnknownStore, name)
	}
	return copyHandle(rec.handle), nil
}

// Spec returns the registration of a store.
func (r *Registry) Spec(name string) (StoreSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.stores[name]
	if !ok {
		return StoreSpec{}, false
	}
	return rec.spec, true
}

// List returns every handle sorted by name.
func (r *Registry) List() []StoreHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StoreHandle, 0, len(r.stores))
	for _, rec := range r.stores {
		out = append(out, copyHandle(rec.handle))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered store names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.stores))
	for n := range r.stores {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Observe records st as the latest known state of name. It updates the state
// hash and last-synced time and returns the significant field-level delta
// against the previously observed state.
func (r *Registry) Observe(name string, st state.State) (Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.stores[name]
	if !ok {
		return Observation{}, fmt.Errorf("%w: %s", syncerr.ErrUnknownStore, name)
	}
	hash, err := state.Hash(st, rec.spec.NoiseFields)
	if err != nil {
		return Observation{}, fmt.Errorf("failed to hash %s: %w", name, err)
	}
	obs := Observation{Hash: hash, Changed: hash != rec.handle.StateHash}
	if obs.Changed {
		obs.Changes = state.Diff(rec.last, st, rec.spec.SignificantFields, rec.spec.NoiseFields)
	}
	now := r.clock.Now()
	rec.handle.StateHash = hash
	rec.handle.LastSyncedAt = &now
	rec.last = st.Clone()
	return obs, nil
}

// Dependents returns the stores that depend on name, directly or through the
// wildcard, sorted. A store never depends on itself.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for n, rec := range r.stores {
		if n == name {
			continue
		}
		for _, d := range rec.handle.Dependencies {
			if d == name || d == Wildcard {
				out = append(out, n)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// MarkSynced stamps the last successful sync time.
func (r *Registry) MarkSynced(name string) {
	r.update(name, func(h *StoreHandle) {
		now := r.clock.Now()
		h.LastSyncedAt = &now
	})
}

// SetActive toggles whether a store takes part in reconciliation.
func (r *Registry) SetActive(name string, active bool) {
	r.update(name, func(h *StoreHandle) { h.IsActive = active })
}

// MarkDegraded flags a store that failed integrity verification.
func (r *Registry) MarkDegraded(name, reason string) {
	r.update(name, func(h *StoreHandle) {
		h.Degraded = true
		h.DegradedReason = reason
	})
}

// ClearDegraded removes the degraded flag.
func (r *Registry) ClearDegraded(name string) {
	r.update(name, func(h *StoreHandle) {
		h.Degraded = false
		h.DegradedReason = ""
	})
}

// Degraded returns the names of degraded stores, sorted.
func (r *Registry) Degraded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for n, rec := range r.stores {
		if rec.handle.Degraded {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) update(name string, fn func(h *StoreHandle)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.stores[name]; ok {
		fn(&rec.handle)
	}
}

func copyHandle(h StoreHandle) StoreHandle {
	h.Dependencies = append([]string(nil), h.Dependencies...)
	if h.LastSyncedAt != nil {
		t := *h.LastSyncedAt
		h.LastSyncedAt = &t
	}
	return h
}
