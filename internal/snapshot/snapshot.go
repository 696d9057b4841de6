// Package snapshot captures the point-in-time state of every store before the
// engine goes offline. Reconciliation diffs live state against it.
package snapshot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"offline-sync-service/internal/state"
)

// Entry is the captured state of one store.
type Entry struct {
	State    state.State `json:"state"`
	LastSync *time.Time  `json:"lastSync"`
	Version  any         `json:"version"`
	Checksum string      `json:"checksum"`
}

// Source supplies the state of one store at capture time.
type Source struct {
	Name        string
	State       state.State
	LastSync    *time.Time
	NoiseFields []string
}

// Snapshot is owned by the engine; methods are safe for concurrent use.
type Snapshot struct {
	Timestamp time.Time

	versionField string
	mu           sync.RWMutex
	entries      map[string]Entry
	noise        map[string][]string
}

// Take deep-copies every source.
func Take(at time.Time, versionField string, sources []Source) (*Snapshot, error) {
	s := &Snapshot{
		Timestamp:    at,
		versionField: versionField,
		entries:      make(map[string]Entry, len(sources)),
		noise:        make(map[string][]string, len(sources)),
	}
	for _, src := range sources {
		s.noise[src.Name] = src.NoiseFields
		if err := s.put(src.Name, src.State, src.LastSync); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Snapshot) put(name string, st state.State, lastSync *time.Time) error {
	sum, err := state.Hash(st, s.noise[name])
	if err != nil {
		return fmt.Errorf("failed to checksum %s: %w", name, err)
	}
	e := Entry{State: st.Clone(), Checksum: sum}
	if lastSync != nil {
		t := *lastSync
		e.LastSync = &t
	}
	if v, ok := st[s.versionField]; ok {
		e.Version = state.DeepCopy(v)
	}
	s.entries[name] = e
	return nil
}

// Get returns a deep copy of the entry for name.
func (s *Snapshot) Get(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return Entry{}, false
	}
	e.State = e.State.Clone()
	return e, true
}

// Put replaces the baseline for name, for example after a store has been
// reconciled or an operation has been confirmed.
func (s *Snapshot) Put(name string, st state.State, lastSync *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(name, st, lastSync)
}

// Names returns the captured store names, sorted.
func (s *Snapshot) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for n := range s.entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Verify recomputes the checksum of the stored state. A mismatch means the
// captured copy was mutated after capture.
func (s *Snapshot) Verify(name string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("no snapshot for %s", name)
	}
	sum, err := state.Hash(e.State, s.noise[name])
	if err != nil {
		return err
	}
	if sum != e.Checksum {
		return fmt.Errorf("snapshot checksum mismatch for %s", name)
	}
	return nil
}
