package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps engine bookkeeping in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	states    map[string]SyncState
	conflicts map[string]Conflict
	history   map[string]SyncHistory
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:    make(map[string]SyncState),
		conflicts: make(map[string]Conflict),
		history:   make(map[string]SyncHistory),
		now:       time.Now,
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetSyncState(_ context.Context, storeName string) (*SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[storeName]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (m *MemoryStore) UpdateSyncState(_ context.Context, state *SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state.UpdatedAt = m.now().UTC()
	m.states[state.StoreName] = *state
	return nil
}

func (m *MemoryStore) ListSyncStates(context.Context) ([]*SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SyncState, 0, len(m.states))
	for _, st := range m.states {
		st := st
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreName < out[j].StoreName })
	return out, nil
}

func (m *MemoryStore) CreateConflict(_ context.Context, conflict *Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[conflict.ID] = *conflict
	return nil
}

func (m *MemoryStore) GetConflict(_ context.Context, id string) (*Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) ListConflicts(_ context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	m.mu.RLock()
	var matched []*Conflict
	for _, c := range m.conflicts {
		if c.Resolved == resolved {
			c := c
			matched = append(matched, &c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DetectedAt.Equal(matched[j].DetectedAt) {
			return matched[i].DetectedAt.Before(matched[j].DetectedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return page(matched, limit, offset), nil
}

func (m *MemoryStore) ResolveConflict(_ context.Context, id string, strategy string, resolvedData []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok || c.Resolved {
		return ErrNotFound
	}
	c.Resolved = true
	c.ResolutionStrategy = sql.NullString{String: strategy, Valid: true}
	c.ResolvedAt = sql.NullTime{Time: m.now().UTC(), Valid: true}
	c.ResolvedData = resolvedData
	m.conflicts[id] = c
	return nil
}

func (m *MemoryStore) CreateSyncHistory(_ context.Context, history *SyncHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[history.ID] = *history
	return nil
}

func (m *MemoryStore) UpdateSyncHistory(_ context.Context, history *SyncHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.history[history.ID]; !ok {
		return ErrNotFound
	}
	m.history[history.ID] = *history
	return nil
}

func (m *MemoryStore) GetSyncHistory(_ context.Context, limit, offset int) ([]*SyncHistory, error) {
	m.mu.RLock()
	out := make([]*SyncHistory, 0, len(m.history))
	for _, h := range m.history {
		h := h
		out = append(out, &h)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
