package docstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process DocumentStore.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Document
	now  func() time.Time

	// failures are returned by upcoming calls, one per call
	failures []error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document), now: time.Now}
}

// FailNext queues errors returned by the next calls, one per call. A nil
// entry lets its call through.
func (m *MemoryStore) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

func (m *MemoryStore) popFailure() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	d, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	d.Body = d.Body.Clone()
	return &d, nil
}

func (m *MemoryStore) Put(_ context.Context, doc Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return "", err
	}
	return m.putLocked(doc)
}

func (m *MemoryStore) putLocked(doc Document) (string, error) {
	cur, exists := m.docs[doc.ID]
	if exists && cur.Rev != doc.Rev {
		return "", ErrConflict
	}
	if !exists && doc.Rev != "" {
		return "", ErrConflict
	}
	rev, err := NextRev(cur.Rev, doc.Body)
	if err != nil {
		return "", err
	}
	m.docs[doc.ID] = Document{ID: doc.ID, Rev: rev, Body: doc.Body.Clone(), UpdatedAt: m.now()}
	return rev, nil
}

func (m *MemoryStore) BulkWrite(_ context.Context, docs []Document) ([]BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	out := make([]BulkResult, len(docs))
	for i, d := range docs {
		rev, err := m.putLocked(d)
		out[i] = BulkResult{ID: d.ID, Rev: rev, Err: err}
	}
	return out, nil
}

// Len returns the number of stored documents.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}
