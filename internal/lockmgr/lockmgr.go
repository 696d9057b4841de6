// Package lockmgr hands out named sync locks so that at most one sync or
// reconciliation step runs per store at any instant.
//
// Each lock is identified by the store name. Acquiring it yields a Token
// carrying a random owner id; releasing requires the same token, so a stale
// holder cannot release a lock another caller has since acquired.
package lockmgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Token proves ownership of a named lock.
type Token struct {
	Name  string
	Owner uuid.UUID
}

type namedLock struct {
	sem chan struct{}

	mu         sync.Mutex
	owner      uuid.UUID
	held       bool
	acquiredAt time.Time
}

// Manager is safe for concurrent use. The zero value is not usable; call New.
type Manager struct {
	locks *xsync.MapOf[string, *namedLock]
	now   func() time.Time
}

// New creates an empty lock manager.
func New() *Manager {
	return &Manager{
		locks: xsync.NewMapOf[string, *namedLock](),
		now:   time.Now,
	}
}

func (m *Manager) lock(name string) *namedLock {
	l, _ := m.locks.LoadOrCompute(name, func() *namedLock {
		return &namedLock{sem: make(chan struct{}, 1)}
	})
	return l
}

// Acquire blocks until the named lock is free or ctx is done.
func (m *Manager) Acquire(ctx context.Context, name string) (Token, error) {
	l := m.lock(name)
	select {
	case l.sem <- struct{}{}:
		return m.take(name, l), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// TryAcquire takes the named lock if it is free.
func (m *Manager) TryAcquire(name string) (Token, bool) {
	l := m.lock(name)
	select {
	case l.sem <- struct{}{}:
		return m.take(name, l), true
	default:
		return Token{}, false
	}
}

func (m *Manager) take(name string, l *namedLock) Token {
	tok := Token{Name: name, Owner: uuid.New()}
	l.mu.Lock()
	l.owner = tok.Owner
	l.held = true
	l.acquiredAt = m.now()
	l.mu.Unlock()
	return tok
}

// Release frees the lock held by tok. It reports false, without error, when
// the lock is not held or is held by another owner.
func (m *Manager) Release(tok Token) (bool, error) {
	l, ok := m.locks.Load(tok.Name)
	if !ok {
		return false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || l.owner != tok.Owner {
		return false, nil
	}
	l.held = false
	l.owner = uuid.Nil
	<-l.sem
	return true, nil
}

// Held reports whether the named lock is currently taken.
func (m *Manager) Held(name string) bool {
	l, ok := m.locks.Load(name)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Active returns the number of locks currently held.
func (m *Manager) Active() int {
	n := 0
	m.locks.Range(func(_ string, l *namedLock) bool {
		l.mu.Lock()
		if l.held {
			n++
		}
		l.mu.Unlock()
		return true
	})
	return n
}

// HeldSince lists the held locks with their acquisition time, sorted by name.
func (m *Manager) HeldSince() []HeldLock {
	var out []HeldLock
	m.locks.Range(func(name string, l *namedLock) bool {
		l.mu.Lock()
		if l.held {
			out = append(out, HeldLock{Name: name, Since: l.acquiredAt})
		}
		l.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HeldLock describes one held lock.
type HeldLock struct {
	Name  string    `json:"name"`
	Since time.Time `json:"since"`
}

// With runs fn while holding the named lock.
func (m *Manager) With(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	tok, err := m.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer m.Release(tok)
	return fn(ctx)
}
