package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/docstore"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/syncerr"
)

// Operation types understood by DocumentContainer.
const (
	OpSet    = "set"
	OpMerge  = "merge"
	OpAppend = "append"
	OpRemove = "remove"
)

// DocumentContainer keeps a local copy of one document (id = store name).
type DocumentContainer struct {
	name           string
	docs           docstore.DocumentStore
	versionField   string
	timestampField string
	now            func() time.Time

	mu        sync.RWMutex
	local     state.State
	cached    state.State
	listeners map[int]func(state.State)
	nextID    int
}

// Option configures a DocumentContainer.
type Option func(*DocumentContainer)

// WithMarkers sets the version and last-modified field names.
func WithMarkers(version, timestamp string) Option {
	return func(c *DocumentContainer) {
		c.versionField = version
		c.timestampField = timestamp
	}
}

// WithNow sets the time source for last-modified stamps.
func WithNow(now func() time.Time) Option {
	return func(c *DocumentContainer) { c.now = now }
}

// WithInitial seeds the local state.
func WithInitial(st state.State) Option {
	return func(c *DocumentContainer) { c.local = st.Clone() }
}

func NewDocumentContainer(name string, docs docstore.DocumentStore, opts ...Option) *DocumentContainer {
	c := &DocumentContainer{
		name:           name,
		docs:           docs,
		versionField:   "version",
		timestampField: "lastModified",
		now:            time.Now,
		local:          state.State{},
		listeners:      make(map[int]func(state.State)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *DocumentContainer) Name() string {
	return c.name
}

func (c *DocumentContainer) State() state.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local.Clone()
}

func (c *DocumentContainer) Apply(st state.State) {
	c.mu.Lock()
	c.local = st.Clone()
	listeners := make([]func(state.State), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l(st.Clone())
	}
}

func (c *DocumentContainer) OnChange(fn func(st state.State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *DocumentContainer) Fetch(ctx context.Context) (state.State, error) {
	doc, err := c.docs.Get(ctx, c.name)
	if errors.Is(err, docstore.ErrNotFound) {
		return state.State{}, nil
	}
	if err != nil {
		return nil, syncerr.Transient("fetch "+c.name, err)
	}
	return doc.Body, nil
}

// Push writes st as the remote document.
func (c *DocumentContainer) Push(ctx context.Context, st state.State) error {
	_, err := c.update(ctx, func(state.State) (state.State, error) {
		return st.Clone(), nil
	})
	return err
}

// Execute applies op to the current remote document. The revision is
// re-fetched before every conditional put; a conflicting concurrent write is
// retried once, then reported as a transient error.
func (c *DocumentContainer) Execute(ctx context.Context, op queue.Operation) (state.State, error) {
	return c.update(ctx, func(cur state.State) (state.State, error) {
		next, err := ApplyOperation(cur, op)
		if err != nil {
			return nil, err
		}
		if v, ok := state.Number(cur[c.versionField]); ok {
			next[c.versionField] = int64(v) + 1
		} else {
			next[c.versionField] = int64(1)
		}
		next[c.timestampField] = c.now().UTC().Format(time.RFC3339Nano)
		return next, nil
	})
}

func (c *DocumentContainer) update(ctx context.Context, mutate func(cur state.State) (state.State, error)) (state.State, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var (
			rev string
			cur = state.State{}
		)
		doc, err := c.docs.Get(ctx, c.name)
		switch {
		case err == nil:
			rev, cur = doc.Rev, doc.Body
		case errors.Is(err, docstore.ErrNotFound):
		default:
			return nil, syncerr.Transient("fetch "+c.name, err)
		}

		next, err := mutate(cur)
		if err != nil {
			return nil, err
		}
		_, err = c.docs.Put(ctx, docstore.Document{ID: c.name, Rev: rev, Body: next})
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return nil, syncerr.Transient("put "+c.name, err)
		}
		logger.Log.Debug("Revision conflict, refetching", zap.String("store", c.name), zap.Int("attempt", attempt+1))
	}
	return nil, syncerr.Transient("put "+c.name, fmt.Errorf("document %s busy: %w", c.name, docstore.ErrConflict))
}

// CacheOffline keeps a copy of the local state for the offline period.
func (c *DocumentContainer) CacheOffline(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = c.local.Clone()
	return nil
}

// Cached returns the state captured by the last CacheOffline.
func (c *DocumentContainer) Cached() state.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cached.Clone()
}

var (
	_ Syncable         = (*DocumentContainer)(nil)
	_ OfflineCacheable = (*DocumentContainer)(nil)
	_ Observable       = (*DocumentContainer)(nil)
)
