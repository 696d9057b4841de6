package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/bus"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/conflict"
	"offline-sync-service/internal/container"
	"offline-sync-service/internal/docstore"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/registry"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/syncerr"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.DefaultDebounce = 0
	cfg.Engine.Debounce = nil
	cfg.Engine.Coalescing = nil
	cfg.Engine.MaxEventsPerSecond = 0
	cfg.Engine.ShutdownGrace = time.Second
	cfg.Queue.BaseDelay = time.Millisecond
	cfg.Queue.MaxDelay = 5 * time.Millisecond
	cfg.Queue.MaxJitter = 0
	cfg.Queue.MaxBatchRetries = 0
	cfg.ChangeFeed.BatchSize = 1
	cfg.ChangeFeed.FlushInterval = 10 * time.Millisecond
	return cfg
}

type harness struct {
	m      *Manager
	docs   *docstore.MemoryStore
	state  *store.MemoryStore
	stores map[string]*container.DocumentContainer
}

func newHarness(t *testing.T, cfg *config.Config, specs ...registry.StoreSpec) *harness {
	t.Helper()
	h := &harness{
		docs:   docstore.NewMemoryStore(),
		state:  store.NewMemoryStore(),
		stores: make(map[string]*container.DocumentContainer),
	}
	m, err := NewManager(cfg, WithStateStore(h.state))
	require.NoError(t, err)
	h.m = m
	for _, spec := range specs {
		c := container.NewDocumentContainer(spec.Name, h.docs)
		require.NoError(t, m.RegisterStore(c, spec))
		h.stores[spec.Name] = c
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return h
}

func (h *harness) remote(t *testing.T, name string) state.State {
	t.Helper()
	doc, err := h.docs.Get(context.Background(), name)
	require.NoError(t, err)
	return doc.Body
}

// editRemote changes the remote document behind the engine's back.
func (h *harness) editRemote(t *testing.T, name string, edit func(st state.State)) {
	t.Helper()
	ctx := context.Background()
	doc, err := h.docs.Get(ctx, name)
	var rev string
	body := state.State{}
	if err == nil {
		rev, body = doc.Rev, doc.Body.Clone()
	}
	edit(body)
	_, err = h.docs.Put(ctx, docstore.Document{ID: name, Rev: rev, Body: body})
	require.NoError(t, err)
}

func eventNames(m *Manager) []string {
	var out []string
	for _, e := range m.Events() {
		out = append(out, e.Name)
	}
	return out
}

func TestSubmitOnlineExecutesAgainstRemote(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})
	ctx := context.Background()

	res, err := h.m.SubmitOperation(ctx, queue.Operation{
		StoreName: "inventory",
		Type:      container.OpSet,
		Payload:   map[string]any{"stock": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, string(queue.StatusSucceeded), res.Status)

	remote := h.remote(t, "inventory")
	assert.EqualValues(t, 5, remote["stock"])
	assert.EqualValues(t, 1, remote["version"])
	assert.True(t, state.Equal(remote, h.stores["inventory"].State()))
	assert.Contains(t, eventNames(h.m), bus.EventOperationSucceeded)

	handle, err := h.m.Registry().Get("inventory")
	require.NoError(t, err)
	assert.NotNil(t, handle.LastSyncedAt)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})
	ctx := context.Background()

	_, err := h.m.SubmitOperation(ctx, queue.Operation{StoreName: "inventory"})
	assert.True(t, syncerr.IsValidation(err))

	_, err = h.m.SubmitOperation(ctx, queue.Operation{StoreName: "nope", Type: container.OpSet})
	assert.ErrorIs(t, err, syncerr.ErrUnknownStore)

	res, err := h.m.SubmitOperation(ctx, queue.Operation{StoreName: "inventory", Type: "bogus"})
	require.Error(t, err)
	assert.True(t, syncerr.IsPermanent(err))
	assert.Equal(t, string(queue.StatusFailedPermanently), res.Status)
	assert.Zero(t, h.m.Metrics().RetryQueueSize)
}

func TestOfflineQueueReplaysByPriority(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "journal"})
	ctx := context.Background()

	require.NoError(t, h.m.GoOffline(ctx))
	assert.False(t, h.m.IsOnline())

	for _, op := range []queue.Operation{
		{StoreName: "journal", Type: container.OpAppend, Method: "low", Payload: map[string]any{"entries": "low"}},
		{StoreName: "journal", Type: container.OpAppend, Method: "high", Payload: map[string]any{"entries": "high"}, Priority: 5},
	} {
		res, err := h.m.SubmitOperation(ctx, op)
		require.NoError(t, err)
		assert.Equal(t, "queued", res.Status)
	}
	assert.Equal(t, 2, h.m.Metrics().OfflineQueueSize)
	_, err := h.docs.Get(ctx, "journal")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	report, err := h.m.GoOnline(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 2, report.Replay.Succeeded)
	assert.True(t, h.m.IsOnline())
	assert.Zero(t, h.m.Metrics().OfflineQueueSize)

	remote := h.remote(t, "journal")
	assert.Equal(t, []any{"high", "low"}, remote["entries"])
	assert.True(t, state.Equal(remote, h.stores["journal"].State()))

	names := eventNames(h.m)
	assert.Contains(t, names, bus.EventOffline)
	assert.Contains(t, names, bus.EventQueueProcessed)
	assert.Contains(t, names, bus.EventReconciliationDone)
	assert.Contains(t, names, bus.EventOnline)

	hist, err := h.m.History(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.DirectionReconnect, hist[0].Direction)
	assert.Equal(t, "completed", hist[0].Status)
	assert.EqualValues(t, 2, hist[0].OperationsReplayed)

	ss, err := h.state.GetSyncState(ctx, "journal")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSynced, ss.Status)
	assert.EqualValues(t, 2, ss.Version)
}

func TestTransitionsAreEdgeTriggered(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})
	ctx := context.Background()

	report, err := h.m.SetOnline(ctx, true)
	require.NoError(t, err)
	assert.Nil(t, report)

	_, err = h.m.SetOnline(ctx, false)
	require.NoError(t, err)
	_, err = h.m.SetOnline(ctx, false)
	require.NoError(t, err)

	offline := 0
	for _, n := range eventNames(h.m) {
		if n == bus.EventOffline {
			offline++
		}
	}
	assert.Equal(t, 1, offline)
}

func TestServerAuthoritativeDiscardsQueuedChange(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "auth"})
	ctx := context.Background()

	require.NoError(t, h.m.GoOffline(ctx))
	_, err := h.m.SubmitOperation(ctx, queue.Operation{
		StoreName: "auth",
		Type:      container.OpSet,
		Payload:   map[string]any{"token": "local"},
	})
	require.NoError(t, err)
	h.editRemote(t, "auth", func(st state.State) { st["token"] = "server" })

	report, err := h.m.GoOnline(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Replay.Succeeded)
	assert.Equal(t, 1, report.Conflicts.Resolved)

	assert.Equal(t, "server", h.remote(t, "auth")["token"])
	assert.Equal(t, "server", h.stores["auth"].State()["token"])
	assert.Zero(t, h.m.Metrics().OfflineQueueSize)
}

func TestManualReviewWaitsForDecision(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "settings"})
	ctx := context.Background()

	_, err := h.m.SubmitOperation(ctx, queue.Operation{
		StoreName: "settings",
		Type:      container.OpSet,
		Payload:   map[string]any{"theme": "light"},
	})
	require.NoError(t, err)

	var notified []bus.Event
	var mu sync.Mutex
	h.m.Bus().Subscribe(bus.EventManualReview, func(_ context.Context, ev bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, ev)
		return nil
	})

	require.NoError(t, h.m.GoOffline(ctx))
	h.editRemote(t, "settings", func(st state.State) { st["theme"] = "dark" })

	_, err = h.m.GoOnline(ctx)
	require.NoError(t, err)

	reviews, err := h.m.ListReviews(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "theme", reviews[0].Field)
	assert.Equal(t, "light", h.stores["settings"].State()["theme"])
	assert.Equal(t, "dark", h.remote(t, "settings")["theme"])
	mu.Lock()
	assert.Len(t, notified, 1)
	mu.Unlock()

	require.NoError(t, h.m.ResolveReview(ctx, reviews[0].ID, ChooseLocal, nil))
	assert.Equal(t, "light", h.remote(t, "settings")["theme"])
	assert.Equal(t, "light", h.stores["settings"].State()["theme"])

	open, err := h.m.ListReviews(ctx, false, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, open)

	err = h.m.ResolveReview(ctx, reviews[0].ID, ChooseRemote, nil)
	assert.ErrorIs(t, err, ErrReviewResolved)
}

func TestResolveReviewRejectsUnknownChoice(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "settings"})
	ctx := context.Background()

	id, err := store.Reviews{Store: h.state}.Submit(ctx, conflictItem("settings", "theme"))
	require.NoError(t, err)

	err = h.m.ResolveReview(ctx, id, "coin-toss", nil)
	assert.True(t, syncerr.IsValidation(err))

	require.NoError(t, h.m.ResolveReview(ctx, id, ChooseValue, "sepia"))
	assert.Equal(t, "sepia", h.remote(t, "settings")["theme"])
}

func conflictItem(storeName, field string) conflict.ReviewItem {
	return conflict.ReviewItem{
		Store:      storeName,
		Field:      field,
		Kind:       conflict.KindData,
		Local:      "light",
		Remote:     "dark",
		DetectedAt: time.Now(),
	}
}

func TestRetryQueue(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})
	ctx := context.Background()

	h.docs.FailNext(errors.New("connection refused"))
	res, err := h.m.SubmitOperation(ctx, queue.Operation{
		StoreName: "inventory",
		Type:      container.OpSet,
		Payload:   map[string]any{"stock": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, string(queue.StatusRetrying), res.Status)
	assert.Equal(t, 1, h.m.Metrics().RetryQueueSize)

	health := h.m.Health()
	assert.Equal(t, HealthDegraded, health.Status)
	assert.NotEmpty(t, health.Issues)
	assert.Len(t, health.Recommendations, len(health.Issues))

	time.Sleep(10 * time.Millisecond)
	sum, err := h.m.ProcessRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Zero(t, h.m.Metrics().RetryQueueSize)
	assert.EqualValues(t, 1, h.remote(t, "inventory")["stock"])
	assert.Equal(t, HealthHealthy, h.m.Health().Status)

	hist, err := h.m.History(ctx, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, store.DirectionRetry, hist[0].Direction)
}

func TestRetryQueueIdleWhileOffline(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})
	ctx := context.Background()

	h.docs.FailNext(errors.New("i/o timeout"))
	_, err := h.m.SubmitOperation(ctx, queue.Operation{StoreName: "inventory", Type: container.OpSet, Payload: map[string]any{"a": 1}})
	require.NoError(t, err)
	require.NoError(t, h.m.GoOffline(ctx))

	time.Sleep(10 * time.Millisecond)
	sum, err := h.m.ProcessRetryQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Succeeded+sum.Failed+sum.Retrying)
	assert.Equal(t, 1, h.m.Metrics().RetryQueueSize)
}

func TestHealthCriticalAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})
	ctx := context.Background()

	assert.Equal(t, HealthHealthy, h.m.Health().Status)
	for i := 0; i < criticalFailures; i++ {
		_, _ = h.m.SubmitOperation(ctx, queue.Operation{StoreName: "inventory", Type: "bogus"})
	}
	mt := h.m.Metrics()
	assert.Equal(t, criticalFailures, mt.SyncHealth.ConsecutiveFailures)
	assert.Equal(t, HealthCritical, h.m.Health().Status)

	_, err := h.m.SubmitOperation(ctx, queue.Operation{StoreName: "inventory", Type: container.OpSet, Payload: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Zero(t, h.m.Metrics().SyncHealth.ConsecutiveFailures)
}

func TestOfflineQueueWarning(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.OfflineQueueWarn = 1
	h := newHarness(t, cfg, registry.StoreSpec{Name: "inventory"})
	ctx := context.Background()

	require.NoError(t, h.m.GoOffline(ctx))
	for _, method := range []string{"a", "b"} {
		_, err := h.m.SubmitOperation(ctx, queue.Operation{StoreName: "inventory", Type: container.OpSet, Method: method, Payload: map[string]any{method: 1}})
		require.NoError(t, err)
	}
	assert.Equal(t, HealthDegraded, h.m.Health().Status)
}

func TestSetStrategy(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})

	require.NoError(t, h.m.SetStrategy("inventory", "server_authoritative"))
	assert.Equal(t, "server_authoritative", h.m.Metrics().ConflictStrategies["inventory"])

	assert.Error(t, h.m.SetStrategy("inventory", "dice"))
	assert.ErrorIs(t, h.m.SetStrategy("nope", "append_only"), syncerr.ErrUnknownStore)
}

func TestDependentsReceiveUpdates(t *testing.T) {
	h := newHarness(t, testConfig(),
		registry.StoreSpec{Name: "inventory"},
		registry.StoreSpec{Name: "reports", Dependencies: []string{"inventory"}},
	)
	ctx := context.Background()

	var mu sync.Mutex
	var got []bus.Event
	h.m.Bus().Subscribe(bus.EventDependencyUpdate, func(_ context.Context, ev bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})

	_, err := h.m.SubmitOperation(ctx, queue.Operation{StoreName: "inventory", Type: container.OpSet, Payload: map[string]any{"stock": 3}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "inventory", got[0].Payload["sourceStore"])
	assert.Equal(t, "reports", got[0].Payload["dependentStore"])
}

type chanSource struct {
	ch      chan ChangeEvent
	started bool
}

func (s *chanSource) Start() error               { s.started = true; return nil }
func (s *chanSource) Stop()                      {}
func (s *chanSource) Events() <-chan ChangeEvent { return s.ch }

func TestChangeFeedRefreshesStore(t *testing.T) {
	cfg := testConfig()
	src := &chanSource{ch: make(chan ChangeEvent, 4)}
	docs := docstore.NewMemoryStore()
	m, err := NewManager(cfg, WithChangeSource(src))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	c := container.NewDocumentContainer("inventory", docs)
	require.NoError(t, m.RegisterStore(c, registry.StoreSpec{}))
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, src.started)
	assert.Error(t, m.Start(context.Background()))

	_, err = docs.Put(context.Background(), docstore.Document{ID: "inventory", Body: state.State{"stock": 9}})
	require.NoError(t, err)
	src.ch <- ChangeEvent{Type: Update, Store: "inventory", Timestamp: time.Now()}
	src.ch <- ChangeEvent{Type: Update, Store: "unregistered", Timestamp: time.Now()}

	require.Eventually(t, func() bool {
		return state.Equal(c.State()["stock"], 9)
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})
	ctx := context.Background()

	require.NoError(t, h.m.Shutdown(ctx))
	require.NoError(t, h.m.Shutdown(ctx))

	_, err := h.m.SubmitOperation(ctx, queue.Operation{StoreName: "inventory", Type: container.OpSet})
	assert.ErrorIs(t, err, syncerr.ErrShutdown)
	_, err = h.m.GoOnline(ctx)
	assert.ErrorIs(t, err, syncerr.ErrShutdown)
	assert.ErrorIs(t, h.m.GoOffline(ctx), syncerr.ErrShutdown)
	assert.Equal(t, statusIdle, h.m.GetStatus())
}

func TestOverrideUpdatesStaticOracle(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})
	ctx := context.Background()

	_, err := h.m.Override(ctx, false)
	require.NoError(t, err)
	h.m.CheckConnectivity(ctx)
	assert.False(t, h.m.IsOnline())

	report, err := h.m.Override(ctx, true)
	require.NoError(t, err)
	assert.NotNil(t, report)
	assert.True(t, h.m.IsOnline())
}

func TestScheduler(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})

	s := NewScheduler(h.m.cfg.Scheduler, h.m)
	require.NoError(t, s.Start())
	assert.Equal(t, 3, s.Entries())
	s.Stop()

	bad := h.m.cfg.Scheduler
	bad.RetryInterval = "every so often"
	assert.Error(t, NewScheduler(bad, h.m).Start())

	off := h.m.cfg.Scheduler
	off.Enabled = false
	s = NewScheduler(off, h.m)
	require.NoError(t, s.Start())
	assert.Zero(t, s.Entries())
	s.Stop()
}

func TestManualReviewHoldsQueuedChange(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "settings"})
	ctx := context.Background()
	setTheme := func(theme string) {
		t.Helper()
		_, err := h.m.SubmitOperation(ctx, queue.Operation{
			StoreName: "settings",
			Type:      container.OpSet,
			Payload:   map[string]any{"theme": theme},
		})
		require.NoError(t, err)
	}

	setTheme("system")
	require.NoError(t, h.m.GoOffline(ctx))
	setTheme("light")
	h.editRemote(t, "settings", func(st state.State) { st["theme"] = "dark" })

	report, err := h.m.GoOnline(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Replay.Succeeded)
	assert.Equal(t, "dark", h.remote(t, "settings")["theme"], "nothing lands before the decision")
	assert.Equal(t, 1, h.m.Metrics().HeldOperations)
	assert.Zero(t, h.m.Metrics().OfflineQueueSize)

	reviews, err := h.m.ListReviews(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	local, remote, err := reviews[0].Values()
	require.NoError(t, err)
	assert.Equal(t, "light", local)
	assert.Equal(t, "dark", remote)

	require.NoError(t, h.m.ResolveReview(ctx, reviews[0].ID, ChooseLocal, nil))
	assert.Equal(t, "light", h.remote(t, "settings")["theme"])
	assert.Equal(t, "light", h.stores["settings"].State()["theme"])
	assert.Zero(t, h.m.Metrics().HeldOperations)
}

func TestTimestampNewerRemoteBeatsQueuedChange(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "sales"})
	ctx := context.Background()

	_, err := h.m.SubmitOperation(ctx, queue.Operation{
		StoreName: "sales", Type: container.OpSet, Payload: map[string]any{"totalRevenue": 100},
	})
	require.NoError(t, err)
	require.NoError(t, h.m.GoOffline(ctx))
	_, err = h.m.SubmitOperation(ctx, queue.Operation{
		StoreName: "sales", Type: container.OpSet, Payload: map[string]any{"totalRevenue": 150},
	})
	require.NoError(t, err)
	h.editRemote(t, "sales", func(st state.State) {
		st["totalRevenue"] = 999
		st["lastModified"] = time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
	})

	report, err := h.m.GoOnline(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Replay.Succeeded, "the older queued change is dropped")
	assert.EqualValues(t, 999, h.remote(t, "sales")["totalRevenue"])
	assert.EqualValues(t, 999, h.stores["sales"].State()["totalRevenue"])
}

func TestMergeKeepsEntitiesAddedRemotelyWhileOffline(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})
	ctx := context.Background()
	product := func(id int) map[string]any { return map[string]any{"id": id} }

	_, err := h.m.SubmitOperation(ctx, queue.Operation{
		StoreName: "inventory", Type: container.OpSet, Payload: map[string]any{"products": []any{product(1)}},
	})
	require.NoError(t, err)
	require.NoError(t, h.m.GoOffline(ctx))
	_, err = h.m.SubmitOperation(ctx, queue.Operation{
		StoreName: "inventory", Type: container.OpSet, Payload: map[string]any{"products": []any{product(1), product(3)}},
	})
	require.NoError(t, err)
	h.editRemote(t, "inventory", func(st state.State) {
		products, _ := state.AsSlice(st["products"])
		st["products"] = append(products, product(2))
	})

	_, err = h.m.GoOnline(ctx)
	require.NoError(t, err)

	var ids []any
	products, _ := state.AsSlice(h.remote(t, "inventory")["products"])
	for _, p := range products {
		ids = append(ids, state.FromMap(p)["id"])
	}
	assert.Equal(t, []any{1, 2, 3}, ids)
	assert.Zero(t, h.m.Metrics().OfflineQueueSize)
}

// overlapContainer records how many remote calls run at once.
type overlapContainer struct {
	*container.DocumentContainer
	active atomic.Int32
	peak   atomic.Int32
}

func (c *overlapContainer) track() func() {
	n := c.active.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return func() { c.active.Add(-1) }
}

func (c *overlapContainer) Fetch(ctx context.Context) (state.State, error) {
	defer c.track()()
	return c.DocumentContainer.Fetch(ctx)
}

func (c *overlapContainer) Push(ctx context.Context, st state.State) error {
	defer c.track()()
	return c.DocumentContainer.Push(ctx, st)
}

func (c *overlapContainer) Execute(ctx context.Context, op queue.Operation) (state.State, error) {
	defer c.track()()
	return c.DocumentContainer.Execute(ctx, op)
}

func TestAtMostOneSyncPerStore(t *testing.T) {
	h := newHarness(t, testConfig())
	c := &overlapContainer{DocumentContainer: container.NewDocumentContainer("inventory", h.docs)}
	require.NoError(t, h.m.RegisterStore(c, registry.StoreSpec{Name: "inventory"}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, _ = h.m.SubmitOperation(ctx, queue.Operation{
					StoreName: "inventory",
					Type:      container.OpSet,
					Payload:   map[string]any{"stock": i*10 + j},
				})
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for j := 0; j < 5; j++ {
			_ = h.m.RefreshStore(ctx, "inventory")
		}
	}()
	go func() {
		defer wg.Done()
		for j := 0; j < 3; j++ {
			_ = h.m.GoOffline(ctx)
			_, _ = h.m.GoOnline(ctx)
		}
	}()
	wg.Wait()

	assert.Positive(t, c.peak.Load())
	assert.LessOrEqual(t, c.peak.Load(), int32(1))
	assert.Zero(t, h.m.Metrics().ActiveSyncLocks)
}

func TestShutdownWaitsForRacingSubmissions(t *testing.T) {
	h := newHarness(t, testConfig(), registry.StoreSpec{Name: "inventory"})
	ctx := context.Background()

	start := make(chan struct{})
	errs := make([]error, 16)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = h.m.SubmitOperation(ctx, queue.Operation{
				StoreName: "inventory",
				Type:      container.OpSet,
				Payload:   map[string]any{"stock": i},
			})
		}()
	}
	close(start)
	require.NoError(t, h.m.Shutdown(ctx))
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, syncerr.ErrShutdown)
		}
	}
}

func TestConcurrentStrategyOverridesAllApply(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	specs := make([]registry.StoreSpec, len(names))
	for i, n := range names {
		specs[i] = registry.StoreSpec{Name: n}
	}
	h := newHarness(t, testConfig(), specs...)

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.m.SetStrategy(n, "append_only"))
		}()
	}
	wg.Wait()

	assigned := h.m.Metrics().ConflictStrategies
	for _, n := range names {
		assert.Equal(t, "append_only", assigned[n], n)
	}
}
