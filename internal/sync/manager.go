// Package sync hosts the engine that keeps every registered store consistent
// with its remote source of truth across connectivity changes.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/audit"
	"offline-sync-service/internal/bus"
	"offline-sync-service/internal/clock"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/conflict"
	"offline-sync-service/internal/connectivity"
	"offline-sync-service/internal/container"
	"offline-sync-service/internal/debounce"
	"offline-sync-service/internal/lockmgr"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/metrics"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/reconcile"
	"offline-sync-service/internal/registry"
	"offline-sync-service/internal/snapshot"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/syncerr"
)

const (
	statusRunning = "running"
	statusIdle    = "idle"
)

type Manager struct {
	cfg   *config.Config
	clock clock.Clock

	bus        *bus.Bus
	debouncer  *debounce.Debouncer
	registry   *registry.Registry
	propagator *registry.Propagator
	locks      *lockmgr.Manager
	offline    *queue.OfflineQueue
	retry      *queue.RetryQueue
	processor  *queue.Processor
	reconciler *reconcile.Reconciler
	reviews    conflict.ReviewQueue
	store      store.Store
	sink       audit.Sink
	oracle     connectivity.Oracle
	metrics    *metrics.Metrics

	changeSource ChangeSource
	workerPool   *WorkerPool

	mu         sync.RWMutex
	containers map[string]container.Container
	unsubs     []func()
	status     string

	// submitMu orders submissions against connectivity transitions: a
	// submission holds it shared, a transition exclusively while it flips
	// the online flag.
	submitMu sync.RWMutex
	// transitionMu serialises GoOffline and GoOnline.
	transitionMu sync.Mutex
	online       atomic.Bool
	snap         atomic.Pointer[snapshot.Snapshot]

	// lifeMu orders registering in-flight work against Shutdown closing the
	// engine, so inflight.Add never races inflight.Wait.
	lifeMu   sync.RWMutex
	closed   atomic.Bool
	inflight sync.WaitGroup

	// held maps a manual review id to the queued operations waiting for it.
	heldMu sync.Mutex
	held   map[string][]*queue.PendingOperation

	strategyMu sync.Mutex

	healthMu            sync.Mutex
	consecutiveFailures int
	syncDurations       []time.Duration
}

// Option customises a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithStateStore persists sync state, review conflicts and history.
func WithStateStore(s store.Store) Option {
	return func(m *Manager) { m.store = s }
}

func WithAuditSink(s audit.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

func WithOracle(o connectivity.Oracle) Option {
	return func(m *Manager) { m.oracle = o }
}

// WithChangeSource refreshes stores from a remote change feed while online.
func WithChangeSource(src ChangeSource) Option {
	return func(m *Manager) { m.changeSource = src }
}

func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:        cfg,
		containers: make(map[string]container.Container),
		held:       make(map[string][]*queue.PendingOperation),
		status:     statusIdle,
	}
	for _, o := range opts {
		o(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.store == nil {
		m.store = store.NewMemoryStore()
	}
	if m.sink == nil {
		m.sink = audit.LogSink{}
	}
	if m.oracle == nil {
		m.oracle = connectivity.NewStatic(cfg.Connectivity.InitialOnline)
	}

	dcfg, err := DebounceConfig(cfg.Engine)
	if err != nil {
		return nil, err
	}
	policy, err := Policy(cfg)
	if err != nil {
		return nil, err
	}

	m.metrics = metrics.New(metrics.Gauges{
		OfflineQueue:   func() float64 { return float64(m.offline.Len()) },
		RetryQueue:     func() float64 { return float64(m.retry.Len()) },
		ActiveLocks:    func() float64 { return float64(m.locks.Active()) },
		DegradedStores: func() float64 { return float64(len(m.registry.Degraded())) },
		Online: func() float64 {
			if m.online.Load() {
				return 1
			}
			return 0
		},
	})

	m.debouncer = debounce.New(dcfg, m.clock)
	m.bus = bus.New(
		bus.WithGate(m.debouncer),
		bus.WithClock(m.clock),
		bus.WithEventLogSize(cfg.Engine.EventLogSize),
	)
	m.bus.Use(bus.Validation(map[string][]string{
		bus.EventStateChanged:     {"store", "state"},
		bus.EventDependencyUpdate: {"sourceStore", "dependentStore"},
	}))
	m.bus.Use(bus.Audit(func(ev bus.Event) {
		m.metrics.Event(ev.Name)
		if ev.Name == bus.EventDependencyUpdate {
			m.metrics.Propagated(1)
		}
	}))

	m.registry = registry.New(m.clock)
	m.propagator = registry.NewPropagator(m.registry, m.bus, m.sink, m.clock)
	m.locks = lockmgr.New()
	m.offline = queue.NewOfflineQueue(cfg.Queue.MaxRetries)
	m.retry = queue.NewRetryQueue()
	m.processor = queue.NewProcessor(m.execute, m.retry, m.clock, queue.ProcessorConfig{
		Backoff: queue.Backoff{
			Base:      cfg.Queue.BaseDelay,
			MaxDelay:  cfg.Queue.MaxDelay,
			MaxJitter: cfg.Queue.MaxJitter,
		},
		MaxBatchRetries: cfg.Queue.MaxBatchRetries,
		OnResult:        m.onOutcome,
	})
	m.reviews = &reviewNotifier{inner: store.Reviews{Store: m.store}, m: m}
	m.reconciler = reconcile.New(
		conflict.NewResolver(policy, m.reviews, m.clock),
		m.locks,
		m.registry,
		m.clock,
		cfg.Engine.MaxConcurrentSyncs,
		reconcile.Hooks{
			Discard: m.discardLocal,
			Hold:    m.holdForReview,
			Conflict: func(storeName string, s conflict.Strategy, _ conflict.Kind) {
				m.metrics.Conflict(storeName, s.String())
			},
		},
	)

	m.online.Store(true)
	m.propagator.Start()
	return m, nil
}

// DebounceConfig translates the engine section into a debouncer policy.
func DebounceConfig(cfg config.EngineConfig) (debounce.Config, error) {
	out := debounce.Config{
		DefaultDelay:       cfg.DefaultDebounce,
		Rules:              make(map[string]debounce.Rule, len(cfg.Debounce)),
		Coalescing:         make(map[string]debounce.CoalesceRule, len(cfg.Coalescing)),
		MaxEventsPerSecond: cfg.MaxEventsPerSecond,
	}
	for name, r := range cfg.Debounce {
		merge, err := debounce.ParseMergeRule(r.Merge)
		if err != nil {
			return out, fmt.Errorf("debounce rule %s: %w", name, err)
		}
		out.Rules[name] = debounce.Rule{Delay: r.Delay, KeyFields: r.KeyFields, Merge: merge}
	}
	for name, r := range cfg.Coalescing {
		strategy, err := debounce.ParseCoalesceStrategy(r.Strategy)
		if err != nil {
			return out, fmt.Errorf("coalescing rule %s: %w", name, err)
		}
		out.Coalescing[name] = debounce.CoalesceRule{GroupBy: r.GroupBy, MaxAge: r.MaxAge, MaxSize: r.MaxSize, Strategy: strategy}
	}
	return out, nil
}

// Policy builds the conflict policy from configuration.
func Policy(cfg *config.Config) (conflict.Policy, error) {
	p := conflict.Policy{
		Strategies:         make(map[string]conflict.Strategy, len(cfg.Conflict.Strategies)),
		CriticalFields:     cfg.Conflict.CriticalFields,
		NoiseFields:        make(map[string][]string, len(cfg.Stores)),
		TimestampThreshold: cfg.Conflict.TimestampThreshold,
		VersionField:       cfg.Conflict.VersionField,
		TimestampField:     cfg.Conflict.TimestampField,
	}
	def, err := conflict.ParseStrategy(cfg.Conflict.DefaultStrategy)
	if err != nil {
		return p, err
	}
	p.Default = def
	for name, s := range cfg.Conflict.Strategies {
		parsed, err := conflict.ParseStrategy(s)
		if err != nil {
			return p, fmt.Errorf("store %s: %w", name, err)
		}
		p.Strategies[name] = parsed
	}
	for _, sc := range cfg.Stores {
		if len(sc.NoiseFields) > 0 {
			p.NoiseFields[sc.Name] = sc.NoiseFields
		}
	}
	return p, nil
}

// RegisterStore adds a store container. Observable containers report their
// local changes as store:state_changed notifications.
func (m *Manager) RegisterStore(c container.Container, spec registry.StoreSpec) error {
	if m.closed.Load() {
		return syncerr.ErrShutdown
	}
	spec.Name = c.Name()
	if len(spec.NoiseFields) == 0 {
		spec.NoiseFields = m.reconciler.Resolver().Policy().NoiseFields[spec.Name]
	}
	if err := m.registry.Register(spec); err != nil {
		return err
	}
	if _, err := m.registry.Observe(spec.Name, c.State()); err != nil {
		return err
	}

	m.mu.Lock()
	m.containers[spec.Name] = c
	if obs, ok := c.(container.Observable); ok {
		name := spec.Name
		m.unsubs = append(m.unsubs, obs.OnChange(func(st state.State) {
			m.emitStateChanged(name, st)
		}))
	}
	m.mu.Unlock()

	logger.Log.Info("Registered store", zap.String("store", spec.Name), zap.Strings("dependencies", spec.Dependencies))
	return nil
}

func (m *Manager) container(name string) (container.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrUnknownStore, name)
	}
	return c, nil
}

func (m *Manager) syncable(name string) (container.Syncable, error) {
	c, err := m.container(name)
	if err != nil {
		return nil, err
	}
	sc, ok := c.(container.Syncable)
	if !ok {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrNotSyncable, name)
	}
	return sc, nil
}

// activeContainers returns the active stores sorted by name.
func (m *Manager) activeContainers() []container.Container {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []container.Container
	for _, h := range m.registry.List() {
		if !h.IsActive {
			continue
		}
		if c, ok := m.containers[h.Name]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Start begins background work: the change feed (when configured) and the
// initial connectivity check.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == statusRunning {
		m.mu.Unlock()
		return fmt.Errorf("sync manager is already running")
	}
	m.status = statusRunning
	m.mu.Unlock()

	logger.Log.Info("Starting sync manager")

	if m.changeSource != nil {
		m.workerPool = NewWorkerPool(m.cfg.ChangeFeed, m.RefreshStore, m.changeSource.Events())
		m.workerPool.Start()
		if err := m.changeSource.Start(); err != nil {
			m.workerPool.Stop()
			return err
		}
	}

	m.CheckConnectivity(ctx)
	return nil
}

func (m *Manager) GetStatus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOnline reports the engine's current connectivity mode.
func (m *Manager) IsOnline() bool {
	return m.online.Load()
}

// Bus exposes the event bus for subscribers.
func (m *Manager) Bus() *bus.Bus {
	return m.bus
}

func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

func (m *Manager) PrometheusMetrics() *metrics.Metrics {
	return m.metrics
}

// Events returns the recent bus emissions.
func (m *Manager) Events() []bus.LogEntry {
	return m.bus.Log()
}

// History returns recent reconnect and retry passes.
func (m *Manager) History(ctx context.Context, limit, offset int) ([]*store.SyncHistory, error) {
	return m.store.GetSyncHistory(ctx, limit, offset)
}

// Housekeeping prunes idle debouncer state.
func (m *Manager) Housekeeping() {
	m.debouncer.Sweep()
}

// enter registers in-flight work. It reports false once the engine is closed.
func (m *Manager) enter() bool {
	m.lifeMu.RLock()
	defer m.lifeMu.RUnlock()
	if m.closed.Load() {
		return false
	}
	m.inflight.Add(1)
	return true
}

// Shutdown force-flushes pending notifications, waits up to the configured
// grace period for in-flight work and tears the engine down. Teardown always
// completes; a grace timeout is reported as an error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifeMu.Lock()
	first := m.closed.CompareAndSwap(false, true)
	m.lifeMu.Unlock()
	if !first {
		return nil
	}
	logger.Log.Info("Shutting down sync manager")

	if m.workerPool != nil {
		m.changeSource.Stop()
		m.workerPool.Stop()
	}

	flushed := m.debouncer.Close()
	logger.Log.Info("Flushed pending notifications", zap.Int("count", flushed))

	grace := m.cfg.Engine.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	var err error
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		err = fmt.Errorf("in-flight operations still running after %s", grace)
		logger.Log.Warn("Shutdown grace period exceeded", zap.Duration("grace", grace))
	case <-ctx.Done():
		err = ctx.Err()
		logger.Log.Warn("Shutdown interrupted", zap.Error(err))
	}

	m.mu.Lock()
	for _, u := range m.unsubs {
		u()
	}
	m.unsubs = nil
	m.status = statusIdle
	m.mu.Unlock()

	m.propagator.Stop()
	m.bus.Close()
	return err
}
