package sync

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"offline-sync-service/internal/bus"
	"offline-sync-service/internal/connectivity"
	"offline-sync-service/internal/container"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/reconcile"
	"offline-sync-service/internal/snapshot"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/syncerr"
)

// SyncReport describes one reconnect.
type SyncReport struct {
	Conflicts      reconcile.Report `json:"conflicts"`
	Replay         queue.Summary    `json:"replay"`
	Reconciliation reconcile.Report `json:"reconciliation"`
	Duration       time.Duration    `json:"duration"`
}

// CheckConnectivity asks the oracle and reacts to a changed answer.
func (m *Manager) CheckConnectivity(ctx context.Context) {
	if m.closed.Load() {
		return
	}
	if _, err := m.SetOnline(ctx, m.oracle.IsOnline(ctx)); err != nil {
		logger.Log.Error("Connectivity transition failed", zap.Error(err))
	}
}

// Override forces the connectivity mode. A static oracle is updated too so
// that polling does not undo the override.
func (m *Manager) Override(ctx context.Context, online bool) (*SyncReport, error) {
	if s, ok := m.oracle.(*connectivity.Static); ok {
		s.Set(online)
	}
	return m.SetOnline(ctx, online)
}

// SetOnline transitions only on edges; repeating the current mode is a no-op
// and returns a nil report.
func (m *Manager) SetOnline(ctx context.Context, online bool) (*SyncReport, error) {
	if online {
		return m.GoOnline(ctx)
	}
	return nil, m.GoOffline(ctx)
}

// GoOffline snapshots every active store, lets cacheable stores persist
// what they need and switches submissions to the offline queue.
func (m *Manager) GoOffline(ctx context.Context) error {
	if m.closed.Load() {
		return syncerr.ErrShutdown
	}
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if !m.online.Load() {
		return nil
	}

	m.submitMu.Lock()
	stores := m.activeContainers()
	snap, err := m.takeSnapshot(stores)
	if err != nil {
		m.submitMu.Unlock()
		return err
	}
	m.snap.Store(snap)
	m.online.Store(false)
	m.submitMu.Unlock()

	for _, c := range stores {
		if oc, ok := c.(container.OfflineCacheable); ok {
			if err := oc.CacheOffline(ctx); err != nil {
				logger.Log.Warn("Failed to cache store for offline use", zap.String("store", c.Name()), zap.Error(err))
			}
		}
	}

	logger.Log.Info("Switched to offline mode", zap.Int("stores", len(stores)))
	m.emit(bus.EventOffline, map[string]any{
		"timestamp": snap.Timestamp,
		"stores":    snap.Names(),
	})
	return nil
}

func (m *Manager) takeSnapshot(stores []container.Container) (*snapshot.Snapshot, error) {
	sources := make([]snapshot.Source, 0, len(stores))
	for _, c := range stores {
		src := snapshot.Source{Name: c.Name(), State: c.State()}
		if h, err := m.registry.Get(c.Name()); err == nil {
			src.LastSync = h.LastSyncedAt
		}
		if spec, ok := m.registry.Spec(c.Name()); ok {
			src.NoiseFields = spec.NoiseFields
		}
		sources = append(sources, src)
	}
	return snapshot.Take(m.clock.Now(), m.cfg.Conflict.VersionField, sources)
}

// GoOnline reconnects: conflicts between the snapshot and live state are
// resolved first (dropping queued changes a server value supersedes), the
// offline queue is replayed, remaining drift is reconciled and integrity is
// verified. Per-store failures are combined into the returned error; the
// engine is online afterwards regardless.
func (m *Manager) GoOnline(ctx context.Context) (*SyncReport, error) {
	if m.closed.Load() {
		return nil, syncerr.ErrShutdown
	}
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if m.online.Load() {
		return nil, nil
	}
	if !m.enter() {
		return nil, syncerr.ErrShutdown
	}
	defer m.inflight.Done()

	start := m.clock.Now()
	stores := m.activeContainers()
	names := make([]string, len(stores))
	for i, c := range stores {
		names[i] = c.Name()
	}
	snap := m.snap.Load()
	if snap == nil {
		var err error
		if snap, err = m.takeSnapshot(stores); err != nil {
			return nil, err
		}
		m.snap.Store(snap)
	}

	hist := &store.SyncHistory{
		ID:           uuid.NewString(),
		StartedAt:    start,
		Direction:    store.DirectionReconnect,
		StoresSynced: strings.Join(names, ","),
		Status:       statusRunning,
	}
	m.recordHistory(ctx, hist, true)
	logger.Log.Info("Reconnecting", zap.Int("stores", len(stores)), zap.Int("queued", m.offline.Len()))

	var (
		report SyncReport
		errs   error
	)

	conflicts, err := m.reconciler.ResolveAll(ctx, snap, stores, m.pendingOps())
	report.Conflicts = conflicts
	errs = multierr.Append(errs, err)

	report.Replay = m.processor.Replay(ctx, m.offline.Drain())
	m.emit(bus.EventQueueProcessed, map[string]any{
		"source":            "reconnect",
		"succeeded":         report.Replay.Succeeded,
		"failed":            report.Replay.Failed,
		"retrying":          report.Replay.Retrying,
		"conflictsResolved": conflicts.Resolved,
	})

	recon, err := m.reconciler.Run(ctx, snap, stores, m.pendingOps())
	report.Reconciliation = recon
	errs = multierr.Append(errs, err)

	// Operations that arrived during the passes above are replayed before
	// submissions go direct again.
	m.submitMu.Lock()
	if late := m.offline.Drain(); len(late) > 0 {
		lateSum := m.processor.Replay(ctx, late)
		report.Replay.Succeeded += lateSum.Succeeded
		report.Replay.Failed += lateSum.Failed
		report.Replay.Retrying += lateSum.Retrying
	}
	m.online.Store(true)
	m.snap.Store(nil)
	m.submitMu.Unlock()

	report.Duration = m.clock.Now().Sub(start)
	m.observeDuration(report.Duration)
	if errs != nil && !reconcile.IsDegradedOnly(errs) {
		m.healthMu.Lock()
		m.consecutiveFailures++
		m.healthMu.Unlock()
	}

	for _, res := range recon.Stores {
		m.persistSyncState(ctx, res.Store, res.Err)
	}

	hist.OperationsReplayed = int64(report.Replay.Succeeded + report.Replay.Failed + report.Replay.Retrying)
	hist.ConflictsDetected = conflicts.Conflicts + recon.Conflicts
	hist.CompletedAt = sql.NullTime{Time: m.clock.Now(), Valid: true}
	hist.Status = "completed"
	if errs != nil {
		hist.Status = "completed_with_errors"
		hist.ErrorMessage = sql.NullString{String: errs.Error(), Valid: true}
	}
	m.recordHistory(ctx, hist, false)

	m.emit(bus.EventReconciliationDone, map[string]any{
		"reconciled": recon.Reconciled,
		"total":      len(stores),
		"degraded":   recon.Degraded,
		"conflicts":  conflicts.Conflicts + recon.Conflicts,
		"resolved":   conflicts.Resolved + recon.Resolved,
		"deltas":     recon.Deltas,
	})
	m.emit(bus.EventOnline, map[string]any{
		"timestamp": m.clock.Now(),
		"duration":  report.Duration.String(),
	})

	logger.Log.Info("Reconnected",
		zap.Int("replayed", int(hist.OperationsReplayed)),
		zap.Int("conflicts", hist.ConflictsDetected),
		zap.Int("reconciled", recon.Reconciled),
		zap.Strings("degraded", recon.Degraded),
		zap.Duration("duration", report.Duration),
		zap.Error(errs),
	)
	return &report, errs
}

func (m *Manager) persistSyncState(ctx context.Context, name string, failure error) {
	h, err := m.registry.Get(name)
	if err != nil {
		return
	}
	ss := &store.SyncState{StoreName: name, StateHash: h.StateHash, Status: store.StatusSynced}
	if h.LastSyncedAt != nil {
		ss.LastSyncTime = sql.NullTime{Time: *h.LastSyncedAt, Valid: true}
	}
	if c, err := m.container(name); err == nil {
		if v, ok := state.Number(c.State()[m.cfg.Conflict.VersionField]); ok {
			ss.Version = int64(v)
		}
	}
	switch {
	case h.Degraded:
		ss.Status = store.StatusDegraded
		ss.ErrorMessage = sql.NullString{String: h.DegradedReason, Valid: true}
	case failure != nil:
		ss.Status = store.StatusFailed
		ss.ErrorMessage = sql.NullString{String: failure.Error(), Valid: true}
	}
	if err := m.store.UpdateSyncState(ctx, ss); err != nil {
		logger.Log.Warn("Failed to persist sync state", zap.String("store", name), zap.Error(err))
	}
}

func (m *Manager) recordHistory(ctx context.Context, h *store.SyncHistory, create bool) {
	var err error
	if create {
		err = m.store.CreateSyncHistory(ctx, h)
	} else {
		err = m.store.UpdateSyncHistory(ctx, h)
	}
	if err != nil {
		logger.Log.Warn("Failed to record sync history", zap.String("id", h.ID), zap.Error(err))
	}
}

const durationWindow = 20

func (m *Manager) observeDuration(d time.Duration) {
	m.metrics.SyncDuration(d)
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	m.syncDurations = append(m.syncDurations, d)
	if len(m.syncDurations) > durationWindow {
		m.syncDurations = m.syncDurations[len(m.syncDurations)-durationWindow:]
	}
}
