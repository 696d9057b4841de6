package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/bus"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/registry"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/syncerr"
)

// SubmitOperation accepts a mutation for a store. Offline, the operation is
// queued for replay; online, it is executed under the store's sync lock.
func (m *Manager) SubmitOperation(ctx context.Context, op queue.Operation) (SubmitResult, error) {
	if op.Type == "" {
		return SubmitResult{}, &syncerr.ValidationError{Store: op.StoreName, Field: "type", Reason: "operation type is required"}
	}
	if _, err := m.container(op.StoreName); err != nil {
		return SubmitResult{}, err
	}

	if !m.enter() {
		return SubmitResult{}, syncerr.ErrShutdown
	}
	defer m.inflight.Done()
	m.submitMu.RLock()
	defer m.submitMu.RUnlock()

	if !m.online.Load() {
		pending := m.offline.Enqueue(op, m.clock.Now())
		logger.Log.Debug("Queued operation while offline",
			zap.String("id", pending.ID),
			zap.String("store", pending.StoreName),
			zap.String("type", pending.Type),
			zap.Int("queueSize", m.offline.Len()),
		)
		m.metrics.Operation(op.StoreName, "queued")
		return SubmitResult{Status: string(queue.StatusQueued), Operation: pending}, nil
	}

	if _, err := m.syncable(op.StoreName); err != nil {
		return SubmitResult{}, err
	}
	pending := &queue.PendingOperation{
		ID:         uuid.NewString(),
		StoreName:  op.StoreName,
		Type:       op.Type,
		Method:     op.Method,
		Payload:    op.Payload,
		Priority:   op.Priority,
		QueuedAt:   m.clock.Now(),
		MaxRetries: m.cfg.Queue.MaxRetries,
		Status:     queue.StatusQueued,
	}
	out := m.processor.Execute(ctx, pending)
	res := SubmitResult{Status: string(out.Status), Operation: pending}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	if out.Status == queue.StatusFailedPermanently {
		return res, out.Err
	}
	return res, nil
}

// execute runs one attempt of op against its store while holding the store's
// sync lock, then applies the returned state locally. During a reconnect the
// confirmed state also becomes the store's reconciliation baseline.
func (m *Manager) execute(ctx context.Context, op *queue.PendingOperation) error {
	sc, err := m.syncable(op.StoreName)
	if err != nil {
		return syncerr.Permanent(op.ID, err)
	}
	return m.locks.With(ctx, op.StoreName, func(ctx context.Context) error {
		st, err := sc.Execute(ctx, op.Operation())
		if err != nil {
			return err
		}
		sc.Apply(st)
		m.registry.MarkSynced(op.StoreName)
		if snap := m.snap.Load(); snap != nil {
			now := m.clock.Now()
			if err := snap.Put(op.StoreName, st, &now); err != nil {
				logger.Log.Warn("Failed to advance baseline", zap.String("store", op.StoreName), zap.Error(err))
			}
		}
		return nil
	})
}

func (m *Manager) onOutcome(o queue.Outcome) {
	m.metrics.Operation(o.Op.StoreName, string(o.Status))
	payload := map[string]any{
		"id":         o.Op.ID,
		"store":      o.Op.StoreName,
		"type":       o.Op.Type,
		"attempts":   o.Attempts,
		"retryCount": o.Op.RetryCount,
	}

	m.healthMu.Lock()
	if o.Status == queue.StatusSucceeded {
		m.consecutiveFailures = 0
	} else {
		m.consecutiveFailures++
	}
	m.healthMu.Unlock()

	switch o.Status {
	case queue.StatusSucceeded:
		m.emit(bus.EventOperationSucceeded, payload)
	case queue.StatusRetrying:
		payload["error"] = errString(o.Err)
		payload["willRetry"] = true
		payload["nextRetryAt"] = o.Op.NextRetryAt
		m.emit(bus.EventOperationFailed, payload)
	default:
		payload["error"] = errString(o.Err)
		payload["willRetry"] = false
		m.emit(bus.EventOperationFailed, payload)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// emit delivers an engine lifecycle event immediately.
func (m *Manager) emit(name string, payload map[string]any) {
	if _, err := m.bus.Emit(context.Background(), name, payload, bus.Options{Immediate: true}); err != nil {
		logger.Log.Debug("Event not emitted", zap.String("event", name), zap.Error(err))
	}
}

// emitStateChanged routes a local change through the debouncer without
// waiting for its window to close.
func (m *Manager) emitStateChanged(name string, st state.State) {
	ch, err := m.bus.EmitAsync(context.Background(), bus.EventStateChanged, registry.StateChangedPayload(name, st), bus.Options{})
	if err != nil {
		logger.Log.Debug("State change not emitted", zap.String("store", name), zap.Error(err))
		return
	}
	go func() {
		res := <-ch
		if res.Suppressed || res.Dropped {
			m.metrics.Suppressed(res.Reason)
		}
	}()
}

// discardLocal removes field from the queued operations of storeName once a
// conflict resolution has settled it. Operations left with nothing to write
// are dropped.
func (m *Manager) discardLocal(storeName, field string) {
	dropped, trimmed := m.offline.Strip(storeName, field)
	for _, p := range dropped {
		logger.Log.Info("Dropped queued operation settled by conflict resolution",
			zap.String("id", p.ID),
			zap.String("store", storeName),
			zap.String("field", field),
		)
		m.metrics.Operation(storeName, "discarded")
	}
	for _, p := range trimmed {
		logger.Log.Debug("Trimmed queued operation settled by conflict resolution",
			zap.String("id", p.ID),
			zap.String("store", storeName),
			zap.String("field", field),
		)
	}
}

// holdForReview moves the queued operations writing field out of the replay
// queue until review reviewID is decided.
func (m *Manager) holdForReview(storeName, field, reviewID string) {
	taken := m.offline.DiscardWhere(func(p *queue.PendingOperation) bool {
		return p.StoreName == storeName && p.Touches(field)
	})
	if len(taken) == 0 {
		return
	}
	m.heldMu.Lock()
	m.held[reviewID] = append(m.held[reviewID], taken...)
	m.heldMu.Unlock()
	for _, p := range taken {
		logger.Log.Info("Holding queued operation for manual review",
			zap.String("id", p.ID),
			zap.String("store", storeName),
			zap.String("field", field),
			zap.String("review", reviewID),
		)
	}
}

// releaseHeld returns and forgets the operations held for reviewID.
func (m *Manager) releaseHeld(reviewID string) []*queue.PendingOperation {
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	ops := m.held[reviewID]
	delete(m.held, reviewID)
	return ops
}

func (m *Manager) heldCount() int {
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	n := 0
	for _, ops := range m.held {
		n += len(ops)
	}
	return n
}

// pendingOps returns copies of every operation not yet executed: the offline
// queue followed by the operations held for review.
func (m *Manager) pendingOps() []*queue.PendingOperation {
	out := m.offline.Snapshot()
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	for _, ops := range m.held {
		for _, p := range ops {
			cp := *p
			cp.Payload = state.State(p.Payload).Clone()
			out = append(out, &cp)
		}
	}
	return out
}

// ProcessRetryQueue runs the retry queue entries that are due. Nothing runs
// while offline.
func (m *Manager) ProcessRetryQueue(ctx context.Context) (queue.Summary, error) {
	if !m.enter() {
		return queue.Summary{}, syncerr.ErrShutdown
	}
	defer m.inflight.Done()
	if !m.online.Load() || m.retry.Len() == 0 {
		return queue.Summary{}, nil
	}

	start := m.clock.Now()
	hist := &store.SyncHistory{
		ID:        uuid.NewString(),
		StartedAt: start,
		Direction: store.DirectionRetry,
		Status:    statusRunning,
	}
	m.recordHistory(ctx, hist, true)

	sum := m.processor.ProcessRetries(ctx)
	m.observeDuration(m.clock.Now().Sub(start))

	hist.OperationsReplayed = int64(sum.Succeeded + sum.Failed + sum.Retrying)
	hist.Status = "completed"
	hist.CompletedAt = sql.NullTime{Time: m.clock.Now(), Valid: true}
	m.recordHistory(ctx, hist, false)

	if sum.Succeeded+sum.Failed+sum.Retrying > 0 {
		m.emit(bus.EventQueueProcessed, map[string]any{
			"source":    "retry",
			"succeeded": sum.Succeeded,
			"failed":    sum.Failed,
			"retrying":  sum.Retrying,
		})
	}
	return sum, nil
}

// RefreshStore reloads a store's local state from its remote document. It is
// driven by the change feed and skipped while offline.
func (m *Manager) RefreshStore(ctx context.Context, name string) error {
	if !m.online.Load() {
		return nil
	}
	sc, err := m.syncable(name)
	if errors.Is(err, syncerr.ErrUnknownStore) {
		// documents of unregistered stores are not ours
		return nil
	}
	if err != nil {
		return err
	}
	if !m.enter() {
		return syncerr.ErrShutdown
	}
	defer m.inflight.Done()

	return m.locks.With(ctx, name, func(ctx context.Context) error {
		live, err := sc.Fetch(ctx)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", name, err)
		}
		if state.Equal(live, sc.State()) {
			return nil
		}
		sc.Apply(live)
		m.registry.MarkSynced(name)
		m.persistSyncState(ctx, name, nil)
		return nil
	})
}
