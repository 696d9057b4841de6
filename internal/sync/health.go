package sync

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/conflict"
	"offline-sync-service/internal/debounce"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/registry"
)

// Health statuses.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

const criticalFailures = 5

type SyncHealth struct {
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	AverageSyncTime     time.Duration `json:"averageSyncTime"`
}

// MetricsSnapshot is a point-in-time view of engine load.
type MetricsSnapshot struct {
	OfflineQueueSize   int               `json:"offlineQueueSize"`
	HeldOperations     int               `json:"heldOperations"`
	RetryQueueSize     int               `json:"retryQueueSize"`
	ActiveSyncLocks    int               `json:"activeSyncLocks"`
	SyncHealth         SyncHealth        `json:"syncHealth"`
	ConflictStrategies map[string]string `json:"conflictStrategies"`
	Online             bool              `json:"online"`
	DegradedStores     []string          `json:"degradedStores"`
	Debouncer          debounce.Stats    `json:"debouncer"`
}

type HealthReport struct {
	Status          string   `json:"status"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// Metrics returns current queue sizes, lock usage and sync health.
func (m *Manager) Metrics() MetricsSnapshot {
	m.healthMu.Lock()
	failures := m.consecutiveFailures
	var avg time.Duration
	if n := len(m.syncDurations); n > 0 {
		var total time.Duration
		for _, d := range m.syncDurations {
			total += d
		}
		avg = total / time.Duration(n)
	}
	m.healthMu.Unlock()

	return MetricsSnapshot{
		OfflineQueueSize:   m.offline.Len(),
		HeldOperations:     m.heldCount(),
		RetryQueueSize:     m.retry.Len(),
		ActiveSyncLocks:    m.locks.Active(),
		SyncHealth:         SyncHealth{ConsecutiveFailures: failures, AverageSyncTime: avg},
		ConflictStrategies: m.reconciler.Resolver().Policy().Assignments(),
		Online:             m.online.Load(),
		DegradedStores:     m.registry.Degraded(),
		Debouncer:          m.debouncer.Stats(),
	}
}

// Health classifies the engine from its metrics.
func (m *Manager) Health() HealthReport {
	mt := m.Metrics()
	r := HealthReport{Status: HealthHealthy, Issues: []string{}, Recommendations: []string{}}
	degrade := func(issue, rec string) {
		if r.Status == HealthHealthy {
			r.Status = HealthDegraded
		}
		r.Issues = append(r.Issues, issue)
		r.Recommendations = append(r.Recommendations, rec)
	}

	if mt.RetryQueueSize > 0 {
		degrade(fmt.Sprintf("%d operations waiting for retry", mt.RetryQueueSize),
			"Check connectivity to the remote stores")
	}
	if len(mt.DegradedStores) > 0 {
		degrade(fmt.Sprintf("stores failing integrity checks: %v", mt.DegradedStores),
			"Inspect the degraded stores and resolve their integrity issues")
	}
	if f := mt.SyncHealth.ConsecutiveFailures; f > 0 {
		degrade(fmt.Sprintf("%d consecutive sync failures", f),
			"Review recent operation failures in the event log")
	}
	if warn := m.cfg.Engine.OfflineQueueWarn; warn > 0 && mt.OfflineQueueSize > warn {
		degrade(fmt.Sprintf("offline queue holds %d operations", mt.OfflineQueueSize),
			"Restore connectivity to replay queued operations")
	}

	if mt.SyncHealth.ConsecutiveFailures >= criticalFailures ||
		(len(mt.DegradedStores) > 0 && mt.RetryQueueSize > 0) {
		r.Status = HealthCritical
	}
	return r
}

// Stores lists the registered stores.
func (m *Manager) Stores() []registry.StoreHandle {
	return m.registry.List()
}

// SetStrategy reassigns the conflict strategy of a store. It applies to the
// next reconciliation.
func (m *Manager) SetStrategy(storeName, strategy string) error {
	if _, err := m.container(storeName); err != nil {
		return err
	}
	s, err := conflict.ParseStrategy(strategy)
	if err != nil {
		return err
	}
	m.strategyMu.Lock()
	defer m.strategyMu.Unlock()
	policy := m.reconciler.Resolver().Policy().WithOverride(storeName, s)
	m.reconciler.SetResolver(conflict.NewResolver(policy, m.reviews, m.clock))
	logger.Log.Info("Conflict strategy changed", zap.String("store", storeName), zap.String("strategy", s.String()))
	return nil
}
