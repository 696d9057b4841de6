package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"offline-sync-service/internal/bus"
	"offline-sync-service/internal/conflict"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/syncerr"
)

// Review resolution choices.
const (
	ChooseLocal  = "local"
	ChooseRemote = "remote"
	ChooseValue  = "value"
)

// ErrReviewResolved is returned when resolving a review twice.
var ErrReviewResolved = errors.New("review already resolved")

// reviewNotifier persists manual-review conflicts and announces them.
type reviewNotifier struct {
	inner store.Reviews
	m     *Manager
}

func (r *reviewNotifier) Submit(ctx context.Context, item conflict.ReviewItem) (string, error) {
	id, created, err := r.inner.SubmitOnce(ctx, item)
	if err != nil || !created {
		return id, err
	}
	logger.Log.Warn("Conflict requires manual review",
		zap.String("id", id),
		zap.String("store", item.Store),
		zap.String("field", item.Field),
		zap.String("kind", string(item.Kind)),
	)
	r.m.emit(bus.EventManualReview, map[string]any{
		"id":     id,
		"store":  item.Store,
		"field":  item.Field,
		"kind":   string(item.Kind),
		"local":  item.Local,
		"remote": item.Remote,
	})
	return id, nil
}

// ListReviews returns manual-review conflicts, oldest first.
func (m *Manager) ListReviews(ctx context.Context, resolved bool, limit, offset int) ([]*store.Conflict, error) {
	return m.store.ListConflicts(ctx, resolved, limit, offset)
}

// ResolveReview settles a manual-review conflict by writing the chosen value
// to the store's remote and local state. choice is "local", "remote" or
// "value"; value is only read for "value".
func (m *Manager) ResolveReview(ctx context.Context, id, choice string, value any) error {
	if !m.enter() {
		return syncerr.ErrShutdown
	}
	defer m.inflight.Done()
	c, err := m.store.GetConflict(ctx, id)
	if err != nil {
		return fmt.Errorf("review %s: %w", id, err)
	}
	if c.Resolved {
		return fmt.Errorf("%w: %s", ErrReviewResolved, id)
	}
	local, remote, err := c.Values()
	if err != nil {
		return err
	}

	var chosen any
	switch choice {
	case ChooseLocal:
		chosen = local
	case ChooseRemote:
		chosen = remote
	case ChooseValue:
		chosen = value
	default:
		return &syncerr.ValidationError{Store: c.StoreName, Field: "choice", Reason: fmt.Sprintf("unknown choice %q", choice)}
	}
	whole := c.Field == ""
	if whole && state.FromMap(chosen) == nil {
		return &syncerr.ValidationError{Store: c.StoreName, Reason: "a whole-state resolution must be an object"}
	}

	sc, err := m.syncable(c.StoreName)
	if err != nil {
		return err
	}

	err = m.locks.With(ctx, c.StoreName, func(ctx context.Context) error {
		live, err := sc.Fetch(ctx)
		if err != nil {
			return err
		}
		res := conflict.Resolution{
			Record: conflict.Record{Store: c.StoreName, Field: c.Field},
			Value:  chosen,
			Apply:  true,
		}
		next := res.ApplyTo(live)
		if err := sc.Push(ctx, next); err != nil {
			return err
		}
		sc.Apply(next)
		m.registry.MarkSynced(c.StoreName)
		if snap := m.snap.Load(); snap != nil {
			now := m.clock.Now()
			if err := snap.Put(c.StoreName, next, &now); err != nil {
				logger.Log.Warn("Failed to advance baseline", zap.String("store", c.StoreName), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resolve review %s: %w", id, err)
	}

	data, err := json.Marshal(chosen)
	if err != nil {
		return fmt.Errorf("encode resolution: %w", err)
	}
	if err := m.store.ResolveConflict(ctx, id, choice, data); err != nil {
		return err
	}
	m.persistSyncState(ctx, c.StoreName, nil)
	// The decision already accounts for the held changes: "local" carries
	// their value, the other choices override it.
	released := m.releaseHeld(id)
	for range released {
		m.metrics.Operation(c.StoreName, "settled_by_review")
	}
	logger.Log.Info("Resolved manual review",
		zap.String("id", id),
		zap.String("store", c.StoreName),
		zap.String("choice", choice),
		zap.Int("heldOperations", len(released)),
	)
	return nil
}

var _ conflict.ReviewQueue = (*reviewNotifier)(nil)
