// Package reconcile brings each store back in line with the remote source of
// truth after an offline period and verifies the result.
package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offline-sync-service/internal/clock"
	"offline-sync-service/internal/conflict"
	"offline-sync-service/internal/container"
	"offline-sync-service/internal/lockmgr"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/registry"
	"offline-sync-service/internal/snapshot"
	"offline-sync-service/internal/state"
	"offline-sync-service/internal/syncerr"
)

// Hooks observe reconciliation decisions. All fields are optional.
type Hooks struct {
	// Discard is called once the resolved state is stored, for every field
	// whose queued local changes the resolution settled ("" for the whole
	// state).
	Discard func(store, field string)
	// Hold is called when field ("" for the whole state) went to manual
	// review: its queued local changes wait for the decision.
	Hold func(store, field, reviewID string)
	// Conflict is called once per detected conflict.
	Conflict func(store string, strategy conflict.Strategy, kind conflict.Kind)
}

// StoreResult summarises one store's pass.
type StoreResult struct {
	Store     string   `json:"store"`
	Conflicts int      `json:"conflicts"`
	Resolved  int      `json:"resolved"`
	Reviews   []string `json:"reviews,omitempty"`
	Deltas    int      `json:"deltas"`
	Pushed    bool     `json:"pushed"`
	Issues    []string `json:"issues,omitempty"`
	Err       error    `json:"-"`
}

// Report aggregates a pass over several stores.
type Report struct {
	Stores     []StoreResult `json:"stores"`
	Reconciled int           `json:"reconciled"`
	Conflicts  int           `json:"conflicts"`
	Resolved   int           `json:"resolved"`
	Deltas     int           `json:"deltas"`
	Degraded   []string      `json:"degraded,omitempty"`
	Duration   time.Duration `json:"duration"`
}

type Reconciler struct {
	resolver      atomic.Pointer[conflict.Resolver]
	locks         *lockmgr.Manager
	registry      *registry.Registry
	clock         clock.Clock
	maxConcurrent int
	hooks         Hooks
}

func New(resolver *conflict.Resolver, locks *lockmgr.Manager, reg *registry.Registry, c clock.Clock, maxConcurrent int, hooks Hooks) *Reconciler {
	if c == nil {
		c = clock.New()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	r := &Reconciler{
		locks:         locks,
		registry:      reg,
		clock:         c,
		maxConcurrent: maxConcurrent,
		hooks:         hooks,
	}
	r.resolver.Store(resolver)
	return r
}

// SetResolver swaps the resolver, e.g. after a strategy override.
func (r *Reconciler) SetResolver(res *conflict.Resolver) {
	r.resolver.Store(res)
}

func (r *Reconciler) Resolver() *conflict.Resolver {
	return r.resolver.Load()
}

// ReconcileStore resolves the drift between the snapshot baseline and the live
// remote state of c while holding c's sync lock. ops are the queued
// operations still pending for c; they are linked to the conflicts they touch.
//
// On success the resolved state is pushed when it differs from live, applied
// locally and recorded as the new baseline, so an immediate second pass finds
// nothing to do.
func (r *Reconciler) ReconcileStore(ctx context.Context, snap *snapshot.Snapshot, c container.Syncable, ops []*queue.PendingOperation) (StoreResult, error) {
	name := c.Name()
	res := StoreResult{Store: name}
	err := r.locks.With(ctx, name, func(ctx context.Context) error {
		return r.reconcileLocked(ctx, snap, c, ops, &res)
	})
	res.Err = err
	return res, err
}

func (r *Reconciler) reconcileLocked(ctx context.Context, snap *snapshot.Snapshot, c container.Syncable, ops []*queue.PendingOperation, res *StoreResult) error {
	name := c.Name()
	entry, ok := snap.Get(name)
	if !ok {
		return nil
	}

	live, err := c.Fetch(ctx)
	if err != nil {
		return err
	}
	if len(live) == 0 && len(entry.State) > 0 {
		// Nothing remote yet: the local baseline seeds it.
		logger.Log.Info("Seeding remote state from snapshot", zap.String("store", name))
		if err := c.Push(ctx, entry.State); err != nil {
			return err
		}
		res.Pushed = true
		res.Deltas = len(entry.State)
		return r.settle(snap, c, entry.State)
	}

	resolver := r.resolver.Load()
	strategy := resolver.Policy().StrategyFor(name)
	records := conflict.NewDetector(resolver.Policy()).Detect(name, entry.State, live)
	records = conflict.Attach(records, ops)
	res.Conflicts = len(records)
	for _, rec := range records {
		if r.hooks.Conflict != nil {
			r.hooks.Conflict(name, strategy, rec.Kind)
		}
	}

	result := live.Clone()
	if result == nil {
		result = state.State{}
	}
	var (
		errs    error
		settled []string
	)
	in := conflict.Input{Snapshot: entry.State, Live: live, Local: project(entry.State, ops)}
	for _, rec := range resolver.Plan(name, records) {
		resolution, err := resolver.Resolve(ctx, rec, in)
		switch {
		case syncerr.IsUnresolved(err):
			res.Reviews = append(res.Reviews, resolution.ReviewID)
			if r.hooks.Hold != nil {
				r.hooks.Hold(name, rec.Field, resolution.ReviewID)
			}
			continue
		case syncerr.IsValidation(err):
			logger.Log.Warn("Conflict resolution rejected", zap.String("store", name), zap.String("field", rec.Field), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		case err != nil:
			errs = multierr.Append(errs, err)
			continue
		}
		result = resolution.ApplyTo(result)
		res.Resolved++
		if resolution.DiscardLocal {
			settled = append(settled, rec.Field)
		}
	}

	if len(res.Reviews) > 0 {
		// The review decides; keep local as is and leave the baseline alone.
		return errs
	}

	res.Deltas = len(state.Diff(live, result, nil, nil))
	if res.Deltas > 0 {
		if err := c.Push(ctx, result); err != nil {
			return multierr.Append(errs, err)
		}
		res.Pushed = true
	}
	if err := r.settle(snap, c, result); err != nil {
		return multierr.Append(errs, err)
	}
	if r.hooks.Discard != nil {
		for _, field := range settled {
			r.hooks.Discard(name, field)
		}
	}
	return errs
}

// project applies ops to base in replay order. It returns nil when there is
// nothing queued. Operations that cannot apply are skipped.
func project(base state.State, ops []*queue.PendingOperation) state.State {
	if len(ops) == 0 {
		return nil
	}
	out := base.Clone()
	for _, op := range queue.Order(queue.Dedupe(ops)) {
		next, err := container.ApplyOperation(out, op.Operation())
		if err != nil {
			continue
		}
		out = next
	}
	return out
}

func (r *Reconciler) settle(snap *snapshot.Snapshot, c container.Container, st state.State) error {
	c.Apply(st)
	now := r.clock.Now()
	if r.registry != nil {
		r.registry.MarkSynced(c.Name())
	}
	return snap.Put(c.Name(), st, &now)
}

// ResolveAll runs ReconcileStore for every syncable store, at most
// maxConcurrent at a time. A failing store does not stop the others; their
// errors are combined.
func (r *Reconciler) ResolveAll(ctx context.Context, snap *snapshot.Snapshot, stores []container.Container, ops []*queue.PendingOperation) (Report, error) {
	return r.run(ctx, snap, stores, ops, false)
}

// Run is the post-replay pass: residual drift is resolved, then every store
// is checked for integrity. Stores failing the check are marked degraded.
// ops are the operations still waiting, such as those held for review.
func (r *Reconciler) Run(ctx context.Context, snap *snapshot.Snapshot, stores []container.Container, ops []*queue.PendingOperation) (Report, error) {
	return r.run(ctx, snap, stores, ops, true)
}

func (r *Reconciler) run(ctx context.Context, snap *snapshot.Snapshot, stores []container.Container, ops []*queue.PendingOperation, verify bool) (Report, error) {
	start := r.clock.Now()
	results := make([]StoreResult, len(stores))

	var g errgroup.Group
	g.SetLimit(r.maxConcurrent)
	for i, c := range stores {
		i, c := i, c
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = StoreResult{Store: c.Name(), Err: err}
				return nil
			}
			var res StoreResult
			if sc, ok := c.(container.Syncable); ok {
				res, _ = r.ReconcileStore(ctx, snap, sc, opsFor(ops, c.Name()))
			} else {
				res = StoreResult{Store: c.Name()}
			}
			if verify {
				r.verify(ctx, snap, c, &res)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Stores: results, Duration: r.clock.Now().Sub(start)}
	var errs error
	for _, res := range results {
		report.Conflicts += res.Conflicts
		report.Resolved += res.Resolved
		report.Deltas += res.Deltas
		if len(res.Issues) > 0 {
			report.Degraded = append(report.Degraded, res.Store)
		}
		if res.Err != nil {
			logger.Log.Error("Store reconciliation failed", zap.String("store", res.Store), zap.Error(res.Err))
			errs = multierr.Append(errs, res.Err)
			continue
		}
		report.Reconciled++
	}
	return report, errs
}

func (r *Reconciler) verify(ctx context.Context, snap *snapshot.Snapshot, c container.Container, res *StoreResult) {
	res.Issues = CheckIntegrity(ctx, c, snap)
	if len(res.Issues) == 0 {
		if r.registry != nil {
			r.registry.ClearDegraded(c.Name())
		}
		return
	}
	ierr := &syncerr.IntegrityError{Store: c.Name(), Issues: res.Issues}
	logger.Log.Warn("Integrity check failed", zap.String("store", c.Name()), zap.Strings("issues", res.Issues))
	if r.registry != nil {
		r.registry.MarkDegraded(c.Name(), ierr.Error())
	}
	res.Err = multierr.Append(res.Err, ierr)
}

func opsFor(ops []*queue.PendingOperation, store string) []*queue.PendingOperation {
	var out []*queue.PendingOperation
	for _, op := range ops {
		if op.StoreName == store {
			out = append(out, op)
		}
	}
	return out
}

// CheckIntegrity runs the store's own validator when it has one, otherwise
// the generic flag checks, plus the snapshot checksum when snap is given.
func CheckIntegrity(ctx context.Context, c container.Container, snap *snapshot.Snapshot) []string {
	var issues []string
	if ic, ok := c.(container.IntegrityCheckable); ok {
		issues = append(issues, ic.CheckIntegrity(ctx)...)
	} else {
		issues = append(issues, GenericIssues(c.State())...)
	}
	if snap != nil {
		if _, ok := snap.Get(c.Name()); ok {
			if err := snap.Verify(c.Name()); err != nil {
				issues = append(issues, err.Error())
			}
		}
	}
	return issues
}

// GenericIssues flags an error marker, a false initialisation flag and a
// corruption marker.
func GenericIssues(st state.State) []string {
	var issues []string
	if truthy(st["error"]) {
		issues = append(issues, "store reports an error")
	}
	for _, f := range []string{"initialized", "isInitialized"} {
		if v, ok := st[f].(bool); ok && !v {
			issues = append(issues, "store is not initialized")
			break
		}
	}
	if truthy(st["corrupted"]) {
		issues = append(issues, "store is marked corrupted")
	}
	return issues
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if n, ok := state.Number(v); ok {
			return n != 0
		}
		return true
	}
}

// Errors splits a combined reconciliation error into per-store errors.
func Errors(err error) []error {
	return multierr.Errors(err)
}

// IsDegradedOnly reports whether every error in err is an integrity failure.
func IsDegradedOnly(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range multierr.Errors(err) {
		var ie *syncerr.IntegrityError
		if !errors.As(e, &ie) {
			return false
		}
	}
	return true
}
