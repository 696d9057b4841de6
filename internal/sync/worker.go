package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

// RefreshFunc reloads one store from its remote document.
type RefreshFunc func(ctx context.Context, store string) error

// WorkerPool drains a change feed and refreshes the stores it names. Events
// are batched per worker; a batch touching the same store several times
// refreshes it once.
type WorkerPool struct {
	workers       []*Worker
	eventChan     <-chan ChangeEvent
	refresh       RefreshFunc
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	batchSize     int
	flushInterval time.Duration
}

func NewWorkerPool(cfg config.ChangeFeedConfig, refresh RefreshFunc, eventChan <-chan ChangeEvent) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 500 * time.Millisecond
	}

	pool := &WorkerPool{
		workers:       make([]*Worker, workers),
		eventChan:     eventChan,
		refresh:       refresh,
		ctx:           ctx,
		cancel:        cancel,
		batchSize:     batchSize,
		flushInterval: flush,
	}

	for i := 0; i < workers; i++ {
		pool.workers[i] = newWorker(i, pool)
	}

	return pool
}

func (p *WorkerPool) Start() {
	logger.Log.Info("Starting worker pool", zap.Int("workers", len(p.workers)))
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
}

func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	logger.Log.Info("Stopped worker pool")
}

type Worker struct {
	id    int
	pool  *WorkerPool
	batch []ChangeEvent
}

func newWorker(id int, pool *WorkerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
	}
}

func (w *Worker) run() {
	defer w.pool.wg.Done()

	ticker := time.NewTicker(w.pool.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.pool.eventChan:
			if !ok {
				w.processBatch()
				return
			}
			w.batch = append(w.batch, event)
			if len(w.batch) >= w.pool.batchSize {
				w.processBatch()
			}

		case <-ticker.C:
			if len(w.batch) > 0 {
				w.processBatch()
			}

		case <-w.pool.ctx.Done():
			w.processBatch()
			return
		}
	}
}

func (w *Worker) processBatch() {
	if len(w.batch) == 0 {
		return
	}

	logger.Log.Debug("Processing change batch", zap.Int("workerID", w.id), zap.Int("size", len(w.batch)))

	seen := make(map[string]bool, len(w.batch))
	var stores []string
	for _, e := range w.batch {
		if !seen[e.Store] {
			seen[e.Store] = true
			stores = append(stores, e.Store)
		}
	}

	ctx := context.WithoutCancel(w.pool.ctx)
	for _, name := range stores {
		if err := w.pool.refresh(ctx, name); err != nil {
			logger.Log.Error("Failed to refresh store",
				zap.Int("workerID", w.id),
				zap.String("store", name),
				zap.Error(err),
			)
		}
	}

	w.batch = w.batch[:0]
}
