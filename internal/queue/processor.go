package queue

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"offline-sync-service/internal/clock"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/syncerr"
)

// Executor performs one attempt of an operation.
type Executor func(ctx context.Context, op *PendingOperation) error

// Outcome is the result of processing one operation.
type Outcome struct {
	Op       *PendingOperation
	Status   Status
	Err      error
	Attempts int
}

// Summary aggregates a replay or retry pass.
type Summary struct {
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Retrying  int       `json:"retrying"`
	Outcomes  []Outcome `json:"-"`
}

func (s *Summary) add(o Outcome) {
	switch o.Status {
	case StatusSucceeded:
		s.Succeeded++
	case StatusRetrying:
		s.Retrying++
	default:
		s.Failed++
	}
	s.Outcomes = append(s.Outcomes, o)
}

// ProcessorConfig tunes retry behaviour.
type ProcessorConfig struct {
	Backoff Backoff
	// MaxBatchRetries caps in-place retries during a replay before an
	// operation is moved to the retry queue.
	MaxBatchRetries int
	// OnResult, if set, is called after each operation settles.
	OnResult func(Outcome)
}

// Processor executes queued operations.
type Processor struct {
	exec  Executor
	retry *RetryQueue
	clock clock.Clock
	cfg   ProcessorConfig
}

// NewProcessor wires a processor that spills to retry.
func NewProcessor(exec Executor, retry *RetryQueue, c clock.Clock, cfg ProcessorConfig) *Processor {
	if c == nil {
		c = clock.New()
	}
	return &Processor{exec: exec, retry: retry, clock: c, cfg: cfg}
}

// Replay executes ops in order. Transient failures are retried in place with
// backoff up to MaxBatchRetries times, then parked in the retry queue.
// Failures of one operation never stop the others.
func (p *Processor) Replay(ctx context.Context, ops []*PendingOperation) Summary {
	var sum Summary
	for _, op := range ops {
		if ctx.Err() != nil {
			sum.add(p.park(op, ctx.Err()))
			continue
		}
		sum.add(p.run(ctx, op, p.cfg.MaxBatchRetries))
	}
	return sum
}

// ProcessRetries runs every operation of the retry queue that is due now.
// Each gets a single attempt; a transient failure parks it again.
func (p *Processor) ProcessRetries(ctx context.Context) Summary {
	var sum Summary
	due, expired := p.retry.Due(p.clock.Now())
	for _, op := range expired {
		sum.add(p.fail(op, errors.New(op.LastError), 0))
	}
	for _, op := range due {
		if ctx.Err() != nil {
			sum.add(p.park(op, ctx.Err()))
			continue
		}
		op.RetryCount++
		sum.add(p.run(ctx, op, 0))
	}
	return sum
}

// Execute runs a single operation with no in-place retries. Transient
// failures are parked in the retry queue.
func (p *Processor) Execute(ctx context.Context, op *PendingOperation) Outcome {
	return p.run(ctx, op, 0)
}

func (p *Processor) run(ctx context.Context, op *PendingOperation, inPlace int) Outcome {
	attempts := 0
	for {
		op.Status = StatusExecuting
		err := p.exec(ctx, op)
		attempts++
		if err == nil {
			op.Status = StatusSucceeded
			op.LastError = ""
			return p.settle(Outcome{Op: op, Status: StatusSucceeded, Attempts: attempts})
		}
		op.LastError = err.Error()

		if !syncerr.IsRetryable(err) || op.RetryCount >= op.MaxRetries {
			return p.fail(op, err, attempts)
		}
		if attempts > inPlace {
			o := p.park(op, err)
			o.Attempts = attempts
			return o
		}

		// In-place retry n waits base*2^(n-1): the first retry waits base.
		op.RetryCount++
		delay := p.cfg.Backoff.Delay(op.RetryCount)
		logger.Log.Debug("Retrying operation",
			zap.String("id", op.ID),
			zap.String("store", op.StoreName),
			zap.Int("retry", op.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if serr := p.clock.Sleep(ctx, delay); serr != nil {
			o := p.park(op, err)
			o.Attempts = attempts
			return o
		}
	}
}

func (p *Processor) park(op *PendingOperation, err error) Outcome {
	if err != nil {
		op.LastError = err.Error()
	}
	op.NextRetryAt = p.clock.Now().Add(p.cfg.Backoff.Delay(op.RetryCount + 1))
	p.retry.Add(op)
	logger.Log.Info("Operation moved to retry queue",
		zap.String("id", op.ID),
		zap.String("store", op.StoreName),
		zap.Int("retryCount", op.RetryCount),
		zap.Time("nextRetryAt", op.NextRetryAt),
	)
	return p.settle(Outcome{Op: op, Status: StatusRetrying, Err: err})
}

func (p *Processor) fail(op *PendingOperation, err error, attempts int) Outcome {
	op.Status = StatusFailedPermanently
	perr := syncerr.Permanent(op.ID, err)
	logger.Log.Warn("Operation failed permanently",
		zap.String("id", op.ID),
		zap.String("store", op.StoreName),
		zap.String("type", op.Type),
		zap.Int("retryCount", op.RetryCount),
		zap.Error(err),
	)
	return p.settle(Outcome{Op: op, Status: StatusFailedPermanently, Err: perr, Attempts: attempts})
}

func (p *Processor) settle(o Outcome) Outcome {
	if p.cfg.OnResult != nil {
		p.cfg.OnResult(o)
	}
	return o
}
