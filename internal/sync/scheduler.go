package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

// Scheduler drives the periodic engine jobs: retry processing,
// connectivity polling and housekeeping.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers the configured jobs. An invalid spec fails the whole
// schedule.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"retry", s.cfg.RetryInterval, s.processRetries},
		{"connectivity", s.cfg.PollInterval, func() { s.manager.CheckConnectivity(s.ctx) }},
		{"housekeeping", s.cfg.HousekeepingSpec, s.manager.Housekeeping},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			logger.Log.Error("Failed to schedule job", zap.String("job", j.name), zap.Error(err))
			return err
		}
		logger.Log.Info("Scheduled job", zap.String("job", j.name), zap.String("spec", j.spec))
	}
	s.cron.Start()
	return nil
}

// Entries reports the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Stop() {
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) processRetries() {
	sum, err := s.manager.ProcessRetryQueue(s.ctx)
	if err != nil {
		logger.Log.Debug("Retry processing skipped", zap.Error(err))
		return
	}
	if n := sum.Succeeded + sum.Failed + sum.Retrying; n > 0 {
		logger.Log.Info("Processed retry queue",
			zap.Int("succeeded", sum.Succeeded),
			zap.Int("failed", sum.Failed),
			zap.Int("retrying", sum.Retrying),
		)
	}
}
