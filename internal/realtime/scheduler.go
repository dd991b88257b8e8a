package realtime

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"registry-cache-service/internal/config"
	"registry-cache-service/internal/logger"
)

// Scheduler periodically revalidates the configured tables. Tables with
// subscribers are refetched; the rest are only marked stale and reload on
// their next read.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.revalidate(context.Background())
	})
	if err != nil {
		logger.Log.Error("Failed to schedule job", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.entryID == 0 {
		return
	}
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entryID)
	s.entryID = 0
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) revalidate(ctx context.Context) {
	c := s.manager.Cache()
	refreshed := 0
	for _, table := range s.manager.Tables() {
		c.Invalidate(table)
		if c.Subscribers(table) == 0 {
			continue
		}
		if err := c.Refresh(ctx, table); err != nil {
			logger.Log.Warn("Scheduled refresh failed", zap.String("table", table), zap.Error(err))
			continue
		}
		refreshed++
	}
	logger.Log.Debug("Revalidated tables", zap.Int("refreshed", refreshed))
}
