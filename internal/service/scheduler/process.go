package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"inbox-sync-go/internal/service"
)

// pollChannels is the cron entry point
func (s *Scheduler) pollChannels() {
	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		logrus.Info("Scheduler not running, skipping poll cycle")
		return
	}
	ctx := s.ctx
	s.mu.RUnlock()

	if _, err := s.poll(ctx); err != nil {
		logrus.Errorf("Poll cycle failed: %v", err)
	}
}

// poll reconciles every channel once and returns how many completed cleanly.
// Cycles never overlap.
func (s *Scheduler) poll(ctx context.Context) (int, error) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.cycle.Lock()
	defer s.cycle.Unlock()

	startTime := time.Now()
	s.mu.Lock()
	s.lastRun = startTime
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.PollCycles.Inc()
	}
	logrus.Info("Starting channel poll cycle")

	channels, err := s.channels.ListChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list channels: %w", err)
	}

	synced := 0
	for _, ch := range channels {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}

		log := logrus.WithFields(logrus.Fields{"channel_id": ch.ID, "email": ch.EmailAddress})
		res, err := s.syncer.Reconcile(ctx, ch.ID, 0)
		switch {
		case errors.Is(err, service.ErrSyncIncomplete):
			log.Warn("Channel sync incomplete, will retry next cycle")
		case err != nil:
			log.Errorf("Failed to sync channel: %v", err)
		default:
			synced++
			log.WithFields(logrus.Fields{
				"processed":  res.Processed,
				"duplicates": res.Duplicates,
				"checkpoint": res.Checkpoint,
			}).Debug("Channel synced")
		}
	}

	s.mu.Lock()
	s.synced, s.total = synced, len(channels)
	s.mu.Unlock()

	logrus.Infof("Channel poll cycle completed in %v (%d/%d channels)", time.Since(startTime), synced, len(channels))
	return synced, nil
}
