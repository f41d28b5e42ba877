package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"inbox-sync-go/internal/config"
	metricsPkg "inbox-sync-go/internal/metrics"
	"inbox-sync-go/internal/model"
	"inbox-sync-go/internal/service"
)

// ChannelLister lists the channels to poll
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]model.Channel, error)
}

// ChannelSyncer reconciles one channel
type ChannelSyncer interface {
	Reconcile(ctx context.Context, channelID uint, observed uint64) (*service.SyncResult, error)
}

// Scheduler periodically reconciles every channel as a backstop for missed
// push notifications
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    *config.SchedulerConfig
	channels  ChannelLister
	syncer    ChannelSyncer
	metrics   *metricsPkg.Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	lastRun   time.Time
	synced    int
	total     int
	mu        sync.RWMutex
	cycle     sync.Mutex
}

// New creates a new scheduler
func New(cfg *config.SchedulerConfig, channels ChannelLister, syncer ChannelSyncer, metrics *metricsPkg.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		config:   cfg,
		channels: channels,
		syncer:   syncer,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}

	schedule := fmt.Sprintf("0 */%d * * * *", s.config.IntervalMinutes)

	entryID, err := s.cron.AddFunc(schedule, s.pollChannels)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with interval: %d minutes", s.config.IntervalMinutes)
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()

	ctx := s.cron.Stop()
	s.cron.Remove(s.entryID)

	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.isRunning = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// RunOnce polls every channel once (for manual triggering)
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	logrus.Info("Running channel poll once")
	return s.poll(ctx)
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}

	entry := s.cron.Entry(s.entryID)
	return entry.Next
}

// GetLastRun returns the time the last poll cycle started
func (s *Scheduler) GetLastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// LastCycle returns how many channels synced cleanly out of how many were
// polled in the last completed cycle
func (s *Scheduler) LastCycle() (synced, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced, s.total
}

// Wait waits for in-flight poll cycles to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
