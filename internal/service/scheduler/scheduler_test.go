package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-sync-go/internal/config"
	"inbox-sync-go/internal/metrics"
	"inbox-sync-go/internal/model"
	"inbox-sync-go/internal/service"
)

type staticChannels struct {
	channels []model.Channel
	err      error
}

func (c staticChannels) ListChannels(context.Context) ([]model.Channel, error) {
	return c.channels, c.err
}

type syncRecorder struct {
	mu    sync.Mutex
	calls []uint
	errs  map[uint]error
}

func (r *syncRecorder) Reconcile(_ context.Context, channelID uint, observed uint64) (*service.SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, channelID)
	if err := r.errs[channelID]; err != nil {
		return nil, err
	}
	return &service.SyncResult{ChannelID: channelID}, nil
}

func TestSchedulerRestart(t *testing.T) {
	cfg := &config.SchedulerConfig{IntervalMinutes: 60}
	sched := New(cfg, staticChannels{}, &syncRecorder{}, metrics.NewMetrics(prometheus.NewRegistry()))

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	assert.False(t, sched.GetNextRun().IsZero())
	assert.Error(t, sched.Start())

	require.NoError(t, sched.Stop())
	assert.False(t, sched.IsRunning())
	assert.True(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	// context should be active again after restart
	require.NotNil(t, sched.ctx)
	assert.NoError(t, sched.ctx.Err())
	assert.Len(t, sched.cron.Entries(), 1)

	require.NoError(t, sched.Stop())
}

func TestRunOncePollsEveryChannel(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	syncer := &syncRecorder{errs: map[uint]error{
		2: service.ErrSyncIncomplete,
		3: errors.New("boom"),
	}}
	channels := staticChannels{channels: []model.Channel{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}}
	sched := New(&config.SchedulerConfig{IntervalMinutes: 5}, channels, syncer, m)

	synced, err := sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, synced)
	assert.Equal(t, []uint{1, 2, 3, 4}, syncer.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PollCycles))
	assert.False(t, sched.GetLastRun().IsZero())

	synced, total := sched.LastCycle()
	assert.Equal(t, 2, synced)
	assert.Equal(t, 4, total)
}

func TestRunOnceListFailure(t *testing.T) {
	syncer := &syncRecorder{}
	sched := New(&config.SchedulerConfig{IntervalMinutes: 5}, staticChannels{err: errors.New("db down")}, syncer, nil)

	_, err := sched.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Empty(t, syncer.calls)
}

func TestRunOnceStopsWhenCanceled(t *testing.T) {
	syncer := &syncRecorder{}
	channels := staticChannels{channels: []model.Channel{{ID: 1}, {ID: 2}}}
	sched := New(&config.SchedulerConfig{IntervalMinutes: 5}, channels, syncer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sched.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, syncer.calls)
}
