// Package audit records pipeline outcomes on a background queue.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inbox-sync-go/internal/metrics"
)

// Event types
const (
	EventProcessed          = "processed"
	EventDuplicateIgnored   = "duplicate_ignored"
	EventError              = "error"
	EventDegradedResync     = "degraded_resync"
	EventCheckpointRaceLost = "checkpoint_race_lost"
	EventRateLimited        = "rate_limited"
	EventActionApplied      = "action_applied"
	EventActionRejected     = "action_rejected"
)

const (
	maxBatch     = 100
	sinkTimeout  = 5 * time.Second
	defaultQueue = 1024
)

// Event is one audit record
type Event struct {
	ID         string
	Type       string
	TenantID   string
	ChannelID  uint
	ExternalID string
	Latency    time.Duration
	Fields     map[string]interface{}
	At         time.Time
}

// Recorder accepts audit events without blocking the caller
type Recorder interface {
	Record(ev Event)
}

// Sink persists or forwards a batch of events
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

// Logger fans events out to sinks from a single worker goroutine
type Logger struct {
	queue   chan Event
	sinks   []Sink
	metrics *metrics.Metrics
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewLogger starts a logger with a queue of size events
func NewLogger(size int, m *metrics.Metrics, sinks ...Sink) *Logger {
	if size <= 0 {
		size = defaultQueue
	}
	l := &Logger{
		queue:   make(chan Event, size),
		sinks:   sinks,
		metrics: m,
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Record enqueues ev. Events are dropped when the queue is full or the
// logger is closed.
func (l *Logger) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.drop(ev, "closed")
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.drop(ev, "queue full")
	}
}

func (l *Logger) drop(ev Event, reason string) {
	if l.metrics != nil {
		l.metrics.AuditDropped.Inc()
	}
	logrus.WithFields(logrus.Fields{
		"event_type":  ev.Type,
		"channel_id":  ev.ChannelID,
		"external_id": ev.ExternalID,
	}).Warnf("Dropped audit event: %s", reason)
}

// Close stops accepting events and waits for queued ones to be written
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit queue not drained: %w", ctx.Err())
	}
}

func (l *Logger) run() {
	defer close(l.done)

	for ev := range l.queue {
		batch := []Event{ev}
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-l.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		for _, s := range l.sinks {
			l.write(s, batch)
		}
	}
}

func (l *Logger) write(s Sink, batch []Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Audit sink %s panicked: %v", s.Name(), r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := s.Write(ctx, batch); err != nil {
		logrus.WithField("sink", s.Name()).Errorf("Failed to write %d audit events: %v", len(batch), err)
	}
}
