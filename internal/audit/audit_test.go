package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-sync-go/internal/metrics"
	"inbox-sync-go/internal/repository"
	"inbox-sync-go/internal/testutil"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *captureSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type failingSink struct{ panics bool }

func (s failingSink) Name() string { return "failing" }

func (s failingSink) Write(context.Context, []Event) error {
	if s.panics {
		panic("sink exploded")
	}
	return errors.New("sink unavailable")
}

type blockingSink struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	capture captureSink
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Write(ctx context.Context, events []Event) error {
	s.once.Do(func() {
		close(s.started)
		<-s.release
	})
	return s.capture.Write(ctx, events)
}

func TestLoggerDeliversToAllSinks(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	l := NewLogger(10, nil, a, failingSink{}, failingSink{panics: true}, b)

	l.Record(Event{Type: EventProcessed, ChannelID: 1, ExternalID: "m1"})
	l.Record(Event{Type: EventDuplicateIgnored, ChannelID: 1, ExternalID: "m1"})

	require.NoError(t, l.Close(context.Background()))
	assert.Equal(t, []string{EventProcessed, EventDuplicateIgnored}, a.types())
	assert.Equal(t, a.types(), b.types())

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.NotEmpty(t, a.events[0].ID)
	assert.False(t, a.events[0].At.IsZero())
}

func TestLoggerDropsWhenFull(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	sink := &blockingSink{started: make(chan struct{}), release: make(chan struct{})}
	l := NewLogger(1, m, sink)

	l.Record(Event{Type: EventProcessed, ExternalID: "m1"})
	select {
	case <-sink.started:
	case <-time.After(5 * time.Second):
		t.Fatal("sink never received first event")
	}

	l.Record(Event{Type: EventProcessed, ExternalID: "m2"})
	l.Record(Event{Type: EventProcessed, ExternalID: "m3"})
	assert.Equal(t, 1.0, promtest.ToFloat64(m.AuditDropped))

	close(sink.release)
	require.NoError(t, l.Close(context.Background()))

	var ids []string
	for _, ev := range sink.capture.events {
		ids = append(ids, ev.ExternalID)
	}
	assert.Equal(t, []string{"m1", "m2"}, ids)

	l.Record(Event{Type: EventProcessed, ExternalID: "m4"})
	assert.Equal(t, 2.0, promtest.ToFloat64(m.AuditDropped))
}

func TestStoreSink(t *testing.T) {
	gdb := testutil.NewDB(t)
	repo := repository.New(gdb)
	sink := NewStoreSink(repo)

	ev := Event{
		ID:         "evt-1",
		Type:       EventError,
		TenantID:   "t1",
		ChannelID:  7,
		ExternalID: "m1",
		Latency:    42 * time.Millisecond,
		Fields:     map[string]interface{}{"error": errors.New("boom")},
		At:         time.Now().UTC(),
	}
	require.NoError(t, sink.Write(context.Background(), []Event{ev}))
	// replays of the same event id are ignored
	require.NoError(t, sink.Write(context.Background(), []Event{ev}))

	logs, total, err := repo.ListProcessingLogs(context.Background(), 7, "", 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, "m1", logs[0].ExternalID)
	assert.Equal(t, int64(42), logs[0].LatencyMS)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(logs[0].Payload, &payload))
	assert.Equal(t, "boom", payload["error"])
	assert.Equal(t, "t1", payload["tenant_id"])
}

func TestEncodeForStream(t *testing.T) {
	subject, data, err := encodeForStream("inbox.processing", Event{
		ID:        "evt-2",
		Type:      EventProcessed,
		ChannelID: 3,
		Fields:    map[string]interface{}{"strategy": "thread_id"},
	})
	require.NoError(t, err)
	assert.Equal(t, "inbox.processing.3.processed", subject)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "evt-2", wire["id"])
	assert.Equal(t, "thread_id", wire["payload"].(map[string]interface{})["strategy"])
}

var _ ProcessingLogWriter = (*repository.Repository)(nil)
