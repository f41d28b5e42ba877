package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"inbox-sync-go/internal/model"
)

// LogSink writes events to the process log
type LogSink struct{}

// Name implements Sink
func (LogSink) Name() string { return "log" }

// Write implements Sink
func (LogSink) Write(_ context.Context, events []Event) error {
	for _, ev := range events {
		entry := logrus.WithFields(logrus.Fields{
			"event_id":    ev.ID,
			"event_type":  ev.Type,
			"tenant_id":   ev.TenantID,
			"channel_id":  ev.ChannelID,
			"external_id": ev.ExternalID,
			"latency_ms":  ev.Latency.Milliseconds(),
		})
		for k, v := range ev.Fields {
			entry = entry.WithField(k, v)
		}
		switch ev.Type {
		case EventError, EventCheckpointRaceLost, EventDegradedResync, EventRateLimited:
			entry.Warn("Processing event")
		default:
			entry.Info("Processing event")
		}
	}
	return nil
}

// ProcessingLogWriter stores processing log rows
type ProcessingLogWriter interface {
	CreateProcessingLogs(ctx context.Context, logs []model.ProcessingLog) error
}

// StoreSink writes events to the processing_logs table
type StoreSink struct {
	store ProcessingLogWriter
}

// NewStoreSink creates a database sink
func NewStoreSink(store ProcessingLogWriter) *StoreSink {
	return &StoreSink{store: store}
}

// Name implements Sink
func (s *StoreSink) Name() string { return "database" }

// Write implements Sink
func (s *StoreSink) Write(ctx context.Context, events []Event) error {
	logs := make([]model.ProcessingLog, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(payloadOf(ev))
		if err != nil {
			return fmt.Errorf("failed to encode payload for event %s: %w", ev.ID, err)
		}
		logs = append(logs, model.ProcessingLog{
			EventID:    ev.ID,
			ChannelID:  ev.ChannelID,
			ExternalID: ev.ExternalID,
			EventType:  ev.Type,
			LatencyMS:  ev.Latency.Milliseconds(),
			Payload:    payload,
			CreatedAt:  ev.At,
		})
	}
	return s.store.CreateProcessingLogs(ctx, logs)
}

func payloadOf(ev Event) map[string]interface{} {
	payload := make(map[string]interface{}, len(ev.Fields)+1)
	for k, v := range ev.Fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		payload[k] = v
	}
	if ev.TenantID != "" {
		payload["tenant_id"] = ev.TenantID
	}
	return payload
}

// StreamName is the JetStream stream holding audit events
const StreamName = "INBOX_PROCESSING"

// NATSSink publishes events to JetStream, deduplicated by event id
type NATSSink struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// wireEvent is the JSON form published to NATS
type wireEvent struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	ChannelID  uint                   `json:"channel_id"`
	ExternalID string                 `json:"external_id,omitempty"`
	LatencyMS  int64                  `json:"latency_ms"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	At         time.Time              `json:"at"`
}

// NewNATSSink connects to url and ensures the audit stream exists
func NewNATSSink(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("inbox-sync-audit"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	s := &NATSSink{nc: nc, js: js, subject: subject}
	if err := s.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *NATSSink) ensureStream() error {
	if info, err := s.js.StreamInfo(StreamName); err == nil && info != nil {
		return nil
	}

	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{s.subject + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Name implements Sink
func (s *NATSSink) Name() string { return "nats" }

// Write implements Sink
func (s *NATSSink) Write(ctx context.Context, events []Event) error {
	var errs []error
	for _, ev := range events {
		subject, data, err := encodeForStream(s.subject, ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.js.Publish(subject, data, nats.MsgId(ev.ID), nats.Context(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish event %s: %w", ev.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the NATS connection
func (s *NATSSink) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

// encodeForStream returns the subject and body an event is published under
func encodeForStream(prefix string, ev Event) (string, []byte, error) {
	data, err := json.Marshal(wireEvent{
		ID:         ev.ID,
		Type:       ev.Type,
		TenantID:   ev.TenantID,
		ChannelID:  ev.ChannelID,
		ExternalID: ev.ExternalID,
		LatencyMS:  ev.Latency.Milliseconds(),
		Payload:    payloadOf(ev),
		At:         ev.At,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}
	return fmt.Sprintf("%s.%d.%s", prefix, ev.ChannelID, ev.Type), data, nil
}
