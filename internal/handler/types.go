package handler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PubSubEnvelope is the body Cloud Pub/Sub posts to a push endpoint
type PubSubEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// GmailNotification is the decoded data of a Gmail watch notification
type GmailNotification struct {
	EmailAddress string    `json:"emailAddress"`
	HistoryID    HistoryID `json:"historyId"`
}

// HistoryID accepts a history id encoded either as a JSON number or string
type HistoryID uint64

// UnmarshalJSON implements json.Unmarshaler
func (h *HistoryID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*h = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid history id %q: %w", s, err)
	}
	*h = HistoryID(v)
	return nil
}

// SyncRequest triggers a catch-up sync for one channel
type SyncRequest struct {
	ChannelID uint   `json:"channel_id" binding:"required"`
	TenantID  string `json:"tenant_id" binding:"required"`
}

// ActionRequest is the body of a single conversation action
type ActionRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
}

// BulkActionRequest applies one action to many conversations
type BulkActionRequest struct {
	TenantID        string `json:"tenant_id" binding:"required"`
	ConversationIDs []uint `json:"conversation_ids" binding:"required,min=1,max=100"`
	Action          string `json:"action" binding:"required"`
}

// ProcessingLogResponse represents the response structure for processing logs
type ProcessingLogResponse struct {
	ID         uint            `json:"id"`
	EventID    string          `json:"event_id"`
	ChannelID  uint            `json:"channel_id"`
	ExternalID string          `json:"external_id,omitempty"`
	EventType  string          `json:"event_type"`
	LatencyMS  int64           `json:"latency_ms"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
