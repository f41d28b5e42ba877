package model

import (
	"time"

	"gorm.io/datatypes"
)

// ProcessingLog is one audit record written by the ingestion pipeline
type ProcessingLog struct {
	ID         uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	EventID    string         `json:"event_id" gorm:"type:varchar(64);uniqueIndex"`
	ChannelID  uint           `json:"channel_id" gorm:"index"`
	ExternalID string         `json:"external_id" gorm:"type:varchar(255);index"`
	EventType  string         `json:"event_type" gorm:"type:varchar(50);not null;index"`
	LatencyMS  int64          `json:"latency_ms"`
	Payload    datatypes.JSON `json:"payload"`
	CreatedAt  time.Time      `json:"created_at" gorm:"index"`
}

// TableName specifies the table name for ProcessingLog
func (ProcessingLog) TableName() string {
	return "processing_logs"
}
