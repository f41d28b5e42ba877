package model

import (
	"time"

	"gorm.io/datatypes"
)

// Sender types
const (
	SenderCustomer = "customer"
	SenderAgent    = "agent"
	SenderSystem   = "system"
)

// Message statuses
const (
	MessageReceived = "received"
	MessageRead     = "read"
	MessageReplied  = "replied"
)

// Message is a single persisted email. ExternalID is the provider message id
// and the idempotency key; it is unique within a tenant.
//
// ReceivedAt is the time asserted by the provider, StoredAt is when this
// pipeline persisted the row. Display ordering uses ReceivedAt.
type Message struct {
	ID                uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID          string         `json:"tenant_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_messages_tenant_external,priority:1"`
	ConversationID    uint           `json:"conversation_id" gorm:"not null;index"`
	ChannelID         uint           `json:"channel_id" gorm:"not null;index"`
	SenderType        string         `json:"sender_type" gorm:"type:varchar(32);not null"`
	Content           string         `json:"content"`
	ContentType       string         `json:"content_type" gorm:"type:varchar(64)"`
	ExternalID        *string        `json:"external_id" gorm:"type:varchar(255);uniqueIndex:idx_messages_tenant_external,priority:2"`
	ProviderThreadID  string         `json:"provider_thread_id" gorm:"type:varchar(255);index"`
	InternetMessageID string         `json:"internet_message_id" gorm:"type:varchar(255);index"`
	FromAddress       string         `json:"from_address" gorm:"type:varchar(255)"`
	ToAddresses       datatypes.JSON `json:"to_addresses"`
	Subject           string         `json:"subject" gorm:"type:varchar(998)"`
	InReplyTo         string         `json:"in_reply_to" gorm:"type:varchar(998)"`
	References        string         `json:"references" gorm:"type:text"`
	Labels            datatypes.JSON `json:"labels"`
	Status            string         `json:"status" gorm:"type:varchar(32);not null;default:received"`
	ReceivedAt        time.Time      `json:"received_at" gorm:"not null;index"`
	StoredAt          time.Time      `json:"stored_at" gorm:"not null"`
}

// TableName specifies the table name for Message
func (Message) TableName() string {
	return "messages"
}

// LabelSet returns the provider labels recorded for the message
func (m *Message) LabelSet() LabelSet {
	return DecodeLabels(m.Labels)
}
