package model

import (
	"time"

	"gorm.io/datatypes"
)

// Conversation statuses
const (
	ConversationOpen     = "open"
	ConversationClosed   = "closed"
	ConversationArchived = "archived"
)

// ChannelTypeEmail is the only channel type written by the ingestion pipeline
const ChannelTypeEmail = "email"

// Conversation is one logical thread of messages with a contact. At most one
// conversation exists per (tenant, provider thread id).
type Conversation struct {
	ID                uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID          string         `json:"tenant_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_conversations_tenant_thread,priority:1"`
	ContactID         uint           `json:"contact_id" gorm:"not null;index:idx_conversations_contact_subject,priority:1"`
	ChannelID         uint           `json:"channel_id" gorm:"not null;index"`
	ChannelType       string         `json:"channel_type" gorm:"type:varchar(32);not null;default:email;index:idx_conversations_contact_subject,priority:2"`
	ProviderThreadID  *string        `json:"provider_thread_id" gorm:"type:varchar(255);uniqueIndex:idx_conversations_tenant_thread,priority:2"`
	Subject           string         `json:"subject" gorm:"type:varchar(998)"`
	NormalizedSubject string         `json:"normalized_subject" gorm:"type:varchar(255);index:idx_conversations_contact_subject,priority:3"`
	Status            string         `json:"status" gorm:"type:varchar(32);not null;default:open"`
	Starred           bool           `json:"starred" gorm:"default:false"`
	Labels            datatypes.JSON `json:"labels"`
	UnreadCount       int            `json:"unread_count" gorm:"not null;default:0"`
	LastMessageAt     *time.Time     `json:"last_message_at" gorm:"index"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`

	Contact *Contact `json:"contact,omitempty" gorm:"foreignKey:ContactID"`
}

// TableName specifies the table name for Conversation
func (Conversation) TableName() string {
	return "conversations"
}

// LabelSet returns the mirrored provider labels
func (c *Conversation) LabelSet() LabelSet {
	return DecodeLabels(c.Labels)
}

// ThreadID returns the provider thread id or an empty string
func (c *Conversation) ThreadID() string {
	if c.ProviderThreadID == nil {
		return ""
	}
	return *c.ProviderThreadID
}
