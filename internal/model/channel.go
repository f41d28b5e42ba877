package model

import (
	"time"

	"gorm.io/gorm"
)

// Channel sync states
const (
	SyncStatusIdle    = "idle"
	SyncStatusSyncing = "syncing"
	SyncStatusError   = "error"
)

// Channel is a configured connection to one provider mailbox
type Channel struct {
	ID            uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID      string         `json:"tenant_id" gorm:"type:varchar(64);not null;index"`
	Provider      string         `json:"provider" gorm:"type:varchar(32);not null;default:gmail"`
	EmailAddress  string         `json:"email_address" gorm:"type:varchar(255);not null;uniqueIndex"`
	CredentialRef string         `json:"credential_ref" gorm:"type:varchar(255)"`
	Checkpoint    uint64         `json:"checkpoint" gorm:"not null;default:0"`
	PushEnabled   bool           `json:"push_enabled" gorm:"default:false"`
	SyncStatus    string         `json:"sync_status" gorm:"type:varchar(32);default:idle"`
	LastSyncedAt  *time.Time     `json:"last_synced_at"`
	LastError     string         `json:"last_error" gorm:"type:text"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for Channel
func (Channel) TableName() string {
	return "channels"
}
