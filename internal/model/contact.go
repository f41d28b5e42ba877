package model

import "time"

// Contact is a sender known within a tenant
type Contact struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID  string    `json:"tenant_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_contacts_tenant_email,priority:1"`
	Email     string    `json:"email" gorm:"type:varchar(255);not null;uniqueIndex:idx_contacts_tenant_email,priority:2"`
	Name      string    `json:"name" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Contact
func (Contact) TableName() string {
	return "contacts"
}
