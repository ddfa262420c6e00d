package models

import (
	"time"
)

// WhatsAppSession holds the persisted whatsmeow session blob of one tenant
type WhatsAppSession struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID  string    `json:"tenant_id" gorm:"uniqueIndex;size:64;not null"`
	Data      []byte    `json:"-"` // opaque, possibly encrypted
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for WhatsAppSession
func (WhatsAppSession) TableName() string {
	return "whatsapp_sessions"
}
