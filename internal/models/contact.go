package models

import (
	"time"
)

// Contact represents a synced WhatsApp contact of one integration
type Contact struct {
	ID            uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	IntegrationID string     `json:"integrationId" gorm:"size:64;not null;uniqueIndex:idx_contacts_phone_integration,priority:2;index"`
	Name          string     `json:"name" gorm:"size:255;not null"`
	Phone         string     `json:"phone" gorm:"size:32;not null;uniqueIndex:idx_contacts_phone_integration,priority:1"`
	AvatarURL     string     `json:"avatarUrl,omitempty" gorm:"type:text"`
	MessageCount  int64      `json:"messageCount" gorm:"not null;default:0"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Contact
func (Contact) TableName() string {
	return "contacts"
}
