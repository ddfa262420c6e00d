package models

import (
	"time"
)

// Message represents one WhatsApp message, stored once per upstream id
type Message struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID     string    `json:"messageId" gorm:"size:128;not null;uniqueIndex"`
	From          string    `json:"from" gorm:"column:from_addr;size:100;not null"`
	To            string    `json:"to" gorm:"column:to_addr;size:100;not null"`
	FromMe        bool      `json:"fromMe" gorm:"not null"`
	ContactID     uint      `json:"contactId" gorm:"not null;index:idx_messages_contact_ts,priority:1"`
	IntegrationID string    `json:"integrationId" gorm:"size:64;not null;index:idx_messages_integration_ts,priority:1"`
	Timestamp     time.Time `json:"timestamp" gorm:"column:sent_at;not null;index:idx_messages_contact_ts,priority:2;index:idx_messages_integration_ts,priority:2"`
	CreatedAt     time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt     time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Message
func (Message) TableName() string {
	return "messages"
}
