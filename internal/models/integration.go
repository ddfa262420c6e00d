package models

import (
	"time"
)

// Integration represents one connected WhatsApp account (a tenant)
type Integration struct {
	ID             string     `json:"id" gorm:"primaryKey;size:64"`
	UserName       string     `json:"userName" gorm:"size:100;not null"`
	UserPhone      string     `json:"userPhone" gorm:"index;size:32"`
	WhatsAppID     string     `json:"whatsappId,omitempty" gorm:"column:whatsapp_id;size:100"`
	DeviceJID      string     `json:"-" gorm:"column:device_jid;size:100"`
	IsConnected    bool       `json:"isConnected" gorm:"default:false"`
	LastConnection *time.Time `json:"lastConnection,omitempty"`
	CreatedAt      time.Time  `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Integration
func (Integration) TableName() string {
	return "integrations"
}
