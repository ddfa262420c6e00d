package database

import (
	"gorm.io/gorm"

	"wa_sync/internal/models"
)

// Migrate creates/updates database tables and their indexes
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Integration{},
		&models.Contact{},
		&models.Message{},
		&models.WhatsAppSession{},
	)
}
