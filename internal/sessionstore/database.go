package sessionstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wa_sync/internal/models"
)

// DatabaseStore keeps blobs in the whatsapp_sessions table of the main database
type DatabaseStore struct {
	db *gorm.DB
}

func NewDatabaseStore(db *gorm.DB) (*DatabaseStore, error) {
	if db == nil {
		return nil, errors.New("database not initialized")
	}
	return &DatabaseStore{db: db}, nil
}

func (s *DatabaseStore) Load(ctx context.Context, tenantID string) ([]byte, error) {
	var row models.WhatsAppSession
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", tenantID, err)
	}
	return row.Data, nil
}

func (s *DatabaseStore) Save(ctx context.Context, tenantID string, data []byte) error {
	row := models.WhatsAppSession{TenantID: tenantID, Data: data, Size: len(data)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "size", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save session %s: %w", tenantID, err)
	}
	return nil
}

func (s *DatabaseStore) Delete(ctx context.Context, tenantID string) error {
	return s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Delete(&models.WhatsAppSession{}).Error
}

// Close is a no-op; the connection pool belongs to the caller
func (s *DatabaseStore) Close() error { return nil }
