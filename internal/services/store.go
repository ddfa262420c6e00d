package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wa_sync/internal/models"
)

// ErrNotFound is returned when a looked-up record does not exist
var ErrNotFound = errors.New("record not found")

// Store is the record store used by the connection manager and the sync
// pipeline. Every write is an upsert or an atomic increment so concurrent
// writers need no external locking.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an opened gorm database
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying gorm handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// IntegrationByID loads an integration by its tenant key
func (s *Store) IntegrationByID(ctx context.Context, id string) (*models.Integration, error) {
	var integration models.Integration
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&integration).Error; err != nil {
		return nil, notFound(err)
	}
	return &integration, nil
}

// IntegrationByPhone loads the integration owning a phone number
func (s *Store) IntegrationByPhone(ctx context.Context, phone string) (*models.Integration, error) {
	var integration models.Integration
	if err := s.db.WithContext(ctx).Where("user_phone = ?", phone).First(&integration).Error; err != nil {
		return nil, notFound(err)
	}
	return &integration, nil
}

// SaveIntegration upserts an integration keyed by id
func (s *Store) SaveIntegration(ctx context.Context, integration *models.Integration) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_name", "user_phone", "whatsapp_id", "device_jid", "is_connected", "last_connection", "updated_at",
		}),
	}).Create(integration).Error
	if err != nil {
		return fmt.Errorf("save integration %s: %w", integration.ID, err)
	}
	return nil
}

// SetIntegrationConnected flips the connection flag of an integration. A
// missing integration is not an error.
func (s *Store) SetIntegrationConnected(ctx context.Context, id string, connected bool) error {
	updates := map[string]interface{}{"is_connected": connected}
	if connected {
		updates["last_connection"] = time.Now()
	}
	err := s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("update integration %s: %w", id, err)
	}
	return nil
}

// UpsertContacts inserts contacts keyed on (phone, integration). Existing rows
// only get their name and avatar refreshed; message counters are left alone.
func (s *Store) UpsertContacts(ctx context.Context, contacts []models.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone"}, {Name: "integration_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "avatar_url", "updated_at"}),
	}).Create(&contacts).Error
	if err != nil {
		return fmt.Errorf("upsert %d contacts: %w", len(contacts), err)
	}
	return nil
}

// ContactByPhone loads a contact of an integration by phone number
func (s *Store) ContactByPhone(ctx context.Context, integrationID, phone string) (*models.Contact, error) {
	var contact models.Contact
	err := s.db.WithContext(ctx).
		Where("integration_id = ? AND phone = ?", integrationID, phone).
		First(&contact).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &contact, nil
}

// EnsureContact returns the contact for (phone, integration), creating it
// with the given name when absent.
func (s *Store) EnsureContact(ctx context.Context, integrationID, phone, name string) (*models.Contact, error) {
	if name == "" {
		name = phone
	}
	contact := models.Contact{IntegrationID: integrationID, Phone: phone, Name: name}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone"}, {Name: "integration_id"}},
		DoNothing: true,
	}).Create(&contact).Error
	if err != nil {
		return nil, fmt.Errorf("create contact %s: %w", phone, err)
	}
	return s.ContactByPhone(ctx, integrationID, phone)
}

// InsertMessage stores msg unless a row with the same upstream id exists.
// It reports whether a row was inserted.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoNothing: true,
	}).Create(msg)
	if result.Error != nil {
		return false, fmt.Errorf("insert message %s: %w", msg.MessageID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// IncrementMessageCount bumps the denormalized counter of a contact and
// raises its last-message timestamp.
func (s *Store) IncrementMessageCount(ctx context.Context, contactID uint, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", contactID).Updates(map[string]interface{}{
		"message_count":   gorm.Expr("message_count + ?", 1),
		"last_message_at": gorm.Expr("CASE WHEN last_message_at IS NULL OR last_message_at < ? THEN ? ELSE last_message_at END", at, at),
	}).Error
	if err != nil {
		return fmt.Errorf("increment message count of contact %d: %w", contactID, err)
	}
	return nil
}

// RecountContact recomputes message_count and last_message_at of a contact
// from the message table.
func (s *Store) RecountContact(ctx context.Context, contactID uint) error {
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&models.Message{}).Where("contact_id = ?", contactID).Count(&count).Error; err != nil {
		return fmt.Errorf("count messages of contact %d: %w", contactID, err)
	}

	updates := map[string]interface{}{"message_count": count}
	if count > 0 {
		var latest models.Message
		if err := db.Where("contact_id = ?", contactID).Order("sent_at DESC").First(&latest).Error; err != nil {
			return fmt.Errorf("latest message of contact %d: %w", contactID, notFound(err))
		}
		updates["last_message_at"] = latest.Timestamp
	}

	if err := db.Model(&models.Contact{}).Where("id = ?", contactID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update counters of contact %d: %w", contactID, err)
	}
	return nil
}

// ContactIDsWithMessages lists contacts of an integration that own at least one message
func (s *Store) ContactIDsWithMessages(ctx context.Context, integrationID string) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("integration_id = ?", integrationID).
		Distinct("contact_id").
		Pluck("contact_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list contacts with messages: %w", err)
	}
	return ids, nil
}

// CountMessages counts stored messages of a contact
func (s *Store) CountMessages(ctx context.Context, contactID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).Where("contact_id = ?", contactID).Count(&count).Error
	return count, err
}

// PurgeIntegration deletes every contact and message of an integration
func (s *Store) PurgeIntegration(ctx context.Context, integrationID string) (contacts, messages int64, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("integration_id = ?", integrationID).Delete(&models.Message{})
		if res.Error != nil {
			return res.Error
		}
		messages = res.RowsAffected

		res = tx.Where("integration_id = ?", integrationID).Delete(&models.Contact{})
		if res.Error != nil {
			return res.Error
		}
		contacts = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("purge integration %s: %w", integrationID, err)
	}
	return contacts, messages, nil
}
