package services

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"wa_sync/internal/models"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// ContactQuery carries the listing parameters accepted by GET /contacts
type ContactQuery struct {
	Page          int    `json:"page" validate:"omitempty,min=1"`
	PageSize      int    `json:"pageSize" validate:"omitempty,min=1,max=100"`
	Search        string `json:"search" validate:"max=100"`
	SortBy        string `json:"sortBy" validate:"omitempty,oneof=name createdAt messageCount"`
	SortOrder     string `json:"sortOrder" validate:"omitempty,oneof=asc desc"`
	IntegrationID string `json:"integrationId" validate:"max=64"`
}

// ContactPage is one page of contacts plus paging metadata
type ContactPage struct {
	Contacts   []models.Contact `json:"contacts"`
	Total      int64            `json:"total"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	TotalPages int              `json:"totalPages"`
}

// likeEscaper escapes LIKE wildcards with '!' which every supported dialect
// accepts as an ESCAPE character.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// ListContacts returns a filtered, sorted page of contacts
func (s *Store) ListContacts(ctx context.Context, q ContactQuery) (*ContactPage, error) {
	if q.Page < 1 {
		q.Page = DefaultPage
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}

	filtered := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&models.Contact{})
		if q.IntegrationID != "" {
			query = query.Where("contacts.integration_id = ?", q.IntegrationID)
		}
		if search := strings.TrimSpace(q.Search); search != "" {
			pattern := "%" + likeEscaper.Replace(strings.ToLower(search)) + "%"
			query = query.Where("(LOWER(contacts.name) LIKE ? ESCAPE '!' OR contacts.phone LIKE ? ESCAPE '!')", pattern, pattern)
		}
		return query
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count contacts: %w", err)
	}

	contacts := make([]models.Contact, 0, q.PageSize)
	err := filtered().
		Order(orderClause(q.SortBy, q.SortOrder)).
		Order("contacts.id ASC").
		Offset((q.Page - 1) * q.PageSize).
		Limit(q.PageSize).
		Find(&contacts).Error
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}

	totalPages := int((total + int64(q.PageSize) - 1) / int64(q.PageSize))
	return &ContactPage{
		Contacts:   contacts,
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: totalPages,
	}, nil
}

func orderClause(sortBy, sortOrder string) string {
	dir := "ASC"
	if strings.EqualFold(sortOrder, "desc") {
		dir = "DESC"
	}

	switch sortBy {
	case "createdAt":
		return "contacts.created_at " + dir
	case "messageCount":
		return "(SELECT COUNT(*) FROM messages WHERE messages.contact_id = contacts.id) " + dir
	default:
		return "contacts.name " + dir
	}
}
