package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"wa_sync/internal/models"
	"wa_sync/internal/services"
	"wa_sync/internal/whatsapp"
)

// Connections is the part of the connection manager the API drives
type Connections interface {
	Connect(ctx context.Context, req whatsapp.ConnectRequest) (whatsapp.Status, error)
	ContactsStatus(key string) (whatsapp.ContactsStatus, bool)
	IsReady(key string) bool
	Disconnect(ctx context.Context, key string) (bool, error)
	DefaultTenant() string
}

// Records is the read side of the record store
type Records interface {
	ListContacts(ctx context.Context, q services.ContactQuery) (*services.ContactPage, error)
	IntegrationByID(ctx context.Context, id string) (*models.Integration, error)
}

type connectRequest struct {
	Name          string `json:"name" validate:"required,min=1,max=100"`
	Phone         string `json:"phone" validate:"required,phone"`
	IntegrationID string `json:"integrationId" validate:"omitempty,max=64"`
}

type disconnectRequest struct {
	IntegrationID string `json:"integrationId" validate:"omitempty,max=64"`
}

type WhatsAppHandler struct {
	connections Connections
	records     Records
	validator   *validator.Validate
}

func NewWhatsAppHandler(connections Connections, records Records) *WhatsAppHandler {
	return &WhatsAppHandler{
		connections: connections,
		records:     records,
		validator:   newValidator(),
	}
}

// RegisterRoutes mounts the /whatsapp endpoints on r
func (h *WhatsAppHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/whatsapp").Subrouter()
	api.HandleFunc("/connect", h.GetConnect).Methods(http.MethodGet)
	api.HandleFunc("/connect", h.PostConnect).Methods(http.MethodPost)
	api.HandleFunc("/contacts-status", h.GetContactsStatus).Methods(http.MethodGet)
	api.HandleFunc("/contacts", h.GetContacts).Methods(http.MethodGet)
	api.HandleFunc("/integration", h.GetIntegration).Methods(http.MethodGet)
	api.HandleFunc("/disconnect", h.PostDisconnect).Methods(http.MethodPost)
}

func (h *WhatsAppHandler) tenant(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("integrationId")); id != "" {
		return id
	}
	return h.connections.DefaultTenant()
}

// GetConnect starts or returns the connection of the requested tenant
func (h *WhatsAppHandler) GetConnect(w http.ResponseWriter, r *http.Request) {
	h.connect(w, r, whatsapp.ConnectRequest{IntegrationID: h.tenant(r)})
}

// PostConnect connects a tenant identified by the caller's name and phone
func (h *WhatsAppHandler) PostConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", validationDetails(err)...)
		return
	}

	h.connect(w, r, whatsapp.ConnectRequest{
		IntegrationID: req.IntegrationID,
		Name:          req.Name,
		Phone:         req.Phone,
	})
}

func (h *WhatsAppHandler) connect(w http.ResponseWriter, r *http.Request, req whatsapp.ConnectRequest) {
	status, err := h.connections.Connect(r.Context(), req)
	switch {
	case errors.Is(err, whatsapp.ErrInvalidTenant):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		zap.L().Error("connect failed", zap.String("integration_id", req.IntegrationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to start WhatsApp client")
	default:
		writeJSON(w, http.StatusOK, status)
	}
}

// GetContactsStatus reports the sync flags of a tenant
func (h *WhatsAppHandler) GetContactsStatus(w http.ResponseWriter, r *http.Request) {
	status, _ := h.connections.ContactsStatus(h.tenant(r))
	writeJSON(w, http.StatusOK, status)
}

// GetContacts lists synced contacts of a connected tenant
func (h *WhatsAppHandler) GetContacts(w http.ResponseWriter, r *http.Request) {
	q, details := parseContactQuery(r)
	if len(details) > 0 {
		writeError(w, http.StatusBadRequest, "Invalid query parameters", details...)
		return
	}
	if err := h.validator.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters", validationDetails(err)...)
		return
	}

	key := h.tenant(r)
	if !h.connections.IsReady(key) {
		writeError(w, http.StatusUnauthorized, "WhatsApp is not connected")
		return
	}
	q.IntegrationID = key

	page, err := h.records.ListContacts(r.Context(), q)
	if err != nil {
		zap.L().Error("failed to list contacts", zap.String("integration_id", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list contacts")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseContactQuery(r *http.Request) (services.ContactQuery, []FieldError) {
	values := r.URL.Query()
	q := services.ContactQuery{
		Search:        values.Get("search"),
		SortBy:        values.Get("sortBy"),
		SortOrder:     strings.ToLower(values.Get("sortOrder")),
		IntegrationID: values.Get("integrationId"),
	}

	var details []FieldError
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &q.Page}, {"pageSize", &q.PageSize}} {
		raw := values.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			details = append(details, FieldError{Field: p.name, Message: "must be an integer"})
		case n < 1:
			// zero would pass the omitempty validator tags
			details = append(details, FieldError{Field: p.name, Message: "must be at least 1"})
		default:
			*p.dst = n
		}
	}
	return q, details
}

// GetIntegration returns the stored integration of a tenant
func (h *WhatsAppHandler) GetIntegration(w http.ResponseWriter, r *http.Request) {
	integration, err := h.records.IntegrationByID(r.Context(), h.tenant(r))
	switch {
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, "No integration found")
	case err != nil:
		zap.L().Error("failed to load integration", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load integration")
	default:
		writeJSON(w, http.StatusOK, integration)
	}
}

// PostDisconnect logs a tenant out and purges its synced data
func (h *WhatsAppHandler) PostDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", validationDetails(err)...)
		return
	}

	key := strings.TrimSpace(req.IntegrationID)
	if key == "" {
		key = h.tenant(r)
	}

	found, err := h.connections.Disconnect(r.Context(), key)
	switch {
	case !found && err == nil:
		writeError(w, http.StatusNotFound, "No active WhatsApp session")
	case err != nil:
		zap.L().Error("disconnect failed", zap.String("integration_id", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to disconnect WhatsApp")
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":       true,
			"message":       "WhatsApp disconnected",
			"integrationId": key,
		})
	}
}
