package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wa_sync/internal/config"
	"wa_sync/internal/database"
	"wa_sync/internal/models"
	"wa_sync/internal/services"
	"wa_sync/internal/whatsapp"
)

type fakeConnections struct {
	mu            sync.Mutex
	ready         map[string]bool
	connectErr    error
	disconnectOK  bool
	disconnectErr error
	lastConnect   whatsapp.ConnectRequest
	lastKey       string
}

func (f *fakeConnections) Connect(_ context.Context, req whatsapp.ConnectRequest) (whatsapp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastConnect = req
	if f.connectErr != nil {
		return whatsapp.Status{ConnectionState: whatsapp.StateError}, f.connectErr
	}
	qr := "ABC123"
	return whatsapp.Status{QRCode: &qr, ConnectionState: whatsapp.StateLoading, IntegrationID: req.IntegrationID}, nil
}

func (f *fakeConnections) ContactsStatus(key string) (whatsapp.ContactsStatus, bool) {
	return whatsapp.ContactsStatus{IsAddingContacts: true, SyncProgress: whatsapp.Progress{Total: 4, Processed: 1, CurrentContact: "Ana"}, IntegrationID: key}, true
}

func (f *fakeConnections) IsReady(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready[key]
}

func (f *fakeConnections) Disconnect(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKey = key
	return f.disconnectOK, f.disconnectErr
}

func (f *fakeConnections) DefaultTenant() string { return "default" }

func setupRouter(t *testing.T, conns *fakeConnections) (*mux.Router, *services.Store) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(config.DatabaseConfig{
		Type: "sqlite",
		URL:  fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	store := services.NewStore(db)
	r := mux.NewRouter()
	NewWhatsAppHandler(conns, store).RegisterRoutes(r)
	return r, store
}

func do(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestGetConnect(t *testing.T) {
	conns := &fakeConnections{}
	r, _ := setupRouter(t, conns)

	rec := do(r, http.MethodGet, "/whatsapp/connect?integrationId=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ABC123", body["qrCode"])
	assert.Equal(t, "loading", body["connectionState"])
	assert.Equal(t, false, body["isConnected"])
	assert.Equal(t, "t1", body["integrationId"])

	rec = do(r, http.MethodGet, "/whatsapp/connect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "default", conns.lastConnect.IntegrationID)
}

func TestPostConnect(t *testing.T) {
	conns := &fakeConnections{}
	r, _ := setupRouter(t, conns)

	rec := do(r, http.MethodPost, "/whatsapp/connect", `{"name":"Ana","phone":"+55 11 91234-5678"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ana", conns.lastConnect.Name)
	assert.Equal(t, "+55 11 91234-5678", conns.lastConnect.Phone)
}

func TestPostConnect_Validation(t *testing.T) {
	r, _ := setupRouter(t, &fakeConnections{})

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing name", `{"phone":"5511912345678"}`, "name"},
		{"bad phone", `{"name":"Ana","phone":"12ab"}`, "phone"},
		{"short phone", `{"name":"Ana","phone":"12345"}`, "phone"},
		{"long name", `{"name":"` + strings.Repeat("a", 101) + `","phone":"5511912345678"}`, "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(r, http.MethodPost, "/whatsapp/connect", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotEmpty(t, resp.Details)
			assert.Equal(t, tt.field, resp.Details[0].Field)
		})
	}

	rec := do(r, http.MethodPost, "/whatsapp/connect", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnect_Errors(t *testing.T) {
	conns := &fakeConnections{connectErr: errors.New("device store unavailable")}
	r, _ := setupRouter(t, conns)

	rec := do(r, http.MethodGet, "/whatsapp/connect?integrationId=t1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "Failed to start")

	conns.connectErr = whatsapp.ErrInvalidTenant
	rec = do(r, http.MethodGet, "/whatsapp/connect?integrationId=t1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetContactsStatus(t *testing.T) {
	r, _ := setupRouter(t, &fakeConnections{})

	rec := do(r, http.MethodGet, "/whatsapp/contacts-status?integrationId=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["isAddingContacts"])
	assert.Equal(t, false, body["isAddingMessages"])
	progress := body["syncProgress"].(map[string]interface{})
	assert.Equal(t, float64(4), progress["total"])
	assert.Equal(t, "Ana", progress["currentContact"])
}

func TestGetContacts(t *testing.T) {
	conns := &fakeConnections{ready: map[string]bool{"t1": true}}
	r, store := setupRouter(t, conns)

	var contacts []models.Contact
	for i := 0; i < 25; i++ {
		contacts = append(contacts, models.Contact{IntegrationID: "t1", Name: fmt.Sprintf("Contact %02d", i), Phone: fmt.Sprintf("55119%08d", i)})
	}
	require.NoError(t, store.UpsertContacts(context.Background(), contacts))

	rec := do(r, http.MethodGet, "/whatsapp/contacts?integrationId=t1&page=2&pageSize=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page services.ContactPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Contacts, 10)
	assert.Equal(t, int64(25), page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, "Contact 10", page.Contacts[0].Name)
}

func TestGetContacts_NotConnected(t *testing.T) {
	r, _ := setupRouter(t, &fakeConnections{})

	rec := do(r, http.MethodGet, "/whatsapp/contacts?integrationId=t1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetContacts_InvalidQuery(t *testing.T) {
	r, _ := setupRouter(t, &fakeConnections{ready: map[string]bool{"t1": true}})

	for _, query := range []string{
		"page=abc",
		"page=0",
		"pageSize=101",
		"sortBy=phone",
		"sortOrder=sideways",
	} {
		t.Run(query, func(t *testing.T) {
			rec := do(r, http.MethodGet, "/whatsapp/contacts?integrationId=t1&"+query, "")
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Len(t, resp.Details, 1)
		})
	}
}

func TestGetIntegration(t *testing.T) {
	r, store := setupRouter(t, &fakeConnections{})

	rec := do(r, http.MethodGet, "/whatsapp/integration?integrationId=t1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, store.SaveIntegration(context.Background(), &models.Integration{ID: "t1", UserName: "Ana", UserPhone: "5511912345678"}))

	rec = do(r, http.MethodGet, "/whatsapp/integration?integrationId=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Ana", body["userName"])
	assert.Equal(t, "5511912345678", body["userPhone"])
}

func TestPostDisconnect(t *testing.T) {
	conns := &fakeConnections{}
	r, _ := setupRouter(t, conns)

	rec := do(r, http.MethodPost, "/whatsapp/disconnect", `{"integrationId":"t1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "t1", conns.lastKey)

	conns.disconnectOK = true
	rec = do(r, http.MethodPost, "/whatsapp/disconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "default", conns.lastKey)

	conns.disconnectErr = errors.New("purge failed")
	rec = do(r, http.MethodPost, "/whatsapp/disconnect", `{"integrationId":"t1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
