package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wa_sync/internal/broadcast"
	"wa_sync/internal/config"
	"wa_sync/internal/models"
	"wa_sync/internal/phone"
	"wa_sync/internal/services"
	"wa_sync/internal/sessionstore"
)

var (
	// ErrNoSession is returned for operations that need a registered session
	ErrNoSession = errors.New("no WhatsApp session for this integration")
	// ErrInvalidTenant is returned for integration ids that cannot key a session
	ErrInvalidTenant = errors.New("invalid integration id")
)

const defaultStopTimeout = 10 * time.Second

// ConnectRequest carries the optional identity supplied by the caller
type ConnectRequest struct {
	IntegrationID string
	Name          string
	Phone         string
}

// Options wires the manager's collaborators
type Options struct {
	Store         *services.Store
	Factory       ClientFactory
	Blobs         sessionstore.Store
	Channel       *broadcast.Channel
	Sync          config.SyncConfig
	DefaultTenant string
}

// Manager owns the registry of client sessions, one per integration
type Manager struct {
	store         *services.Store
	factory       ClientFactory
	blobs         sessionstore.Store
	channel       *broadcast.Channel
	pipeline      *Pipeline
	defaultTenant string
	stopTimeout   time.Duration

	locks      *keyedMutex
	phoneLocks *keyedMutex

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewManager creates a manager with an empty registry
func NewManager(opts Options) *Manager {
	channel := opts.Channel
	if channel == nil {
		channel = broadcast.NewChannel()
	}
	blobs := opts.Blobs
	if blobs == nil {
		blobs = sessionstore.NewNoopStore()
	}
	defaultTenant := opts.DefaultTenant
	if defaultTenant == "" {
		defaultTenant = "default"
	}
	stopTimeout := opts.Sync.ShutdownTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}

	return &Manager{
		store:         opts.Store,
		factory:       opts.Factory,
		blobs:         blobs,
		channel:       channel,
		pipeline:      NewPipeline(opts.Store, opts.Sync),
		defaultTenant: defaultTenant,
		stopTimeout:   stopTimeout,
		locks:         newKeyedMutex(),
		phoneLocks:    newKeyedMutex(),
		sessions:      make(map[string]*session),
	}
}

// DefaultTenant is the key used when a request names no integration
func (m *Manager) DefaultTenant() string {
	return m.defaultTenant
}

// ResolveKey maps the caller's identity onto a tenant key: the explicit id,
// else the integration or live session owning the phone, else a new id when a
// phone was given, else the default tenant.
func (m *Manager) ResolveKey(ctx context.Context, integrationID, rawPhone string) (string, error) {
	if id := strings.TrimSpace(integrationID); id != "" {
		if !sessionstore.ValidKey(id) {
			return "", ErrInvalidTenant
		}
		return id, nil
	}

	digits, ok := phone.Normalize(rawPhone)
	if !ok {
		return m.defaultTenant, nil
	}

	integration, err := m.store.IntegrationByPhone(ctx, digits)
	switch {
	case err == nil:
		return integration.ID, nil
	case !errors.Is(err, services.ErrNotFound):
		return "", fmt.Errorf("look up integration by phone: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, s := range m.sessions {
		s.mu.RLock()
		match := s.phone == digits
		s.mu.RUnlock()
		if match {
			return key, nil
		}
	}
	return uuid.NewString(), nil
}

// Connect returns the status of the live session for the resolved tenant or
// provisions a new one. Initialization continues in the background.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (Status, error) {
	// a phone resolves to a key only once its session is registered
	if strings.TrimSpace(req.IntegrationID) == "" {
		if digits, ok := phone.Normalize(req.Phone); ok {
			unlockPhone := m.phoneLocks.Lock(digits)
			defer unlockPhone()
		}
	}

	key, err := m.ResolveKey(ctx, req.IntegrationID, req.Phone)
	if err != nil {
		return Status{}, err
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	if existing, ok := m.get(key); ok {
		switch existing.currentState() {
		case StateLoading, StateReady:
			return existing.Status(), nil
		}
		m.retire(ctx, existing)
	}

	digits, _ := phone.Normalize(req.Phone)
	s := newSession(m, key, strings.TrimSpace(req.Name), digits)
	m.register(s)

	client, err := m.factory(ctx, ClientOptions{TenantKey: key, Sink: s.deliver})
	if err != nil {
		m.failProvision(s, err)
		return s.Status(), fmt.Errorf("provision WhatsApp client: %w", err)
	}
	s.client = client

	s.log.Info("initializing WhatsApp client")
	m.observeStates()
	s.publishStatus()
	go s.run()

	return s.Status(), nil
}

func (m *Manager) failProvision(s *session, err error) {
	s.log.Error("failed to provision WhatsApp client", zap.Error(err))
	s.cancel()
	close(s.done)
	s.setState(StateError)
}

// Status returns the cached status of a tenant's session
func (m *Manager) Status(key string) (Status, bool) {
	s, ok := m.get(key)
	if !ok {
		return disconnectedStatus(key), false
	}
	return s.Status(), true
}

// ContactsStatus returns the cached sync flags of a tenant's session
func (m *Manager) ContactsStatus(key string) (ContactsStatus, bool) {
	s, ok := m.get(key)
	if !ok {
		return ContactsStatus{IntegrationID: key}, false
	}
	return s.ContactsStatus(), true
}

// IsReady reports whether the tenant has an authenticated session
func (m *Manager) IsReady(key string) bool {
	s, ok := m.get(key)
	return ok && s.currentState() == StateReady
}

// Disconnect logs the tenant out and purges its data. It reports false when
// no session exists, in which case nothing is touched.
func (m *Manager) Disconnect(ctx context.Context, key string) (bool, error) {
	unlock := m.locks.Lock(key)
	defer unlock()

	s, ok := m.get(key)
	if !ok {
		return false, nil
	}

	s.stop(m.stopTimeout)
	if s.client != nil {
		if err := s.client.Logout(ctx); err != nil {
			s.log.Warn("logout failed", zap.Error(err))
		}
	}
	m.unregister(s)

	var errs []error
	contacts, messages, err := m.store.PurgeIntegration(ctx, key)
	if err != nil {
		errs = append(errs, err)
	}
	if err := m.store.SetIntegrationConnected(ctx, key, false); err != nil {
		errs = append(errs, err)
	}
	if err := m.blobs.Delete(ctx, key); err != nil && !errors.Is(err, sessionstore.ErrNotFound) {
		errs = append(errs, fmt.Errorf("delete session blob: %w", err))
	}

	s.log.Info("WhatsApp session disconnected",
		zap.Int64("contacts_deleted", contacts),
		zap.Int64("messages_deleted", messages),
	)
	m.observeStates()
	m.channel.Emit(broadcast.TopicStatus, disconnectedStatus(key))
	m.channel.Emit(broadcast.TopicContacts, ContactsStatus{IntegrationID: key})

	return true, errors.Join(errs...)
}

// Shutdown stops every session without logging out so the next process can
// restore them from the session store.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			unlock := m.locks.Lock(s.key)
			defer unlock()

			m.retire(ctx, s)
			if err := m.store.SetIntegrationConnected(ctx, s.key, false); err != nil {
				s.log.Warn("failed to mark integration disconnected", zap.Error(err))
			}
		}(s)
	}
	wg.Wait()
	m.observeStates()
}

// ReconcileAll recounts stored messages of every ready tenant
func (m *Manager) ReconcileAll(ctx context.Context) {
	m.mu.RLock()
	ready := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.currentState() == StateReady {
			ready = append(ready, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range ready {
		if ctx.Err() != nil {
			return
		}
		if err := m.pipeline.Reconcile(ctx, s, nil); err != nil {
			s.log.Warn("reconcile failed", zap.Error(err))
		}
	}
}

// retire stops a session and closes its client, keeping the stored device
func (m *Manager) retire(ctx context.Context, s *session) {
	s.stop(m.stopTimeout)
	if s.client != nil {
		if err := s.client.Close(ctx); err != nil {
			s.log.Warn("closing client failed", zap.Error(err))
		}
	}
	m.unregister(s)
}

func (m *Manager) get(key string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

func (m *Manager) register(s *session) {
	m.mu.Lock()
	m.sessions[s.key] = s
	m.mu.Unlock()
}

// unregister removes s unless it was already replaced
func (m *Manager) unregister(s *session) {
	m.mu.Lock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}
	m.mu.Unlock()
}

func (m *Manager) observeStates() {
	counts := map[ConnectionState]float64{
		StateDisconnected: 0,
		StateLoading:      0,
		StateReady:        0,
		StateError:        0,
	}
	m.mu.RLock()
	for _, s := range m.sessions {
		counts[s.currentState()]++
	}
	m.mu.RUnlock()

	for state, n := range counts {
		sessionsByState.WithLabelValues(string(state)).Set(n)
	}
}

// persistIntegration records the tenant and its paired device once it is
// authenticated. Name and phone fall back to the account's own.
func (m *Manager) persistIntegration(ctx context.Context, s *session) error {
	s.mu.RLock()
	name, digits, account := s.name, s.phone, s.account
	s.mu.RUnlock()

	integration, err := m.store.IntegrationByID(ctx, s.key)
	switch {
	case errors.Is(err, services.ErrNotFound):
		integration = &models.Integration{ID: s.key}
	case err != nil:
		return err
	}

	if name != "" {
		integration.UserName = name
	}
	if digits != "" {
		integration.UserPhone = digits
	}
	if account != nil {
		if integration.UserName == "" {
			integration.UserName = account.PushName
		}
		if integration.UserPhone == "" {
			integration.UserPhone = account.Phone
		}
		integration.WhatsAppID = account.JID
		if account.DeviceJID != "" {
			integration.DeviceJID = account.DeviceJID
		}
	}
	now := time.Now()
	integration.IsConnected = true
	integration.LastConnection = &now

	if err := m.store.SaveIntegration(ctx, integration); err != nil {
		return err
	}
	s.log.Info("integration saved", zap.String("phone", phone.E164(integration.UserPhone)))
	return nil
}

func (m *Manager) markDisconnected(ctx context.Context, key string) {
	if err := m.store.SetIntegrationConnected(ctx, key, false); err != nil {
		zap.L().Warn("failed to mark integration disconnected", zap.String("tenant", key), zap.Error(err))
	}
}

func disconnectedStatus(key string) Status {
	return Status{ConnectionState: StateDisconnected, IntegrationID: key}
}
