package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"wa_sync/internal/broadcast"
	"wa_sync/internal/logging"
)

// ConnectionState is the lifecycle state of a client session
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateLoading      ConnectionState = "loading"
	StateReady        ConnectionState = "ready"
	StateError        ConnectionState = "error"
)

const inboxSize = 64

// Progress reports how far the contact phase got
type Progress struct {
	Total          int    `json:"total"`
	Processed      int    `json:"processed"`
	CurrentContact string `json:"currentContact"`
}

// Status is the connection snapshot returned by the API and pushed on whatsapp:status
type Status struct {
	QRCode          *string         `json:"qrCode"`
	QRImage         string          `json:"qrImage,omitempty"`
	IsConnected     bool            `json:"isConnected"`
	ConnectionState ConnectionState `json:"connectionState"`
	UserName        string          `json:"userName,omitempty"`
	UserPhone       string          `json:"userPhone,omitempty"`
	IntegrationID   string          `json:"integrationId"`
}

// ContactsStatus is the sync snapshot pushed on whatsapp:contacts
type ContactsStatus struct {
	IsAddingContacts bool     `json:"isAddingContacts"`
	IsAddingMessages bool     `json:"isAddingMessages"`
	SyncProgress     Progress `json:"syncProgress"`
	IntegrationID    string   `json:"integrationId"`
}

// envelope is one unit of work for the session actor
type envelope struct {
	event *Event
	apply func()
}

// session is the runtime state of one tenant. Its fields are written only
// by the run goroutine; other goroutines read snapshots under mu or hand work
// to the actor through do.
type session struct {
	key     string
	manager *Manager
	client  Client
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan envelope
	done   chan struct{}

	// writeMu serializes message writes of this tenant
	writeMu sync.Mutex

	mu             sync.RWMutex
	name           string
	phone          string
	state          ConnectionState
	qrCode         string
	qrImage        string
	account        *Account
	addingContacts bool
	addingMessages bool
	progress       Progress

	syncing        bool
	pendingHistory bool
	syncCancel     context.CancelFunc
	syncDone       chan struct{}
}

func newSession(m *Manager, key, name, phone string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		key:     key,
		manager: m,
		log:     zap.L().With(zap.String("tenant", key)),
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan envelope, inboxSize),
		done:    make(chan struct{}),
		name:    name,
		phone:   phone,
		state:   StateLoading,
	}
}

// deliver is the EventSink handed to the upstream client
func (s *session) deliver(ev Event) {
	select {
	case s.inbox <- envelope{event: &ev}:
	case <-s.ctx.Done():
	}
}

// do runs fn on the actor goroutine. It is dropped once the session stops.
func (s *session) do(fn func()) {
	select {
	case s.inbox <- envelope{apply: fn}:
	case <-s.ctx.Done():
	}
}

func (s *session) run() {
	defer close(s.done)

	if err := s.client.Initialize(s.ctx); err != nil {
		logging.CaptureError("client initialization failed", err, zap.String("tenant", s.key))
		s.setState(StateError)
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.inbox:
			s.dispatch(env)
		}
	}
}

func (s *session) dispatch(env envelope) {
	defer func() {
		if r := recover(); r != nil {
			logging.CaptureError("session handler panicked", fmt.Errorf("%v", r), zap.String("tenant", s.key))
		}
	}()

	if env.apply != nil {
		env.apply()
		return
	}

	ev := env.event
	switch ev.Kind {
	case EventQR:
		s.onQR(ev.QR)
	case EventReady:
		s.onReady(ev.Account)
	case EventDisconnected:
		s.onDisconnected(ev.Reason)
	case EventAuthFailure:
		s.onAuthFailure(ev.Reason)
	case EventMessage:
		s.onMessage(ev.Message)
	case EventHistory:
		s.onHistory()
	default:
		s.log.Warn("unknown upstream event", zap.String("kind", string(ev.Kind)))
	}
}

func (s *session) onQR(code string) {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		return
	}
	s.state = StateLoading
	s.qrCode = code
	s.qrImage = renderQR(code)
	s.mu.Unlock()

	qrCodesIssued.Inc()
	s.log.Info("QR code received")
	s.publishStatus()
}

func (s *session) onReady(account *Account) {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.qrCode = ""
	s.qrImage = ""
	s.account = account
	s.mu.Unlock()

	s.log.Info("WhatsApp client ready")
	s.manager.observeStates()
	s.publishStatus()

	if err := s.manager.persistIntegration(s.ctx, s); err != nil {
		logging.CaptureError("failed to save integration", err, zap.String("tenant", s.key))
	}
	s.startSync(syncFull)
}

func (s *session) onDisconnected(reason string) {
	if s.currentState() == StateDisconnected {
		return
	}
	s.log.Info("WhatsApp client disconnected", zap.String("reason", reason))
	s.setState(StateDisconnected)
	s.stopSync()
	s.manager.markDisconnected(s.ctx, s.key)
}

func (s *session) onAuthFailure(reason string) {
	s.log.Warn("WhatsApp authentication failed", zap.String("reason", reason))
	s.setState(StateError)
	s.stopSync()
	s.manager.markDisconnected(s.ctx, s.key)
}

func (s *session) onMessage(msg *RemoteMessage) {
	if msg == nil || s.currentState() != StateReady {
		return
	}
	if err := s.manager.pipeline.HandleLiveMessage(s.ctx, s, *msg); err != nil {
		s.log.Warn("failed to store live message", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// onHistory re-runs the message phase for history delivered after ready
func (s *session) onHistory() {
	if s.currentState() != StateReady || !s.manager.pipeline.cfg.SyncMessages {
		return
	}
	if s.syncing {
		s.pendingHistory = true
		return
	}
	s.startSync(syncHistory)
}

// setState moves to a non-ready state, dropping the QR code, and broadcasts
func (s *session) setState(state ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.qrCode = ""
	s.qrImage = ""
	s.mu.Unlock()
	s.manager.observeStates()
	s.publishStatus()
}

func (s *session) currentState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *session) startSync(mode syncMode) {
	if s.syncing {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.syncing = true
	s.syncCancel = cancel
	s.mu.Lock()
	s.syncDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		s.manager.pipeline.Run(ctx, s, mode)
		s.do(s.syncFinished)
	}()
}

func (s *session) syncFinished() {
	s.syncing = false
	s.syncCancel = nil
	if s.pendingHistory {
		s.pendingHistory = false
		s.onHistory()
	}
}

func (s *session) stopSync() {
	if s.syncCancel != nil {
		s.syncCancel()
	}
}

// updateSync applies fn to the sync flags on the actor and broadcasts them
func (s *session) updateSync(fn func()) {
	s.do(func() {
		s.mu.Lock()
		fn()
		s.mu.Unlock()
		s.publishContacts()
	})
}

// stop cancels the actor and any running sync and waits for both to exit
func (s *session) stop(timeout time.Duration) {
	s.cancel()

	s.mu.RLock()
	syncDone := s.syncDone
	s.mu.RUnlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, ch := range []chan struct{}{s.done, syncDone} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-timer.C:
			s.log.Warn("session did not stop in time")
			return
		}
	}
}

// Status returns a snapshot of the connection state
func (s *session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		IsConnected:     s.state == StateReady,
		ConnectionState: s.state,
		UserName:        s.name,
		UserPhone:       s.phone,
		IntegrationID:   s.key,
	}
	if s.account != nil {
		if st.UserName == "" {
			st.UserName = s.account.PushName
		}
		if st.UserPhone == "" {
			st.UserPhone = s.account.Phone
		}
	}
	if s.qrCode != "" && s.state != StateReady {
		qr := s.qrCode
		st.QRCode = &qr
		st.QRImage = s.qrImage
	}
	return st
}

// ContactsStatus returns a snapshot of the sync flags
func (s *session) ContactsStatus() ContactsStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ContactsStatus{
		IsAddingContacts: s.addingContacts,
		IsAddingMessages: s.addingMessages,
		SyncProgress:     s.progress,
		IntegrationID:    s.key,
	}
}

func (s *session) publishStatus() {
	s.manager.channel.Emit(broadcast.TopicStatus, s.Status())
}

func (s *session) publishContacts() {
	s.manager.channel.Emit(broadcast.TopicContacts, s.ContactsStatus())
}

// renderQR encodes the QR payload as a PNG data URL for the frontend
func renderQR(code string) string {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		zap.L().Warn("failed to render QR code", zap.Error(err))
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
