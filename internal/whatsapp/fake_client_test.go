package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wa_sync/internal/broadcast"
	"wa_sync/internal/config"
	"wa_sync/internal/database"
	"wa_sync/internal/services"
)

const waitTimeout = 5 * time.Second

// fakeClient is a scripted upstream client
type fakeClient struct {
	tenant string
	sink   EventSink

	mu            sync.Mutex
	contacts      []RemoteContact
	contactsErr   error
	chats         []RemoteChat
	chatsErr      error
	messages      map[string][]RemoteMessage
	avatars       map[string]string
	initErr       error
	contactsCalls int
	loggedOut     bool
	closed        bool
}

func (f *fakeClient) Initialize(context.Context) error {
	return f.initErr
}

func (f *fakeClient) Contacts(context.Context) ([]RemoteContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contactsCalls++
	return append([]RemoteContact(nil), f.contacts...), f.contactsErr
}

func (f *fakeClient) ProfilePictureURL(_ context.Context, jid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if url, ok := f.avatars[jid]; ok {
		return url, nil
	}
	return "", errors.New("no picture")
}

func (f *fakeClient) Chats(context.Context) ([]RemoteChat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RemoteChat(nil), f.chats...), f.chatsErr
}

func (f *fakeClient) RecentMessages(_ context.Context, chatID string, limit int) ([]RemoteMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]RemoteMessage(nil), msgs...), nil
}

func (f *fakeClient) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeClient) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) emit(ev Event) {
	f.sink(ev)
}

func (f *fakeClient) addChat(chat RemoteChat, msgs ...RemoteMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][]RemoteMessage)
	}
	f.chats = append(f.chats, chat)
	f.messages[chat.ID] = append(f.messages[chat.ID], msgs...)
}

// fakeFactory hands out fakeClients configured by script
type fakeFactory struct {
	script func(*fakeClient)
	err    error

	mu      sync.Mutex
	clients []*fakeClient
}

func (ff *fakeFactory) New(_ context.Context, opts ClientOptions) (Client, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.err != nil {
		return nil, ff.err
	}
	c := &fakeClient{tenant: opts.TenantKey, sink: opts.Sink}
	if ff.script != nil {
		ff.script(c)
	}
	ff.clients = append(ff.clients, c)
	return c, nil
}

func (ff *fakeFactory) calls() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.clients)
}

func (ff *fakeFactory) last() *fakeClient {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.clients[len(ff.clients)-1]
}

type testEnv struct {
	manager  *Manager
	store    *services.Store
	recorder *broadcast.Recorder
	factory  *fakeFactory
}

func newTestEnv(t *testing.T, script func(*fakeClient)) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(config.DatabaseConfig{
		Type: "sqlite",
		URL:  fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
	require.NoError(t, err)

	store := services.NewStore(db)
	recorder := &broadcast.Recorder{}
	channel := broadcast.NewChannel()
	channel.Initialize(recorder)
	factory := &fakeFactory{script: script}

	m := NewManager(Options{
		Store:   store,
		Factory: factory.New,
		Channel: channel,
		Sync: config.SyncConfig{
			BatchSize:    4,
			MessageLimit: 100,
			SyncMessages: true,
		},
		DefaultTenant: "default",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		m.Shutdown(ctx)
		_ = database.Close(db)
	})

	return &testEnv{manager: m, store: store, recorder: recorder, factory: factory}
}

// connectReady connects key and drives it through ready, returning the client
func (e *testEnv) connectReady(t *testing.T, key string) *fakeClient {
	t.Helper()
	_, err := e.manager.Connect(context.Background(), ConnectRequest{IntegrationID: key})
	require.NoError(t, err)

	client := e.factory.last()
	client.emit(Event{Kind: EventReady, Account: &Account{JID: "5511900000000@s.whatsapp.net", DeviceJID: "5511900000000:3@s.whatsapp.net", Phone: "5511900000000", PushName: "Owner"}})
	e.waitState(t, key, StateReady)
	return client
}

func (e *testEnv) waitState(t *testing.T, key string, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := e.manager.Status(key)
		return ok && st.ConnectionState == want
	}, waitTimeout, 10*time.Millisecond, "state never became %s", want)
}

// waitSynced blocks until the current sync pass of key has returned and its
// cleared flags were applied.
func (e *testEnv) waitSynced(t *testing.T, key string) {
	t.Helper()
	s, ok := e.manager.get(key)
	require.True(t, ok)

	var done chan struct{}
	require.Eventually(t, func() bool {
		s.mu.RLock()
		done = s.syncDone
		s.mu.RUnlock()
		return done != nil
	}, waitTimeout, 10*time.Millisecond, "sync never started")

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("sync did not finish")
	}

	require.Eventually(t, func() bool {
		cs, _ := e.manager.ContactsStatus(key)
		return !cs.IsAddingContacts && !cs.IsAddingMessages
	}, waitTimeout, 10*time.Millisecond)
}

func (e *testEnv) statuses() []Status {
	var out []Status
	for _, p := range e.recorder.Topic(broadcast.TopicStatus) {
		out = append(out, p.(Status))
	}
	return out
}

func (e *testEnv) contactStatuses() []ContactsStatus {
	var out []ContactsStatus
	for _, p := range e.recorder.Topic(broadcast.TopicContacts) {
		out = append(out, p.(ContactsStatus))
	}
	return out
}

func contact(i int, name string) RemoteContact {
	p := fmt.Sprintf("55119%08d", i)
	return RemoteContact{JID: p + "@s.whatsapp.net", Phone: p, SavedName: name}
}

func chatFor(c RemoteContact, unread int) RemoteChat {
	return RemoteChat{ID: c.JID, Phone: c.Phone, Name: c.SavedName, UnreadCount: unread}
}

func inbound(id string, c RemoteContact, at time.Time) RemoteMessage {
	return RemoteMessage{
		ID:        id,
		ChatID:    c.JID,
		Phone:     c.Phone,
		From:      c.JID,
		To:        "5511900000000@s.whatsapp.net",
		PushName:  c.SavedName,
		Timestamp: at,
	}
}
