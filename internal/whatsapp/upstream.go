package whatsapp

import (
	"context"
	"time"
)

// EventKind enumerates what the upstream client reports to a session
type EventKind string

const (
	EventQR           EventKind = "qr"
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	EventAuthFailure  EventKind = "auth_failure"
	EventMessage      EventKind = "message"
	EventHistory      EventKind = "history"
)

// Event is one upstream notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	QR      string
	Reason  string
	Account *Account
	Message *RemoteMessage
}

// Account identifies the logged-in WhatsApp user
type Account struct {
	JID string
	// DeviceJID is the companion device address (user:device@server) the
	// device store is keyed on
	DeviceJID string
	Phone     string
	PushName  string
}

// RemoteContact is an address-book entry as the upstream client knows it
type RemoteContact struct {
	JID         string
	Phone       string
	SavedName   string
	PushName    string
	IsGroup     bool
	IsBroadcast bool
}

// DisplayName prefers the name saved in the phone's address book
func (c RemoteContact) DisplayName() string {
	if c.SavedName != "" {
		return c.SavedName
	}
	return c.PushName
}

// RemoteChat is one conversation known to the upstream client
type RemoteChat struct {
	ID          string
	Phone       string
	Name        string
	IsGroup     bool
	UnreadCount int
}

// RemoteMessage is one upstream message, stripped to the fields we persist
type RemoteMessage struct {
	ID        string
	ChatID    string
	Phone     string // counterpart number of a one-to-one chat
	From      string
	To        string
	FromMe    bool
	IsGroup   bool
	PushName  string
	Timestamp time.Time
}

// Client is the automation client driving one WhatsApp account
type Client interface {
	// Initialize starts the connection. Progress is reported through the sink.
	Initialize(ctx context.Context) error
	Contacts(ctx context.Context) ([]RemoteContact, error)
	ProfilePictureURL(ctx context.Context, jid string) (string, error)
	Chats(ctx context.Context) ([]RemoteChat, error)
	RecentMessages(ctx context.Context, chatID string, limit int) ([]RemoteMessage, error)
	// Logout unlinks the device and discards the local session
	Logout(ctx context.Context) error
	// Close disconnects but keeps the session so it can be restored later
	Close(ctx context.Context) error
}

// EventSink receives upstream events; it may block until the event is queued
type EventSink func(Event)

// ClientOptions carries what a factory needs to build a client for a tenant
type ClientOptions struct {
	TenantKey string
	Sink      EventSink
}

// ClientFactory provisions a client. It opens the device store synchronously
// and must not start connecting.
type ClientFactory func(ctx context.Context, opts ClientOptions) (Client, error)
