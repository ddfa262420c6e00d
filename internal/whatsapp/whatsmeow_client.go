package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"wa_sync/internal/logging"
)

const snapshotTimeout = 30 * time.Second

// whatsmeowClient adapts a whatsmeow.Client to the Client contract. whatsmeow
// has no chat listing API, so conversations delivered by history sync and
// live messages are buffered in memory.
type whatsmeowClient struct {
	tenant  string
	client  *whatsmeow.Client
	devices DeviceProvider
	sink    EventSink
	history *historyBuffer
	log     *zap.Logger

	handlerID uint32
	closeOnce sync.Once
}

// NewWhatsmeowFactory builds clients whose device stores come from devices
func NewWhatsmeowFactory(devices DeviceProvider) ClientFactory {
	return func(ctx context.Context, opts ClientOptions) (Client, error) {
		device, err := devices.Open(ctx, opts.TenantKey)
		if err != nil {
			return nil, err
		}

		cli := whatsmeow.NewClient(device, logging.WALogger("Client").Sub(opts.TenantKey))
		// a dropped connection ends the session; Connect restores it from the device store
		cli.EnableAutoReconnect = false

		c := &whatsmeowClient{
			tenant:  opts.TenantKey,
			client:  cli,
			devices: devices,
			sink:    opts.Sink,
			history: newHistoryBuffer(),
			log:     zap.L().With(zap.String("tenant", opts.TenantKey)),
		}
		c.handlerID = cli.AddEventHandler(c.handleEvent)
		return c, nil
	}
}

func (c *whatsmeowClient) Initialize(ctx context.Context) error {
	if c.client.Store.ID != nil {
		c.log.Info("found existing session, restoring")
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("failed to restore session: %w", err)
		}
		return nil
	}

	c.log.Info("no stored session, waiting for QR scan")
	qrChan, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect client: %w", err)
	}
	go c.forwardQR(qrChan)
	return nil
}

func (c *whatsmeowClient) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.sink(Event{Kind: EventQR, QR: item.Code})
		case "success":
			// Connected follows and reports ready
		case "timeout":
			c.sink(Event{Kind: EventAuthFailure, Reason: "qr code expired"})
		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.sink(Event{Kind: EventAuthFailure, Reason: reason})
		}
	}
}

func (c *whatsmeowClient) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.sink(Event{Kind: EventReady, Account: c.account()})
		go c.snapshot()
	case *events.Disconnected:
		c.sink(Event{Kind: EventDisconnected, Reason: "connection closed"})
	case *events.LoggedOut:
		c.sink(Event{Kind: EventAuthFailure, Reason: "logged out: " + v.Reason.String()})
	case *events.ConnectFailure:
		c.sink(Event{Kind: EventAuthFailure, Reason: "connect failure: " + v.Reason.String()})
	case *events.TemporaryBan:
		c.sink(Event{Kind: EventAuthFailure, Reason: v.String()})
	case *events.ClientOutdated:
		c.sink(Event{Kind: EventAuthFailure, Reason: "client outdated"})
	case *events.StreamReplaced:
		c.sink(Event{Kind: EventAuthFailure, Reason: "stream replaced by another connection"})
	case *events.Message:
		msg, ok := c.convertMessage(v)
		if !ok {
			return
		}
		c.history.addMessage(msg)
		c.sink(Event{Kind: EventMessage, Message: &msg})
	case *events.HistorySync:
		n := c.absorbHistory(v)
		c.log.Debug("history sync received", zap.Int("conversations", n))
		c.sink(Event{Kind: EventHistory})
	}
}

func (c *whatsmeowClient) ownJID() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.ToNonAD().String()
}

func (c *whatsmeowClient) account() *Account {
	id := c.client.Store.ID
	if id == nil {
		return &Account{}
	}
	return &Account{
		JID:       id.ToNonAD().String(),
		DeviceJID: id.String(),
		Phone:     id.User,
		PushName:  c.client.Store.PushName,
	}
}

// convertMessage keeps one-to-one chats only
func (c *whatsmeowClient) convertMessage(evt *events.Message) (RemoteMessage, bool) {
	info := evt.Info
	if info.IsGroup || info.Chat.Server != types.DefaultUserServer {
		return RemoteMessage{}, false
	}
	// revokes, edits and reactions refer to other messages
	if m := evt.Message; m.GetProtocolMessage() != nil || m.GetReactionMessage() != nil {
		return RemoteMessage{}, false
	}

	chat := info.Chat.ToNonAD()
	msg := RemoteMessage{
		ID:        info.ID,
		ChatID:    chat.String(),
		Phone:     chat.User,
		FromMe:    info.IsFromMe,
		PushName:  info.PushName,
		Timestamp: info.Timestamp,
	}
	if info.IsFromMe {
		msg.From = c.ownJID()
		msg.To = chat.String()
	} else {
		msg.From = info.Sender.ToNonAD().String()
		msg.To = c.ownJID()
	}
	return msg, true
}

func (c *whatsmeowClient) absorbHistory(evt *events.HistorySync) int {
	conversations := evt.Data.GetConversations()
	for _, conv := range conversations {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil || chatJID.Server != types.DefaultUserServer {
			continue
		}

		name := conv.GetName()
		if name == "" {
			name = conv.GetDisplayName()
		}
		c.history.upsertChat(RemoteChat{
			ID:          chatJID.String(),
			Phone:       chatJID.User,
			Name:        name,
			UnreadCount: int(conv.GetUnreadCount()),
		})

		for _, hm := range conv.GetMessages() {
			parsed, err := c.client.ParseWebMessage(chatJID, hm.GetMessage())
			if err != nil {
				continue
			}
			if msg, ok := c.convertMessage(parsed); ok {
				c.history.addMessage(msg)
			}
		}
	}
	return len(conversations)
}

func (c *whatsmeowClient) Contacts(ctx context.Context) ([]RemoteContact, error) {
	all, err := c.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get contacts: %w", err)
	}

	out := make([]RemoteContact, 0, len(all))
	for jid, info := range all {
		rc := RemoteContact{
			JID:         jid.String(),
			SavedName:   info.FullName,
			PushName:    info.PushName,
			IsGroup:     jid.Server == types.GroupServer,
			IsBroadcast: jid.Server == types.BroadcastServer,
		}
		if rc.SavedName == "" {
			rc.SavedName = info.FirstName
		}
		if rc.PushName == "" {
			rc.PushName = info.BusinessName
		}
		// hidden (LID) users carry an opaque id instead of a number
		if jid.Server == types.DefaultUserServer {
			rc.Phone = jid.User
		}
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID < out[j].JID })
	return out, nil
}

func (c *whatsmeowClient) ProfilePictureURL(ctx context.Context, jid string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := types.ParseJID(jid)
	if err != nil {
		return "", err
	}
	info, err := c.client.GetProfilePictureInfo(target, &whatsmeow.GetProfilePictureParams{})
	if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) || errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

func (c *whatsmeowClient) Chats(context.Context) ([]RemoteChat, error) {
	if !c.client.IsConnected() {
		return nil, errors.New("client is not connected")
	}
	return c.history.listChats(), nil
}

func (c *whatsmeowClient) RecentMessages(_ context.Context, chatID string, limit int) ([]RemoteMessage, error) {
	return c.history.recent(chatID, limit), nil
}

func (c *whatsmeowClient) snapshot() {
	if c.client.Store.ID == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := c.devices.Snapshot(ctx, c.tenant); err != nil {
		c.log.Warn("device snapshot failed", zap.Error(err))
	}
}

func (c *whatsmeowClient) detach() {
	c.closeOnce.Do(func() {
		c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()
	})
}

func (c *whatsmeowClient) Logout(ctx context.Context) error {
	var errs []error
	if c.client.Store.ID != nil {
		if c.client.IsConnected() {
			if err := c.client.Logout(ctx); err != nil {
				errs = append(errs, fmt.Errorf("logout: %w", err))
			}
		}
		// offline or failed logout still forgets the device locally
		if c.client.Store.ID != nil {
			if err := c.client.Store.Delete(ctx); err != nil {
				errs = append(errs, fmt.Errorf("delete device: %w", err))
			}
		}
	}
	c.detach()
	if err := c.devices.Remove(ctx, c.tenant); err != nil {
		errs = append(errs, fmt.Errorf("remove device store: %w", err))
	}
	return errors.Join(errs...)
}

func (c *whatsmeowClient) Close(ctx context.Context) error {
	c.detach()
	if c.client.Store.ID != nil {
		if err := c.devices.Snapshot(ctx, c.tenant); err != nil {
			c.log.Warn("device snapshot failed", zap.Error(err))
		}
	}
	return c.devices.Release(c.tenant)
}
