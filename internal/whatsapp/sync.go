package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wa_sync/internal/config"
	"wa_sync/internal/logging"
	"wa_sync/internal/models"
	"wa_sync/internal/phone"
	"wa_sync/internal/services"
)

const (
	defaultBatchSize    = 50
	defaultMessageLimit = 100
)

type syncMode int

const (
	// syncFull runs the contact phase then the message phase
	syncFull syncMode = iota
	// syncHistory re-runs the message phase for history that arrived late
	syncHistory
)

func (m syncMode) String() string {
	if m == syncHistory {
		return "history"
	}
	return "full"
}

// Pipeline pulls contacts and messages from the upstream client into the
// record store and reports progress through the owning session.
type Pipeline struct {
	store   *services.Store
	cfg     config.SyncConfig
	avatars *rate.Limiter
}

// NewPipeline applies defaults to cfg and builds the avatar rate limiter
func NewPipeline(store *services.Store, cfg config.SyncConfig) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = defaultMessageLimit
	}
	limit := rate.Inf
	if cfg.AvatarRPS > 0 && !math.IsInf(cfg.AvatarRPS, 1) {
		limit = rate.Limit(cfg.AvatarRPS)
	}
	return &Pipeline{
		store:   store,
		cfg:     cfg,
		avatars: rate.NewLimiter(limit, 1),
	}
}

// Run executes one sync pass. Errors abort the pass but never the session;
// the in-progress flags are always cleared and broadcast on return.
func (p *Pipeline) Run(ctx context.Context, s *session, mode syncMode) {
	defer s.updateSync(func() {
		s.addingContacts = false
		s.addingMessages = false
	})

	start := time.Now()
	s.log.Info("sync started", zap.Stringer("mode", mode))

	phase := "contacts"
	err := func() error {
		if mode == syncFull {
			if err := p.syncContacts(ctx, s); err != nil {
				return err
			}
		}
		if !p.cfg.SyncMessages {
			return nil
		}
		phase = "messages"
		return p.syncMessages(ctx, s, mode)
	}()

	switch {
	case err == nil:
		s.log.Info("sync finished", zap.Stringer("mode", mode), zap.Duration("took", time.Since(start)))
	case errors.Is(err, context.Canceled):
		s.log.Info("sync cancelled", zap.String("phase", phase))
	default:
		syncFailures.WithLabelValues(phase).Inc()
		logging.CaptureError("sync aborted", err, zap.String("tenant", s.key), zap.String("phase", phase))
	}
}

func (p *Pipeline) syncContacts(ctx context.Context, s *session) error {
	defer observePhase("contacts", time.Now())

	s.updateSync(func() {
		s.addingContacts = true
		s.progress = Progress{}
	})

	remote, err := s.client.Contacts(ctx)
	if err != nil {
		return fmt.Errorf("enumerate contacts: %w", err)
	}
	s.log.Info("syncing contacts", zap.Int("total", len(remote)))

	batch := make([]models.Contact, 0, p.cfg.BatchSize)
	seen := make(map[string]struct{}, len(remote))

	for i, rc := range remote {
		if err := ctx.Err(); err != nil {
			return err
		}

		label := rc.DisplayName()
		contact, reason := p.buildContact(ctx, s, rc)
		if reason == "" {
			if _, dup := seen[contact.Phone]; dup {
				reason = "duplicate"
			}
		}
		if reason != "" {
			contactsSkipped.WithLabelValues(reason).Inc()
		} else {
			seen[contact.Phone] = struct{}{}
			batch = append(batch, contact)
			label = contact.Name
		}
		if label == "" {
			label = rc.Phone
		}

		if len(batch) >= p.cfg.BatchSize {
			p.flushContacts(ctx, s, batch)
			batch = batch[:0]
		}

		processed := i + 1
		total := len(remote)
		s.updateSync(func() {
			s.progress = Progress{Total: total, Processed: processed, CurrentContact: label}
		})
	}
	p.flushContacts(ctx, s, batch)

	s.updateSync(func() {
		s.addingContacts = false
	})
	return nil
}

// buildContact returns the row for rc, or the reason it is skipped
func (p *Pipeline) buildContact(ctx context.Context, s *session, rc RemoteContact) (models.Contact, string) {
	if rc.IsGroup || rc.IsBroadcast {
		return models.Contact{}, "group"
	}
	digits, ok := phone.Normalize(rc.Phone)
	if !ok {
		return models.Contact{}, "invalid_phone"
	}

	name := rc.SavedName
	if name == "" {
		if rc.PushName == "" || phone.LooksLikePhoneNumber(rc.PushName) {
			return models.Contact{}, "no_name"
		}
		name = rc.PushName
	}

	return models.Contact{
		IntegrationID: s.key,
		Name:          name,
		Phone:         digits,
		AvatarURL:     p.avatarURL(ctx, s, rc.JID),
	}, ""
}

// avatarURL is best effort; any failure yields an empty URL
func (p *Pipeline) avatarURL(ctx context.Context, s *session, jid string) string {
	if jid == "" {
		return ""
	}
	if err := p.avatars.Wait(ctx); err != nil {
		return ""
	}
	url, err := s.client.ProfilePictureURL(ctx, jid)
	if err != nil {
		s.log.Debug("avatar lookup failed", zap.String("jid", jid), zap.Error(err))
		return ""
	}
	return url
}

// flushContacts writes a batch, retrying row by row when the batch fails
func (p *Pipeline) flushContacts(ctx context.Context, s *session, batch []models.Contact) {
	if len(batch) == 0 {
		return
	}
	err := p.store.UpsertContacts(ctx, batch)
	if err == nil {
		contactsUpserted.Add(float64(len(batch)))
		return
	}
	s.log.Warn("contact batch failed, retrying one by one", zap.Int("size", len(batch)), zap.Error(err))

	for _, c := range batch {
		if err := p.store.UpsertContacts(ctx, []models.Contact{c}); err != nil {
			contactsSkipped.WithLabelValues("write_failed").Inc()
			s.log.Warn("failed to save contact", zap.String("phone", c.Phone), zap.Error(err))
			continue
		}
		contactsUpserted.Inc()
	}
}

func (p *Pipeline) syncMessages(ctx context.Context, s *session, mode syncMode) error {
	defer observePhase("messages", time.Now())

	s.updateSync(func() {
		s.addingMessages = true
	})

	chats, err := s.client.Chats(ctx)
	if err != nil {
		return fmt.Errorf("enumerate chats: %w", err)
	}

	handled := make(map[uint]struct{})
	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			return err
		}
		if chat.IsGroup {
			continue
		}
		contactID, err := p.syncChat(ctx, s, chat, mode)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.log.Warn("failed to sync chat", zap.String("chat", chat.ID), zap.Error(err))
			continue
		}
		if contactID != 0 {
			handled[contactID] = struct{}{}
		}
	}

	return p.Reconcile(ctx, s, handled)
}

// syncChat stores the recent window of one chat and recounts its contact.
// It returns the id of the contact it recounted, or 0 when the chat was skipped.
func (p *Pipeline) syncChat(ctx context.Context, s *session, chat RemoteChat, mode syncMode) (uint, error) {
	digits, ok := phone.Normalize(chat.Phone)
	if !ok {
		return 0, nil
	}

	contact, err := p.store.ContactByPhone(ctx, s.key, digits)
	if errors.Is(err, services.ErrNotFound) {
		// same name rule as the contact phase
		if chat.Name == "" || phone.LooksLikePhoneNumber(chat.Name) {
			contactsSkipped.WithLabelValues("no_name").Inc()
			return 0, nil
		}
		contact, err = p.store.EnsureContact(ctx, s.key, digits, chat.Name)
	}
	if err != nil {
		return 0, err
	}

	// a known contact with no unread activity already has its history
	if mode == syncFull && chat.UnreadCount == 0 && contact.MessageCount > 0 {
		return 0, nil
	}

	messages, err := s.client.RecentMessages(ctx, chat.ID, p.cfg.MessageLimit)
	if err != nil {
		return 0, fmt.Errorf("fetch messages: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, rm := range messages {
		if rm.ID == "" {
			continue
		}
		inserted, err := p.store.InsertMessage(ctx, toMessage(s.key, contact.ID, rm))
		if err != nil {
			s.log.Warn("failed to save message", zap.String("message_id", rm.ID), zap.Error(err))
			continue
		}
		if inserted {
			messagesStored.WithLabelValues("history").Inc()
		}
	}
	if err := p.store.RecountContact(ctx, contact.ID); err != nil {
		return 0, err
	}
	return contact.ID, nil
}

// Reconcile recounts every contact of the tenant that owns stored messages
// and is not in skip.
func (p *Pipeline) Reconcile(ctx context.Context, s *session, skip map[uint]struct{}) error {
	ids, err := p.store.ContactIDsWithMessages(ctx, s.key)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, ok := skip[id]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.writeMu.Lock()
		err := p.store.RecountContact(ctx, id)
		s.writeMu.Unlock()
		if err != nil {
			s.log.Warn("failed to recount contact", zap.Uint("contact_id", id), zap.Error(err))
		}
	}
	return nil
}

// HandleLiveMessage stores one message received after ready and bumps the
// counter of its contact when the row is new.
func (p *Pipeline) HandleLiveMessage(ctx context.Context, s *session, rm RemoteMessage) error {
	if rm.IsGroup || rm.ID == "" {
		return nil
	}
	digits, ok := phone.Normalize(rm.Phone)
	if !ok {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	name := ""
	if !rm.FromMe && !phone.LooksLikePhoneNumber(rm.PushName) {
		name = rm.PushName
	}
	contact, err := p.store.EnsureContact(ctx, s.key, digits, name)
	if err != nil {
		return err
	}

	msg := toMessage(s.key, contact.ID, rm)
	inserted, err := p.store.InsertMessage(ctx, msg)
	if err != nil || !inserted {
		return err
	}
	messagesStored.WithLabelValues("live").Inc()
	return p.store.IncrementMessageCount(ctx, contact.ID, msg.Timestamp)
}

func toMessage(tenant string, contactID uint, rm RemoteMessage) *models.Message {
	ts := rm.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &models.Message{
		MessageID:     rm.ID,
		From:          rm.From,
		To:            rm.To,
		FromMe:        rm.FromMe,
		ContactID:     contactID,
		IntegrationID: tenant,
		Timestamp:     ts.UTC(),
	}
}

func observePhase(phase string, start time.Time) {
	syncDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
