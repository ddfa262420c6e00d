package whatsapp

import (
	"sort"
	"sync"
)

const historyPerChat = 500

// historyBuffer keeps what whatsmeow pushed through history sync and live
// traffic so chats and recent messages can be enumerated on demand.
type historyBuffer struct {
	mu       sync.RWMutex
	chats    map[string]*RemoteChat
	messages map[string][]RemoteMessage
	seen     map[string]struct{}
}

func newHistoryBuffer() *historyBuffer {
	return &historyBuffer{
		chats:    make(map[string]*RemoteChat),
		messages: make(map[string][]RemoteMessage),
		seen:     make(map[string]struct{}),
	}
}

// upsertChat merges chat metadata; an empty name never overwrites a known one
func (h *historyBuffer) upsertChat(chat RemoteChat) {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.chats[chat.ID]
	if !ok {
		c := chat
		h.chats[chat.ID] = &c
		return
	}
	if chat.Name != "" {
		existing.Name = chat.Name
	}
	if chat.Phone != "" {
		existing.Phone = chat.Phone
	}
	existing.UnreadCount = chat.UnreadCount
}

// addMessage records msg once per id and creates the chat entry when needed
func (h *historyBuffer) addMessage(msg RemoteMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, dup := h.seen[msg.ID]; dup {
		return
	}
	h.seen[msg.ID] = struct{}{}

	if _, ok := h.chats[msg.ChatID]; !ok {
		h.chats[msg.ChatID] = &RemoteChat{ID: msg.ChatID, Phone: msg.Phone, IsGroup: msg.IsGroup}
	}

	list := append(h.messages[msg.ChatID], msg)
	if len(list) > historyPerChat {
		sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.After(list[j].Timestamp) })
		for _, dropped := range list[historyPerChat:] {
			delete(h.seen, dropped.ID)
		}
		list = list[:historyPerChat]
	}
	h.messages[msg.ChatID] = list
}

func (h *historyBuffer) listChats() []RemoteChat {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]RemoteChat, 0, len(h.chats))
	for _, c := range h.chats {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// recent returns up to limit messages of a chat, newest first
func (h *historyBuffer) recent(chatID string, limit int) []RemoteMessage {
	h.mu.RLock()
	src := h.messages[chatID]
	out := make([]RemoteMessage, len(src))
	copy(out, src)
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
