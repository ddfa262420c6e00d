package broadcast

import (
	"sync"

	"go.uber.org/zap"
)

const (
	TopicStatus   = "whatsapp:status"
	TopicContacts = "whatsapp:contacts"
)

// Publisher delivers one event to every current listener. Delivery is best
// effort and must not block the caller.
type Publisher interface {
	Publish(topic string, payload interface{})
}

// Channel is the process-wide push channel. Emit is safe before a publisher
// is attached; events emitted then are dropped.
type Channel struct {
	mu        sync.RWMutex
	publisher Publisher
}

func NewChannel() *Channel {
	return &Channel{}
}

// Initialize attaches p unless a publisher is already attached, and returns
// the publisher in effect.
func (c *Channel) Initialize(p Publisher) Publisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publisher == nil {
		c.publisher = p
	}
	return c.publisher
}

// Emit never fails. A panicking publisher is logged and swallowed.
func (c *Channel) Emit(topic string, payload interface{}) {
	c.mu.RLock()
	p := c.publisher
	c.mu.RUnlock()
	if p == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("broadcast publisher panicked", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()
	p.Publish(topic, payload)
}

// Recorder is a Publisher that keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(topic string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Event: topic, Data: payload})
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Topic returns the payloads recorded for one topic, in order
func (r *Recorder) Topic(topic string) []interface{} {
	var out []interface{}
	for _, e := range r.Events() {
		if e.Event == topic {
			out = append(out, e.Data)
		}
	}
	return out
}
