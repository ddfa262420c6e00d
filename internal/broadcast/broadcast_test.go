package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panickingPublisher struct{}

func (panickingPublisher) Publish(string, interface{}) { panic("boom") }

func TestChannel_EmitBeforeInitialize(t *testing.T) {
	ch := NewChannel()
	assert.NotPanics(t, func() {
		ch.Emit(TopicStatus, map[string]interface{}{"isConnected": false})
	})
}

func TestChannel_InitializeIsIdempotent(t *testing.T) {
	ch := NewChannel()
	first := &Recorder{}
	second := &Recorder{}

	assert.Same(t, first, ch.Initialize(first))
	assert.Same(t, first, ch.Initialize(second))

	ch.Emit(TopicContacts, "progress")
	assert.Len(t, first.Events(), 1)
	assert.Empty(t, second.Events())
}

func TestChannel_EmitSwallowsPanics(t *testing.T) {
	ch := NewChannel()
	ch.Initialize(panickingPublisher{})
	assert.NotPanics(t, func() { ch.Emit(TopicStatus, nil) })
}

func TestRecorder_Topic(t *testing.T) {
	rec := &Recorder{}
	rec.Publish(TopicStatus, 1)
	rec.Publish(TopicContacts, 2)
	rec.Publish(TopicStatus, 3)

	assert.Equal(t, []interface{}{1, 3}, rec.Topic(TopicStatus))
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_DeliversEvents(t *testing.T) {
	hub := NewHub(nil)
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(TopicStatus, map[string]interface{}{"connectionState": "loading"})

	var got struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, TopicStatus, got.Event)
	assert.Equal(t, "loading", got.Data["connectionState"])
}

func TestHub_LateSubscriberMissesEarlierEvents(t *testing.T) {
	hub := NewHub(nil)
	hub.Publish(TopicStatus, "early")

	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(TopicStatus, "late")

	var got Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "late", got.Data)
}

func TestHub_RemovesDisconnectedSubscriber(t *testing.T) {
	hub := NewHub(nil)
	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewHub(nil)
	slow := &subscriber{send: make(chan []byte)}
	hub.subscribers[slow] = struct{}{}

	hub.Publish(TopicContacts, "progress")

	assert.Equal(t, 0, hub.Subscribers())
	_, open := <-slow.send
	assert.False(t, open)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))
}
