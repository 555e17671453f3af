package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSink_DeliversEvents(t *testing.T) {
	s := NewChannelSink(4)

	s.Publish(Event{Type: EventThreadState, ThreadID: 1})

	select {
	case ev := <-s.Events():
		assert.Equal(t, EventThreadState, ev.Type)
		assert.Equal(t, int64(1), ev.ThreadID)
		assert.NotZero(t, ev.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestChannelSink_NeverBlocksWhenFull(t *testing.T) {
	s := NewChannelSink(2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(Event{Type: EventToolState, ThreadID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full sink")
	}
}

func TestBroadcaster_PublishToClients(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	defer b.Close()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		b.AddClient("c1", conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	// Wait for the server handler to attach the connection.
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(Event{Type: EventChildTerminal, ThreadID: 7})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, EventChildTerminal, ev.Type)
	assert.Equal(t, int64(7), ev.ThreadID)
	assert.Equal(t, int64(1), ev.Seq)
}

func TestBroadcaster_DropsFailedClients(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	defer b.Close()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		b.AddClient("c1", conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client.Close()

	// Writes to a closed connection eventually fail and evict the client.
	deadline = time.Now().Add(2 * time.Second)
	for b.ClientCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("failed client never dropped")
		}
		b.Publish(Event{Type: EventThreadState})
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBroadcaster_PublishNeverBlocksCaller(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	defer b.Close()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		b.AddClient("stalled", conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The client never reads; once socket buffers fill, direct writes
	// would park the publisher. Publishing far more data than the
	// buffers hold must still return promptly.
	payload := strings.Repeat("x", 4096)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5000; i++ {
			b.Publish(Event{
				Type:     EventMessageUpdated,
				ThreadID: int64(i),
				Data:     map[string]interface{}{"text": payload},
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled client")
	}
}

func TestFanout(t *testing.T) {
	a := NewChannelSink(1)
	c := NewChannelSink(1)

	Fanout{a, c}.Publish(Event{Type: EventThreadState, ThreadID: 3})

	assert.Len(t, a.ch, 1)
	assert.Len(t, c.ch, 1)
}
