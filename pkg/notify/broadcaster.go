package notify

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/threadwell/loom/internal/observability"
)

// writeTimeout bounds how long one client write may stall the pump
const writeTimeout = 5 * time.Second

// Broadcaster fans events out to connected renderer/UI websocket
// clients. Publish only enqueues; a pump goroutine does the socket
// writes under a deadline, so a slow or stalled client can never block
// thread dispatch. Events beyond the buffer are dropped, and clients
// whose writes fail or time out are dropped.
type Broadcaster struct {
	clients map[string]*websocket.Conn
	logger  zerolog.Logger
	seq     uint64
	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.Mutex
}

// NewBroadcaster creates an empty broadcaster and starts its write pump
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		clients: make(map[string]*websocket.Conn),
		logger:  logger,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}

	b.wg.Add(1)
	go b.pump()

	return b
}

// AddClient registers a connected websocket client
func (b *Broadcaster) AddClient(id string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.clients[id]; ok {
		old.Close()
	}
	b.clients[id] = conn
	b.logger.Debug().Str("clientId", id).Int("clients", len(b.clients)).Msg("Client attached")
}

// RemoveClient detaches and closes a client
func (b *Broadcaster) RemoveClient(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conn, ok := b.clients[id]; ok {
		conn.Close()
		delete(b.clients, id)
	}
}

// ClientCount returns the number of attached clients
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish stamps and enqueues an event for the write pump. It never
// blocks; when the buffer is full the event is dropped and counted.
func (b *Broadcaster) Publish(event Event) {
	if event.Seq == 0 {
		event.Seq = int64(atomic.AddUint64(&b.seq, 1))
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	select {
	case b.events <- event:
	case <-b.done:
	default:
		observability.RecordNotifyDrop()
		b.logger.Debug().
			Str("event", string(event.Type)).
			Int64("seq", event.Seq).
			Msg("Event buffer full, dropping")
	}
}

// pump drains the event buffer and writes to every attached client
func (b *Broadcaster) pump() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case event := <-b.events:
			b.writeToClients(event)
		}
	}
}

func (b *Broadcaster) writeToClients(event Event) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to marshal event")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, conn := range b.clients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", id).
				Str("event", string(event.Type)).
				Int64("seq", event.Seq).
				Msg("Failed to broadcast to client, dropping")
			conn.Close()
			delete(b.clients, id)
		}
	}
}

// Close stops the pump and detaches all clients
func (b *Broadcaster) Close() {
	b.once.Do(func() {
		close(b.done)
	})
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, conn := range b.clients {
		conn.Close()
		delete(b.clients, id)
	}
}

// Fanout publishes every event to multiple sinks
type Fanout []Sink

// Publish forwards the event to every sink
func (f Fanout) Publish(event Event) {
	for _, s := range f {
		s.Publish(event)
	}
}
