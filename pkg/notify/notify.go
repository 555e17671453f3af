package notify

import (
	"time"

	"github.com/threadwell/loom/internal/observability"
)

// EventType classifies outbound state-change notifications
type EventType string

const (
	EventThreadState    EventType = "thread.state"
	EventMessageUpdated EventType = "thread.message"
	EventToolState      EventType = "tool.state"
	EventNeedsAttention EventType = "thread.needs_attention"
	EventSpawnResolved  EventType = "subagent.spawn"
	EventChildTerminal  EventType = "subagent.terminal"
)

// Event is one outbound state-change notification. The core only ever
// writes events; it never reads anything back from the sink.
type Event struct {
	Type      EventType              `json:"type"`
	ThreadID  int64                  `json:"thread_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Seq       int64                  `json:"seq"`
}

// Sink receives events. Publish must never block the caller; sinks that
// cannot keep up drop events.
type Sink interface {
	Publish(event Event)
}

// NopSink discards all events
type NopSink struct{}

// Publish discards the event
func (NopSink) Publish(Event) {}

// ChannelSink forwards events into a buffered channel, dropping events
// when the consumer falls behind so thread dispatch is never blocked.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a channel sink with the given buffer size
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Publish enqueues the event, dropping it when the buffer is full
func (s *ChannelSink) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	select {
	case s.ch <- event:
	default:
		observability.RecordNotifyDrop()
	}
}

// Events returns the receive side of the sink
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}
