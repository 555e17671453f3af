package provider

import (
	"context"

	"github.com/threadwell/loom/pkg/message"
)

// ToolSpec describes a tool offered to the model
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Request contains the parameters for one streaming model call. The
// message list must already satisfy the request/response pairing
// invariant (see message.ExpandToolResults).
type Request struct {
	Model       string
	System      string
	Messages    []message.Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// EventType discriminates stream events
type EventType string

const (
	EventBlockStart EventType = "content_block_start"
	EventBlockDelta EventType = "content_block_delta"
	EventBlockStop  EventType = "content_block_stop"
	EventMessageStop EventType = "message_stop"
)

// StreamEvent is one incremental update from an in-flight request.
// Block is set on start, TextDelta/InputDelta on delta, Stop on
// message stop.
type StreamEvent struct {
	Type       EventType
	Index      int
	Block      *message.Block
	TextDelta  string
	InputDelta string
	Stop       *message.StopInfo
}

// Handle tracks a single in-flight request. Wait blocks until the
// stream finishes and returns the stop info, or the error that ended
// the stream. Abort is safe to call in any state and more than once.
type Handle interface {
	Wait() (message.StopInfo, error)
	Abort()
	Aborted() bool
}

// Provider is an async streaming model API. SendMessage returns as
// soon as the request is dispatched; onEvent is invoked from the
// stream goroutine for every incremental update.
type Provider interface {
	SendMessage(ctx context.Context, req Request, onEvent func(StreamEvent)) (Handle, error)
	Name() string
}
