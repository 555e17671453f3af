package message

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the content block union
type BlockType string

const (
	BlockText          BlockType = "text"
	BlockThinking      BlockType = "thinking"
	BlockToolUse       BlockType = "tool_use"
	BlockServerToolUse BlockType = "server_tool_use"
	BlockToolResult    BlockType = "tool_result"
)

// StopReason explains why a model turn ended
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopAborted   StopReason = "aborted"
	StopMaxTokens StopReason = "max_tokens"
)

// ToolRequest is a successfully parsed tool invocation emitted by the model
type ToolRequest struct {
	ID       string                 `json:"id"`
	ToolName string                 `json:"tool_name"`
	Input    map[string]interface{} `json:"input"`
}

// MalformedRequest preserves a tool_use block that failed parsing or
// schema validation. It never requires a tool_result unless it carried
// a request id the wire protocol must still answer.
type MalformedRequest struct {
	ID     string `json:"id,omitempty"`
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

// ToolResult pairs a tool request with its outcome
type ToolResult struct {
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Block is one content block. Type selects which fields are populated:
// Text for text/thinking, exactly one of Request/Malformed for tool_use
// and server_tool_use, Result for tool_result (and for a resolved
// server_tool_use).
type Block struct {
	Type      BlockType         `json:"type"`
	Text      string            `json:"text,omitempty"`
	Request   *ToolRequest      `json:"request,omitempty"`
	Malformed *MalformedRequest `json:"malformed,omitempty"`
	Result    *ToolResult       `json:"result,omitempty"`
}

// IsResolvedToolUse reports whether the block is a tool_use with a
// successfully parsed request.
func (b Block) IsResolvedToolUse() bool {
	return b.Type == BlockToolUse && b.Request != nil
}

// Usage tracks token consumption for one turn
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	CacheHits    *int `json:"cache_hits,omitempty"`
	CacheMisses  *int `json:"cache_misses,omitempty"`
}

// SentinelUsage marks turns that never produced real usage, such as
// aborted requests.
func SentinelUsage() Usage {
	return Usage{InputTokens: -1, OutputTokens: -1}
}

// IsSentinel reports whether the usage is the aborted-turn sentinel
func (u Usage) IsSentinel() bool {
	return u.InputTokens < 0 && u.OutputTokens < 0
}

// StopInfo records how and at what cost a turn ended
type StopInfo struct {
	Reason StopReason `json:"reason"`
	Usage  Usage      `json:"usage"`
}

// Message is an ordered, mutable accumulation of content blocks
type Message struct {
	ID      string    `json:"id"`
	Role    Role      `json:"role"`
	Content []Block   `json:"content"`
	Stop    *StopInfo `json:"stop,omitempty"`
}

// New creates an empty message with a fresh id
func New(role Role) Message {
	return Message{ID: newID(), Role: role}
}

// NewUserText creates a user message holding a single text block
func NewUserText(text string) Message {
	m := New(RoleUser)
	m.Content = append(m.Content, Block{Type: BlockText, Text: text})
	return m
}

// NewUser creates a user message from prepared blocks
func NewUser(blocks ...Block) Message {
	m := New(RoleUser)
	m.Content = append(m.Content, blocks...)
	return m
}

// AppendText appends streamed text, coalescing into a trailing text
// block when one exists.
func (m *Message) AppendText(delta string) {
	if n := len(m.Content); n > 0 && m.Content[n-1].Type == BlockText {
		m.Content[n-1].Text += delta
		return
	}
	m.Content = append(m.Content, Block{Type: BlockText, Text: delta})
}

// AppendThinking appends streamed thinking text, coalescing into a
// trailing thinking block when one exists.
func (m *Message) AppendThinking(delta string) {
	if n := len(m.Content); n > 0 && m.Content[n-1].Type == BlockThinking {
		m.Content[n-1].Text += delta
		return
	}
	m.Content = append(m.Content, Block{Type: BlockThinking, Text: delta})
}

// AppendBlock appends a non-text block. Text deltas go through
// AppendText so coalescing stays in one place.
func (m *Message) AppendBlock(b Block) {
	m.Content = append(m.Content, b)
}

// Text concatenates all text blocks
func (m *Message) Text() string {
	out := ""
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns indices of tool_use blocks in original order
func (m *Message) ToolUses() []int {
	var idx []int
	for i, b := range m.Content {
		if b.Type == BlockToolUse {
			idx = append(idx, i)
		}
	}
	return idx
}

// DropUnresolvedServerToolUse removes server_tool_use blocks that never
// received a matching server result. Called on abort so the history can
// be resent without dangling server requests.
func (m *Message) DropUnresolvedServerToolUse() {
	kept := m.Content[:0]
	for _, b := range m.Content {
		if b.Type == BlockServerToolUse && b.Result == nil {
			continue
		}
		kept = append(kept, b)
	}
	m.Content = kept
}

func newID() string {
	id, err := gonanoid.New()
	if err != nil {
		// nanoid only fails when the entropy source does; unusable host
		panic(err)
	}
	return id
}
