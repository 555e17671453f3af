package tool

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/threadwell/loom/pkg/message"
)

// Manager is the per-thread registry of live tool invocations, keyed by
// request id.
type Manager struct {
	tools   map[string]Tool
	factory Factory
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// ManagerConfig holds manager configuration
type ManagerConfig struct {
	Factory Factory
	Logger  zerolog.Logger
}

// NewManager creates a tool manager
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("tool factory is required")
	}
	return &Manager{
		tools:   make(map[string]Tool),
		factory: cfg.Factory,
		logger:  cfg.Logger,
	}, nil
}

// Create builds and registers a tool for a parsed request. The tool
// begins work immediately; a factory error means the request could not
// be honored and the caller records it as malformed.
func (m *Manager) Create(req message.ToolRequest) (Tool, error) {
	m.mu.Lock()
	if existing, ok := m.tools[req.ID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	t, err := m.factory(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tools[req.ID] = t
	m.mu.Unlock()

	m.logger.Debug().Str("tool", req.ToolName).Str("requestId", req.ID).Msg("Tool created")
	return t, nil
}

// Get retrieves a tool by request id
func (m *Manager) Get(requestID string) (Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[requestID]
	return t, ok
}

// AllDone reports whether every resolved tool_use block in the message
// has a done tool. Tools awaiting interactive approval count as not
// done. A resolved block with no registered tool is an invariant
// violation and blocks auto-respond.
func (m *Manager) AllDone(msg *message.Message) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range msg.Content {
		if !b.IsResolvedToolUse() {
			continue
		}
		t, ok := m.tools[b.Request.ID]
		if !ok {
			m.logger.Error().Str("requestId", b.Request.ID).Msg("No tool registered for request id")
			return false
		}
		if !t.IsDone() {
			return false
		}
	}
	return true
}

// HasPendingUserAction reports whether any tool on the message awaits
// interactive approval. Used for needs-attention notifications.
func (m *Manager) HasPendingUserAction(msg *message.Message) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range msg.Content {
		if !b.IsResolvedToolUse() {
			continue
		}
		if t, ok := m.tools[b.Request.ID]; ok && t.IsPendingUserAction() {
			return true
		}
	}
	return false
}

// AbortMessage aborts every non-done tool attached to the message
func (m *Manager) AbortMessage(msg *message.Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range msg.Content {
		if !b.IsResolvedToolUse() {
			continue
		}
		if t, ok := m.tools[b.Request.ID]; ok && !t.IsDone() {
			t.Abort()
		}
	}
}

// UpdateMessage delivers data to every non-done tool on the message.
// Used to re-trigger level-triggered tools such as subagent waits.
func (m *Manager) UpdateMessage(msg *message.Message, data interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range msg.Content {
		if !b.IsResolvedToolUse() {
			continue
		}
		if t, ok := m.tools[b.Request.ID]; ok && !t.IsDone() {
			t.Update(data)
		}
	}
}

// Results returns tool results for the message's resolved tool_use
// blocks in their original request order.
func (m *Manager) Results(msg *message.Message) []message.ToolResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []message.ToolResult
	for _, b := range msg.Content {
		if !b.IsResolvedToolUse() {
			continue
		}
		if t, ok := m.tools[b.Request.ID]; ok {
			out = append(out, t.Result())
		}
	}
	return out
}

// Lookup adapts the manager to the wire serializer's result lookup
func (m *Manager) Lookup() message.ResultLookup {
	return func(requestID string) (message.ToolResult, bool) {
		t, ok := m.Get(requestID)
		if !ok {
			return message.ToolResult{}, false
		}
		return t.Result(), true
	}
}
