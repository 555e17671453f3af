package tool

import "github.com/threadwell/loom/pkg/message"

// State is the lifecycle state of one tool invocation
type State string

const (
	StatePendingUserAction State = "pending-user-action"
	StateRunning           State = "running"
	StateDone              State = "done"
)

// Approval is the Update payload that resolves a pending-user-action
// tool. Denied tools complete with an error result; they still count as
// done for auto-respond purposes.
type Approval struct {
	Approved bool
	Reason   string
}

// Tool owns the lifecycle of a single tool invocation. Result always
// returns a usable content block: a provisional value while running,
// the final value once done. Abort must be idempotent and only
// transitions from non-done states.
type Tool interface {
	Name() string
	RequestID() string
	State() State
	Abort()
	IsDone() bool
	IsPendingUserAction() bool
	Result() message.ToolResult
	Update(data interface{})
}

// Factory creates a Tool from a parsed request. Returning an error
// marks the originating tool_use block malformed.
type Factory func(req message.ToolRequest) (Tool, error)
