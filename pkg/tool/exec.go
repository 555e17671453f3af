package tool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/threadwell/loom/internal/observability"
	"github.com/threadwell/loom/pkg/message"
)

// ExecOptions configures executor tools built from a Registry
type ExecOptions struct {
	Logger zerolog.Logger
	// OnDone is invoked exactly once when the tool reaches done, from
	// whichever goroutine completed it.
	OnDone func(requestID string)
}

// ExecTool runs a Definition's handler. Tools requiring approval start
// in pending-user-action and only begin work once an Approval arrives
// via Update. All others start running immediately upon creation.
type ExecTool struct {
	name      string
	requestID string
	input     map[string]interface{}
	handler   Handler
	logger    zerolog.Logger
	onDone    func(requestID string)

	mu     sync.Mutex
	state  State
	result message.ToolResult
	cancel context.CancelFunc
}

// NewExec creates an executor tool and starts work immediately unless
// the definition requires interactive approval.
func NewExec(req message.ToolRequest, def Definition, opts ExecOptions) *ExecTool {
	t := &ExecTool{
		name:      def.Name,
		requestID: req.ID,
		input:     req.Input,
		handler:   def.Handler,
		logger:    opts.Logger,
		onDone:    opts.OnDone,
		state:     StateRunning,
	}

	if def.RequiresApproval {
		t.state = StatePendingUserAction
		return t
	}

	t.start()
	return t
}

// Name returns the tool name
func (t *ExecTool) Name() string { return t.name }

// RequestID returns the originating request id
func (t *ExecTool) RequestID() string { return t.requestID }

// State returns the current lifecycle state
func (t *ExecTool) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsDone reports whether the tool reached a terminal result
func (t *ExecTool) IsDone() bool { return t.State() == StateDone }

// IsPendingUserAction reports whether the tool is gated on approval
func (t *ExecTool) IsPendingUserAction() bool { return t.State() == StatePendingUserAction }

// Result returns the current result: provisional while running or
// pending, final once done.
func (t *ExecTool) Result() message.ToolResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateDone:
		return t.result
	case StatePendingUserAction:
		return message.ToolResult{RequestID: t.requestID, Content: "Tool call is awaiting user approval."}
	default:
		return message.ToolResult{RequestID: t.requestID, Content: "Tool execution in progress."}
	}
}

// Update handles approval decisions for gated tools
func (t *ExecTool) Update(data interface{}) {
	approval, ok := data.(Approval)
	if !ok {
		return
	}

	t.mu.Lock()
	if t.state != StatePendingUserAction {
		t.mu.Unlock()
		return
	}
	if !approval.Approved {
		t.mu.Unlock()
		reason := approval.Reason
		if reason == "" {
			reason = "tool call denied by user"
		}
		t.complete(message.ToolResult{RequestID: t.requestID, Content: reason, IsError: true})
		return
	}
	t.state = StateRunning
	t.mu.Unlock()

	t.start()
}

// Abort cancels the tool. It only transitions from non-done states, so
// an existing result, including an error result, is never overwritten.
func (t *ExecTool) Abort() {
	t.mu.Lock()
	if t.state == StateDone {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		return // the run goroutine completes with the aborted result
	}
	t.complete(message.ToolResult{RequestID: t.requestID, Content: "tool call aborted", IsError: true})
}

func (t *ExecTool) start() {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(ctx)
}

func (t *ExecTool) run(ctx context.Context) {
	start := time.Now()
	output, err := t.handler(ctx, t.input)
	duration := time.Since(start)

	res := message.ToolResult{RequestID: t.requestID, Content: output}
	if ctx.Err() != nil {
		res = message.ToolResult{RequestID: t.requestID, Content: "tool call aborted", IsError: true}
	} else if err != nil {
		res = message.ToolResult{RequestID: t.requestID, Content: err.Error(), IsError: true}
	}

	status := "success"
	if res.IsError {
		status = "failure"
	}
	observability.RecordToolExecution(t.name, duration, !res.IsError)
	observability.RecordToolAudit(ctx, t.name, t.requestID, status, nil)
	t.logger.Debug().
		Str("tool", t.name).
		Str("requestId", t.requestID).
		Dur("duration", duration).
		Bool("isError", res.IsError).
		Msg("Tool execution finished")

	t.complete(res)
}

// complete transitions to done exactly once and fires the callback
func (t *ExecTool) complete(res message.ToolResult) {
	t.mu.Lock()
	if t.state == StateDone {
		t.mu.Unlock()
		return
	}
	t.state = StateDone
	t.result = res
	onDone := t.onDone
	t.mu.Unlock()

	if onDone != nil {
		onDone(t.requestID)
	}
}
