package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/threadwell/loom/internal/observability"
	"github.com/threadwell/loom/internal/tracing"
	"github.com/threadwell/loom/pkg/message"
	"github.com/threadwell/loom/pkg/thread"
	"github.com/threadwell/loom/pkg/tool"
)

// Orchestration tool names. Spawn and wait are parent-side; yield is
// injected into every child allow-list.
const (
	ToolSpawn = "spawn_subagent"
	ToolWait  = "wait_for_subagents"
	ToolYield = "yield_to_parent"
)

// registerOrchestrationTools adds the spawn/wait/yield definitions to
// the shared registry so they validate and serialize like any other
// tool. Spawn and wait handlers are bound per-thread by the factory
// builder; the registry-level handlers only exist as a guard.
func (c *Chat) registerOrchestrationTools() error {
	defs := []tool.Definition{
		{
			Name:        ToolSpawn,
			Description: "Spawn a subagent thread that works on a prompt independently and reports back via " + ToolYield + ".",
			Parameters: []tool.Parameter{
				{Name: "prompt", Type: "string", Description: "Task for the subagent", Required: true},
				{Name: "system_prompt", Type: "string", Description: "Optional system prompt override for the subagent"},
				{Name: "tools", Type: "array", Description: "Tool names the subagent may use"},
			},
			Handler: orphanedHandler(ToolSpawn),
		},
		{
			Name:        ToolWait,
			Description: "Block until every listed subagent thread has finished, then return their outcomes.",
			Parameters: []tool.Parameter{
				{Name: "thread_ids", Type: "array", Description: "Subagent thread ids to wait for", Required: true},
			},
			Handler: orphanedHandler(ToolWait),
		},
		{
			Name:        ToolYield,
			Description: "Report the final result to the parent thread and stop.",
			Parameters: []tool.Parameter{
				{Name: "response", Type: "string", Description: "Final result for the parent", Required: true},
			},
			Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
				return fmt.Sprintf("%v", input["response"]), nil
			},
		},
	}

	for _, def := range defs {
		if _, exists := c.registry.Get(def.Name); exists {
			continue
		}
		if err := c.registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// orphanedHandler fires only if an orchestration tool runs outside a
// chat-owned thread, where no parent id is bound.
func orphanedHandler(name string) tool.Handler {
	return func(ctx context.Context, input map[string]interface{}) (string, error) {
		return "", fmt.Errorf("%s is only available on threads managed by a chat registry", name)
	}
}

// factoryBuilder binds orchestration tools to the owning thread's id.
// Spawn runs through the per-parent admission lane, wait is the
// level-triggered watcher, and everything else falls through to the
// registry's executor factory.
func (c *Chat) factoryBuilder(ownerID int64) thread.FactoryBuilder {
	return func(onDone func(requestID string)) tool.Factory {
		opts := tool.ExecOptions{Logger: c.logger, OnDone: onDone}
		base := c.registry.Factory(opts)

		return func(req message.ToolRequest) (tool.Tool, error) {
			switch req.ToolName {
			case ToolSpawn:
				def, _ := c.registry.Get(ToolSpawn)
				if err := c.registry.Validate(ToolSpawn, req.Input); err != nil {
					return nil, err
				}
				def.Handler = c.spawnHandler(ownerID, req)
				return tool.NewExec(req, def, opts), nil

			case ToolWait:
				if err := c.registry.Validate(ToolWait, req.Input); err != nil {
					return nil, err
				}
				ids, err := parseThreadIDs(req.Input["thread_ids"])
				if err != nil {
					return nil, err
				}
				return newWaitTool(req.ID, ownerID, ids, c.childState, onDone), nil

			default:
				return base(req)
			}
		}
	}
}

// spawnHandler builds the executor handler for one spawn request. The
// request id rides in the context, so a duplicate invocation replays
// the cached admission result instead of creating a second child.
func (c *Chat) spawnHandler(parentID int64, req message.ToolRequest) tool.Handler {
	return func(ctx context.Context, input map[string]interface{}) (string, error) {
		params := SpawnParams{
			Prompt: fmt.Sprintf("%v", input["prompt"]),
		}
		if sp, ok := input["system_prompt"].(string); ok {
			params.SystemPrompt = sp
		}
		if raw, ok := input["tools"]; ok {
			names, err := parseToolNames(raw)
			if err != nil {
				return "", err
			}
			params.AllowedTools = names
		}

		ctx = tracing.WithRequestID(ctx, req.ID)
		childID, err := c.Spawn(ctx, parentID, params)
		if err != nil {
			return "", fmt.Errorf("spawn failed: %w", err)
		}
		if ctx.Err() != nil {
			// Aborted while queued or constructing: the child must not
			// outlive the request that asked for it.
			if child, terr := c.Thread(childID); terr == nil {
				child.Abort()
			}
			return "", ctx.Err()
		}
		return fmt.Sprintf("Spawned subagent thread %d", childID), nil
	}
}

func parseThreadIDs(raw interface{}) ([]int64, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("thread_ids must be an array")
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("thread_ids must not be empty")
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		n, ok := item.(float64)
		if !ok || n != float64(int64(n)) {
			return nil, fmt.Errorf("thread_ids must contain integer ids, got %v", item)
		}
		ids = append(ids, int64(n))
	}
	return ids, nil
}

func parseToolNames(raw interface{}) ([]string, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("tools must be an array of names")
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("tools must contain strings, got %v", item)
		}
		names = append(names, s)
	}
	return names, nil
}

// childOutcome is one entry in a wait tool's final result
type childOutcome struct {
	ThreadID int64  `json:"thread_id"`
	Outcome  string `json:"outcome"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// stateLookup resolves a child's state for the wait tool
type stateLookup func(parentID, id int64) (thread.State, error)

// waitTool blocks a parent's auto-respond until every watched child is
// terminal. Level-triggered: every Update re-checks the whole watched
// set, so missed notifications cannot wedge it.
type waitTool struct {
	requestID string
	parentID  int64
	ids       []int64
	lookup    stateLookup
	onDone    func(requestID string)

	mu     sync.Mutex
	done   bool
	result message.ToolResult
}

func newWaitTool(requestID string, parentID int64, ids []int64, lookup stateLookup, onDone func(string)) *waitTool {
	w := &waitTool{
		requestID: requestID,
		parentID:  parentID,
		ids:       ids,
		lookup:    lookup,
		onDone:    onDone,
	}
	// Children may already be terminal by the time the model asks.
	w.check()
	return w
}

// Name returns the tool name
func (w *waitTool) Name() string { return ToolWait }

// RequestID returns the originating request id
func (w *waitTool) RequestID() string { return w.requestID }

// State returns running until every watched child is terminal
func (w *waitTool) State() tool.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return tool.StateDone
	}
	return tool.StateRunning
}

// IsDone reports whether every watched child reached a terminal state
func (w *waitTool) IsDone() bool { return w.State() == tool.StateDone }

// IsPendingUserAction always reports false; waits never gate on approval
func (w *waitTool) IsPendingUserAction() bool { return false }

// Result returns the aggregated child outcomes once done, or a
// provisional description while waiting.
func (w *waitTool) Result() message.ToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return w.result
	}
	return message.ToolResult{
		RequestID: w.requestID,
		Content:   fmt.Sprintf("Waiting for subagent threads %v.", w.ids),
	}
}

// Update re-checks the watched set. The payload is ignored: arrival of
// any update means some child may have transitioned.
func (w *waitTool) Update(interface{}) {
	w.check()
}

// Abort completes the wait with an error result unless already done
func (w *waitTool) Abort() {
	w.complete(message.ToolResult{
		RequestID: w.requestID,
		Content:   "tool call aborted",
		IsError:   true,
	})
}

func (w *waitTool) check() {
	outcomes := make([]childOutcome, 0, len(w.ids))
	for _, id := range w.ids {
		st, err := w.lookup(w.parentID, id)
		if err != nil {
			w.complete(message.ToolResult{
				RequestID: w.requestID,
				Content:   fmt.Sprintf("cannot wait on thread %d: %v", id, err),
				IsError:   true,
			})
			return
		}
		if !st.Terminal() {
			return
		}
		outcomes = append(outcomes, outcomeFor(id, st))
	}

	data, err := json.Marshal(outcomes)
	if err != nil {
		w.complete(message.ToolResult{RequestID: w.requestID, Content: err.Error(), IsError: true})
		return
	}
	w.complete(message.ToolResult{RequestID: w.requestID, Content: string(data)})
}

func outcomeFor(id int64, st thread.State) childOutcome {
	o := childOutcome{ThreadID: id, Outcome: string(st.Kind)}
	switch st.Kind {
	case thread.KindYielded:
		o.Response = st.Response
	case thread.KindError:
		if st.Err != nil {
			o.Error = st.Err.Error()
		}
	case thread.KindStopped:
		o.Outcome = "aborted"
	}
	return o
}

// complete transitions to done exactly once
func (w *waitTool) complete(res message.ToolResult) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.result = res
	onDone := w.onDone
	w.mu.Unlock()

	observability.RecordToolExecution(ToolWait, 0, !res.IsError)
	if onDone != nil {
		onDone(w.requestID)
	}
}
