package thread

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadwell/loom/pkg/message"
	"github.com/threadwell/loom/pkg/notify"
	"github.com/threadwell/loom/pkg/provider"
	"github.com/threadwell/loom/pkg/tool"
)

// ---- scripted provider ----

type fakeHandle struct {
	done    chan struct{}
	once    sync.Once
	stop    message.StopInfo
	err     error
	aborted bool
	mu      sync.Mutex
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) finish(stop message.StopInfo, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.stop = stop
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) Wait() (message.StopInfo, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop, h.err
}

func (h *fakeHandle) Abort() {
	h.mu.Lock()
	h.aborted = true
	h.mu.Unlock()
	h.finish(message.StopInfo{Reason: message.StopAborted, Usage: message.SentinelUsage()}, nil)
}

func (h *fakeHandle) Aborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

type fakeTurn struct {
	events []provider.StreamEvent
	stop   message.StopInfo
	err    error
	// hold delays completion until closed, keeping the turn in flight
	hold chan struct{}
}

type fakeProvider struct {
	mu       sync.Mutex
	turns    []fakeTurn
	requests []provider.Request
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) SendMessage(ctx context.Context, req provider.Request, onEvent func(provider.StreamEvent)) (provider.Handle, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.turns) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("no scripted turn for request %d", len(p.requests))
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	p.mu.Unlock()

	h := newFakeHandle()
	go func() {
		for _, ev := range turn.events {
			onEvent(ev)
		}
		if turn.hold != nil {
			select {
			case <-turn.hold:
			case <-h.done:
				return
			}
		}
		h.finish(turn.stop, turn.err)
	}()
	return h, nil
}

func (p *fakeProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) request(i int) provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func textEvents(text string) []provider.StreamEvent {
	return []provider.StreamEvent{
		{Type: provider.EventBlockStart, Index: 0, Block: &message.Block{Type: message.BlockText}},
		{Type: provider.EventBlockDelta, Index: 0, TextDelta: text},
		{Type: provider.EventBlockStop, Index: 0},
	}
}

func toolUseEvents(index int, id, name, inputJSON string) []provider.StreamEvent {
	return []provider.StreamEvent{
		{Type: provider.EventBlockStart, Index: index, Block: &message.Block{
			Type:    message.BlockToolUse,
			Request: &message.ToolRequest{ID: id, ToolName: name},
		}},
		{Type: provider.EventBlockDelta, Index: index, InputDelta: inputJSON},
		{Type: provider.EventBlockStop, Index: index},
	}
}

func toolUseStop() message.StopInfo {
	return message.StopInfo{Reason: message.StopToolUse, Usage: message.Usage{InputTokens: 10, OutputTokens: 5}}
}

func endTurnStop() message.StopInfo {
	return message.StopInfo{Reason: message.StopEndTurn, Usage: message.Usage{InputTokens: 12, OutputTokens: 7}}
}

// ---- fixtures ----

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry(zerolog.Nop())

	require.NoError(t, reg.Register(tool.Definition{
		Name:        "lookup",
		Description: "Looks up a value",
		Parameters:  []tool.Parameter{{Name: "key", Type: "string", Required: true}},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			return fmt.Sprintf("value-for-%v", input["key"]), nil
		},
	}))
	require.NoError(t, reg.Register(tool.Definition{
		Name:        "slow",
		Description: "Blocks until cancelled",
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}))
	require.NoError(t, reg.Register(tool.Definition{
		Name:             "deploy",
		Description:      "Requires approval",
		RequiresApproval: true,
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			return "deployed", nil
		},
	}))
	require.NoError(t, reg.Register(tool.Definition{
		Name:        "yield_to_parent",
		Description: "Reports the final answer to the parent",
		Parameters:  []tool.Parameter{{Name: "response", Type: "string", Required: true}},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			return fmt.Sprintf("%v", input["response"]), nil
		},
	}))
	return reg
}

func newTestThread(t *testing.T, prov provider.Provider, mutate func(*Config)) *Thread {
	t.Helper()
	cfg := Config{
		ID:       1,
		Profile:  Profile{Model: "test-model", MaxTokens: 1024},
		Provider: prov,
		Registry: testRegistry(t),
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	th, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(th.Close)
	return th
}

func waitState(t *testing.T, th *Thread, pred func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := th.State()
		if pred(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state, last kind=%s stop=%s", st.Kind, st.StopReason)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitRequests(t *testing.T, p *fakeProvider, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for p.requestCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d provider requests, got %d", n, p.requestCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ---- tests ----

func TestThread_SimpleTurn(t *testing.T) {
	p := &fakeProvider{turns: []fakeTurn{
		{events: textEvents("hello back"), stop: endTurnStop()},
	}}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.Send("hello", SendOptions{}))

	st := waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})
	assert.Equal(t, 12, st.Usage.InputTokens)

	hist := th.History()
	require.Len(t, hist, 2)
	assert.Equal(t, message.RoleUser, hist[0].Role)
	assert.Equal(t, "hello back", hist[1].Text())
	require.NotNil(t, hist[1].Stop)
	assert.Equal(t, message.StopEndTurn, hist[1].Stop.Reason)
}

func TestThread_AutoRespondsOnceWithOrderedResults(t *testing.T) {
	events := textEvents("let me check")
	events = append(events, toolUseEvents(1, "tu-1", "lookup", `{"key":"alpha"}`)...)
	events = append(events, toolUseEvents(2, "tu-2", "lookup", `{"key":"beta"}`)...)

	p := &fakeProvider{turns: []fakeTurn{
		{events: events, stop: toolUseStop()},
		{events: textEvents("alpha and beta resolved"), stop: endTurnStop()},
	}}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.Send("check both", SendOptions{}))

	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})
	require.Equal(t, 2, p.requestCount())

	// The continuation carries one tool_result per request, in the order
	// the model issued the calls.
	second := p.request(1)
	var results []message.ToolResult
	for _, m := range second.Messages {
		for _, b := range m.Content {
			if b.Type == message.BlockToolResult {
				results = append(results, *b.Result)
			}
		}
	}
	require.Len(t, results, 2)
	assert.Equal(t, "tu-1", results[0].RequestID)
	assert.Equal(t, "value-for-alpha", results[0].Content)
	assert.Equal(t, "tu-2", results[1].RequestID)
	assert.Equal(t, "value-for-beta", results[1].Content)

	// Settle and confirm no third request sneaks in from a duplicate
	// completion callback.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, p.requestCount())
}

func TestThread_PartialToolCompletionDoesNotAutoRespond(t *testing.T) {
	events := toolUseEvents(0, "tu-1", "lookup", `{"key":"alpha"}`)
	events = append(events, toolUseEvents(1, "tu-2", "deploy", `{}`)...)

	p := &fakeProvider{turns: []fakeTurn{
		{events: events, stop: toolUseStop()},
		{events: textEvents("both handled"), stop: endTurnStop()},
	}}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.Send("look it up and ship it", SendOptions{}))

	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopToolUse
	})

	// The lookup finishes on its own, but the gated deploy is still
	// waiting on approval; one resolved tool out of two must not
	// re-invoke the provider.
	tl, ok := th.Manager().Get("tu-1")
	require.True(t, ok)
	deadline := time.Now().Add(2 * time.Second)
	for !tl.IsDone() {
		require.False(t, time.Now().After(deadline), "lookup never completed")
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.requestCount(), "auto-respond must wait for every blocking tool")

	require.NoError(t, th.Resolve("tu-2", tool.Approval{Approved: true}))

	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})
	require.Equal(t, 2, p.requestCount())

	// The single continuation carries both results in request order.
	second := p.request(1)
	var results []message.ToolResult
	for _, m := range second.Messages {
		for _, b := range m.Content {
			if b.Type == message.BlockToolResult {
				results = append(results, *b.Result)
			}
		}
	}
	require.Len(t, results, 2)
	assert.Equal(t, "tu-1", results[0].RequestID)
	assert.Equal(t, "value-for-alpha", results[0].Content)
	assert.Equal(t, "tu-2", results[1].RequestID)
	assert.Equal(t, "deployed", results[1].Content)
}

func TestThread_MalformedInputBecomesErrorResult(t *testing.T) {
	events := toolUseEvents(0, "tu-bad", "lookup", `{"key": 42`)

	p := &fakeProvider{turns: []fakeTurn{
		{events: events, stop: toolUseStop()},
		{events: textEvents("understood"), stop: endTurnStop()},
	}}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.Send("go", SendOptions{}))

	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})
	require.Equal(t, 2, p.requestCount())

	// The malformed request still gets a wire answer for its id.
	second := p.request(1)
	found := false
	for _, m := range second.Messages {
		for _, b := range m.Content {
			if b.Type == message.BlockToolResult && b.Result.RequestID == "tu-bad" {
				found = true
				assert.True(t, b.Result.IsError)
			}
		}
	}
	assert.True(t, found, "expected a synthesized error result for the malformed request")
}

func TestThread_UnknownToolBecomesErrorResult(t *testing.T) {
	events := toolUseEvents(0, "tu-x", "no_such_tool", `{}`)

	p := &fakeProvider{turns: []fakeTurn{
		{events: events, stop: toolUseStop()},
		{events: textEvents("ok"), stop: endTurnStop()},
	}}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.Send("go", SendOptions{}))

	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})
	assert.Equal(t, 2, p.requestCount())
}

func TestThread_YieldMovesToYielded(t *testing.T) {
	events := toolUseEvents(0, "tu-y", "yield_to_parent", `{"response":"all done"}`)

	p := &fakeProvider{turns: []fakeTurn{
		{events: events, stop: toolUseStop()},
	}}

	var termMu sync.Mutex
	var terminal []State
	th := newTestThread(t, p, func(cfg *Config) {
		cfg.YieldToolName = "yield_to_parent"
		cfg.OnTerminal = func(id int64, st State) {
			termMu.Lock()
			terminal = append(terminal, st)
			termMu.Unlock()
		}
	})

	require.NoError(t, th.Send("finish up", SendOptions{}))

	st := waitState(t, th, func(s State) bool { return s.Kind == KindYielded })
	assert.Equal(t, "all done", st.Response)

	// No auto-respond after yield, and the owner heard about it once.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.requestCount())
	termMu.Lock()
	require.Len(t, terminal, 1)
	assert.Equal(t, KindYielded, terminal[0].Kind)
	termMu.Unlock()

	assert.ErrorIs(t, th.Send("more work", SendOptions{}), ErrYielded)
}

func TestThread_AbortWithPendingTools(t *testing.T) {
	events := toolUseEvents(0, "tu-s1", "slow", `{}`)
	events = append(events, toolUseEvents(1, "tu-s2", "slow", `{}`)...)

	p := &fakeProvider{turns: []fakeTurn{
		{events: events, stop: toolUseStop()},
	}}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.Send("do slow things", SendOptions{}))

	// Wait for the stop so both tools exist and are running.
	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopToolUse
	})

	th.Abort()

	st := waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopAborted
	})
	assert.True(t, st.Usage.IsSentinel())

	for _, id := range []string{"tu-s1", "tu-s2"} {
		tl, ok := th.Manager().Get(id)
		require.True(t, ok)
		deadline := time.Now().Add(2 * time.Second)
		for !tl.IsDone() {
			require.False(t, time.Now().After(deadline), "tool %s never finished after abort", id)
			time.Sleep(2 * time.Millisecond)
		}
		res := tl.Result()
		assert.True(t, res.IsError)
	}

	// Tool completions after the abort must not trigger auto-respond.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.requestCount())

	hist := th.History()
	last := hist[len(hist)-1]
	require.NotNil(t, last.Stop)
	assert.Equal(t, message.StopAborted, last.Stop.Reason)
	assert.True(t, last.Stop.Usage.IsSentinel())
}

func TestThread_AbortIdempotent(t *testing.T) {
	p := &fakeProvider{turns: []fakeTurn{
		{events: textEvents("done"), stop: endTurnStop()},
	}}

	var termMu sync.Mutex
	terminal := 0
	th := newTestThread(t, p, func(cfg *Config) {
		cfg.OnTerminal = func(id int64, st State) {
			termMu.Lock()
			terminal++
			termMu.Unlock()
		}
	})

	require.NoError(t, th.Send("hello", SendOptions{}))
	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})

	th.Abort()
	th.Abort()

	st := th.State()
	assert.Equal(t, KindStopped, st.Kind)
	assert.Equal(t, message.StopAborted, st.StopReason)

	termMu.Lock()
	assert.Equal(t, 1, terminal, "repeated aborts must report terminal once")
	termMu.Unlock()
}

func TestThread_AbortBeforeFirstSendIsNoOp(t *testing.T) {
	p := &fakeProvider{turns: []fakeTurn{
		{events: textEvents("hello back"), stop: endTurnStop()},
	}}

	var termMu sync.Mutex
	terminal := 0
	th := newTestThread(t, p, func(cfg *Config) {
		cfg.OnTerminal = func(id int64, st State) {
			termMu.Lock()
			terminal++
			termMu.Unlock()
		}
	})

	th.Abort()

	// Nothing ran, so nothing changes: no aborted stop, no terminal
	// callback, and the thread still accepts work.
	st := th.State()
	assert.Equal(t, KindStopped, st.Kind)
	assert.Empty(t, st.StopReason)
	assert.Empty(t, th.History())
	termMu.Lock()
	assert.Zero(t, terminal)
	termMu.Unlock()

	require.NoError(t, th.Send("hello", SendOptions{}))
	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})
}

func TestThread_AsyncQueuesBehindBusyTurn(t *testing.T) {
	hold := make(chan struct{})
	p := &fakeProvider{turns: []fakeTurn{
		{events: textEvents("working"), stop: endTurnStop(), hold: hold},
		{events: textEvents("queued handled"), stop: endTurnStop()},
	}}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.Send("first", SendOptions{}))
	waitState(t, th, func(s State) bool { return s.Kind == KindInFlight })

	require.NoError(t, th.Send("@async second", SendOptions{}))
	assert.Equal(t, 1, th.PendingCount())
	assert.Equal(t, 1, p.requestCount(), "queued message must not interrupt the turn")

	close(hold)

	waitRequests(t, p, 2)
	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn && th.PendingCount() == 0
	})

	second := p.request(1)
	lastMsg := second.Messages[len(second.Messages)-1]
	assert.Equal(t, message.RoleUser, lastMsg.Role)
	assert.Equal(t, "second", lastMsg.Text())
}

func TestThread_SendWhileBusyCancelsAndRestarts(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	p := &fakeProvider{turns: []fakeTurn{
		{events: textEvents("working"), stop: endTurnStop(), hold: hold},
		{events: textEvents("new answer"), stop: endTurnStop()},
	}}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.Send("first", SendOptions{}))
	waitState(t, th, func(s State) bool { return s.Kind == KindInFlight })

	require.NoError(t, th.Send("actually, this instead", SendOptions{}))

	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})
	require.Equal(t, 2, p.requestCount())

	// The cancelled turn stays in history marked aborted.
	hist := th.History()
	var abortedSeen bool
	for _, m := range hist {
		if m.Role == message.RoleAssistant && m.Stop != nil && m.Stop.Reason == message.StopAborted {
			abortedSeen = true
		}
	}
	assert.True(t, abortedSeen)
	assert.Equal(t, "new answer", hist[len(hist)-1].Text())
}

func TestThread_ProviderErrorEvictsPair(t *testing.T) {
	p := &fakeProvider{turns: []fakeTurn{
		{err: fmt.Errorf("upstream 529")},
		{events: textEvents("recovered"), stop: endTurnStop()},
	}}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.Send("important question", SendOptions{}))

	st := waitState(t, th, func(s State) bool { return s.Kind == KindError })
	assert.Error(t, st.Err)
	assert.Equal(t, "important question", st.RecoveredInput)
	assert.Empty(t, th.History(), "failed pair must be evicted")

	// The recovered input can be resubmitted as-is.
	require.NoError(t, th.Send(st.RecoveredInput, SendOptions{}))
	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})
}

func TestThread_ContinuationErrorKeepsResultsOnWire(t *testing.T) {
	p := &fakeProvider{turns: []fakeTurn{
		{events: toolUseEvents(0, "tu-1", "lookup", `{"key":"alpha"}`), stop: toolUseStop()},
		{err: fmt.Errorf("upstream 529")},
		{events: textEvents("carried on"), stop: endTurnStop()},
	}}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.Send("fetch alpha", SendOptions{}))

	// The auto-respond continuation fails; the evicted user message held
	// tool results rather than typed text, so there is nothing to
	// resurface.
	st := waitState(t, th, func(s State) bool { return s.Kind == KindError })
	assert.Error(t, st.Err)
	assert.Empty(t, st.RecoveredInput)

	hist := th.History()
	require.Len(t, hist, 2, "only the continuation pair is evicted")
	assert.Equal(t, message.RoleUser, hist[0].Role)
	assert.Equal(t, message.RoleAssistant, hist[1].Role)

	// A later send re-synthesizes the answered tool_use on the wire.
	require.NoError(t, th.Send("carry on without it", SendOptions{}))
	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})
	require.Equal(t, 3, p.requestCount())

	third := p.request(2)
	var result *message.ToolResult
	for _, m := range third.Messages {
		for _, b := range m.Content {
			if b.Type == message.BlockToolResult && b.Result.RequestID == "tu-1" {
				result = b.Result
			}
		}
	}
	require.NotNil(t, result, "resolved tool_use must carry its result on resubmission")
	assert.Equal(t, "value-for-alpha", result.Content)
	assert.False(t, result.IsError)
}

func TestThread_ApprovalGateNotifiesAndResumes(t *testing.T) {
	events := toolUseEvents(0, "tu-d", "deploy", `{}`)

	p := &fakeProvider{turns: []fakeTurn{
		{events: events, stop: toolUseStop()},
		{events: textEvents("deployment confirmed"), stop: endTurnStop()},
	}}

	sink := notify.NewChannelSink(64)
	th := newTestThread(t, p, func(cfg *Config) { cfg.Notifier = sink })

	require.NoError(t, th.Send("ship it", SendOptions{}))

	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopToolUse
	})

	// The gated tool must raise needs-attention instead of auto-responding.
	deadline := time.After(2 * time.Second)
	attention := false
	for !attention {
		select {
		case ev := <-sink.Events():
			if ev.Type == notify.EventNeedsAttention {
				attention = true
			}
		case <-deadline:
			t.Fatal("needs-attention event never published")
		}
	}
	assert.Equal(t, 1, p.requestCount())

	require.NoError(t, th.Resolve("tu-d", tool.Approval{Approved: true}))

	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})
	require.Equal(t, 2, p.requestCount())

	second := p.request(1)
	var result *message.ToolResult
	for _, m := range second.Messages {
		for _, b := range m.Content {
			if b.Type == message.BlockToolResult && b.Result.RequestID == "tu-d" {
				result = b.Result
			}
		}
	}
	require.NotNil(t, result)
	assert.Equal(t, "deployed", result.Content)
	assert.False(t, result.IsError)
}

func TestThread_ContextUpdatesPrependToOutbound(t *testing.T) {
	p := &fakeProvider{turns: []fakeTurn{
		{events: textEvents("noted"), stop: endTurnStop()},
	}}
	th := newTestThread(t, p, func(cfg *Config) {
		cfg.Context = staticContext{message.Block{Type: message.BlockText, Text: "<file:AGENTS.md>"}}
	})

	require.NoError(t, th.Send("hello", SendOptions{}))
	waitState(t, th, func(s State) bool {
		return s.Kind == KindStopped && s.StopReason == message.StopEndTurn
	})

	first := p.request(0)
	require.Len(t, first.Messages, 1)
	require.Len(t, first.Messages[0].Content, 2)
	assert.Equal(t, "<file:AGENTS.md>", first.Messages[0].Content[0].Text)
	assert.Equal(t, "hello", first.Messages[0].Content[1].Text)
}

type staticContext []message.Block

func (s staticContext) ContextUpdate() []message.Block { return []message.Block(s) }

func TestThread_MarkCompactingRejectsInFlight(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	p := &fakeProvider{turns: []fakeTurn{
		{events: textEvents("working"), stop: endTurnStop(), hold: hold},
	}}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.Send("first", SendOptions{}))
	waitState(t, th, func(s State) bool { return s.Kind == KindInFlight })

	assert.Error(t, th.MarkCompacting())
}

func TestThread_MarkCompactingWhenIdle(t *testing.T) {
	p := &fakeProvider{}
	th := newTestThread(t, p, nil)

	require.NoError(t, th.MarkCompacting())
	assert.Equal(t, KindCompacting, th.State().Kind)
}
