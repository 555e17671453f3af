package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/threadwell/loom/internal/observability"
	"github.com/threadwell/loom/internal/tracing"
	"github.com/threadwell/loom/pkg/message"
	"github.com/threadwell/loom/pkg/notify"
	"github.com/threadwell/loom/pkg/provider"
	"github.com/threadwell/loom/pkg/tool"
)

// AsyncPrefix marks user input that should queue behind the current
// turn instead of cancelling it.
const AsyncPrefix = "@async"

var (
	// ErrYielded rejects sends to a thread that already yielded
	ErrYielded = errors.New("thread has yielded")
	// ErrClosed rejects operations on a closed thread
	ErrClosed = errors.New("thread is closed")
)

// ContextSource supplies context-file updates to prepend to the next
// outbound message. Implementations return only what changed since the
// previous call.
type ContextSource interface {
	ContextUpdate() []message.Block
}

// FactoryBuilder builds the thread's tool factory around the thread's
// own completion callback, so every created tool reports back into the
// dispatch loop.
type FactoryBuilder func(onDone func(requestID string)) tool.Factory

// Profile carries the model parameters a thread converses with.
// Subagents inherit their parent's profile with a restricted tool
// allow-list.
type Profile struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	AllowedTools []string
}

// Config holds thread configuration
type Config struct {
	ID       int64
	Profile  Profile
	Provider provider.Provider
	Registry *tool.Registry
	// Tools overrides the default registry-backed factory. Used to
	// route orchestration tools (spawn/wait/yield) to their owners.
	Tools    FactoryBuilder
	Context  ContextSource
	Notifier notify.Sink
	Logger   zerolog.Logger
	// YieldToolName, when non-empty, marks this thread as a subagent:
	// resolving the named tool moves the thread to yielded instead of
	// auto-responding.
	YieldToolName string
	// OnTerminal fires once per terminal transition (yielded, fatal
	// error, aborted stop). Invoked from the dispatch loop; receivers
	// must not call back synchronously into blocking thread methods.
	OnTerminal func(id int64, st State)
}

// Thread is one model conversation: it owns its message history, its
// tool manager, and the single in-flight provider request. All state
// transitions run on a dedicated dispatch loop fed by an explicit task
// queue; the provider stream, tool completions, and cross-thread
// notifications post onto it and never mutate state directly.
type Thread struct {
	id       int64
	profile  Profile
	prov     provider.Provider
	registry *tool.Registry
	mgr      *tool.Manager
	ctxSrc   ContextSource
	notifier notify.Sink
	logger   zerolog.Logger

	yieldTool  string
	onTerminal func(int64, State)

	ops       chan func()
	closed    chan struct{}
	closeOnce sync.Once

	// snapshot mirrors loop-owned state for lock-free cross-thread reads
	snapshot   State
	snapshotMu sync.RWMutex

	// Everything below is owned by the dispatch loop.
	state    State
	history  []message.Message
	pending  []string
	handle   provider.Handle
	turnSeq  int
	turnSpan trace.Span
	turnStart time.Time

	// per-turn stream assembly
	blockKinds map[int]message.BlockType
	blockPos   map[int]int
	inputBufs  map[int]*strings.Builder

	autoFiredFor     string
	attentionFor     string
	terminalNotified bool
}

// New creates a thread and starts its dispatch loop
func New(cfg Config) (*Thread, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NopSink{}
	}

	t := &Thread{
		id:         cfg.ID,
		profile:    cfg.Profile,
		prov:       cfg.Provider,
		registry:   cfg.Registry,
		ctxSrc:     cfg.Context,
		notifier:   cfg.Notifier,
		logger:     cfg.Logger.With().Int64("thread_id", cfg.ID).Logger(),
		yieldTool:  cfg.YieldToolName,
		onTerminal: cfg.OnTerminal,
		ops:        make(chan func(), 256),
		closed:     make(chan struct{}),
		state:      Idle(),
		snapshot:   Idle(),
	}

	build := cfg.Tools
	if build == nil {
		build = func(onDone func(string)) tool.Factory {
			return cfg.Registry.Factory(tool.ExecOptions{Logger: t.logger, OnDone: onDone})
		}
	}

	mgr, err := tool.NewManager(tool.ManagerConfig{
		Factory: build(t.onToolDone),
		Logger:  t.logger,
	})
	if err != nil {
		return nil, err
	}
	t.mgr = mgr

	go t.loop()
	return t, nil
}

// ID returns the thread id
func (t *Thread) ID() int64 { return t.id }

// Profile returns the thread's model profile
func (t *Thread) Profile() Profile { return t.profile }

// State returns the current conversation state. Safe to call from any
// goroutine, including other threads' dispatch loops.
func (t *Thread) State() State {
	t.snapshotMu.RLock()
	defer t.snapshotMu.RUnlock()
	return t.snapshot
}

// History returns a copy of the message history
func (t *Thread) History() []message.Message {
	var out []message.Message
	t.do(func() {
		out = make([]message.Message, len(t.history))
		copy(out, t.history)
	})
	return out
}

// PendingCount returns the number of queued messages
func (t *Thread) PendingCount() int {
	n := 0
	t.do(func() { n = len(t.pending) })
	return n
}

// Manager exposes the thread's tool manager
func (t *Thread) Manager() *tool.Manager { return t.mgr }

// SendOptions controls how Send treats a busy thread
type SendOptions struct {
	// Queue defers the message until the thread is idle instead of
	// cancelling the outstanding turn.
	Queue bool
}

// Send submits user input. While the thread is busy the message either
// queues (explicit opt-in via options or the @async prefix) or cancels
// the outstanding work and restarts with the new input.
func (t *Thread) Send(text string, opts SendOptions) error {
	err := ErrClosed
	t.do(func() {
		err = nil
		if t.state.Kind == KindYielded {
			err = ErrYielded
			return
		}

		queue := opts.Queue
		if strings.HasPrefix(text, AsyncPrefix) {
			queue = true
			text = strings.TrimSpace(strings.TrimPrefix(text, AsyncPrefix))
		}

		if t.busy() {
			if queue {
				t.pending = append(t.pending, text)
				t.logger.Debug().Int("queued", len(t.pending)).Msg("Message queued behind busy thread")
				return
			}
			t.abortLocked()
		}

		blocks := t.contextBlocks()
		blocks = append(blocks, message.Block{Type: message.BlockText, Text: text})
		t.startTurn([]message.Message{message.NewUser(blocks...)})
	})
	return err
}

// Abort cancels the in-flight request if any, aborts every non-done
// tool attached to the last message, drops unresolved server tool use,
// and force-transitions to stopped{aborted} with sentinel usage. Safe
// to call in any state, any number of times.
func (t *Thread) Abort() {
	t.do(func() { t.abortLocked() })
}

// Poke delivers data to every non-done tool on the last assistant
// message and re-runs the auto-respond check. Level-triggered tools
// (subagent waits) flip to done inside Update. Never blocks the caller
// on this thread's loop.
func (t *Thread) Poke(data interface{}) {
	t.post(func() {
		if last := t.lastAssistant(); last != nil {
			t.mgr.UpdateMessage(last, data)
		}
		t.autoRespondCheck()
	})
}

// Resolve delivers an approval decision to a specific pending tool
func (t *Thread) Resolve(requestID string, approval tool.Approval) error {
	tl, ok := t.mgr.Get(requestID)
	if !ok {
		return fmt.Errorf("unknown tool request: %s", requestID)
	}
	tl.Update(approval)
	return nil
}

// MarkCompacting parks the thread while a compacted replacement is
// constructed. Fails when a request is outstanding.
func (t *Thread) MarkCompacting() error {
	err := ErrClosed
	t.do(func() {
		if t.state.Kind == KindInFlight {
			err = fmt.Errorf("cannot compact while a request is in flight")
			return
		}
		err = nil
		t.setState(State{Kind: KindCompacting})
	})
	return err
}

// Close stops the dispatch loop. The thread is unusable afterwards.
func (t *Thread) Close() {
	t.closeOnce.Do(func() { close(t.closed) })
}

// ---- dispatch loop ----

func (t *Thread) loop() {
	for {
		select {
		case fn := <-t.ops:
			fn()
		case <-t.closed:
			return
		}
	}
}

// post schedules fn on the dispatch loop without waiting
func (t *Thread) post(fn func()) {
	select {
	case t.ops <- fn:
	case <-t.closed:
	}
}

// do schedules fn and waits for it to run
func (t *Thread) do(fn func()) {
	done := make(chan struct{})
	select {
	case t.ops <- func() { fn(); close(done) }:
	case <-t.closed:
		return
	}
	select {
	case <-done:
	case <-t.closed:
	}
}

// ---- turn lifecycle (loop-owned) ----

// busy reports whether new input must queue or cancel-and-restart:
// a request in flight, a compaction, or a tool_use stop still waiting
// on blocking tools.
func (t *Thread) busy() bool {
	if t.state.Busy() {
		return true
	}
	if t.state.Kind == KindStopped && t.state.StopReason == message.StopToolUse {
		if last := t.lastAssistant(); last != nil {
			return !t.mgr.AllDone(last)
		}
	}
	return false
}

// startTurn appends the outbound messages plus a trailing assistant
// accumulator and dispatches the provider request. At most one request
// is ever outstanding: callers reach here only from idle or directly
// after aborting the previous turn.
func (t *Thread) startTurn(userMsgs []message.Message) {
	t.turnSeq++
	seq := t.turnSeq

	t.history = append(t.history, userMsgs...)
	t.history = append(t.history, message.New(message.RoleAssistant))

	t.blockKinds = make(map[int]message.BlockType)
	t.blockPos = make(map[int]int)
	t.inputBufs = make(map[int]*strings.Builder)
	t.autoFiredFor = ""
	t.attentionFor = ""
	t.terminalNotified = false
	t.turnStart = time.Now()

	ctx := tracing.WithThreadID(tracing.NewRequestContext(context.Background()), t.id)
	ctx, span := tracing.StartSpan(
		ctx,
		"loom.thread",
		"thread.turn",
		attribute.Int64("thread_id", t.id),
		attribute.String("model", t.profile.Model),
	)
	t.turnSpan = span

	wire := message.ExpandToolResults(t.history[:len(t.history)-1], t.mgr.Lookup())
	req := provider.Request{
		Model:       t.profile.Model,
		System:      t.profile.SystemPrompt,
		Messages:    wire,
		Tools:       t.registry.Specs(t.profile.AllowedTools),
		MaxTokens:   t.profile.MaxTokens,
		Temperature: t.profile.Temperature,
	}

	handle, err := t.prov.SendMessage(ctx, req, func(ev provider.StreamEvent) {
		t.post(func() { t.onStreamEvent(seq, ev) })
	})
	if err != nil {
		t.logger.Error().Err(err).Msg("Provider request failed to dispatch")
		t.failTurn(err)
		return
	}

	t.handle = handle
	t.setState(State{Kind: KindInFlight, SendDate: t.turnStart})

	go func() {
		stop, werr := handle.Wait()
		t.post(func() { t.onTurnEnd(seq, stop, werr) })
	}()
}

func (t *Thread) onStreamEvent(seq int, ev provider.StreamEvent) {
	if seq != t.turnSeq {
		return // stale stream from a cancelled turn
	}
	last := t.lastAssistant()
	if last == nil {
		return
	}

	switch ev.Type {
	case provider.EventBlockStart:
		if ev.Block == nil {
			return
		}
		t.blockKinds[ev.Index] = ev.Block.Type
		switch ev.Block.Type {
		case message.BlockText:
			if ev.Block.Text != "" {
				last.AppendText(ev.Block.Text)
			}
		case message.BlockThinking:
			if ev.Block.Text != "" {
				last.AppendThinking(ev.Block.Text)
			}
		case message.BlockToolUse, message.BlockServerToolUse:
			last.AppendBlock(*ev.Block)
			t.blockPos[ev.Index] = len(last.Content) - 1
			t.inputBufs[ev.Index] = &strings.Builder{}
		}

	case provider.EventBlockDelta:
		switch t.blockKinds[ev.Index] {
		case message.BlockThinking:
			last.AppendThinking(ev.TextDelta)
		case message.BlockToolUse, message.BlockServerToolUse:
			if buf, ok := t.inputBufs[ev.Index]; ok && ev.InputDelta != "" {
				buf.WriteString(ev.InputDelta)
			}
		default:
			if ev.TextDelta != "" {
				last.AppendText(ev.TextDelta)
			}
		}
		t.notifier.Publish(notify.Event{Type: notify.EventMessageUpdated, ThreadID: t.id})

	case provider.EventBlockStop:
		t.finishBlock(ev.Index, last)
	}
}

// finishBlock finalizes a streamed tool_use block: parse the
// accumulated input JSON, validate it, and create the tool. Any failure
// converts the block into a malformed request, which never blocks
// auto-respond.
func (t *Thread) finishBlock(index int, last *message.Message) {
	kind := t.blockKinds[index]
	if kind != message.BlockToolUse && kind != message.BlockServerToolUse {
		return
	}
	pos, ok := t.blockPos[index]
	if !ok || pos >= len(last.Content) {
		return
	}
	buf := t.inputBufs[index]
	delete(t.inputBufs, index)

	raw := "{}"
	if buf != nil && buf.Len() > 0 {
		raw = buf.String()
	}

	block := &last.Content[pos]
	if block.Request == nil {
		return
	}

	input := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		t.markMalformed(block, raw, fmt.Sprintf("invalid input JSON: %v", err))
		return
	}
	block.Request.Input = input

	if kind == message.BlockServerToolUse {
		return // executed provider-side; nothing to run locally
	}

	if _, err := t.mgr.Create(*block.Request); err != nil {
		t.markMalformed(block, raw, err.Error())
		return
	}

	t.notifier.Publish(notify.Event{
		Type:     notify.EventToolState,
		ThreadID: t.id,
		Data:     map[string]interface{}{"tool": block.Request.ToolName, "request_id": block.Request.ID},
	})
}

func (t *Thread) markMalformed(block *message.Block, raw, reason string) {
	t.logger.Warn().Str("reason", reason).Msg("Malformed tool request")
	id := ""
	name := ""
	if block.Request != nil {
		id = block.Request.ID
		name = block.Request.ToolName
	}
	block.Malformed = &message.MalformedRequest{
		ID:     id,
		Raw:    fmt.Sprintf("%s %s", name, raw),
		Reason: reason,
	}
	block.Request = nil
}

func (t *Thread) onTurnEnd(seq int, stop message.StopInfo, err error) {
	if seq != t.turnSeq {
		return // superseded by abort or restart
	}
	t.handle = nil

	if err != nil {
		t.failTurn(err)
		return
	}

	if t.turnSpan != nil {
		t.turnSpan.End()
		t.turnSpan = nil
	}
	observability.RecordTurn(t.prov.Name(), string(stop.Reason), time.Since(t.turnStart))

	if stop.Reason == message.StopAborted {
		// Provider-side abort without a local Abort call.
		t.abortLocked()
		return
	}

	if last := t.lastAssistant(); last != nil {
		s := stop
		last.Stop = &s
	}
	t.setState(State{Kind: KindStopped, StopReason: stop.Reason, Usage: stop.Usage})
	t.logger.Debug().Str("stop_reason", string(stop.Reason)).Msg("Turn stopped")

	switch stop.Reason {
	case message.StopToolUse:
		t.autoRespondCheck()
	case message.StopEndTurn:
		t.flushPending()
	}
}

// failTurn evicts the unanswered user/assistant pair so a half-completed
// turn cannot corrupt later requests, and resurfaces the user's raw text
// for resubmission.
func (t *Thread) failTurn(err error) {
	if t.turnSpan != nil {
		t.turnSpan.RecordError(err)
		t.turnSpan.SetStatus(codes.Error, err.Error())
		t.turnSpan.End()
		t.turnSpan = nil
	}

	// When the failed turn was an auto-respond continuation, the evicted
	// user message carries tool results rather than typed text, so
	// nothing is recovered here; the wire zipper re-synthesizes those
	// results from the tool manager on the next request.
	recovered := ""
	n := len(t.history)
	if n >= 2 &&
		t.history[n-1].Role == message.RoleAssistant &&
		t.history[n-2].Role == message.RoleUser {
		recovered = t.history[n-2].Text()
		t.history = t.history[:n-2]
	}

	t.logger.Error().Err(err).Msg("Turn failed; evicted unanswered pair")
	t.setState(State{Kind: KindError, Err: err, RecoveredInput: recovered})
	t.notifyTerminalOnce()
}

func (t *Thread) abortLocked() {
	if t.state.Kind == KindYielded {
		return
	}

	// Aborting a thread that has never run is a no-op: nothing to
	// cancel, no terminal transition to report.
	if t.state.Kind == KindStopped && t.state.StopReason == "" && len(t.history) == 0 {
		return
	}

	t.turnSeq++ // invalidate callbacks from the cancelled turn
	if t.handle != nil {
		t.handle.Abort()
		t.handle = nil
	}
	if t.turnSpan != nil {
		t.turnSpan.End()
		t.turnSpan = nil
	}

	if last := t.lastAssistant(); last != nil {
		t.mgr.AbortMessage(last)
		last.DropUnresolvedServerToolUse()
		last.Stop = &message.StopInfo{Reason: message.StopAborted, Usage: message.SentinelUsage()}
	}

	// Aborts never escalate as errors and never trip needs-attention.
	t.setState(State{Kind: KindStopped, StopReason: message.StopAborted, Usage: message.SentinelUsage()})
	observability.RecordAbortAudit(context.Background(), fmt.Sprintf("thread-%d", t.id), nil)
	t.logger.Info().Msg("Thread aborted")
	t.notifyTerminalOnce()
}

// autoRespondCheck scans the last assistant message's blocks in original
// order and re-invokes the provider once every blocking tool is done.
// Resolving the parent-yield tool transitions to yielded instead.
func (t *Thread) autoRespondCheck() {
	if t.state.Kind != KindStopped || t.state.StopReason != message.StopToolUse {
		return
	}
	last := t.lastAssistant()
	if last == nil {
		return
	}

	resolved := 0
	malformedWithID := 0
	var malformedPlain []message.MalformedRequest
	for _, b := range last.Content {
		switch {
		case b.IsResolvedToolUse():
			resolved++
		case b.Type == message.BlockToolUse && b.Malformed != nil:
			if b.Malformed.ID != "" {
				malformedWithID++
			} else {
				malformedPlain = append(malformedPlain, *b.Malformed)
			}
		}
	}
	if resolved+malformedWithID+len(malformedPlain) == 0 {
		return
	}

	if resolved > 0 && !t.mgr.AllDone(last) {
		if t.attentionFor != last.ID && t.mgr.HasPendingUserAction(last) {
			t.attentionFor = last.ID
			t.notifier.Publish(notify.Event{Type: notify.EventNeedsAttention, ThreadID: t.id})
		}
		return
	}

	if t.yieldTool != "" {
		for _, b := range last.Content {
			if b.IsResolvedToolUse() && b.Request.ToolName == t.yieldTool {
				tl, ok := t.mgr.Get(b.Request.ID)
				if !ok {
					continue
				}
				observability.RecordYield()
				t.setState(State{Kind: KindYielded, Response: tl.Result().Content})
				t.logger.Info().Msg("Thread yielded to parent")
				t.notifyTerminalOnce()
				return
			}
		}
	}

	if t.autoFiredFor == last.ID {
		return
	}
	t.autoFiredFor = last.ID

	// One synthetic user message per tool_result, in original request
	// order, so the serialized history keeps request/response adjacency.
	// Malformed requests carrying an id get their error result from the
	// wire serializer; malformed requests without an id are surfaced as
	// plain text so the model still gets a response to correct against.
	msgs := make([]message.Message, 0, resolved+1)
	for _, res := range t.mgr.Results(last) {
		msgs = append(msgs, message.NewToolResultMessage(res))
	}

	extra := t.contextBlocks()
	for _, mal := range malformedPlain {
		extra = append(extra, message.Block{
			Type: message.BlockText,
			Text: fmt.Sprintf("Your tool call could not be parsed: %s", mal.Reason),
		})
	}
	for _, q := range t.drainPending() {
		extra = append(extra, message.Block{Type: message.BlockText, Text: q})
	}
	if len(extra) > 0 {
		msgs = append(msgs, message.NewUser(extra...))
	}

	t.logger.Debug().Int("tool_results", resolved).Msg("Auto-responding with tool results")
	t.startTurn(msgs)
}

// flushPending resumes with queued messages once the thread goes idle
func (t *Thread) flushPending() {
	queued := t.drainPending()
	if len(queued) == 0 {
		return
	}

	blocks := t.contextBlocks()
	for _, q := range queued {
		blocks = append(blocks, message.Block{Type: message.BlockText, Text: q})
	}
	t.logger.Debug().Int("messages", len(queued)).Msg("Resuming with queued messages")
	t.startTurn([]message.Message{message.NewUser(blocks...)})
}

func (t *Thread) drainPending() []string {
	queued := t.pending
	t.pending = nil
	return queued
}

func (t *Thread) contextBlocks() []message.Block {
	if t.ctxSrc == nil {
		return nil
	}
	return t.ctxSrc.ContextUpdate()
}

func (t *Thread) lastAssistant() *message.Message {
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].Role == message.RoleAssistant {
			return &t.history[i]
		}
	}
	return nil
}

func (t *Thread) onToolDone(requestID string) {
	t.post(func() {
		t.notifier.Publish(notify.Event{
			Type:     notify.EventToolState,
			ThreadID: t.id,
			Data:     map[string]interface{}{"request_id": requestID, "done": true},
		})
		t.autoRespondCheck()
	})
}

func (t *Thread) setState(st State) {
	t.state = st

	t.snapshotMu.Lock()
	t.snapshot = st
	t.snapshotMu.Unlock()

	t.notifier.Publish(notify.Event{
		Type:     notify.EventThreadState,
		ThreadID: t.id,
		Data:     map[string]interface{}{"kind": string(st.Kind), "stop_reason": string(st.StopReason)},
	})
}

// notifyTerminalOnce reports a terminal transition to the owner exactly
// once per turn. A later Send resets the guard along with the turn.
func (t *Thread) notifyTerminalOnce() {
	if t.terminalNotified || !t.state.Terminal() {
		return
	}
	t.terminalNotified = true
	if t.onTerminal != nil {
		st := t.state
		t.onTerminal(t.id, st)
	}
}
