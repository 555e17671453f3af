package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/threadwell/loom/internal/observability"
	"github.com/threadwell/loom/pkg/commandqueue"
	"github.com/threadwell/loom/pkg/message"
	"github.com/threadwell/loom/pkg/notify"
	"github.com/threadwell/loom/pkg/provider"
	"github.com/threadwell/loom/pkg/thread"
	"github.com/threadwell/loom/pkg/tool"
)

var (
	// ErrThreadNotFound is returned for unknown thread ids
	ErrThreadNotFound = errors.New("thread not found")
	// ErrNotInitialized is returned when the wrapper has no live thread
	ErrNotInitialized = errors.New("thread not initialized")
)

// WrapperState is the registry-level lifecycle of a thread slot
type WrapperState string

const (
	// WrapperPending means the id is reserved but the thread is still
	// being constructed.
	WrapperPending WrapperState = "pending"
	// WrapperInitialized means the thread is live
	WrapperInitialized WrapperState = "initialized"
	// WrapperError means construction failed; the id is burned
	WrapperError WrapperState = "error"
)

// Wrapper is one registry slot. ParentID is set at creation and never
// reassigned.
type Wrapper struct {
	ID        int64
	State     WrapperState
	Thread    *thread.Thread
	ParentID  *int64
	Err       error
	CreatedAt time.Time

	// retiredAt marks when the thread reached a terminal state or was
	// replaced by compaction. The janitor prunes retired wrappers past
	// the retention window.
	retiredAt time.Time
}

// Archiver persists a finished thread's transcript. Write-only: the
// registry never reads archived history back.
type Archiver interface {
	Archive(threadID int64, parentID *int64, state string, history []message.Message) error
}

// Config holds chat registry configuration
type Config struct {
	// Profile is the default model profile for Create
	Profile  thread.Profile
	Provider provider.Provider
	Registry *tool.Registry
	// Queue carries spawn admission; a private queue is created when nil
	Queue    *commandqueue.CommandQueue
	Notifier notify.Sink
	// Archiver receives terminal transcripts; nil disables archiving
	Archiver Archiver
	// SpawnConcurrency caps concurrently constructing children per
	// parent; spawns beyond the cap queue FIFO. Defaults to 3.
	SpawnConcurrency int
	// Retention is how long terminal wrappers stay in the registry
	// before the janitor prunes them. Defaults to 1 hour.
	Retention time.Duration
	// JanitorSchedule is a cron spec for the prune job. Defaults to
	// "@every 1m". Empty after defaulting disables the janitor.
	JanitorSchedule string
	Logger          zerolog.Logger
}

// Chat is the registry of all threads: a flat id→wrapper map plus the
// parent/child tree implied by ParentID pointers. All mutation entry
// points (Create, Select, Compact, Spawn) go through it.
type Chat struct {
	cfg      Config
	provider provider.Provider
	registry *tool.Registry
	queue    *commandqueue.CommandQueue
	ownQueue bool
	notifier notify.Sink
	archiver Archiver
	logger   zerolog.Logger
	seq      *Sequence

	mu         sync.RWMutex
	wrappers   map[int64]*Wrapper
	active     int64
	hasActive  bool
	spawnLanes map[int64]bool

	janitor *janitor
}

// New creates a chat registry
func New(cfg Config) (*Chat, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NopSink{}
	}
	if cfg.SpawnConcurrency <= 0 {
		cfg.SpawnConcurrency = 3
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.JanitorSchedule == "" {
		cfg.JanitorSchedule = "@every 1m"
	}

	queue := cfg.Queue
	ownQueue := false
	if queue == nil {
		queue = commandqueue.New()
		ownQueue = true
	}

	c := &Chat{
		cfg:        cfg,
		provider:   cfg.Provider,
		registry:   cfg.Registry,
		queue:      queue,
		ownQueue:   ownQueue,
		notifier:   cfg.Notifier,
		archiver:   cfg.Archiver,
		logger:     cfg.Logger,
		seq:        NewSequence(0),
		wrappers:   make(map[int64]*Wrapper),
		spawnLanes: make(map[int64]bool),
	}

	if err := c.registerOrchestrationTools(); err != nil {
		return nil, err
	}

	j, err := newJanitor(c, cfg.JanitorSchedule, cfg.Retention, cfg.Logger)
	if err != nil {
		return nil, err
	}
	c.janitor = j

	return c, nil
}

// Start launches the background janitor
func (c *Chat) Start() {
	c.janitor.Start()
}

// Close stops the janitor and every live thread
func (c *Chat) Close() {
	c.janitor.Stop()

	c.mu.Lock()
	for _, w := range c.wrappers {
		if w.Thread != nil {
			w.Thread.Close()
		}
	}
	c.mu.Unlock()

	if c.ownQueue {
		c.queue.Close()
	}
}

// Create builds a new top-level thread with the default profile and
// returns its id. The id is reserved before construction, so a failed
// build burns it.
func (c *Chat) Create(ctxSource thread.ContextSource) (int64, error) {
	return c.createThread(c.cfg.Profile, nil, ctxSource, "")
}

// CreateWithProfile builds a new top-level thread with an explicit profile
func (c *Chat) CreateWithProfile(profile thread.Profile, ctxSource thread.ContextSource) (int64, error) {
	return c.createThread(profile, nil, ctxSource, "")
}

// Get returns the wrapper for a thread id
func (c *Chat) Get(id int64) (*Wrapper, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.wrappers[id]
	return w, ok
}

// Thread returns the live thread for an id
func (c *Chat) Thread(id int64) (*thread.Thread, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.wrappers[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	if w.State != WrapperInitialized || w.Thread == nil {
		return nil, ErrNotInitialized
	}
	return w.Thread, nil
}

// Select makes the given thread the active one
func (c *Chat) Select(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.wrappers[id]; !ok {
		return ErrThreadNotFound
	}
	c.active = id
	c.hasActive = true
	return nil
}

// Active returns the currently selected thread id
func (c *Chat) Active() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.hasActive
}

// Count returns the number of registered wrappers
func (c *Chat) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.wrappers)
}

// Children returns ids of live children of the given parent
func (c *Chat) Children(parentID int64) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []int64
	for id, w := range c.wrappers {
		if w.ParentID != nil && *w.ParentID == parentID {
			out = append(out, id)
		}
	}
	return out
}

// CompactOptions selects what seeds the replacement thread
type CompactOptions struct {
	// InitialMessage opens the new thread's history
	InitialMessage string
	// Context replaces the old thread's context source; nil carries
	// nothing over.
	Context thread.ContextSource
}

// Compact retires a thread and seeds a fresh one with the same profile,
// a chosen context subset, and an initial message. Prior history is
// discarded from live state (the archiver keeps it). Fails while a
// request is in flight.
func (c *Chat) Compact(id int64, opts CompactOptions) (int64, error) {
	c.mu.RLock()
	w, ok := c.wrappers[id]
	c.mu.RUnlock()
	if !ok {
		return 0, ErrThreadNotFound
	}
	if w.State != WrapperInitialized || w.Thread == nil {
		return 0, ErrNotInitialized
	}

	if err := w.Thread.MarkCompacting(); err != nil {
		return 0, err
	}

	c.archive(w, "compacted")

	newID, err := c.createThread(w.Thread.Profile(), w.ParentID, opts.Context, opts.InitialMessage)
	if err != nil {
		return 0, err
	}

	old := w.Thread
	c.mu.Lock()
	w.retiredAt = time.Now()
	if c.hasActive && c.active == id {
		c.active = newID
	}
	c.mu.Unlock()
	old.Close()

	c.logger.Info().Int64("from", id).Int64("to", newID).Msg("Thread compacted")
	return newID, nil
}

// SpawnParams describes a subagent to create on behalf of a parent
type SpawnParams struct {
	Prompt       string
	SystemPrompt string
	// AllowedTools restricts the child's tool surface; the yield tool
	// is always injected.
	AllowedTools []string
	Context      thread.ContextSource
}

// Spawn creates a child thread for a parent, subject to the per-parent
// admission lane: at most SpawnConcurrency children construct at once,
// the rest queue FIFO. Blocks until the child is created or creation
// fails; the spawn tool calls it from its own goroutine.
func (c *Chat) Spawn(ctx context.Context, parentID int64, params SpawnParams) (int64, error) {
	c.mu.RLock()
	parent, ok := c.wrappers[parentID]
	c.mu.RUnlock()
	if !ok {
		return 0, ErrThreadNotFound
	}
	if parent.State != WrapperInitialized || parent.Thread == nil {
		return 0, ErrNotInitialized
	}

	lane := c.spawnLane(parentID)

	v, err := c.queue.EnqueueWithContext(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
		if taskCtx.Err() != nil {
			return nil, taskCtx.Err()
		}
		return c.spawnChild(parent, params)
	}, nil)
	actor := fmt.Sprintf("thread-%d", parentID)
	if err != nil {
		observability.RecordSpawn("failure")
		observability.RecordSpawnAudit(ctx, actor, "failure", map[string]interface{}{"error": err.Error()})
		return 0, err
	}

	id := v.(int64)
	observability.RecordSpawn("success")
	observability.RecordSpawnAudit(ctx, actor, "success", map[string]interface{}{"child_id": id})
	c.notifier.Publish(notify.Event{
		Type:     notify.EventSpawnResolved,
		ThreadID: parentID,
		Data:     map[string]interface{}{"child_id": id},
	})
	return id, nil
}

// spawnChild builds the child thread inside the admission lane
func (c *Chat) spawnChild(parent *Wrapper, params SpawnParams) (int64, error) {
	profile := parent.Thread.Profile()
	if params.SystemPrompt != "" {
		profile.SystemPrompt = params.SystemPrompt
	}
	profile.AllowedTools = withYield(params.AllowedTools)

	parentID := parent.ID
	return c.createThread(profile, &parentID, params.Context, params.Prompt)
}

// withYield injects the yield tool into a child allow-list. A nil
// allow-list would expose every tool, so a child always gets an
// explicit list.
func withYield(allowed []string) []string {
	out := make([]string, 0, len(allowed)+1)
	for _, name := range allowed {
		if name == ToolYield {
			continue
		}
		out = append(out, name)
	}
	return append(out, ToolYield)
}

// spawnLane returns the admission lane for a parent, configuring its
// concurrency cap on first use.
func (c *Chat) spawnLane(parentID int64) string {
	lane := fmt.Sprintf("spawn-%d", parentID)

	c.mu.Lock()
	ready := c.spawnLanes[parentID]
	c.spawnLanes[parentID] = true
	c.mu.Unlock()

	if !ready {
		c.queue.SetConcurrency(lane, c.cfg.SpawnConcurrency)
	}
	return lane
}

// createThread reserves an id, registers a pending wrapper, builds the
// thread, and sends the initial message when one is given.
func (c *Chat) createThread(profile thread.Profile, parentID *int64, ctxSource thread.ContextSource, initial string) (int64, error) {
	id := c.seq.Next()

	w := &Wrapper{
		ID:        id,
		State:     WrapperPending,
		ParentID:  parentID,
		CreatedAt: time.Now(),
	}
	c.mu.Lock()
	c.wrappers[id] = w
	c.mu.Unlock()

	cfg := thread.Config{
		ID:       id,
		Profile:  profile,
		Provider: c.provider,
		Registry: c.registry,
		Tools:    c.factoryBuilder(id),
		Context:  ctxSource,
		Notifier: c.notifier,
		Logger:   c.logger,
		OnTerminal: func(tid int64, st thread.State) {
			go c.handleTerminal(tid, st)
		},
	}
	if parentID != nil {
		cfg.YieldToolName = ToolYield
	}

	th, err := thread.New(cfg)
	if err != nil {
		c.mu.Lock()
		w.State = WrapperError
		w.Err = err
		c.mu.Unlock()
		c.logger.Error().Err(err).Int64("thread_id", id).Msg("Thread construction failed")
		return 0, err
	}

	c.mu.Lock()
	w.State = WrapperInitialized
	w.Thread = th
	live := c.liveCount()
	c.mu.Unlock()
	observability.SetActiveThreads(live)

	c.logger.Info().
		Int64("thread_id", id).
		Bool("subagent", parentID != nil).
		Msg("Thread created")

	if initial != "" {
		if err := th.Send(initial, thread.SendOptions{}); err != nil {
			return 0, fmt.Errorf("failed to send initial message: %w", err)
		}
	}
	return id, nil
}

// handleTerminal records a terminal transition, archives the
// transcript, and pokes the waiting parent. Runs off the thread's
// dispatch loop.
func (c *Chat) handleTerminal(id int64, st thread.State) {
	c.mu.Lock()
	w, ok := c.wrappers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if w.retiredAt.IsZero() {
		w.retiredAt = time.Now()
	}
	parentID := w.ParentID
	live := c.liveCount()
	c.mu.Unlock()
	observability.SetActiveThreads(live)

	c.archive(w, string(st.Kind))

	c.notifier.Publish(notify.Event{
		Type:     notify.EventChildTerminal,
		ThreadID: id,
		Data:     map[string]interface{}{"kind": string(st.Kind)},
	})

	if parentID == nil {
		return
	}
	parent, err := c.Thread(*parentID)
	if err != nil {
		return
	}
	parent.Poke(ChildTerminal{ID: id, State: st})
}

// ChildTerminal is delivered to a parent's pending tools when a child
// reaches a terminal state. Level-triggered wait tools re-check their
// watched set on receipt.
type ChildTerminal struct {
	ID    int64
	State thread.State
}

// childState reports the state of a parent's child. Unknown ids and
// threads belonging to another parent return an error.
func (c *Chat) childState(parentID, id int64) (thread.State, error) {
	c.mu.RLock()
	w, ok := c.wrappers[id]
	c.mu.RUnlock()

	if !ok {
		return thread.State{}, ErrThreadNotFound
	}
	if w.ParentID == nil || *w.ParentID != parentID {
		return thread.State{}, fmt.Errorf("thread %d is not a child of %d", id, parentID)
	}
	switch w.State {
	case WrapperError:
		return thread.State{Kind: thread.KindError, Err: w.Err}, nil
	case WrapperPending:
		return thread.State{Kind: thread.KindInFlight}, nil
	}
	return w.Thread.State(), nil
}

// archive hands the transcript to the archiver, if any
func (c *Chat) archive(w *Wrapper, state string) {
	if c.archiver == nil || w.Thread == nil {
		return
	}
	if err := c.archiver.Archive(w.ID, w.ParentID, state, w.Thread.History()); err != nil {
		c.logger.Error().Err(err).Int64("thread_id", w.ID).Msg("Transcript archive failed")
	}
}

// liveCount counts non-retired wrappers. Caller holds c.mu.
func (c *Chat) liveCount() int {
	n := 0
	for _, w := range c.wrappers {
		if w.retiredAt.IsZero() {
			n++
		}
	}
	return n
}

// prune removes retired wrappers past the retention window and returns
// how many were removed.
func (c *Chat) prune(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	c.mu.Lock()
	defer c.mu.Unlock()

	pruned := 0
	for id, w := range c.wrappers {
		if w.retiredAt.IsZero() || w.retiredAt.After(cutoff) {
			continue
		}
		if w.Thread != nil {
			w.Thread.Close()
		}
		delete(c.wrappers, id)
		delete(c.spawnLanes, id)
		if c.hasActive && c.active == id {
			c.hasActive = false
		}
		pruned++
	}
	if pruned > 0 {
		c.logger.Info().Int("pruned", pruned).Int("remaining", len(c.wrappers)).Msg("Retired threads pruned")
	}
	return pruned
}
