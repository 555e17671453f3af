package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/threadwell/loom/internal/config"
	"github.com/threadwell/loom/internal/logger"
	"github.com/threadwell/loom/internal/observability"
	"github.com/threadwell/loom/internal/tracing"
	"github.com/threadwell/loom/pkg/chat"
	"github.com/threadwell/loom/pkg/commandqueue"
	"github.com/threadwell/loom/pkg/contextfiles"
	"github.com/threadwell/loom/pkg/notify"
	"github.com/threadwell/loom/pkg/provider"
	"github.com/threadwell/loom/pkg/thread"
	"github.com/threadwell/loom/pkg/tool"
	"github.com/threadwell/loom/pkg/transcript"
)

// Daemon assembles the orchestration core from configuration: provider,
// tool registry, command queue, chat registry, and the optional
// transcript archive and websocket broadcaster. Embedders that want to
// wire the pieces themselves can use the packages directly; the daemon
// is the batteries-included composition.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	queue       *commandqueue.CommandQueue
	registry    *tool.Registry
	chat        *chat.Chat
	store       *transcript.Store
	broadcaster *notify.Broadcaster
	server      *eventServer

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	stopped   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a daemon from validated configuration
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("loom", cfg.Tracing.SampleRatio); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
	}

	if err := d.initialize(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}

	return d, nil
}

func (d *Daemon) initialize() error {
	zl := d.logger.GetZerolog()

	if d.config.DataDir != "" {
		if err := observability.InitAuditLogger(filepath.Join(d.config.DataDir, "audit.log")); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit log, using stderr")
		}
	}

	prov, err := d.buildProvider()
	if err != nil {
		return err
	}

	d.queue = commandqueue.New()
	d.registry = tool.NewRegistry(d.logger.Component("tools"))

	var sinks notify.Fanout
	if d.config.Notify.Enabled {
		d.broadcaster = notify.NewBroadcaster(d.logger.Component("notify"))
		sinks = append(sinks, d.broadcaster)

		srv, err := newEventServer(d.config.Notify.Addr, d.broadcaster, zl)
		if err != nil {
			return err
		}
		d.server = srv
	}

	var archiver chat.Archiver
	if d.config.Transcript.Enabled {
		store, err := transcript.New(transcript.Config{
			DBPath: d.config.Transcript.DBPath,
			Logger: d.logger.Component("transcript"),
		})
		if err != nil {
			return fmt.Errorf("failed to open transcript store: %w", err)
		}
		d.store = store
		archiver = store
	}

	var notifier notify.Sink = notify.NopSink{}
	if len(sinks) > 0 {
		notifier = sinks
	}

	c, err := chat.New(chat.Config{
		Profile: thread.Profile{
			Model:        d.config.Thread.Model,
			SystemPrompt: d.config.Thread.SystemPrompt,
			MaxTokens:    d.config.Thread.MaxTokens,
			Temperature:  d.config.Thread.Temperature,
		},
		Provider:         prov,
		Registry:         d.registry,
		Queue:            d.queue,
		Notifier:         notifier,
		Archiver:         archiver,
		SpawnConcurrency: d.config.Spawn.Concurrency,
		Retention:        time.Duration(d.config.Janitor.RetentionMinutes) * time.Minute,
		JanitorSchedule:  d.config.Janitor.Schedule,
		Logger:           d.logger.Component("chat"),
	})
	if err != nil {
		return fmt.Errorf("failed to create chat registry: %w", err)
	}
	d.chat = c

	return nil
}

// buildProvider picks the highest-priority credential profile
func (d *Daemon) buildProvider() (provider.Provider, error) {
	if len(d.config.Providers) == 0 {
		return nil, fmt.Errorf("no provider profiles configured")
	}

	profiles := make([]config.ProviderProfile, len(d.config.Providers))
	copy(profiles, d.config.Providers)
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority > profiles[j].Priority
	})

	factory := provider.NewFactory(d.logger.GetZerolog())
	var lastErr error
	for _, p := range profiles {
		prov, err := factory.New(provider.AuthProfile{
			Provider: p.Provider,
			APIKey:   p.APIKey,
		})
		if err != nil {
			lastErr = err
			d.logger.Warn().Err(err).Str("profile", p.ID).Msg("Skipping provider profile")
			continue
		}
		d.logger.Info().Str("profile", p.ID).Str("provider", p.Provider).Msg("Provider selected")
		return prov, nil
	}
	return nil, fmt.Errorf("no usable provider profile: %w", lastErr)
}

// Start launches the janitor and, when enabled, the event server
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon already running")
	}
	if d.stopped {
		return fmt.Errorf("daemon already stopped")
	}

	d.chat.Start()
	if d.server != nil {
		d.server.Start()
	}

	d.startTime = time.Now()
	d.running = true
	d.logger.Info().Msg("Daemon started")
	return nil
}

// Stop shuts everything down in reverse dependency order. Safe to call
// on a daemon that was never started.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil
	}
	d.stopped = true
	d.running = false

	if d.server != nil {
		d.server.Stop()
	}
	if d.broadcaster != nil {
		d.broadcaster.Close()
	}

	d.chat.Close()
	d.queue.Close()

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close transcript store")
		}
	}

	d.cancel()
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}

	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// Chat returns the thread registry
func (d *Daemon) Chat() *chat.Chat {
	return d.chat
}

// Registry returns the tool definition registry, for callers that
// register domain tools before creating threads
func (d *Daemon) Registry() *tool.Registry {
	return d.registry
}

// NewContextTracker builds a file tracker suitable as the context
// source for Chat().Create, pre-tracking the given paths. The caller
// owns the tracker and must Close it.
func (d *Daemon) NewContextTracker(paths ...string) (*contextfiles.Tracker, error) {
	tr, err := contextfiles.New(contextfiles.Config{
		StabilityThreshold: time.Duration(d.config.ContextFiles.StabilityMs) * time.Millisecond,
		Logger:             d.logger.GetZerolog().With().Str("component", "contextfiles").Logger(),
	})
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := tr.Track(p); err != nil {
			tr.Close()
			return nil, err
		}
	}
	return tr, nil
}

// IsRunning reports whether the daemon has been started
func (d *Daemon) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Uptime returns the time since Start
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return 0
	}
	return time.Since(d.startTime)
}
