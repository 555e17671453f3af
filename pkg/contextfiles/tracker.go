package contextfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/threadwell/loom/pkg/message"
)

// Tracker watches a set of context files and hands their updates to a
// thread as content blocks. The first ContextUpdate call returns every
// tracked file; later calls return only files that changed since the
// previous call, so a thread's outbound messages carry fresh context
// without resending unchanged files.
type Tracker struct {
	watcher            *fsnotify.Watcher
	stabilityThreshold time.Duration
	logger             zerolog.Logger

	mu          sync.Mutex
	tracked     map[string]bool
	dirty       map[string]bool
	watchedDirs map[string]bool

	debounceTimers map[string]*time.Timer
	done           chan struct{}
	stopOnce       sync.Once
}

// Config holds tracker configuration
type Config struct {
	// StabilityThreshold debounces rapid rewrites of the same file.
	// Defaults to 100ms.
	StabilityThreshold time.Duration
	Logger             zerolog.Logger
}

// New creates a tracker and starts its watch loop
func New(cfg Config) (*Tracker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}

	t := &Tracker{
		watcher:            watcher,
		stabilityThreshold: cfg.StabilityThreshold,
		logger:             cfg.Logger,
		tracked:            make(map[string]bool),
		dirty:              make(map[string]bool),
		watchedDirs:        make(map[string]bool),
		debounceTimers:     make(map[string]*time.Timer),
		done:               make(chan struct{}),
	}

	go t.eventLoop()
	return t, nil
}

// Track adds a file to the tracked set. The file is marked dirty, so
// the next context update delivers its current content.
func (t *Tracker) Track(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("cannot track %s: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tracked[abs] {
		return nil
	}
	t.tracked[abs] = true
	t.dirty[abs] = true

	// Editors replace files via rename+create, which unbinds a direct
	// file watch, so the parent directory is watched instead.
	dir := filepath.Dir(abs)
	if !t.watchedDirs[dir] {
		if err := t.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		t.watchedDirs[dir] = true
	}

	t.logger.Debug().Str("path", abs).Msg("Context file tracked")
	return nil
}

// Untrack removes a file from the tracked set
func (t *Tracker) Untrack(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracked, abs)
	delete(t.dirty, abs)
}

// Tracked returns the tracked paths, sorted
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.tracked))
	for path := range t.tracked {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// ContextUpdate returns content blocks for every file changed since the
// last call and clears the dirty set. Files deleted since tracking are
// reported as removed.
func (t *Tracker) ContextUpdate() []message.Block {
	t.mu.Lock()
	paths := make([]string, 0, len(t.dirty))
	for path := range t.dirty {
		paths = append(paths, path)
	}
	t.dirty = make(map[string]bool)
	t.mu.Unlock()

	sort.Strings(paths)

	var blocks []message.Block
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				blocks = append(blocks, message.Block{
					Type: message.BlockText,
					Text: fmt.Sprintf("<context_file path=%q deleted=\"true\"/>", path),
				})
				continue
			}
			t.logger.Warn().Err(err).Str("path", path).Msg("Failed to read context file")
			continue
		}
		blocks = append(blocks, message.Block{
			Type: message.BlockText,
			Text: fmt.Sprintf("<context_file path=%q>\n%s\n</context_file>", path, data),
		})
	}
	return blocks
}

// Close stops the watcher
func (t *Tracker) Close() error {
	t.stopOnce.Do(func() { close(t.done) })

	t.mu.Lock()
	for _, timer := range t.debounceTimers {
		timer.Stop()
	}
	clear(t.debounceTimers)
	t.mu.Unlock()

	return t.watcher.Close()
}

func (t *Tracker) eventLoop() {
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(event)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error().Err(err).Msg("Context watcher error")

		case <-t.done:
			return
		}
	}
}

func (t *Tracker) handleEvent(event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	t.mu.Lock()
	isTracked := t.tracked[abs]
	t.mu.Unlock()
	if !isTracked {
		return
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	t.debounce(abs)
}

// debounce marks the path dirty once writes settle
func (t *Tracker) debounce(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, exists := t.debounceTimers[path]; exists {
		timer.Stop()
	}

	t.debounceTimers[path] = time.AfterFunc(t.stabilityThreshold, func() {
		select {
		case <-t.done:
			return
		default:
		}

		t.mu.Lock()
		delete(t.debounceTimers, path)
		if t.tracked[path] {
			t.dirty[path] = true
		}
		t.mu.Unlock()

		t.logger.Debug().Str("path", path).Msg("Context file changed")
	})
}
