package provider

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/threadwell/loom/pkg/message"
)

// handle is the shared Handle implementation used by the adapters. The
// stream goroutine calls finish exactly once; Abort cancels the request
// context, which the SDK stream observes.
type handle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	aborted atomic.Bool

	mu   sync.Mutex
	stop message.StopInfo
	err  error
}

func newHandle(cancel context.CancelFunc) *handle {
	return &handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (h *handle) finish(stop message.StopInfo, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.stop = stop
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// Wait blocks until the stream finishes
func (h *handle) Wait() (message.StopInfo, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop, h.err
}

// Abort cancels the in-flight request. Idempotent; a no-op once the
// stream has finished.
func (h *handle) Abort() {
	h.aborted.Store(true)
	h.cancel()
}

// Aborted reports whether Abort was called
func (h *handle) Aborted() bool {
	return h.aborted.Load()
}
