package commandqueue

import (
	"sync"
	"time"
)

// dedupCache remembers completed task outcomes by tracing request id so
// a re-enqueued task (typically a retried spawn tool_use slot) replays
// its original outcome instead of running twice.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
	ttl     time.Duration
}

type dedupEntry struct {
	result  taskResult
	expires time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dedupCache{
		entries: make(map[string]dedupEntry),
		ttl:     ttl,
	}
}

// Get returns the cached outcome for a request id, if still fresh
func (dc *dedupCache) Get(requestID string) (taskResult, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	entry, ok := dc.entries[requestID]
	if !ok || time.Now().After(entry.expires) {
		return taskResult{}, false
	}
	return entry.result, true
}

// Set records an outcome. Expired entries are swept while the lock is
// held, keeping the map bounded without a background goroutine.
func (dc *dedupCache) Set(requestID string, result taskResult) {
	now := time.Now()

	dc.mu.Lock()
	defer dc.mu.Unlock()

	for id, entry := range dc.entries {
		if now.After(entry.expires) {
			delete(dc.entries, id)
		}
	}
	dc.entries[requestID] = dedupEntry{result: result, expires: now.Add(dc.ttl)}
}

// Size returns the number of entries in the cache
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
