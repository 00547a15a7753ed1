package orchestrator

import (
	"sort"
	"sync"
	"time"
)

type cacheStatus string

const (
	cacheStatusActive    cacheStatus = "active"
	cacheStatusCompleted cacheStatus = "completed"
)

type cachedExecutor struct {
	executor     Executor
	lastAccessed time.Time
	status       cacheStatus
}

// executorCache maps task IDs to live executors. Only completed entries are
// ever swept; active ones leave through remove or drain.
type executorCache struct {
	mu      sync.Mutex
	entries map[string]*cachedExecutor
	now     func() time.Time
}

func newExecutorCache(now func() time.Time) *executorCache {
	if now == nil {
		now = time.Now
	}
	return &executorCache{
		entries: make(map[string]*cachedExecutor),
		now:     now,
	}
}

// putIfAbsent caches ex as active unless taskID already has an executor, in
// which case the cached one is returned and refreshed.
func (c *executorCache) putIfAbsent(taskID string, ex Executor) (Executor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[taskID]; ok {
		entry.lastAccessed = c.now()
		return entry.executor, false
	}
	c.entries[taskID] = &cachedExecutor{
		executor:     ex,
		lastAccessed: c.now(),
		status:       cacheStatusActive,
	}
	return ex, true
}

func (c *executorCache) put(taskID string, ex Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[taskID] = &cachedExecutor{
		executor:     ex,
		lastAccessed: c.now(),
		status:       cacheStatusActive,
	}
}

// get returns the executor for taskID and refreshes its lastAccessed.
func (c *executorCache) get(taskID string) (Executor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[taskID]
	if !ok {
		return nil, false
	}
	entry.lastAccessed = c.now()
	return entry.executor, true
}

func (c *executorCache) markActive(taskID string) {
	c.setStatus(taskID, cacheStatusActive)
}

func (c *executorCache) markCompleted(taskID string) {
	c.setStatus(taskID, cacheStatusCompleted)
}

func (c *executorCache) setStatus(taskID string, status cacheStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[taskID]; ok {
		entry.status = status
		entry.lastAccessed = c.now()
	}
}

func (c *executorCache) remove(taskID string) (Executor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[taskID]
	if !ok {
		return nil, false
	}
	delete(c.entries, taskID)
	return entry.executor, true
}

// removeIf evicts taskID only while it still maps to ex, so a stale
// goroutine cannot evict a rebuilt replacement.
func (c *executorCache) removeIf(taskID string, ex Executor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[taskID]
	if !ok || entry.executor != ex {
		return false
	}
	delete(c.entries, taskID)
	return true
}

// sweep drops completed entries idle for longer than ttl, then trims the
// remaining completed entries to maxCompleted, least recently used first.
func (c *executorCache) sweep(ttl time.Duration, maxCompleted int) (expired, trimmed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	type candidate struct {
		taskID       string
		lastAccessed time.Time
	}
	var survivors []candidate
	for taskID, entry := range c.entries {
		if entry.status != cacheStatusCompleted {
			continue
		}
		if ttl > 0 && now.Sub(entry.lastAccessed) > ttl {
			delete(c.entries, taskID)
			expired = append(expired, taskID)
			continue
		}
		survivors = append(survivors, candidate{taskID: taskID, lastAccessed: entry.lastAccessed})
	}

	if maxCompleted >= 0 && len(survivors) > maxCompleted {
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].lastAccessed.Before(survivors[j].lastAccessed)
		})
		for _, cand := range survivors[:len(survivors)-maxCompleted] {
			delete(c.entries, cand.taskID)
			trimmed = append(trimmed, cand.taskID)
		}
	}
	sort.Strings(expired)
	return expired, trimmed
}

// drain empties the cache and hands back everything it held.
func (c *executorCache) drain() map[string]Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Executor, len(c.entries))
	for taskID, entry := range c.entries {
		out[taskID] = entry.executor
	}
	c.entries = make(map[string]*cachedExecutor)
	return out
}

func (c *executorCache) counts() (active, completed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.status == cacheStatusCompleted {
			completed++
		} else {
			active++
		}
	}
	return active, completed
}

func (c *executorCache) status(taskID string) (cacheStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[taskID]
	if !ok {
		return "", false
	}
	return entry.status, true
}
