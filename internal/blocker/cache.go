package blocker

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

type cacheEntry struct {
	until     time.Time
	checkedAt time.Time
}

// LocalCache is an in-process view of active blocks. It is a read-through
// cache only; the shared store stays authoritative.
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
	maxAge  time.Duration

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// CacheOption configures a LocalCache
type CacheOption func(*LocalCache)

// WithCacheClock overrides the clock used for expiry
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *LocalCache) {
		c.now = now
	}
}

// WithMaxAge makes entries older than d count as misses, so the manager
// re-validates them against the store. Zero disables re-validation.
func WithMaxAge(d time.Duration) CacheOption {
	return func(c *LocalCache) {
		c.maxAge = d
	}
}

// NewLocalCache creates an empty cache
func NewLocalCache(opts ...CacheOption) *LocalCache {
	c := &LocalCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the block expiry for identifier if a live entry is cached
func (c *LocalCache) Get(identifier string) (time.Time, bool) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[identifier]
	c.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}

	if !now.Before(entry.until) || c.stale(entry, now) {
		c.mu.Lock()
		// Another goroutine may have refreshed the entry meanwhile
		if current, ok := c.entries[identifier]; ok && current == entry {
			delete(c.entries, identifier)
		}
		c.mu.Unlock()
		return time.Time{}, false
	}

	return entry.until, true
}

// Set caches a block for identifier until the given time
func (c *LocalCache) Set(identifier string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[identifier] = cacheEntry{until: until, checkedAt: c.now()}
}

// Delete drops the cached entry for identifier
func (c *LocalCache) Delete(identifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, identifier)
}

// Len returns the number of cached entries, expired or not
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were evicted
func (c *LocalCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for identifier, entry := range c.entries {
		if !now.Before(entry.until) || c.stale(entry, now) {
			delete(c.entries, identifier)
			evicted++
		}
	}
	return evicted
}

// StartSweeper runs Sweep every interval in a background goroutine until
// Close is called. Calling it more than once has no effect.
func (c *LocalCache) StartSweeper(interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c.startOnce.Do(func() {
		go func() {
			defer close(c.done)
			defer func() {
				if r := recover(); r != nil {
					logger.Error("block cache sweeper panicked",
						zap.String("panic", fmt.Sprintf("%v", r)),
						zap.String("stack", string(debug.Stack())),
					)
				}
			}()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if n := c.Sweep(); n > 0 {
						logger.Debug("swept expired blocks", zap.Int("evicted", n))
					}
				case <-c.stop:
					return
				}
			}
		}()
	})
}

// Close stops the sweeper, if running, and waits for it to exit
func (c *LocalCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.done
		}
	})
}

func (c *LocalCache) stale(entry cacheEntry, now time.Time) bool {
	return c.maxAge > 0 && now.Sub(entry.checkedAt) >= c.maxAge
}
