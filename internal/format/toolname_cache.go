package format

import (
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
)

// ToolNameCache records the sanitized→original tool name mapping per
// (session_id, model) pair so an outbound functionCall can be translated
// back to the name the client originally sent. Bounded to config.ToolNameCacheCap entries,
// evicted FIFO, each entry expiring after config.ToolNameCacheTTLMs; the
// sweep goroutine self-disables when the cache drains, matching the
// signature cache's idiom in this package.
type ToolNameCache struct {
	mu       sync.Mutex
	order    []toolNameKey
	entries  map[toolNameKey]toolNameEntry
	sweeping bool
}

type toolNameKey struct {
	sessionID string
	model     string
	sanitized string
}

type toolNameEntry struct {
	original  string
	expiresAt time.Time
}

func NewToolNameCache() *ToolNameCache {
	return &ToolNameCache{entries: make(map[toolNameKey]toolNameEntry)}
}

// Record stores the sanitized→original mapping, sanitizing via
// cleanToolName so callers can pass the raw tool name directly.
func (c *ToolNameCache) Record(sessionID, model, original string) string {
	sanitized := cleanToolName(original)
	if sanitized == original {
		return sanitized
	}

	key := toolNameKey{sessionID: sessionID, model: model, sanitized: sanitized}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
		for len(c.order) > config.ToolNameCacheCap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.entries[key] = toolNameEntry{
		original:  original,
		expiresAt: time.Now().Add(time.Duration(config.ToolNameCacheTTLMs) * time.Millisecond),
	}
	c.ensureSweeperLocked()
	return sanitized
}

// Resolve returns the original tool name for a sanitized name under the
// given session/model, or the sanitized name unchanged if no mapping exists.
func (c *ToolNameCache) Resolve(sessionID, model, sanitized string) string {
	key := toolNameKey{sessionID: sessionID, model: model, sanitized: sanitized}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return sanitized
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return sanitized
	}
	return entry.original
}

func (c *ToolNameCache) ensureSweeperLocked() {
	if c.sweeping {
		return
	}
	c.sweeping = true
	go c.sweep()
}

func (c *ToolNameCache) sweep() {
	interval := time.Duration(config.ToolNameSweepIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		fresh := c.order[:0]
		for _, key := range c.order {
			entry, ok := c.entries[key]
			if !ok {
				continue
			}
			if now.After(entry.expiresAt) {
				delete(c.entries, key)
				continue
			}
			fresh = append(fresh, key)
		}
		c.order = fresh
		empty := len(c.entries) == 0
		if empty {
			c.sweeping = false
		}
		c.mu.Unlock()
		if empty {
			return
		}
	}
}

var (
	globalToolNameCache     *ToolNameCache
	globalToolNameCacheOnce sync.Once
)

// GetGlobalToolNameCache returns the process-wide tool-name cache.
func GetGlobalToolNameCache() *ToolNameCache {
	globalToolNameCacheOnce.Do(func() {
		globalToolNameCache = NewToolNameCache()
	})
	return globalToolNameCache
}
