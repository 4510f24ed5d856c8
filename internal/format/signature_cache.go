// Package format provides conversion between the native Antigravity wire
// shape and each inbound/outbound protocol family.
package format

import (
	"context"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// SignatureCache caches Gemini thoughtSignatures for tool calls and thinking
// blocks so they can be restored on the next turn after an outbound
// translator strips them: entries get a 2h TTL, swept every 5 minutes, the
// sweeper self-disabling when empty. Redis is an optional write-through mirror so a
// multi-instance deployment shares the cache; the in-memory map remains the
// source of truth for TTL enforcement either way.
type SignatureCache struct {
	mu          sync.Mutex
	redisClient *redis.Client

	signatures map[string]signatureEntry
	thinking   map[string]thinkingEntry

	sweeping bool
}

type signatureEntry struct {
	value     string
	expiresAt time.Time
}

type thinkingEntry struct {
	modelFamily string
	expiresAt   time.Time
}

func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	return &SignatureCache{
		redisClient: redisClient,
		signatures:  make(map[string]signatureEntry),
		thinking:    make(map[string]thinkingEntry),
	}
}

func ttl() time.Duration {
	return time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
}

// CacheSignature stores a signature for a tool_use_id, rejecting anything
// shorter than MinSignatureLength.
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || len(signature) < config.MinSignatureLength {
		return
	}

	c.mu.Lock()
	c.signatures[toolUseID] = signatureEntry{value: signature, expiresAt: time.Now().Add(ttl())}
	c.ensureSweeperLocked()
	c.mu.Unlock()

	if c.redisClient != nil {
		_ = c.redisClient.SetSignature(context.Background(), toolUseID, signature, ttl())
	}
}

// GetCachedSignature retrieves a cached signature for a tool_use_id, or ""
// if absent or expired.
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	c.mu.Lock()
	entry, ok := c.signatures[toolUseID]
	if ok && time.Now().After(entry.expiresAt) {
		delete(c.signatures, toolUseID)
		ok = false
	}
	c.mu.Unlock()

	if ok {
		return entry.value
	}
	if c.redisClient != nil {
		if signature, err := c.redisClient.GetSignature(context.Background(), toolUseID); err == nil && signature != "" {
			return signature
		}
	}
	return ""
}

// CacheThinkingSignature caches a thinking block's signature alongside the
// model family that produced it.
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if len(signature) < config.MinSignatureLength {
		return
	}

	c.mu.Lock()
	c.thinking[signature] = thinkingEntry{modelFamily: modelFamily, expiresAt: time.Now().Add(ttl())}
	c.ensureSweeperLocked()
	c.mu.Unlock()

	if c.redisClient != nil {
		_ = c.redisClient.SetThinkingSignature(context.Background(), signature, modelFamily, ttl())
	}
}

// GetCachedSignatureFamily returns the cached model family for a thinking
// signature, or "" if absent or expired.
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}

	c.mu.Lock()
	entry, ok := c.thinking[signature]
	if ok && time.Now().After(entry.expiresAt) {
		delete(c.thinking, signature)
		ok = false
	}
	c.mu.Unlock()

	if ok {
		return entry.modelFamily
	}
	if c.redisClient != nil {
		if family, err := c.redisClient.GetThinkingSignature(context.Background(), signature); err == nil && family != "" {
			return family
		}
	}
	return ""
}

// ClearThinkingSignatureCache drops every cached thinking signature.
func (c *SignatureCache) ClearThinkingSignatureCache() {
	c.mu.Lock()
	c.thinking = make(map[string]thinkingEntry)
	c.mu.Unlock()
}

// ensureSweeperLocked starts the periodic sweep goroutine if it isn't
// already running. Must be called with c.mu held. The sweeper exits once it
// finds both maps empty, re-arming on the next cache write.
func (c *SignatureCache) ensureSweeperLocked() {
	if c.sweeping {
		return
	}
	c.sweeping = true
	go c.sweep()
}

func (c *SignatureCache) sweep() {
	interval := time.Duration(config.SignatureSweepIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for k, v := range c.signatures {
			if now.After(v.expiresAt) {
				delete(c.signatures, k)
			}
		}
		for k, v := range c.thinking {
			if now.After(v.expiresAt) {
				delete(c.thinking, k)
			}
		}
		empty := len(c.signatures) == 0 && len(c.thinking) == 0
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
	globalSignatureCache *SignatureCache
	signatureCacheOnce   sync.Once
)

// InitGlobalSignatureCache initializes the global signature cache.
func InitGlobalSignatureCache(redisClient *redis.Client) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(redisClient)
	})
}

// GetGlobalSignatureCache returns the global signature cache instance,
// creating a memory-only one if it was never initialized.
func GetGlobalSignatureCache() *SignatureCache {
	if globalSignatureCache == nil {
		globalSignatureCache = NewSignatureCache(nil)
	}
	return globalSignatureCache
}

// ClearThinkingSignatureCache clears the global thinking signature cache.
func ClearThinkingSignatureCache() {
	GetGlobalSignatureCache().ClearThinkingSignatureCache()
}
