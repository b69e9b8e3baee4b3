package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// LRUCache implements an LRU cache of decisions with TTL support.
// Expired entries are dropped lazily on access.
type LRUCache struct {
	cache  *lru.Cache[CacheKey, *CacheEntry]
	config *CacheConfig
	stats  CacheStats
	mu     sync.Mutex
}

// NewLRUCache creates a new LRU cache
func NewLRUCache(config *CacheConfig) (*LRUCache, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}

	c := &LRUCache{config: config, stats: CacheStats{MaxSize: config.MaxSize}}
	cache, err := lru.NewWithEvict[CacheKey, *CacheEntry](config.MaxSize, func(CacheKey, *CacheEntry) {
		c.stats.Evictions++
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	c.cache = cache
	return c, nil
}

// Get retrieves a decision from the cache
func (c *LRUCache) Get(key CacheKey) (core.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.cache.Get(key)
	if !exists {
		c.stats.Misses++
		return core.Decision{}, false
	}

	if entry.IsExpired() {
		c.cache.Remove(key)
		// Remove fires the eviction callback; an expiry is not an eviction
		c.stats.Evictions--
		c.stats.Expirations++
		c.stats.Misses++
		return core.Decision{}, false
	}

	entry.Touch()
	c.stats.Hits++
	return cloneDecision(entry.Decision), true
}

// Set stores a decision in the cache
func (c *LRUCache) Set(key CacheKey, decision core.Decision, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	now := time.Now()
	c.cache.Add(key, &CacheEntry{
		Decision:     cloneDecision(decision),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	})
}

// Clear removes all values from the cache
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	evictions := c.stats.Evictions
	c.cache.Purge()
	c.stats.Evictions = evictions
}

// Stats returns cache statistics
func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.cache.Len()
	stats.CalculateHitRate()
	return stats
}

// Len returns the number of items in the cache
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cache.Len()
}
