package rules

import (
	"sync"
	"time"
)

// InMemoryRulesCache is an in-memory RulesCache, safe for concurrent access
type InMemoryRulesCache struct {
	batches  [][]*Rule
	cachedAt time.Time
	config   CacheConfig
	isValid  bool
	mu       sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{config: config}
}

// Get returns a copy of the cached batches, or nil if the cache is invalid or expired
func (c *InMemoryRulesCache) Get() [][]*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil
	}
	return copyBatches(c.batches)
}

// Set stores a copy of batches
func (c *InMemoryRulesCache) Set(batches [][]*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batches = copyBatches(batches)
	c.cachedAt = time.Now()
	c.isValid = true
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.batches = nil
}

// IsValid returns true if cache contains valid data
func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.fresh()
}

func (c *InMemoryRulesCache) fresh() bool {
	if !c.isValid {
		return false
	}
	if c.config.TTL > 0 {
		return time.Since(c.cachedAt) <= c.config.TTL
	}
	return true
}

func copyBatches(batches [][]*Rule) [][]*Rule {
	out := make([][]*Rule, len(batches))
	for i, batch := range batches {
		out[i] = append([]*Rule(nil), batch...)
	}
	return out
}
