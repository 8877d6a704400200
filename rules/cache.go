package rules

import "time"

// RulesCache caches the active rules grouped into priority batches, so
// evaluation does not query the store and regroup on every run
type RulesCache interface {
	// Get retrieves cached batches, returns nil on a miss or after expiry
	Get() [][]*Rule

	// Set stores batches in cache
	Set(batches [][]*Rule)

	// Invalidate clears the cache, forcing a refresh on next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// 0 means no expiration (manual invalidation only).
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0,
	}
}
