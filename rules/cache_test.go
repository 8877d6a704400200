package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRulesCache(t *testing.T) {
	cache := NewInMemoryRulesCache(DefaultCacheConfig())
	assert.Nil(t, cache.Get())
	assert.False(t, cache.IsValid())

	batches := [][]*Rule{{storedRule("a", 2, true)}, {storedRule("b", 1, true)}}
	cache.Set(batches)
	assert.True(t, cache.IsValid())

	got := cache.Get()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0][0].ID)

	// callers cannot modify the cached batches
	got[0][0] = storedRule("z", 1, true)
	assert.Equal(t, "a", cache.Get()[0][0].ID)

	cache.Invalidate()
	assert.Nil(t, cache.Get())
	assert.False(t, cache.IsValid())
}

func TestInMemoryRulesCacheEmptySetIsAHit(t *testing.T) {
	cache := NewInMemoryRulesCache(DefaultCacheConfig())
	cache.Set(nil)

	got := cache.Get()
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestInMemoryRulesCacheTTL(t *testing.T) {
	cache := NewInMemoryRulesCache(CacheConfig{TTL: 10 * time.Millisecond})
	cache.Set([][]*Rule{{storedRule("a", 1, true)}})
	require.NotNil(t, cache.Get())

	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, cache.Get())
	assert.False(t, cache.IsValid())
}

func TestGroupRules(t *testing.T) {
	batches := groupRules([]*Rule{
		storedRule("a", 1, true),
		storedRule("b", 3, true),
		storedRule("c", 1, true),
		storedRule("d", 2, true),
	})

	require.Len(t, batches, 3)
	assert.Equal(t, 3, batches[0][0].Priority)
	assert.Equal(t, 2, batches[1][0].Priority)
	require.Len(t, batches[2], 2)
	assert.Equal(t, "a", batches[2][0].ID)
	assert.Equal(t, "c", batches[2][1].ID)
}
