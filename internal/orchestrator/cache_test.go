package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSweepTTL(t *testing.T) {
	clock := newFakeClock()
	c := newExecutorCache(clock.Now)

	c.put("fresh", &fakeExecutor{})
	c.put("stale", &fakeExecutor{})
	c.put("busy", &fakeExecutor{})
	c.markCompleted("stale")

	clock.Advance(20 * time.Minute)
	c.markCompleted("fresh")
	clock.Advance(11 * time.Minute)

	expired, trimmed := c.sweep(30*time.Minute, 10)
	assert.Equal(t, []string{"stale"}, expired)
	assert.Empty(t, trimmed)

	_, ok := c.status("fresh")
	assert.True(t, ok)
	_, ok = c.status("busy")
	assert.True(t, ok, "active entries are never swept")
}

func TestCacheSweepCapacityDropsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	c := newExecutorCache(clock.Now)

	for _, id := range []string{"a", "b", "c", "d"} {
		c.put(id, &fakeExecutor{})
		c.markCompleted(id)
		clock.Advance(time.Minute)
	}
	_, ok := c.get("a")
	require.True(t, ok)

	expired, trimmed := c.sweep(time.Hour, 2)
	assert.Empty(t, expired)
	assert.ElementsMatch(t, []string{"b", "c"}, trimmed)

	active, completed := c.counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 2, completed)
}

func TestCacheRemoveIfOnlyMatchingExecutor(t *testing.T) {
	c := newExecutorCache(nil)
	old := &fakeExecutor{}
	replacement := &fakeExecutor{}
	c.put("t1", old)
	c.put("t1", replacement)

	assert.False(t, c.removeIf("t1", old))
	assert.True(t, c.removeIf("t1", replacement))
	_, ok := c.get("t1")
	assert.False(t, ok)
}

func TestCachePutIfAbsent(t *testing.T) {
	c := newExecutorCache(nil)
	first := &fakeExecutor{}
	got, stored := c.putIfAbsent("t1", first)
	assert.True(t, stored)
	assert.Same(t, first, got)

	got, stored = c.putIfAbsent("t1", &fakeExecutor{})
	assert.False(t, stored)
	assert.Same(t, first, got)
}

func TestCacheDrain(t *testing.T) {
	c := newExecutorCache(nil)
	c.put("a", &fakeExecutor{})
	c.put("b", &fakeExecutor{})

	drained := c.drain()
	assert.Len(t, drained, 2)
	active, completed := c.counts()
	assert.Zero(t, active+completed)
}
