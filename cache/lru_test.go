package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRUEviction(t *testing.T) {
	c := NewLRU(50)

	c.Set("k1", make([]byte, 20))
	assert.Equal(t, int64(20), c.Size())

	c.Set("k2", make([]byte, 20))
	assert.Equal(t, int64(40), c.Size())

	// 60 > 50: k1 is the least recently used and must go.
	c.Set("k3", make([]byte, 20))
	assert.Equal(t, int64(40), c.Size())

	_, ok := c.Get("k1")
	assert.False(t, ok, "k1 should be evicted")

	_, ok = c.Get("k2")
	assert.True(t, ok, "k2 should be present")

	_, ok = c.Get("k3")
	assert.True(t, ok, "k3 should be present")
}

func TestLRUGetRefreshesRecency(t *testing.T) {
	c := NewLRU(40)

	c.Set("k1", make([]byte, 20))
	c.Set("k2", make([]byte, 20))

	// Touch k1 so k2 becomes the eviction candidate.
	_, ok := c.Get("k1")
	assert.True(t, ok)

	c.Set("k3", make([]byte, 20))

	_, ok = c.Get("k1")
	assert.True(t, ok, "k1 was recently used")
	_, ok = c.Get("k2")
	assert.False(t, ok, "k2 should be evicted")
}

func TestLRUUpdateExisting(t *testing.T) {
	c := NewLRU(100)

	c.Set("k1", make([]byte, 20))
	c.Set("k1", make([]byte, 50))
	assert.Equal(t, int64(50), c.Size())

	got, ok := c.Get("k1")
	assert.True(t, ok)
	assert.Len(t, got, 50)
}

func TestLRUOversizedValueNotCached(t *testing.T) {
	c := NewLRU(10)

	c.Set("big", make([]byte, 11))
	_, ok := c.Get("big")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Size())
}

func TestLRUDelete(t *testing.T) {
	c := NewLRU(100)

	c.Set("k1", make([]byte, 20))
	c.Delete("k1")

	_, ok := c.Get("k1")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Size())

	// Deleting a missing key is a no-op.
	c.Delete("k1")
}

func TestLRUStats(t *testing.T) {
	c := NewLRU(100)

	c.Set("k1", make([]byte, 10))
	c.Get("k1")
	c.Get("k1")
	c.Get("missing")

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}
