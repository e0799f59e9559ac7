package lru

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetPut(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCache_TTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New[string, int](4, WithTTL(time.Minute), WithClock(func() time.Time { return now }))
	c.Put("a", 1)

	_, ok := c.Get("a")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_GetOrLoad(t *testing.T) {
	c := New[string, int](4)
	calls := 0
	load := func() (int, error) {
		calls++
		return 42, nil
	}

	v, err := c.GetOrLoad("k", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	v, err = c.GetOrLoad("k", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrLoad_ErrorNotCached(t *testing.T) {
	c := New[string, int](4)
	_, err := c.GetOrLoad("k", func() (int, error) { return 0, errors.New("boom") })
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_DeleteFunc(t *testing.T) {
	c := New[string, int](8)
	c.Put("/p/a", 1)
	c.Put("/p/b", 2)
	c.Put("/q/a", 3)

	n := c.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, "/p/") })
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Delete("/q/a"))
	assert.False(t, c.Delete("/q/a"))
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int, int](64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Put(i%100, g)
				c.Get(i % 50)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[string, int](0) })
}
