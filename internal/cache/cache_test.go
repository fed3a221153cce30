package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func TestNewLRU(t *testing.T) {
	c := NewLRU[string](3, time.Minute)

	assert.NotNil(t, c)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys())
}

func TestLRU_GetPut(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value interface{}
	}{
		{name: "string_value", key: "test-key", value: "test-value"},
		{name: "int_value", key: "count", value: 42},
		{name: "nil_value", key: "nil-key", value: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewLRU[interface{}](0, 0)

			val, found := c.Get(tt.key)
			assert.False(t, found)
			assert.Nil(t, val)

			evicted := c.Put(tt.key, tt.value)
			assert.Empty(t, evicted)

			val, found = c.Get(tt.key)
			assert.True(t, found)
			assert.Equal(t, tt.value, val)
		})
	}
}

func TestLRU_PutReplaceReturnsOldValue(t *testing.T) {
	c := NewLRU[string](2, 0)
	c.Put("a", "first")

	evicted := c.Put("a", "second")
	require.Len(t, evicted, 1)
	assert.Equal(t, "first", evicted[0].Value)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "second", v)
	assert.Equal(t, 1, c.Len())
}

func TestLRU_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[int](2, 0)
	c.Put("a", 1)
	c.Put("b", 2)

	// Touch a so b becomes the oldest
	_, _ = c.Get("a")

	evicted := c.Put("c", 3)
	require.Len(t, evicted, 1)
	assert.Equal(t, "b", evicted[0].Key)
	assert.Equal(t, []string{"c", "a"}, c.Keys())
}

func TestLRU_TTL(t *testing.T) {
	clock := newFakeClock()
	c := NewLRU[string](0, 5*time.Minute)
	c.SetClock(clock.Now)

	c.Put("old", "x")
	clock.Advance(3 * time.Minute)
	c.Put("fresh", "y")
	clock.Advance(3 * time.Minute)

	_, ok := c.Get("old")
	assert.False(t, ok, "entries idle past the ttl read as missing")

	evicted := c.Sweep()
	require.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0].Key)

	v, ok := c.Get("fresh")
	assert.True(t, ok)
	assert.Equal(t, "y", v)
}

func TestLRU_RemoveFuncAndDrain(t *testing.T) {
	c := NewLRU[int](0, 0)
	c.Put("site-a|chrome", 1)
	c.Put("site-a|firefox", 2)
	c.Put("site-b|chrome", 3)

	removed := c.RemoveFunc(func(key string) bool { return key[:6] == "site-a" })
	assert.Len(t, removed, 2)
	assert.Equal(t, []string{"site-b|chrome"}, c.Keys())

	drained := c.Drain()
	assert.Len(t, drained, 1)
	assert.Equal(t, 0, c.Len())

	_, ok := c.RemoveOldest()
	assert.False(t, ok)
}

func TestLRU_Concurrency(t *testing.T) {
	c := NewLRU[int](50, time.Minute)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range 100 {
				key := fmt.Sprintf("k-%d-%d", id, j%10)
				c.Put(key, j)
				_, _ = c.Get(key)
				if j%7 == 0 {
					c.Remove(key)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}
