package faces

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapCache(t *testing.T) {
	c := NewMapCache[string]()

	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Put("k", "v1")
	c.Put("k", "v2")
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	c.Invalidate("k")
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("event")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "7", eventKey(7))
	assert.Equal(t, "7/12", profileKey(7, 12))
}
