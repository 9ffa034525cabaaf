package faces

import (
	"strconv"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Cache memoizes orchestrator state for the lifetime of the process.
// Entries never expire; they are replaced or invalidated explicitly.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Put(key string, v V)
	Invalidate(key string)
}

// MapCache is a Cache on a sharded concurrent map.
type MapCache[V any] struct {
	m cmap.ConcurrentMap[string, V]
}

func NewMapCache[V any]() *MapCache[V] {
	return &MapCache[V]{m: cmap.New[V]()}
}

func (c *MapCache[V]) Get(key string) (V, bool) { return c.m.Get(key) }
func (c *MapCache[V]) Put(key string, v V)      { c.m.Set(key, v) }
func (c *MapCache[V]) Invalidate(key string)    { c.m.Remove(key) }

func eventKey(eventID int64) string {
	return strconv.FormatInt(eventID, 10)
}

func profileKey(eventID, userID int64) string {
	return strconv.FormatInt(eventID, 10) + "/" + strconv.FormatInt(userID, 10)
}

func photoKey(photoID int64) string {
	return strconv.FormatInt(photoID, 10)
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	m cmap.ConcurrentMap[string, *sync.Mutex]
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{m: cmap.New[*sync.Mutex]()}
}

func (k *keyedMutex) lock(key string) func() {
	mu := k.m.Upsert(key, nil, func(exist bool, old, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return old
		}
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}
