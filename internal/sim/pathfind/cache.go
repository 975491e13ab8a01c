package pathfind

import (
	"container/list"
	"sync"

	"villagesim.ai/internal/sim/model"
)

const DefaultCacheCapacity = 256

type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	Capacity  int
}

type cacheEntry struct {
	key  string
	path []model.TileID
}

// routeCache is a bounded LRU of found paths. Safe for concurrent use.
type routeCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	items    map[string]*list.Element

	hits, misses, evictions uint64
}

func newRouteCache(capacity int) *routeCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &routeCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *routeCache) get(key string) ([]model.TileID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return clonePath(el.Value.(*cacheEntry).path), true
}

func (c *routeCache) put(key string, path []model.TileID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).path = clonePath(path)
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, path: clonePath(path)})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
		c.evictions++
	}
}

func (c *routeCache) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *routeCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
		Capacity:  c.capacity,
	}
}

func clonePath(p []model.TileID) []model.TileID {
	out := make([]model.TileID, len(p))
	copy(out, p)
	return out
}
