// Package cache provides the in-memory, TTL-bounded pattern caches sitting
// in front of the durable template store. All operations are synchronous and
// perform no I/O; population on a miss is the caller's responsibility.
package cache

import (
	"sort"
	"sync"
	"time"
)

// KeyInfo describes one cached key for the admin surface.
type KeyInfo struct {
	Key  string        `json:"key"`
	Hits int64         `json:"hits"`
	Age  time.Duration `json:"age"`
}

// Info is a point-in-time snapshot of cache health.
type Info struct {
	Size    int       `json:"cache_size"`
	Hits    int64     `json:"hits"`
	Misses  int64     `json:"misses"`
	HitRate float64   `json:"hit_rate"`
	Keys    []KeyInfo `json:"keys"`
}

type entry[V any] struct {
	value    V
	cachedAt time.Time
	hits     int64
}

// ttlCache is the shared core behind the issuer and merchant caches.
// Values are stored and replaced whole, never mutated element-wise, so a
// concurrent reader holding a returned value never observes a
// partially-applied update.
type ttlCache[V any] struct {
	mu               sync.RWMutex
	entries          map[string]*entry[V]
	ttl              time.Duration
	minSweepInterval time.Duration
	hits             int64
	misses           int64
	lastSweep        time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

func newTTLCache[V any](ttl, minSweepInterval time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		entries:          make(map[string]*entry[V]),
		ttl:              ttl,
		minSweepInterval: minSweepInterval,
		nowFunc:          time.Now,
	}
}

// get returns the cached value, or the zero value and false when the key is
// absent or expired. Absent and expired lookups count as misses.
func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if c.nowFunc().Sub(e.cachedAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}
	e.hits++
	c.hits++
	return e.value, true
}

func (c *ttlCache[V]) set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry[V]{value: value, cachedAt: c.nowFunc()}
}

// replace swaps the value for an existing, unexpired key in one step and
// reports whether the key was present. The cached_at timestamp is refreshed.
func (c *ttlCache[V]) replace(key string, fn func(V) V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.nowFunc().Sub(e.cachedAt) > c.ttl {
		return false
	}
	c.entries[key] = &entry[V]{
		value:    fn(e.value),
		cachedAt: c.nowFunc(),
		hits:     e.hits,
	}
	return true
}

func (c *ttlCache[V]) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *ttlCache[V]) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
}

// cleanupExpired evicts every expired entry and returns how many were
// removed.
func (c *ttlCache[V]) cleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.cachedAt) > c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	c.lastSweep = now
	return removed
}

// shouldCleanup gates the periodic sweep by the minimum interval so sweep
// cost stays bounded.
func (c *ttlCache[V]) shouldCleanup() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nowFunc().Sub(c.lastSweep) >= c.minSweepInterval
}

// info returns a stats snapshot, keys ordered by hit count descending.
func (c *ttlCache[V]) info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.nowFunc()
	inf := Info{
		Size:   len(c.entries),
		Hits:   c.hits,
		Misses: c.misses,
		Keys:   make([]KeyInfo, 0, len(c.entries)),
	}
	if total := c.hits + c.misses; total > 0 {
		inf.HitRate = float64(c.hits) / float64(total)
	}
	for key, e := range c.entries {
		inf.Keys = append(inf.Keys, KeyInfo{Key: key, Hits: e.hits, Age: now.Sub(e.cachedAt)})
	}
	sort.Slice(inf.Keys, func(i, j int) bool {
		if inf.Keys[i].Hits != inf.Keys[j].Hits {
			return inf.Keys[i].Hits > inf.Keys[j].Hits
		}
		return inf.Keys[i].Key < inf.Keys[j].Key
	})
	return inf
}
