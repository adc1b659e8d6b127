// internal/formula/results.go
package formula

import (
	"container/list"
	"sync"
)

/*
 * Result cache.
 *
 * Caches evaluation results keyed by (formula text, context fingerprint).
 * Only routes marked cacheable are stored. Each entry remembers the entity
 * ids it read so a state change can drop exactly the affected results.
 * When bounded, the oldest entry is evicted first.
 */

// ResultKey identifies a cached result.
type ResultKey struct {
	Text        string
	Fingerprint string
}

type resultEntry struct {
	key      ResultKey
	value    any
	entities []string
}

// ResultCache caches formula results by input fingerprint.
type ResultCache struct {
	mu         sync.Mutex
	entries    map[ResultKey]*list.Element
	order      *list.List
	byEntity   map[string]map[ResultKey]struct{}
	maxEntries int
	hits       uint64
	misses     uint64
}

// NewResultCache creates a cache. maxEntries <= 0 means unbounded.
func NewResultCache(maxEntries int) *ResultCache {
	return &ResultCache{
		entries:    make(map[ResultKey]*list.Element),
		order:      list.New(),
		byEntity:   make(map[string]map[ResultKey]struct{}),
		maxEntries: maxEntries,
	}
}

// Get returns a cached result.
func (c *ResultCache) Get(text, fingerprint string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[ResultKey{Text: text, Fingerprint: fingerprint}]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return el.Value.(*resultEntry).value, true
}

// Put stores a result together with the entity ids it depends on.
func (c *ResultCache) Put(text, fingerprint string, value any, entities []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ResultKey{Text: text, Fingerprint: fingerprint}
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	entry := &resultEntry{key: key, value: value, entities: append([]string(nil), entities...)}
	c.entries[key] = c.order.PushBack(entry)
	for _, id := range entry.entities {
		keys, ok := c.byEntity[id]
		if !ok {
			keys = make(map[ResultKey]struct{})
			c.byEntity[id] = keys
		}
		keys[key] = struct{}{}
	}
	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		c.removeLocked(c.order.Front())
	}
}

// InvalidateEntity drops every result that read entityID. Returns the count.
func (c *ResultCache) InvalidateEntity(entityID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.byEntity[entityID]
	n := 0
	for key := range keys {
		if el, ok := c.entries[key]; ok {
			c.removeLocked(el)
			n++
		}
	}
	delete(c.byEntity, entityID)
	return n
}

// InvalidateText drops every result of one formula text. Returns the count.
func (c *ResultCache) InvalidateText(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, el := range c.entries {
		if key.Text == text {
			c.removeLocked(el)
			n++
		}
	}
	return n
}

// Clear drops all results and resets counters.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[ResultKey]*list.Element)
	c.order.Init()
	c.byEntity = make(map[string]map[ResultKey]struct{})
	c.hits, c.misses = 0, 0
}

// Stats returns a snapshot of cache counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:    len(c.entries),
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    hitRate(c.hits, c.misses),
		MaxEntries: c.maxEntries,
	}
}

func (c *ResultCache) removeLocked(el *list.Element) {
	entry := el.Value.(*resultEntry)
	c.order.Remove(el)
	delete(c.entries, entry.key)
	for _, id := range entry.entities {
		if keys, ok := c.byEntity[id]; ok {
			delete(keys, entry.key)
			if len(keys) == 0 {
				delete(c.byEntity, id)
			}
		}
	}
}
