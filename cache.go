package flagstore

import (
	"sync"
	"time"

	"github.com/unkn0wn-root/flagstore/storetypes"
)

// entryState classifies a cache lookup.
type entryState int

const (
	entryMiss entryState = iota
	entryFresh
	entryStale
)

type cacheKey struct {
	kind string
	key  string
}

// itemEntry caches one item, or the confirmed absence of one
// (present=false). cachedAt drives TTL expiry and is unused in forever mode.
type itemEntry struct {
	item     storetypes.ItemDescriptor
	present  bool
	cachedAt time.Time
}

// allEntry caches the full snapshot of one kind. The slice is immutable;
// updates replace it wholesale.
type allEntry struct {
	items    []storetypes.KeyedItemDescriptor
	cachedAt time.Time
}

// dataCache holds per-item entries and per-kind snapshots under one lock.
// ttl < 0 means entries never go stale. A store with TTL == 0 has no
// dataCache at all.
type dataCache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	items map[cacheKey]itemEntry
	all   map[string]allEntry
}

func newDataCache(ttl time.Duration) *dataCache {
	return &dataCache{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[cacheKey]itemEntry),
		all:   make(map[string]allEntry),
	}
}

func (c *dataCache) unlimited() bool { return c.ttl < 0 }

func (c *dataCache) stateOf(cachedAt time.Time) entryState {
	if c.unlimited() || c.now().Sub(cachedAt) < c.ttl {
		return entryFresh
	}
	return entryStale
}

func (c *dataCache) getItem(kind storetypes.Kind, key string) (itemEntry, entryState) {
	c.mu.RLock()
	e, ok := c.items[cacheKey{kind.Name(), key}]
	c.mu.RUnlock()
	if !ok {
		return itemEntry{}, entryMiss
	}
	return e, c.stateOf(e.cachedAt)
}

// setItem caches an item descriptor; present=false records confirmed
// absence so repeated misses do not hit the backend inside the TTL window.
func (c *dataCache) setItem(kind storetypes.Kind, key string, item storetypes.ItemDescriptor, present bool) {
	c.mu.Lock()
	c.items[cacheKey{kind.Name(), key}] = itemEntry{item: item, present: present, cachedAt: c.now()}
	c.mu.Unlock()
}

// removeItem drops one entry; reports whether anything was removed.
func (c *dataCache) removeItem(kind storetypes.Kind, key string) bool {
	k := cacheKey{kind.Name(), key}
	c.mu.Lock()
	_, ok := c.items[k]
	delete(c.items, k)
	c.mu.Unlock()
	return ok
}

func (c *dataCache) getAll(kind storetypes.Kind) (allEntry, entryState) {
	c.mu.RLock()
	e, ok := c.all[kind.Name()]
	c.mu.RUnlock()
	if !ok {
		return allEntry{}, entryMiss
	}
	return e, c.stateOf(e.cachedAt)
}

func (c *dataCache) setAll(kind storetypes.Kind, items []storetypes.KeyedItemDescriptor) {
	c.mu.Lock()
	c.all[kind.Name()] = allEntry{items: items, cachedAt: c.now()}
	c.mu.Unlock()
}

func (c *dataCache) removeAll(kind storetypes.Kind) bool {
	c.mu.Lock()
	_, ok := c.all[kind.Name()]
	delete(c.all, kind.Name())
	c.mu.Unlock()
	return ok
}

// mergeAll folds one changed item into the kind snapshot without a backend
// round-trip. Used in forever mode, where the snapshot is never re-read;
// external concurrent changes stay invisible until restart.
func (c *dataCache) mergeAll(kind storetypes.Kind, key string, item storetypes.ItemDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.all[kind.Name()]
	if !ok {
		return
	}
	merged := make([]storetypes.KeyedItemDescriptor, 0, len(e.items)+1)
	replaced := false
	for _, ki := range e.items {
		if ki.Key == key {
			merged = append(merged, storetypes.KeyedItemDescriptor{Key: key, Item: item})
			replaced = true
			continue
		}
		merged = append(merged, ki)
	}
	if !replaced {
		merged = append(merged, storetypes.KeyedItemDescriptor{Key: key, Item: item})
	}
	c.all[kind.Name()] = allEntry{items: merged, cachedAt: e.cachedAt}
}

// replace wipes the cache and primes it from a full data set: every single
// item plus one snapshot per kind.
func (c *dataCache) replace(allData []storetypes.Collection) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[cacheKey]itemEntry)
	c.all = make(map[string]allEntry)
	for _, coll := range allData {
		snapshot := make([]storetypes.KeyedItemDescriptor, len(coll.Items))
		copy(snapshot, coll.Items)
		c.all[coll.Kind.Name()] = allEntry{items: snapshot, cachedAt: now}
		for _, ki := range coll.Items {
			c.items[cacheKey{coll.Kind.Name(), ki.Key}] = itemEntry{item: ki.Item, present: true, cachedAt: now}
		}
	}
}
