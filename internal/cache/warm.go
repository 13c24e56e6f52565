package cache

import (
	"container/list"
	"sync"
	"time"

	"market-forecast-service/internal/market"
)

// WarmCache is a bounded in-process LRU of window slices. Entries are
// immutable snapshots; Get returns a copy so callers never share backing
// arrays with the cache.
type WarmCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	size    int

	hits, misses int64
}

type warmEntry struct {
	key       string
	slice     market.Slice
	expiresAt time.Time
}

// NewWarmCache creates an LRU holding at most size entries.
func NewWarmCache(size int) *WarmCache {
	if size <= 0 {
		size = 100
	}
	return &WarmCache{
		entries: make(map[string]*list.Element, size),
		order:   list.New(),
		size:    size,
	}
}

// Get returns a copy of the cached slice, or false on miss/expiry.
func (wc *WarmCache) Get(key string) (market.Slice, bool) {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	el, ok := wc.entries[key]
	if !ok {
		wc.misses++
		return nil, false
	}
	entry := el.Value.(*warmEntry)
	if time.Now().After(entry.expiresAt) {
		wc.order.Remove(el)
		delete(wc.entries, key)
		wc.misses++
		return nil, false
	}

	wc.order.MoveToFront(el)
	wc.hits++

	out := entry.slice.Clone()
	for i := range out {
		out[i].Provenance = market.ProvenanceCache
	}
	return out, true
}

// Set stores an immutable snapshot of the slice, evicting the least
// recently used entry when full.
func (wc *WarmCache) Set(key string, slice market.Slice, ttl time.Duration) {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	snapshot := slice.Clone()
	expires := time.Now().Add(ttl)

	if el, ok := wc.entries[key]; ok {
		el.Value.(*warmEntry).slice = snapshot
		el.Value.(*warmEntry).expiresAt = expires
		wc.order.MoveToFront(el)
		return
	}

	if wc.order.Len() >= wc.size {
		oldest := wc.order.Back()
		if oldest != nil {
			wc.order.Remove(oldest)
			delete(wc.entries, oldest.Value.(*warmEntry).key)
		}
	}

	wc.entries[key] = wc.order.PushFront(&warmEntry{key: key, slice: snapshot, expiresAt: expires})
}

// Clear drops every entry.
func (wc *WarmCache) Clear() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.entries = make(map[string]*list.Element, wc.size)
	wc.order.Init()
}

// Len returns the number of live entries.
func (wc *WarmCache) Len() int {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.order.Len()
}

// HitRate returns hits, misses and the hit percentage.
func (wc *WarmCache) HitRate() (hits, misses int64, rate float64) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	hits, misses = wc.hits, wc.misses
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return
}
