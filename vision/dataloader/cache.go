package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager keeps decoded image tensors in memory with LRU eviction so a
// multi-epoch run only pays the decode cost once per file.
type CacheManager struct {
	mu      sync.Mutex
	cache   map[string][]float32
	lru     *list.List
	lruMap  map[string]*list.Element
	maxSize int

	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize decoded images.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[string][]float32),
		lru:     list.New(),
		lruMap:  make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves a decoded tensor from the cache.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if data, exists := cm.cache[key]; exists {
		if elem, ok := cm.lruMap[key]; ok {
			cm.lru.MoveToFront(elem)
		}
		cm.hits++
		return data, true
	}

	cm.misses++
	return nil, false
}

// Put adds a decoded tensor to the cache, evicting the least recently used
// entries when full.
func (cm *CacheManager) Put(key string, data []float32) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.cache[key]; exists {
		if elem, ok := cm.lruMap[key]; ok {
			cm.lru.MoveToFront(elem)
		}
		return
	}

	elem := cm.lru.PushFront(key)
	cm.lruMap[key] = elem
	cm.cache[key] = data

	for len(cm.cache) > cm.maxSize && cm.lru.Len() > 0 {
		oldest := cm.lru.Back()
		if oldest == nil {
			break
		}
		oldKey := oldest.Value.(string)
		cm.lru.Remove(oldest)
		delete(cm.lruMap, oldKey)
		delete(cm.cache, oldKey)
	}
}

// Clear drops all cached tensors. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string][]float32)
	cm.lru = list.New()
	cm.lruMap = make(map[string]*list.Element)
}

// Stats returns cache statistics.
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    len(cm.cache),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
