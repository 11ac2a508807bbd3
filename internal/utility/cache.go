package utility

import (
	"sync"
	"time"
)

type cacheItem struct {
	value     interface{}
	expiresAt time.Time
}

// Cache là cache trong bộ nhớ có thời gian sống cho từng item và vòng dọn dẹp định kỳ
type Cache struct {
	items    map[string]cacheItem
	mu       sync.RWMutex
	ttl      time.Duration
	cleanup  time.Duration
	maxItems int
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewCache tạo cache mới. maxItems <= 0 nghĩa là không giới hạn.
func NewCache(ttl, cleanup time.Duration, maxItems int) *Cache {
	cache := &Cache{
		items:    make(map[string]cacheItem),
		ttl:      ttl,
		cleanup:  cleanup,
		maxItems: maxItems,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	if cleanup > 0 {
		go cache.cleanupLoop()
	}
	return cache
}

// Set lưu giá trị vào cache. Khi đầy thì loại item sắp hết hạn nhất.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists && c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.evictOldestLocked()
	}
	c.items[key] = cacheItem{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Get lấy giá trị còn hạn từ cache
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, exists := c.items[key]
	if !exists || c.expired(item) {
		return nil, false
	}
	return item.value, true
}

// Delete xóa một key
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len trả về số item đang giữ (kể cả item hết hạn chưa dọn)
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Purge xóa các item đã hết hạn, trả về số item đã xóa
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, item := range c.items {
		if c.expired(item) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

// Stop dừng vòng dọn dẹp
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *Cache) expired(item cacheItem) bool {
	return c.ttl > 0 && !c.now().Before(item.expiresAt)
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, item := range c.items {
		if oldestKey == "" || item.expiresAt.Before(oldest) {
			oldestKey = k
			oldest = item.expiresAt
		}
	}
	delete(c.items, oldestKey)
}

// cleanupLoop dọn item hết hạn định kỳ
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Purge()
		case <-c.stopChan:
			return
		}
	}
}
