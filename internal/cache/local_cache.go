package cache

import (
	"context"
	"sync"
	"time"
)

// LocalCache 本地内存缓存
//
// 特点：
// - 支持 TTL 过期
// - 容量达到上限时淘汰最早过期的条目
// - 清理协程随 ctx 结束退出
//
// 收件循环用它记住已经处理过的邮件 ID
type LocalCache struct {
	mu      sync.Mutex
	data    map[string]cacheEntry
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，<= 0 表示不限制
//   - ttl: 默认过期时间
func NewLocalCache(maxSize int, ttl time.Duration) *LocalCache {
	return &LocalCache{
		data:    make(map[string]cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock 替换时间源（测试用）
func (c *LocalCache) WithClock(now func() time.Time) *LocalCache {
	c.now = now
	return c
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return nil, false
	}
	return entry.value, true
}

// Has 判断键是否存在且未过期
func (c *LocalCache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && c.maxSize > 0 && len(c.data) >= c.maxSize {
		c.evictLocked()
	}
	c.data[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Len 返回当前条目数（包含尚未清理的过期条目）
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Clear 清空所有缓存
func (c *LocalCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]cacheEntry)
}

// Run 定期清理过期条目，直到 ctx 结束
func (c *LocalCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// Cleanup 删除所有过期条目，返回删除数量
func (c *LocalCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.data {
		if now.After(entry.expiresAt) {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}

// evictLocked 淘汰最早过期的条目，调用方需持有锁
func (c *LocalCache) evictLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.data {
		if oldestKey == "" || entry.expiresAt.Before(oldest) {
			oldestKey = key
			oldest = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.data, oldestKey)
	}
}
