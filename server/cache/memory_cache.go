package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryCache is an in-process Cache with a size bound. When full, the least
// recently used entry is evicted.
type MemoryCache[V any] struct {
	items   map[string]*cacheItem[V]
	mutex   sync.RWMutex
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger
	cleanup *time.Ticker
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time

	hits   int64
	misses int64
}

type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
	lastUsed  time.Time
}

func NewMemoryCache[V any](maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache[V] {
	c := &MemoryCache[V]{
		items:   make(map[string]*cacheItem[V]),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	c.cleanup = time.NewTicker(time.Minute)
	go c.cleanupExpired()

	return c
}

func (c *MemoryCache[V]) Set(ctx context.Context, key string, value V) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *MemoryCache[V]) SetWithTTL(ctx context.Context, key string, value V, ttl time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if _, exists := c.items[key]; !exists && c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	c.items[key] = &cacheItem[V]{
		value:     value,
		expiresAt: now.Add(ttl),
		lastUsed:  now,
	}

	return nil
}

func (c *MemoryCache[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	item, exists := c.items[key]
	if !exists {
		c.misses++
		return zero, ErrCacheMiss
	}

	if now.After(item.expiresAt) {
		delete(c.items, key)
		c.misses++
		return zero, ErrCacheMiss
	}

	item.lastUsed = now
	c.hits++
	return item.value, nil
}

func (c *MemoryCache[V]) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
	return nil
}

func (c *MemoryCache[V]) Exists(ctx context.Context, key string) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists {
		return false, nil
	}

	return !c.now().After(item.expiresAt), nil
}

func (c *MemoryCache[V]) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists {
		return 0, ErrCacheMiss
	}

	now := c.now()
	if now.After(item.expiresAt) {
		return 0, ErrCacheMiss
	}

	return item.expiresAt.Sub(now), nil
}

func (c *MemoryCache[V]) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	expired := 0
	for _, item := range c.items {
		if now.After(item.expiresAt) {
			expired++
		}
	}

	return &CacheStats{
		Items:   len(c.items),
		Expired: expired,
		Hits:    c.hits,
		Misses:  c.misses,
		MaxSize: c.maxSize,
	}, nil
}

func (c *MemoryCache[V]) Close() error {
	c.once.Do(func() {
		c.cleanup.Stop()
		close(c.stopCh)
	})
	return nil
}

func (c *MemoryCache[V]) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.lastUsed
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.logger.Debug("Evicted cache entry", zap.String("key", oldestKey))
	}
}

func (c *MemoryCache[V]) removeExpired() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	removed := 0
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache[V]) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			if n := c.removeExpired(); n > 0 {
				c.logger.Debug("Removed expired cache entries", zap.Int("count", n))
			}
		case <-c.stopCh:
			return
		}
	}
}
