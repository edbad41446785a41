package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is an in-process cache with LRU eviction, per-entry expiry and
// item/byte limits. Expired entries are dropped lazily on read and in bulk by
// Sweep.
type MemoryStore struct {
	mu          sync.Mutex
	items       map[string]*cacheItem
	lruList     *list.List
	maxItems    int
	maxMemory   int64
	currentSize int64

	evictions int64

	now    func() time.Time
	logger *zap.Logger
}

type cacheItem struct {
	key        string
	value      []byte
	size       int64
	expiry     time.Time
	lruElement *list.Element
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces time.Now, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *MemoryStore) { c.now = now }
}

// NewMemoryStore creates a store bounded by maxItems entries and maxMemory
// bytes of keys plus values. Non-positive limits disable that bound.
func NewMemoryStore(maxItems int, maxMemory int64, logger *zap.Logger, opts ...MemoryOption) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &MemoryStore{
		items:     make(map[string]*cacheItem),
		lruList:   list.New(),
		maxItems:  maxItems,
		maxMemory: maxMemory,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return nil, false, nil
	}
	if !c.now().Before(item.expiry) {
		c.removeItem(item)
		return nil, false, nil
	}

	c.lruList.MoveToFront(item.lruElement)

	value := make([]byte, len(item.value))
	copy(value, item.value)
	return value, true, nil
}

// Set stores value for ttl. A non-positive ttl deletes the key.
func (c *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, exists := c.items[key]; exists {
		c.removeItem(existing)
	}
	if ttl <= 0 {
		return nil
	}

	itemSize := int64(len(key) + len(value))
	if c.maxMemory > 0 && itemSize > c.maxMemory {
		c.logger.Warn("Item too large for cache",
			zap.String("key", key),
			zap.Int64("size", itemSize),
			zap.Int64("max_memory", c.maxMemory),
		)
		return nil
	}

	for c.overLimit(itemSize) && c.lruList.Len() > 0 {
		c.removeItem(c.lruList.Back().Value.(*cacheItem))
		c.evictions++
	}

	item := &cacheItem{
		key:    key,
		value:  make([]byte, len(value)),
		size:   itemSize,
		expiry: c.now().Add(ttl),
	}
	copy(item.value, value)

	item.lruElement = c.lruList.PushFront(item)
	c.items[key] = item
	c.currentSize += itemSize
	return nil
}

func (c *MemoryStore) overLimit(incoming int64) bool {
	if c.maxItems > 0 && len(c.items) >= c.maxItems {
		return true
	}
	return c.maxMemory > 0 && c.currentSize+incoming > c.maxMemory
}

func (c *MemoryStore) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		c.removeItem(item)
	}
	return nil
}

func (c *MemoryStore) Clear(_ context.Context) error {
	c.mu.Lock()
	n := len(c.items)
	c.items = make(map[string]*cacheItem)
	c.lruList.Init()
	c.currentSize = 0
	c.mu.Unlock()

	c.logger.Info("Cleared in-memory cache", zap.Int("count", n))
	return nil
}

// removeItem must be called with the lock held.
func (c *MemoryStore) removeItem(item *cacheItem) {
	if item.lruElement != nil {
		c.lruList.Remove(item.lruElement)
	}
	delete(c.items, item.key)
	c.currentSize -= item.size
}

// Len counts stored entries, including expired ones not yet swept.
func (c *MemoryStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Evictions returns how many live entries were dropped to honour the limits.
func (c *MemoryStore) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

func (c *MemoryStore) Stats(_ context.Context) BackendStats {
	return BackendStats{
		BackendKind:     BackendMemory,
		ApproxKeyCount:  int64(c.Len()),
		ConnectionState: StateConnected,
		CheckedAt:       c.now(),
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (c *MemoryStore) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, item := range c.items {
		if !now.Before(item.expiry) {
			c.removeItem(item)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Debug("Cleaned up expired cache items", zap.Int("count", removed))
			}
		}
	}
}
