package grant

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ratevault-backend/storage"
)

// Cache stores grants in a KV and drops expired ones when they are read.
type Cache struct {
	kv     storage.KV
	now    func() time.Time
	logger *zap.Logger
}

type CacheOption func(*Cache)

func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

func NewCache(kv storage.KV, opts ...CacheOption) *Cache {
	c := &Cache{kv: kv, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the grant stored under key if it is still valid. An expired
// entry is deleted.
func (c *Cache) Get(key string) (*Grant, bool, error) {
	raw, ok, err := c.kv.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	var g Grant
	if err := json.Unmarshal(raw, &g); err != nil {
		c.logger.Warn("dropping unreadable grant", zap.String("key", key), zap.Error(err))
		if err := c.kv.Delete(key); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
		}
		return nil, false, nil
	}
	if !g.Valid(c.now()) {
		c.logger.Debug("grant expired", zap.String("key", key), zap.Int64("expired_at", g.ExpiresAt()))
		if err := c.kv.Delete(key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return &g, true, nil
}

func (c *Cache) Put(key string, g *Grant) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode grant: %w", err)
	}
	return c.kv.Put(key, raw)
}

func (c *Cache) Evict(key string) error {
	return c.kv.Delete(key)
}

// EvictPrefix deletes every entry whose key starts with prefix and returns
// how many were removed.
func (c *Cache) EvictPrefix(prefix string) (int, error) {
	keys, err := c.kv.Keys(prefix)
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := c.kv.Delete(key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}
