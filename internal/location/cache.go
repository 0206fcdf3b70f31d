package location

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type MemoryCache struct {
	mu  sync.RWMutex
	fix *Fix
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Load(_ context.Context) (Fix, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fix == nil {
		return Fix{}, false, nil
	}
	return *c.fix, true, nil
}

func (c *MemoryCache) Store(_ context.Context, fix Fix) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fix != nil && fix.Timestamp.Before(c.fix.Timestamp) {
		return nil
	}
	c.fix = &fix
	return nil
}

// RedisCache survives agent restarts. Entries expire after ttl, which should
// be at least the largest max age callers ask for.
type RedisCache struct {
	client   *redis.Client
	deviceID string
	ttl      time.Duration
}

func NewRedisCache(client *redis.Client, deviceID string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultMaxAge
	}
	return &RedisCache{client: client, deviceID: deviceID, ttl: ttl}
}

func (c *RedisCache) Load(ctx context.Context) (Fix, bool, error) {
	value, err := c.client.Get(ctx, c.key()).Bytes()
	if err == redis.Nil {
		return Fix{}, false, nil
	}
	if err != nil {
		return Fix{}, false, err
	}
	var fix Fix
	if err := json.Unmarshal(value, &fix); err != nil {
		return Fix{}, false, fmt.Errorf("decode cached fix: %w", err)
	}
	return fix, true, nil
}

func (c *RedisCache) Store(ctx context.Context, fix Fix) error {
	fix.Source = ""
	payload, err := json.Marshal(fix)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(), payload, c.ttl).Err()
}

func (c *RedisCache) key() string {
	return fmt.Sprintf("location:lastfix:%s", c.deviceID)
}
