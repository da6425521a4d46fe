package mpesa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache stores the Daraja bearer token between requests.
type TokenCache interface {
	// Get returns the cached token and whether it is still usable.
	Get(ctx context.Context) (string, bool)
	Set(ctx context.Context, token string, expiresAt time.Time) error
}

// MemoryTokenCache keeps the token in process memory.
type MemoryTokenCache struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{now: time.Now}
}

func (c *MemoryTokenCache) Get(_ context.Context) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || !c.now().Before(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

func (c *MemoryTokenCache) Set(_ context.Context, token string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiresAt = expiresAt
	return nil
}

// RedisTokenCache shares one token across api and worker instances.
type RedisTokenCache struct {
	rdb redis.Cmdable
	key string
	now func() time.Time
}

func NewRedisTokenCache(rdb redis.Cmdable, shortCode string) *RedisTokenCache {
	return &RedisTokenCache{
		rdb: rdb,
		key: fmt.Sprintf("mpesa:token:%s", shortCode),
		now: time.Now,
	}
}

func (c *RedisTokenCache) Get(ctx context.Context) (string, bool) {
	token, err := c.rdb.Get(ctx, c.key).Result()
	if err != nil || token == "" {
		// redis.Nil or an unreachable server both mean re-authenticate
		return "", false
	}
	return token, true
}

func (c *RedisTokenCache) Set(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(c.now())
	if ttl <= 0 {
		return errors.New("token already expired")
	}
	if err := c.rdb.Set(ctx, c.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("cache mpesa token: %w", err)
	}
	return nil
}
