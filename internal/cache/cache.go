// Package cache adapts Redis to the cache capability: TTL'd key/value
// storage for rate limits, session data, routing markers, and the health
// snapshot, plus the stats the cache probe samples.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tiresense/tiresense/internal/domain"
)

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// DefaultConfig returns a local default.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:6379"}
}

// Cache implements domain.Cache on a Redis client.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis. The connection is verified lazily; use Ping for an
// eager check.
func New(cfg Config) *Cache {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	return &Cache{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get returns the value at key, or ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s: %w", key, domain.ErrCacheMiss)
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Set writes the value with a TTL; ttl <= 0 means no expiry.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Del removes a key; missing keys are not an error.
func (c *Cache) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// FlushAll clears the whole database. Used by the clear-cache recovery
// action.
func (c *Cache) FlushAll(ctx context.Context) error {
	if err := c.rdb.FlushAll(ctx).Err(); err != nil {
		return fmt.Errorf("redis flushall: %w", err)
	}
	return nil
}

// Stats samples used_memory, maxmemory, and connected_clients from INFO.
func (c *Cache) Stats(ctx context.Context) (domain.CacheStats, error) {
	var stats domain.CacheStats

	mem, err := c.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return stats, fmt.Errorf("redis info memory: %w", err)
	}
	stats.UsedMemory = infoInt(mem, "used_memory")
	stats.MaxMemory = infoInt(mem, "maxmemory")

	clients, err := c.rdb.Info(ctx, "clients").Result()
	if err != nil {
		return stats, fmt.Errorf("redis info clients: %w", err)
	}
	stats.Clients = int(infoInt(clients, "connected_clients"))
	return stats, nil
}

// infoInt pulls one integer field out of an INFO section.
func infoInt(section, field string) int64 {
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, field+":"); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}
