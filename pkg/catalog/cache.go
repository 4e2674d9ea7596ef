package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extbridge/pkg/observability"
)

// CachedIndex is the last good response for an index url
type CachedIndex struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
	Body         []byte `json:"body"`
}

// IndexCache keeps index responses for conditional requests. A failing
// cache is treated as a miss.
type IndexCache interface {
	Get(ctx context.Context, url string) (*CachedIndex, bool)
	Set(ctx context.Context, url string, index *CachedIndex) error
}

// CacheStats holds hit and miss counters
type CacheStats struct {
	Hits   int64
	Misses int64
	Items  int
}

// MemoryIndexCache is an in-process LRU with expiry
type MemoryIndexCache struct {
	cache   *lru.LRU[string, *CachedIndex]
	metrics *observability.Metrics
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewMemoryIndexCache creates a cache of at most size entries kept for ttl
func NewMemoryIndexCache(size int, ttl time.Duration, metrics *observability.Metrics) *MemoryIndexCache {
	if size < 1 {
		size = 1
	}
	return &MemoryIndexCache{
		cache:   lru.NewLRU[string, *CachedIndex](size, nil, ttl),
		metrics: metrics,
	}
}

// Get implements IndexCache
func (c *MemoryIndexCache) Get(ctx context.Context, url string) (*CachedIndex, bool) {
	idx, ok := c.cache.Get(url)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.RecordIndexCache("memory", ok)
	return idx, ok
}

// Set implements IndexCache
func (c *MemoryIndexCache) Set(ctx context.Context, url string, index *CachedIndex) error {
	if index == nil {
		return fmt.Errorf("index cannot be nil")
	}
	c.cache.Add(url, index)
	return nil
}

// Stats returns the counters
func (c *MemoryIndexCache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Items:  c.cache.Len(),
	}
}

const redisKeyPrefix = "extbridge:index:"

// RedisIndexCache shares index responses between instances
type RedisIndexCache struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewRedisClient parses url and checks connectivity
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisIndexCache stores entries in client with the given ttl
func NewRedisIndexCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger, metrics *observability.Metrics) *RedisIndexCache {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisIndexCache{client: client, ttl: ttl, logger: logger, metrics: metrics}
}

func redisKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return redisKeyPrefix + hex.EncodeToString(sum[:])
}

// Get implements IndexCache
func (c *RedisIndexCache) Get(ctx context.Context, url string) (*CachedIndex, bool) {
	key := redisKey(url)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warnf("Index cache lookup failed for %s: %v", url, err)
		}
		c.metrics.RecordIndexCache("redis", false)
		return nil, false
	}

	var idx CachedIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		// Drop corrupt entries
		c.client.Del(ctx, key)
		c.metrics.RecordIndexCache("redis", false)
		return nil, false
	}
	c.metrics.RecordIndexCache("redis", true)
	return &idx, true
}

// Set implements IndexCache
func (c *RedisIndexCache) Set(ctx context.Context, url string, index *CachedIndex) error {
	if index == nil {
		return fmt.Errorf("index cannot be nil")
	}
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(url), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Client returns the underlying client for health checks
func (c *RedisIndexCache) Client() *redis.Client {
	return c.client
}

// TieredIndexCache reads tiers in order and fills the faster ones on a
// hit further down. Writes go to every tier.
type TieredIndexCache []IndexCache

// Get implements IndexCache
func (t TieredIndexCache) Get(ctx context.Context, url string) (*CachedIndex, bool) {
	for i, tier := range t {
		idx, ok := tier.Get(ctx, url)
		if !ok {
			continue
		}
		for _, faster := range t[:i] {
			_ = faster.Set(ctx, url, idx)
		}
		return idx, true
	}
	return nil, false
}

// Set implements IndexCache
func (t TieredIndexCache) Set(ctx context.Context, url string, index *CachedIndex) error {
	var firstErr error
	for _, tier := range t {
		if err := tier.Set(ctx, url, index); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
