package cache

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces proxy entries inside a possibly shared database.
const keyPrefix = "proxycache:"

// RedisCache is a Store backed by a Redis server. Recency and byte
// accounting are delegated to Redis itself (maxmemory with an LRU
// eviction policy); this side only enforces the per-entry admission cap
// and keeps local hit/miss counters. It exists for deployments that want
// the cache shared between proxy instances; MemoryCache remains the
// default backend.
type RedisCache struct {
	client   *redis.Client
	ctx      context.Context
	ttl      time.Duration
	maxEntry int64

	startTime time.Time
	hits      atomic.Uint64
	misses    atomic.Uint64
}

// NewRedisCache connects to the Redis server at addr and verifies the
// connection with a ping before returning.
func NewRedisCache(addr, password string, db int, ttl time.Duration, maxEntry int64) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisCache{
		client:    client,
		ctx:       ctx,
		ttl:       ttl,
		maxEntry:  maxEntry,
		startTime: time.Now(),
	}, nil
}

func (c *RedisCache) Get(url string) ([]byte, bool) {
	if url == "" {
		return nil, false
	}
	data, err := c.client.Get(c.ctx, keyPrefix+url).Bytes()
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return data, true
}

func (c *RedisCache) Put(url string, payload []byte) {
	size := int64(len(payload))
	if url == "" || size == 0 || (c.maxEntry > 0 && size > c.maxEntry) {
		return
	}
	// Write errors degrade to a cache miss on the next Get.
	c.client.Set(c.ctx, keyPrefix+url, payload, c.ttl)
}

func (c *RedisCache) Size() (int, int64) {
	var count int
	var bytes int64
	iter := c.client.Scan(c.ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(c.ctx) {
		count++
		if n, err := c.client.StrLen(c.ctx, iter.Val()).Result(); err == nil {
			bytes += n
		}
	}
	return count, bytes
}

func (c *RedisCache) Stats() Stats {
	count, bytes := c.Size()
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		EntryCount:    count,
		TotalBytes:    bytes,
		UptimeSeconds: uptime(c.startTime),
	}
}

func (c *RedisCache) PurgeAll() int {
	count := c.deleteMatching(func(string) bool { return true })
	c.hits.Store(0)
	c.misses.Store(0)
	return count
}

func (c *RedisCache) PurgeByURL(rawURL string) bool {
	n, err := c.client.Del(c.ctx, keyPrefix+rawURL).Result()
	return err == nil && n > 0
}

func (c *RedisCache) PurgeByDomain(domain string) int {
	return c.deleteMatching(func(key string) bool {
		u, err := url.Parse(key)
		if err != nil {
			return false
		}
		return strings.HasPrefix(u.Host, domain)
	})
}

// Close releases the client connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) deleteMatching(match func(string) bool) int {
	count := 0
	iter := c.client.Scan(c.ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(c.ctx) {
		full := iter.Val()
		if !match(strings.TrimPrefix(full, keyPrefix)) {
			continue
		}
		if n, err := c.client.Del(c.ctx, full).Result(); err == nil {
			count += int(n)
		}
	}
	return count
}
