package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ExpansionCache 缓存查询扩展结果。实现必须把失败视为未命中，
// 缓存永远是尽力而为的旁路。
type ExpansionCache interface {
	Get(ctx context.Context, query string) ([]string, bool, error)
	Put(ctx context.Context, query string, queries []string) error
}

// RedisExpansionCache 基于 Redis 的扩展缓存实现。
type RedisExpansionCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisExpansionCache 创建 Redis 扩展缓存。ttl <= 0 时使用 30 分钟。
func NewRedisExpansionCache(client redis.UniversalClient, ttl time.Duration) *RedisExpansionCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisExpansionCache{client: client, ttl: ttl}
}

// Get 实现 ExpansionCache.Get。
func (c *RedisExpansionCache) Get(ctx context.Context, query string) ([]string, bool, error) {
	raw, err := c.client.Get(ctx, expansionCacheKey(query)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("expansion cache get: %w", err)
	}

	var queries []string
	if err := json.Unmarshal([]byte(raw), &queries); err != nil {
		return nil, false, fmt.Errorf("expansion cache decode: %w", err)
	}
	if len(queries) == 0 {
		return nil, false, nil
	}
	return queries, true, nil
}

// Put 实现 ExpansionCache.Put。
func (c *RedisExpansionCache) Put(ctx context.Context, query string, queries []string) error {
	raw, err := json.Marshal(queries)
	if err != nil {
		return fmt.Errorf("expansion cache encode: %w", err)
	}
	if err := c.client.Set(ctx, expansionCacheKey(query), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("expansion cache set: %w", err)
	}
	return nil
}

func expansionCacheKey(query string) string {
	sum := sha256.Sum256([]byte(normalizeQuery(query)))
	return "docflow:expansion:" + hex.EncodeToString(sum[:])
}
