package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

const clearScanCount = 500

// RedisBackend stores snapshots in Redis under a key prefix.
type RedisBackend struct {
	client *redis.Client
	prefix string
	counters
}

// NewRedisBackend creates a backend with its own client.
func NewRedisBackend(addr, password string, db int, prefix string) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisBackendFromClient(rdb, prefix)
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) key(k string) string { return r.prefix + k }

func (r *RedisBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, contracts.Wrap(contracts.KindCache, "redis get", key, err)
	}
	r.hits.Add(1)
	return json.RawMessage(b), true, nil
}

// Set stores value; ttl <= 0 stores without expiry.
func (r *RedisBackend) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), []byte(value), ttl).Err(); err != nil {
		return contracts.Wrap(contracts.KindCache, "redis set", key, err)
	}
	r.sets.Add(1)
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return contracts.Wrap(contracts.KindCache, "redis delete", key, err)
	}
	r.deletes.Add(n)
	return nil
}

// Clear removes every key under the prefix.
func (r *RedisBackend) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", clearScanCount).Result()
		if err != nil {
			return contracts.Wrap(contracts.KindCache, "redis clear", r.prefix, err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return contracts.Wrap(contracts.KindCache, "redis clear", r.prefix, err)
			}
			r.deletes.Add(n)
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *RedisBackend) Stats() Stats {
	return r.snapshot("redis", 0)
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
