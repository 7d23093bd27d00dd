package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is a shared layer. Entries are stored as JSON with a Redis-side expiry.
type RedisBackend struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisBackend wraps client. namespace is prepended to every key.
func NewRedisBackend(client redis.UniversalClient, namespace string) *RedisBackend {
	return &RedisBackend{client: client, namespace: namespace}
}

// Name returns the backend name.
func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) key(k string) string {
	return r.namespace + k
}

// Get returns the entry for key, or nil on a miss.
func (r *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("redis decode %s: %w", key, err)
	}
	if e.Expired(time.Now()) {
		return nil, nil
	}
	return &e, nil
}

// Put stores entry with an expiry matching its remaining TTL.
func (r *RedisBackend) Put(ctx context.Context, entry *Entry) error {
	ttl := entry.TTL(time.Now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", entry.Key, err)
	}
	if err := r.client.Set(ctx, r.key(entry.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", entry.Key, err)
	}
	return nil
}

// Delete removes key.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
