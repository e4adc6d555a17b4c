package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints as Redis string values. Suited to short-lived
// runs that want fast shared checkpoints; pair with a TTL so abandoned runs
// expire on their own.
//
// Redis SET is atomic, satisfying the all-or-nothing write requirement.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

const defaultRedisPrefix = "checkpoint:"

// NewRedisStore connects using a redis URL
// (e.g. "redis://localhost:6379/0"). A zero ttl means checkpoints never
// expire.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, prefix: defaultRedisPrefix, ttl: ttl}, nil
}

// NewRedisStoreFromClient wraps an existing client, for applications that
// already manage one.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: defaultRedisPrefix, ttl: ttl}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, id string, data []byte) error {
	if err := r.client.Set(ctx, r.key(id), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return data, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List implements Store. Uses SCAN so it does not block the server on large
// keyspaces.
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(r.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return ids, nil
}

// Close releases the client when this store owns it.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
