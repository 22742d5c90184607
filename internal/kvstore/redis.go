package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces all mailrelay keys in a possibly shared Redis.
const keyPrefix = "mailrelay:"

// Redis implements Store on top of a Redis client.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a Redis-backed store from a redis:// URL.
func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &Redis{rdb: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	set, err := r.rdb.SetNX(ctx, keyPrefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return set, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, set, member string) error {
	if err := r.rdb.SAdd(ctx, keyPrefix+set, member).Err(); err != nil {
		return fmt.Errorf("redis SADD %s: %w", set, err)
	}
	return nil
}

func (r *Redis) SIsMember(ctx context.Context, set, member string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, keyPrefix+set, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis SISMEMBER %s: %w", set, err)
	}
	return ok, nil
}
