package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores entries in a Redis server so several gateway instances share
// one cache. Tags are kept as sets of member keys.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the server at url (redis://host:port/db) and verifies
// it is reachable.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisFromClient(client), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "nexusgate:"}
}

func (r *Redis) key(k string) string    { return r.prefix + "cache:" + k }
func (r *Redis) tagKey(t string) string { return r.prefix + "tag:" + t }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(key), value, ttl)
	for _, t := range tags {
		pipe.SAdd(ctx, r.tagKey(t), key)
		if ttl > 0 {
			// Tag sets outlive their members so invalidation never misses one.
			pipe.Expire(ctx, r.tagKey(t), ttl*2)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *Redis) InvalidateTags(ctx context.Context, tags ...string) error {
	for _, t := range tags {
		members, err := r.client.SMembers(ctx, r.tagKey(t)).Result()
		if err != nil {
			return fmt.Errorf("members of tag %s: %w", t, err)
		}
		pipe := r.client.TxPipeline()
		for _, k := range members {
			pipe.Del(ctx, r.key(k))
		}
		pipe.Del(ctx, r.tagKey(t))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("invalidate tag %s: %w", t, err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
