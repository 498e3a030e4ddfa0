// Package cache memoizes read results behind string keys with tag-based
// invalidation. Two backends are provided: an in-process LRU and Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache stores opaque byte values. Every key may carry tags; invalidating a
// tag drops every key stored with it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error
	Delete(ctx context.Context, keys ...string) error
	InvalidateTags(ctx context.Context, tags ...string) error
	Close() error
}

// Loader reads through a Cache, allowing only one in-flight load per key.
type Loader struct {
	cache Cache
	ttl   time.Duration
	group singleflight.Group
	gen   atomic.Uint64

	// Loads hold mu shared while they check gen and store; Invalidate holds it
	// exclusively so no store can land between its bump and its drop.
	mu sync.RWMutex
}

// NewLoader wraps c. Entries written by the loader expire after ttl.
func NewLoader(c Cache, ttl time.Duration) *Loader {
	return &Loader{cache: c, ttl: ttl}
}

// Cache returns the underlying cache.
func (l *Loader) Cache() Cache {
	return l.cache
}

// Invalidate drops every entry stored under any of tags.
func (l *Loader) Invalidate(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Loads started before this point must not store their result.
	l.gen.Add(1)
	return l.cache.InvalidateTags(ctx, tags...)
}

// Fetch returns the cached value for key, or calls load, stores its result
// under tags and returns it. Concurrent callers for the same key share one
// load. Errors from load are returned and never cached.
func Fetch[T any](ctx context.Context, l *Loader, key string, tags []string, load func(context.Context) (T, error)) (T, error) {
	var zero T

	if data, err := l.cache.Get(ctx, key); err == nil {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return v, nil
		}
		// Undecodable entry, fall through and overwrite it.
	} else if !errors.Is(err, ErrMiss) {
		return zero, fmt.Errorf("cache get %s: %w", key, err)
	}

	gen := l.gen.Load()
	res, err, _ := l.group.Do(key+"#"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		if err := l.store(ctx, gen, key, data, tags); err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

// store writes data unless an invalidation happened since the load began.
func (l *Loader) store(ctx context.Context, gen uint64, key string, data []byte, tags []string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.gen.Load() != gen {
		return nil
	}
	if err := l.cache.Set(ctx, key, data, l.ttl, tags...); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}
