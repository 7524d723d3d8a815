// Package cache memoizes expensive lookups per key. Concurrent misses for
// a key share one fetch; entries older than the TTL are served once more
// while a refresh runs in the background.
package cache

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 3 * time.Second

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

type Cache[T any] struct {
	entries *xsync.Map[string, entry[T]]
	group   singleflight.Group
	ttl     time.Duration
}

func New[T any](ttl time.Duration) *Cache[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[T]{
		entries: xsync.NewMap[string, entry[T]](),
		ttl:     ttl,
	}
}

// Get returns the value cached under key, fetching it with fn on a miss.
// A stale value is refreshed on a context detached from ctx, since the
// caller is usually gone by the time the refresh runs.
func (c *Cache[T]) Get(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	e, ok := c.entries.Load(key)
	if ok {
		if time.Since(e.fetchedAt) > c.ttl {
			refreshCtx := context.WithoutCancel(ctx)
			go func() {
				_, _, _ = c.group.Do(key, func() (any, error) {
					result, err := fn(refreshCtx)
					if err == nil {
						c.entries.Store(key, entry[T]{value: result, fetchedAt: time.Now()})
					}
					return nil, nil
				})
			}()
		}
		return e.value, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if e, ok := c.entries.Load(key); ok {
			return e, nil
		}
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		newEntry := entry[T]{value: res, fetchedAt: time.Now()}
		c.entries.Store(key, newEntry)
		return newEntry, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(entry[T]).value, nil
}

func (c *Cache[T]) Invalidate(key string) {
	c.entries.Delete(key)
}

func (c *Cache[T]) Purge() {
	c.entries.Clear()
}
