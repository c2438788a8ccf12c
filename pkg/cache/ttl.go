// Package cache provides a generic, thread-safe time-to-live cache.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/c360/cepbridge/errors"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL holds values for a fixed time after they are set. Expired entries are
// never returned and are swept in the background until Close is called or
// the context passed to NewTTL is cancelled.
type TTL[V any] struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]entry[V]
	stats Statistics
	now   func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewTTL creates a cache whose entries live for ttl. A zero sweep interval
// defaults to ttl.
func NewTTL[V any](ctx context.Context, ttl, sweep time.Duration) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if sweep <= 0 {
		sweep = ttl
	}
	c := &TTL[V]{
		ttl:   ttl,
		items: make(map[string]entry[V]),
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.sweep(ctx, sweep)
	return c, nil
}

// Get returns the live value stored under key.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expiresAt) {
		c.stats.misses.Add(1)
		var zero V
		return zero, false
	}
	c.stats.hits.Add(1)
	return e.value, true
}

// Set stores value under key and restarts its lifetime.
func (c *TTL[V]) Set(key string, value V) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Set", "key cannot be empty")
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	c.stats.sets.Add(1)
	return nil
}

// Delete removes key and reports whether it was present.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.items[key]
	delete(c.items, key)
	c.mu.Unlock()
	return ok
}

// Size returns the number of stored entries, including expired ones not yet
// swept.
func (c *TTL[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns the cache counters.
func (c *TTL[V]) Stats() *Statistics {
	return &c.stats
}

// Close stops the background sweep.
func (c *TTL[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *TTL[V]) sweep(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *TTL[V]) removeExpired() {
	now := c.now()
	c.mu.Lock()
	for key, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, key)
			c.stats.evictions.Add(1)
		}
	}
	c.mu.Unlock()
}
