package identity

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/c360/cepbridge/pkg/cache"
)

// CachedStore fronts a remote WritableStore with a TTL cache of lookups. A
// provisioned or revoked identity is seen at most one TTL late; Put through
// the CachedStore refreshes the entry at once. Lookup errors are never
// cached.
type CachedStore struct {
	inner WritableStore
	cache *cache.TTL[cacheEntry]
}

// NewCachedStore wraps inner with a cache whose entries live for ttl. The
// cache sweeps until ctx is cancelled or Close is called.
func NewCachedStore(ctx context.Context, inner WritableStore, ttl time.Duration) (*CachedStore, error) {
	c, err := cache.NewTTL[cacheEntry](ctx, ttl, 0)
	if err != nil {
		return nil, err
	}
	return &CachedStore{inner: inner, cache: c}, nil
}

func (s *CachedStore) lookup(ctx context.Context, sensorID string) (cacheEntry, error) {
	if e, ok := s.cache.Get(sensorID); ok {
		return e, nil
	}

	exists, err := s.inner.Exists(ctx, sensorID)
	if err != nil {
		return cacheEntry{}, err
	}
	entry := cacheEntry{exists: exists}
	if exists {
		// A record removed between the two calls reads as unregistered.
		cert, err := s.inner.Certificate(ctx, sensorID)
		switch {
		case stderrors.Is(err, ErrNotFound):
			entry.exists = false
		case err != nil:
			return cacheEntry{}, err
		default:
			entry.cert = cert
		}
	}
	_ = s.cache.Set(sensorID, entry)
	return entry, nil
}

// Exists reports whether sensorID is registered.
func (s *CachedStore) Exists(ctx context.Context, sensorID string) (bool, error) {
	e, err := s.lookup(ctx, sensorID)
	if err != nil {
		return false, err
	}
	return e.exists, nil
}

// Certificate returns the certificate of sensorID.
func (s *CachedStore) Certificate(ctx context.Context, sensorID string) ([]byte, error) {
	e, err := s.lookup(ctx, sensorID)
	if err != nil {
		return nil, err
	}
	if !e.exists {
		return nil, ErrNotFound
	}
	return e.cert, nil
}

// Put stores rec in the backing store and forgets the cached lookup.
func (s *CachedStore) Put(ctx context.Context, sensorID string, rec *Record) error {
	if err := s.inner.Put(ctx, sensorID, rec); err != nil {
		return err
	}
	s.cache.Delete(sensorID)
	return nil
}

// Stats returns the lookup cache counters.
func (s *CachedStore) Stats() cache.StatsSummary {
	return s.cache.Stats().Summary()
}

// Close stops the cache sweep.
func (s *CachedStore) Close() {
	s.cache.Close()
}
