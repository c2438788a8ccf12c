package identity

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/c360/cepbridge/errors"
)

type cacheEntry struct {
	exists bool
	cert   []byte
}

// WatchedStore caches lookups from a wallet directory and drops a sensor's
// entry whenever its record file changes, so provisioning and revocation take
// effect without a restart. Lookup errors are never cached.
type WatchedStore struct {
	inner  *FileStore
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
	gen   uint64 // bumped on every invalidation
}

// NewWatchedStore wraps inner. Call Watch to start invalidation.
func NewWatchedStore(inner *FileStore, logger *slog.Logger) *WatchedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatchedStore{
		inner:  inner,
		logger: logger.With("component", "identity.watch"),
		cache:  make(map[string]cacheEntry),
	}
}

func (s *WatchedStore) lookup(ctx context.Context, sensorID string) (cacheEntry, error) {
	s.mu.RLock()
	entry, ok := s.cache[sensorID]
	gen := s.gen
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}

	exists, err := s.inner.Exists(ctx, sensorID)
	if err != nil {
		return cacheEntry{}, err
	}
	entry = cacheEntry{exists: exists}
	if exists {
		cert, err := s.inner.Certificate(ctx, sensorID)
		if err != nil {
			return cacheEntry{}, err
		}
		entry.cert = cert
	}

	// A change observed while loading makes the result unsafe to keep.
	s.mu.Lock()
	if s.gen == gen {
		s.cache[sensorID] = entry
	}
	s.mu.Unlock()
	return entry, nil
}

// Exists reports whether sensorID is registered.
func (s *WatchedStore) Exists(ctx context.Context, sensorID string) (bool, error) {
	entry, err := s.lookup(ctx, sensorID)
	if err != nil {
		return false, err
	}
	return entry.exists, nil
}

// Certificate returns the cached certificate of sensorID.
func (s *WatchedStore) Certificate(ctx context.Context, sensorID string) ([]byte, error) {
	entry, err := s.lookup(ctx, sensorID)
	if err != nil {
		return nil, err
	}
	if !entry.exists {
		return nil, ErrNotFound
	}
	return entry.cert, nil
}

// Invalidate forgets the cached entry for sensorID.
func (s *WatchedStore) Invalidate(sensorID string) {
	s.mu.Lock()
	delete(s.cache, sensorID)
	s.gen++
	s.mu.Unlock()
}

// Cached returns the number of cached sensors.
func (s *WatchedStore) Cached() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *WatchedStore) reset() {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.gen++
	s.mu.Unlock()
}

// Watch invalidates cache entries as wallet files change. ready, if not nil,
// is closed once the watcher is installed. It blocks until ctx is cancelled.
func (s *WatchedStore) Watch(ctx context.Context, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapFatal(err, "WatchedStore", "Watch", "create watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(s.inner.Dir()); err != nil {
		return errors.WrapFatal(err, "WatchedStore", "Watch", "watch wallet directory")
	}
	// Anything cached before the watch started may be stale.
	s.reset()
	s.logger.Info("Watching wallet for changes", "dir", s.inner.Dir())
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".id") {
				continue
			}
			sensorID := strings.TrimSuffix(name, ".id")
			s.Invalidate(sensorID)
			s.logger.Debug("Identity changed", "sensor_id", sensorID, "op", event.Op.String())

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// Events may have been lost.
			s.reset()
			s.logger.Error("Wallet watcher error", "error", err)
		}
	}
}
