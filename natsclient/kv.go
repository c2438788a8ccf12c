package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KV errors
var (
	ErrKVKeyNotFound   = errors.New("kv: key not found")
	ErrKVValueTooLarge = errors.New("kv: value too large")
)

// KVEntry is a bucket value together with its revision.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions bounds bucket operations.
type KVOptions struct {
	Timeout      time.Duration // per operation; zero waits on the caller's context only
	MaxValueSize int           // larger writes are refused; zero disables the check
}

// DefaultKVOptions suits identity records: a PEM certificate and key in a
// small JSON envelope.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:      5 * time.Second,
		MaxValueSize: 1 << 20,
	}
}

// KVStore is a JetStream key-value bucket with per-operation timeouts, a
// value size limit and one not-found error for missing and deleted keys.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore wraps bucket, logging through the client's logger.
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger.With("bucket", bucket.Bucket()),
	}
}

// Bucket returns the bucket name.
func (kv *KVStore) Bucket() string {
	return kv.bucket.Bucket()
}

func (kv *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return context.WithCancel(ctx)
}

// Get returns the current value of key.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	switch {
	case IsKVNotFoundError(err):
		return nil, ErrKVKeyNotFound
	case err != nil:
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes value under key, replacing any previous value.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if limit := kv.options.MaxValueSize; limit > 0 && len(value) > limit {
		return 0, fmt.Errorf("kv put %s: %w: %d bytes, limit %d", key, ErrKVValueTooLarge, len(value), limit)
	}

	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	kv.logger.Debug("KV put", "key", key, "revision", rev)
	return rev, nil
}

// Delete removes key.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	err := kv.bucket.Delete(ctx, key)
	switch {
	case IsKVNotFoundError(err):
		return ErrKVKeyNotFound
	case err != nil:
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	kv.logger.Debug("KV delete", "key", key)
	return nil
}

// Keys lists every live key. An empty bucket yields an empty slice.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	switch {
	case errors.Is(err, jetstream.ErrNoKeysFound):
		return []string{}, nil
	case err != nil:
		return nil, fmt.Errorf("kv keys %s: %w", kv.bucket.Bucket(), err)
	}
	return keys, nil
}

// IsKVNotFoundError reports whether err means the key is missing or deleted.
// Server error text is matched too, since not every path returns the typed
// errors.
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}
