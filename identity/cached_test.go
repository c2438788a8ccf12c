package identity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cepbridge/errors"
	fixtures "github.com/c360/cepbridge/testutil"
)

func TestCachedStore(t *testing.T) {
	ca := fixtures.NewCA(t, "Test CA")
	kv := newMemKV()
	ctx := context.Background()

	store, err := NewCachedStore(ctx, NewKVStore(kv), time.Hour)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	rec, err := ParseRecord(fixtures.WalletRecord(t, ca.IssueClient(t, "temp1"), false))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "temp1", rec))

	gate := NewGate(store)
	assert.True(t, gate.Authenticate(ctx, "temp1").Accepted)
	assert.Equal(t, ReasonNotRegistered, gate.Authenticate(ctx, "ghost").Reason)

	// the backend going away is hidden for cached sensors, misses included
	kv.err = assert.AnError
	assert.True(t, gate.Authenticate(ctx, "temp1").Accepted)
	assert.Equal(t, ReasonNotRegistered, gate.Authenticate(ctx, "ghost").Reason)

	// uncached lookups surface the error and are not remembered
	_, err = store.Exists(ctx, "temp2")
	assert.True(t, errors.IsTransient(err))
	kv.err = nil
	ok, err := store.Exists(ctx, "temp2")
	require.NoError(t, err)
	assert.False(t, ok)

	stats := store.Stats()
	assert.Equal(t, int64(4), stats.Hits)
	assert.Equal(t, int64(3), stats.Sets)
}

func TestCachedStore_PutRefreshes(t *testing.T) {
	ca := fixtures.NewCA(t, "Test CA")
	ctx := context.Background()
	store, err := NewCachedStore(ctx, NewKVStore(newMemKV()), time.Hour)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	_, err = store.Certificate(ctx, "temp1")
	require.ErrorIs(t, err, ErrNotFound)

	leaf := ca.IssueClient(t, "temp1")
	rec, err := ParseRecord(fixtures.WalletRecord(t, leaf, false))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "temp1", rec))

	cert, err := store.Certificate(ctx, "temp1")
	require.NoError(t, err)
	assert.Equal(t, leaf.CertPEM, cert)
}

func TestCachedStore_InvalidTTL(t *testing.T) {
	_, err := NewCachedStore(context.Background(), NewKVStore(newMemKV()), 0)
	assert.True(t, errors.IsInvalid(err))
}

// countingStore records how often the certificate path of inner is taken.
type countingStore struct {
	WritableStore
	certificates atomic.Int64
}

func (c *countingStore) Certificate(ctx context.Context, sensorID string) ([]byte, error) {
	c.certificates.Add(1)
	return c.WritableStore.Certificate(ctx, sensorID)
}

func TestCachedStore_UnregisteredSkipsCertificate(t *testing.T) {
	ca := fixtures.NewCA(t, "Test CA")
	ctx := context.Background()
	inner := &countingStore{WritableStore: NewKVStore(newMemKV())}
	store, err := NewCachedStore(ctx, inner, time.Hour)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	assert.Equal(t, ReasonNotRegistered, NewGate(store).Authenticate(ctx, "ghost").Reason)
	assert.Zero(t, inner.certificates.Load(), "an unregistered sensor never loads a certificate")

	rec, err := ParseRecord(fixtures.WalletRecord(t, ca.IssueClient(t, "temp1"), false))
	require.NoError(t, err)
	require.NoError(t, inner.Put(ctx, "temp1", rec))
	assert.True(t, NewGate(store).Authenticate(ctx, "temp1").Accepted)
	assert.Equal(t, int64(1), inner.certificates.Load())
}
