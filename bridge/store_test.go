package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/identity"
	"github.com/c360/cepbridge/natsclient"
	fixtures "github.com/c360/cepbridge/testutil"
)

func TestOpenStore_File(t *testing.T) {
	dir := t.TempDir()
	store, closeFn, err := OpenStore(context.Background(),
		config.IdentityConfig{Backend: config.BackendFile, WalletDir: dir}, nil)
	require.NoError(t, err)
	defer closeFn()

	ca := fixtures.NewCA(t, "Test CA")
	leaf := ca.IssueClient(t, "s1")
	rec, err := identity.ParseRecord(fixtures.WalletRecord(t, leaf, true))
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "s1", rec))

	ok, err := store.Exists(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCachedBackend(t *testing.T) {
	fs, err := identity.NewFileStore(t.TempDir())
	require.NoError(t, err)

	closed := 0
	store, closeFn, err := cached(context.Background(), config.IdentityConfig{}, fs, func() { closed++ })
	require.NoError(t, err)
	assert.Same(t, fs, store, "no ttl leaves the store as is")

	store, closeFn, err = cached(context.Background(),
		config.IdentityConfig{CacheTTL: config.Duration(time.Minute)}, fs, func() { closed++ })
	require.NoError(t, err)
	assert.IsType(t, &identity.CachedStore{}, store)
	closeFn()
	assert.Equal(t, 1, closed)

	_, _, err = cached(context.Background(),
		config.IdentityConfig{CacheTTL: config.Duration(-time.Minute)}, fs, func() { closed++ })
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 2, closed, "the backend is released when the cache cannot be built")
}

func TestOpenStore_Errors(t *testing.T) {
	_, _, err := OpenStore(context.Background(),
		config.IdentityConfig{Backend: config.BackendKV, KVBucket: "ids"}, natsclient.NewMemoryBroker().Conn("x"))
	assert.True(t, errors.IsInvalid(err), "the in-memory broker has no key-value buckets")

	_, _, err = OpenStore(context.Background(), config.IdentityConfig{Backend: "ldap"}, nil)
	assert.ErrorIs(t, err, errors.ErrConfig)
}

func TestService_WatchedWalletPicksUpNewSensors(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Identity.Watch = true })
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() { _ = h.svc.Stop(time.Second) })

	ok, err := h.svc.store.Exists(context.Background(), "temp9")
	require.NoError(t, err)
	require.False(t, ok, "the miss is cached")

	ca := fixtures.NewCA(t, "Test CA")
	fixtures.WriteWalletIdentity(t, h.cfg.Identity.WalletDir, "temp9", ca.IssueClient(t, "temp9"))

	require.Eventually(t, func() bool {
		ok, err := h.svc.store.Exists(context.Background(), "temp9")
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	_, watched := h.svc.store.(*identity.WatchedStore)
	assert.True(t, watched)
}
