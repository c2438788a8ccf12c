//go:build integration

package identity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/cepbridge/natsclient"
	fixtures "github.com/c360/cepbridge/testutil"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "bridge",
				"POSTGRES_PASSWORD": "bridge",
				"POSTGRES_DB":       "identities",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://bridge:bridge@%s:%s/identities?sslmode=disable", host, port.Port())
}

func TestIntegration_PostgresStore(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t)

	store, err := NewPostgresStore(ctx, dsn, "sensor identities")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx))

	ca := fixtures.NewCA(t, "Test CA")
	rec, err := ParseRecord(fixtures.WalletRecord(t, ca.IssueClient(t, "temp1"), false))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "temp1", rec))

	gate := NewGate(store)
	assert.True(t, gate.Authenticate(ctx, "temp1").Accepted)
	assert.Equal(t, ReasonNotRegistered, gate.Authenticate(ctx, "temp2").Reason)
	// quoting keeps the id a value, never SQL
	assert.Equal(t, ReasonNotRegistered, gate.Authenticate(ctx, "x' OR '1'='1").Reason)

	rec2, err := ParseRecord(fixtures.WalletRecord(t, ca.IssueClient(t, "impostor"), false))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "temp1", rec2))
	assert.Equal(t, ReasonCertificateMismatch, gate.Authenticate(ctx, "temp1").Reason)

	_, err = store.Certificate(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIntegration_KVStore(t *testing.T) {
	ctx := context.Background()
	tc := natsclient.NewTestClient(t)

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "sensor_identities"})
	require.NoError(t, err)
	store := NewKVStore(tc.Client.NewKVStore(bucket))

	ca := fixtures.NewCA(t, "Test CA")
	rec, err := ParseRecord(fixtures.WalletRecord(t, ca.IssueClient(t, "temp1"), true))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "temp1", rec))

	gate := NewGate(store, WithBindingMode(BindingStrict))
	assert.True(t, gate.Authenticate(ctx, "temp1").Accepted)
	assert.Equal(t, ReasonNotRegistered, gate.Authenticate(ctx, "temp2").Reason)

	require.NoError(t, store.Delete(ctx, "temp1"))
	assert.Equal(t, ReasonNotRegistered, gate.Authenticate(ctx, "temp1").Reason)
}
