//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cepbridge/metric"
	"github.com/c360/cepbridge/pkg/security"
	"github.com/c360/cepbridge/pkg/tlsutil"
	"github.com/c360/cepbridge/testutil"
)

func TestIntegration_ConnectAndHealth(t *testing.T) {
	tc := NewTestClient(t)

	assert.True(t, tc.IsReady())
	assert.NoError(t, tc.Client.Healthy())

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient("nats://127.0.0.1:1", WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Error(t, client.Connect(ctx))
	}
	assert.Equal(t, StatusCircuitOpen, client.Status())

	start := time.Now()
	err = client.Connect(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestIntegration_WorkQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tc := NewTestClient(t)

	_, err := tc.Client.DeclareQueue(ctx, "sensor.data", "bridge")
	require.NoError(t, err)
	// redeclaring is a no-op
	_, err = tc.Client.DeclareQueue(ctx, "sensor.data", "bridge")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, tc.Client.Publish(ctx, "sensor.data", []byte(fmt.Sprintf(`{"n":%d}`, i)), ""))
	}

	var mu sync.Mutex
	var got []string
	nakked := false
	done := make(chan struct{})
	err = tc.Client.Consume(ctx, "sensor.data", "bridge", func(_ context.Context, d Delivery) {
		mu.Lock()
		defer mu.Unlock()
		if string(d.Data()) == `{"n":1}` && !nakked {
			nakked = true
			_ = d.Nak()
			return
		}
		got = append(got, string(d.Data()))
		_ = d.Ack()
		if len(got) == 3 {
			close(done)
		}
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	assert.ElementsMatch(t, []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}, got)
	mu.Unlock()

	js, err := tc.Client.JetStream()
	require.NoError(t, err)
	stream, err := js.Stream(ctx, StreamName("sensor.data"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		info, err := stream.Info(ctx)
		return err == nil && info.State.Msgs == 0
	}, 5*time.Second, 100*time.Millisecond, "acked messages leave the work queue")
}

func TestIntegration_ExchangeFanOutAndDedup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tc := NewTestClient(t)

	require.NoError(t, tc.Client.DeclareExchange(ctx, "alerts"))
	require.NoError(t, tc.Client.DeclareExchange(ctx, "alerts"))

	received := make([]chan []byte, 2)
	for i := range received {
		ch := make(chan []byte, 4)
		received[i] = ch
		peer, err := tc.NewPeer(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = peer.Close(context.Background()) })
		require.NoError(t, peer.Subscribe(ctx, "alerts", func(_ context.Context, data []byte) {
			ch <- data
		}))
		require.NoError(t, peer.Flush(ctx))
	}

	require.NoError(t, tc.Client.Publish(ctx, "alerts", []byte("ALERT: {}"), "alert-1"))
	require.NoError(t, tc.Client.Publish(ctx, "alerts", []byte("ALERT: {}"), "alert-1"))

	for i, ch := range received {
		select {
		case data := <-ch:
			assert.Equal(t, "ALERT: {}", string(data), "subscriber %d", i)
		case <-ctx.Done():
			t.Fatalf("subscriber %d received nothing", i)
		}
	}

	js, err := tc.Client.JetStream()
	require.NoError(t, err)
	stream, err := js.Stream(ctx, StreamName("alerts"))
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs, "duplicate message id stored once")
}

func TestIntegration_KVStore(t *testing.T) {
	ctx := context.Background()
	tc := NewTestClient(t, WithKVBuckets("wallet"))

	bucket, err := tc.Client.KeyValue(ctx, "wallet")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket, func(o *KVOptions) { o.MaxValueSize = 16 })
	assert.Equal(t, "wallet", kv.Bucket())

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = kv.Get(ctx, "temp1")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Put(ctx, "temp1", []byte("record"))
	require.NoError(t, err)
	assert.Greater(t, rev, uint64(0))

	_, err = kv.Put(ctx, "temp2", []byte("this value is far too large"))
	assert.ErrorIs(t, err, ErrKVValueTooLarge)

	entry, err := kv.Get(ctx, "temp1")
	require.NoError(t, err)
	assert.Equal(t, []byte("record"), entry.Value)

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"temp1"}, keys)

	require.NoError(t, kv.Delete(ctx, "temp1"))
	_, err = kv.Get(ctx, "temp1")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	_, err = tc.Client.KeyValue(ctx, "missing")
	require.Error(t, err)
}

func TestIntegration_JetStreamMetrics(t *testing.T) {
	ctx := context.Background()
	tc := NewTestClient(t)

	registry := metric.NewMetricsRegistry()
	client, err := tc.NewPeer(ctx, WithName("metrics"), WithMetrics(registry), WithMetricsInterval(0))
	require.NoError(t, err)
	defer client.Close(ctx)

	_, err = client.DeclareQueue(ctx, "metrics.data", "probe")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, client.Publish(ctx, "metrics.data", []byte("x"), ""))
	}

	client.jsMetrics.updateStats(ctx)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if g := m.GetGauge(); g != nil {
				values[mf.GetName()] = g.GetValue()
			}
		}
	}
	assert.Equal(t, 4.0, values["cepbridge_jetstream_stream_messages"])
	assert.Equal(t, 1.0, values["cepbridge_jetstream_stream_state"])
	assert.Equal(t, 4.0, values["cepbridge_jetstream_consumer_pending_messages"])
	assert.Equal(t, 1.0, values["cepbridge_nats_connected"])
}

func TestIntegration_MutualTLS(t *testing.T) {
	ca := testutil.NewCA(t, "Test Root CA")
	server := ca.IssueServer(t, "localhost", "127.0.0.1")
	clientLeaf := ca.IssueClient(t, "bridge-consumer")

	dir := t.TempDir()
	cfg := security.ClientTLSConfig{
		Enabled:  true,
		CAFile:   testutil.WriteFile(t, dir, "ca.pem", ca.CertPEM),
		CertFile: testutil.WriteFile(t, dir, "client.pem", clientLeaf.CertPEM),
		KeyFile:  testutil.WriteFile(t, dir, "client-key.pem", clientLeaf.KeyPEM),
	}
	tlsConfig, err := tlsutil.LoadMutualTLS(cfg, "")
	require.NoError(t, err)

	tc := NewTestClient(t,
		WithServerTLS(ca.CertPEM, server.CertPEM, server.KeyPEM),
		WithClientOptions(WithTLSConfig(tlsConfig)),
	)
	assert.True(t, tc.IsReady())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = tc.Client.DeclareQueue(ctx, "secure.data", "bridge")
	require.NoError(t, err)

	// Without a client certificate the server refuses the handshake.
	anonymous, err := tlsutil.LoadMutualTLS(security.ClientTLSConfig{Enabled: true, CAFile: cfg.CAFile}, "")
	require.NoError(t, err)
	client, err := NewClient(tc.URL, WithTLSConfig(anonymous), WithMaxReconnects(0), WithTimeout(2*time.Second))
	require.NoError(t, err)
	err = client.Connect(ctx)
	require.Error(t, err)
	assert.False(t, client.IsHealthy())

	// A certificate from another CA is refused as well.
	rogue := testutil.NewCA(t, "Rogue CA").IssueClient(t, "bridge-consumer")
	rogueCfg := cfg
	rogueCfg.CertFile = testutil.WriteFile(t, dir, "rogue.pem", rogue.CertPEM)
	rogueCfg.KeyFile = testutil.WriteFile(t, dir, "rogue-key.pem", rogue.KeyPEM)
	rogueTLS, err := tlsutil.LoadMutualTLS(rogueCfg, "")
	require.NoError(t, err)
	client, err = NewClient(tc.URL, WithTLSConfig(rogueTLS), WithMaxReconnects(0), WithTimeout(2*time.Second))
	require.NoError(t, err)
	require.Error(t, client.Connect(ctx))
}
