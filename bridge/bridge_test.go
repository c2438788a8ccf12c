package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/metric"
	"github.com/c360/cepbridge/natsclient"
	"github.com/c360/cepbridge/pkg/worker"
	"github.com/c360/cepbridge/router"
	fixtures "github.com/c360/cepbridge/testutil"
)

type harness struct {
	broker   *natsclient.MemoryBroker
	cfg      *config.Config
	svc      *Service
	producer *natsclient.MemoryConn
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	wallet := t.TempDir()
	ca := fixtures.NewCA(t, "Test CA")
	fixtures.WriteWalletIdentity(t, wallet, "temp1", ca.IssueClient(t, "temp1"))

	rules := t.TempDir()
	fixtures.WriteRules(t, rules, "rulesc1.json", fixtures.Rule{
		ID:        "temperatureRule",
		Select:    "sensorId,value",
		Condition: "value > 30",
		Window:    "5 events",
		SensorID:  "temp1",
	})

	cfg := config.Default()
	cfg.Broker.URLs = []string{"nats://memory:4222"}
	cfg.Identity.WalletDir = wallet
	cfg.Tenants.IDs = []string{"c1"}
	cfg.Tenants.RulesDir = rules
	cfg.Pipeline.Workers = 2
	cfg.Metrics.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	broker := natsclient.NewMemoryBroker()
	svc, err := New(cfg, WithDialer(func(_ context.Context, role Role) (natsclient.Conn, error) {
		return broker.Conn(string(role)), nil
	}))
	require.NoError(t, err)

	producer := broker.Conn("sensor")
	require.NoError(t, producer.Connect(context.Background()))
	t.Cleanup(func() { _ = producer.Close(context.Background()) })

	return &harness{broker: broker, cfg: cfg, svc: svc, producer: producer}
}

func (h *harness) send(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, h.producer.Publish(context.Background(), h.cfg.Broker.Queue, []byte(payload), ""))
}

// settle waits for the queue to empty, then stops the service so the ingest
// pool and the alert queue are fully drained.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.broker.Pending(h.cfg.Broker.Queue) == 0 },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.svc.Stop(2*time.Second))
}

func TestService_EndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.svc.Start(context.Background()))

	h.send(t, `{"sensorId":"temp1","value":35,"timestamp":"t1"}`)
	h.send(t, `{"sensorId":"ghost","value":35,"timestamp":"t1"}`)
	h.settle(t)

	alerts := h.broker.Messages(h.cfg.Broker.Exchange)
	require.Len(t, alerts, 1)
	payload := string(alerts[0])
	assert.True(t, strings.HasPrefix(payload, "ALERT: {sensorId=temp1, value=35, contractId=c1, ruleId=temperatureRule, alertTimestamp="), payload)

	m := h.svc.Registry().CoreMetrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsInjected), "rejected readings never reach the engine")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRejected.WithLabelValues("not_registered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsPublished))
}

func TestService_UnregisteredSensorOnly(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.svc.Start(context.Background()))

	h.send(t, `{"sensorId":"ghost","value":99,"timestamp":"t1"}`)
	h.settle(t)

	assert.Empty(t, h.broker.Messages(h.cfg.Broker.Exchange))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.svc.Registry().CoreMetrics().EventsInjected))
}

func TestService_MalformedReadingsAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.svc.Start(context.Background()))

	h.send(t, `{`)
	h.send(t, `{"sensorId":"temp1","value":"hot"}`)
	h.send(t, `{"value":40}`)
	h.settle(t)

	m := h.svc.Registry().CoreMetrics()
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropMalformed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EventsInjected))
	assert.Empty(t, h.broker.Messages(h.cfg.Broker.Exchange))
}

func TestService_PerAlertMode(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Alerts.Mode = config.AlertModePerAlert })
	require.NoError(t, h.svc.Start(context.Background()))
	assert.Equal(t, config.AlertModePerAlert, string(h.svc.Dispatcher().Mode()))

	for _, v := range []int{31, 32, 5, 33} {
		h.send(t, `{"sensorId":"temp1","value":`+strconv.Itoa(v)+`,"timestamp":"t"}`)
	}
	h.settle(t)

	assert.Len(t, h.broker.Messages(h.cfg.Broker.Exchange), 3)
	opened, closed := h.broker.Connections()
	// producer + consumer + one connection per alert
	assert.Equal(t, int64(5), opened)
	assert.Equal(t, int64(4), closed, "the producer is still open")
}

func TestService_PooledModeReusesConnection(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.svc.Start(context.Background()))

	for _, v := range []int{31, 32, 33} {
		h.send(t, `{"sensorId":"temp1","value":`+strconv.Itoa(v)+`,"timestamp":"t"}`)
	}
	h.settle(t)

	assert.Len(t, h.broker.Messages(h.cfg.Broker.Exchange), 3)
	opened, _ := h.broker.Connections()
	assert.Equal(t, int64(3), opened, "producer, consumer and one publisher")
	assert.Equal(t, 1, h.broker.Declarations(h.cfg.Broker.Exchange))
}

func TestService_TenantListFailureIsFatal(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Tenants.IDs = nil
		c.Tenants.InstancesFile = filepath.Join(t.TempDir(), "missing.json")
	})

	err := h.svc.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfig)
	assert.True(t, errors.IsFatal(err))

	opened, _ := h.broker.Connections()
	assert.Equal(t, int64(1), opened, "only the producer; deployment fails before the consumer dials")
}

// refusingConn never connects.
type refusingConn struct {
	*natsclient.MemoryConn
	attempts *atomic.Int32
}

func (c refusingConn) Connect(context.Context) error {
	c.attempts.Add(1)
	return errors.WrapTransient(assert.AnError, "refusingConn", "Connect", "dial")
}

func TestService_ConsumerConnectFailureIsFatal(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Broker.ConnectAttempts = 2 })
	var attempts atomic.Int32
	svc, err := New(h.cfg, WithDialer(func(_ context.Context, role Role) (natsclient.Conn, error) {
		return refusingConn{MemoryConn: h.broker.Conn(string(role)), attempts: &attempts}, nil
	}))
	require.NoError(t, err)

	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, int32(2), attempts.Load())
	assert.Error(t, svc.Healthy())
}

func TestService_Lifecycle(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.svc.Healthy())
	assert.NoError(t, h.svc.Stop(time.Second), "stopping an unstarted service is a no-op")

	require.NoError(t, h.svc.Start(context.Background()))
	assert.NoError(t, h.svc.Healthy())
	assert.Equal(t, 1, h.svc.Tenants().StatementCount())

	err := h.svc.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, h.svc.Stop(time.Second))
	require.NoError(t, h.svc.Stop(time.Second))
	assert.ErrorIs(t, h.svc.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestService_Run(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx, time.Second) }()

	require.Eventually(t, func() bool { return h.svc.Healthy() == nil }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestService_OpsServer(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Metrics.Enabled = true
		c.Metrics.Addr = "127.0.0.1:0"
	})
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() { _ = h.svc.Stop(time.Second) })

	base := "http://" + h.svc.server.Address()

	resp, err := http.Get(base + "/tenants")
	require.NoError(t, err)
	defer resp.Body.Close()
	var summaries []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "c1", summaries[0]["id"])
	assert.Equal(t, 1.0, summaries[0]["statements"])

	health, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	metrics, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

// fakeDelivery records how a message was settled.
type fakeDelivery struct {
	data    []byte
	acked   atomic.Bool
	nakked  atomic.Bool
	subject string
}

func (d *fakeDelivery) Data() []byte    { return d.data }
func (d *fakeDelivery) Subject() string { return d.subject }
func (d *fakeDelivery) Ack() error      { d.acked.Store(true); return nil }
func (d *fakeDelivery) Nak() error      { d.nakked.Store(true); return nil }

// saturated returns a service whose ingest pool has one reading in flight
// and one queued, so the next submit overflows.
func saturated(t *testing.T, overflow string) (*Service, *metric.Metrics) {
	t.Helper()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	pool, err := worker.NewPool(1, 1, func(context.Context, router.Reading) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		close(release)
		_ = pool.Stop(time.Second)
	})

	require.NoError(t, pool.Submit(router.Reading{SensorID: "a"}))
	<-started
	require.NoError(t, pool.Submit(router.Reading{SensorID: "b"}))

	cfg := config.Default()
	cfg.Pipeline.Overflow = overflow
	m := metric.NewMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Service{cfg: cfg, metrics: m, logger: logger, pool: pool}, m
}

func TestHandleDelivery_OverflowNak(t *testing.T) {
	svc, m := saturated(t, config.OverflowNak)
	d := &fakeDelivery{data: []byte(`{"sensorId":"c","value":1}`)}

	svc.handleDelivery(context.Background(), d)

	assert.True(t, d.nakked.Load(), "the broker redelivers")
	assert.False(t, d.acked.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropRequeued)))
}

func TestHandleDelivery_OverflowDrop(t *testing.T) {
	svc, m := saturated(t, config.OverflowDrop)
	d := &fakeDelivery{data: []byte(`{"sensorId":"c","value":1}`)}

	svc.handleDelivery(context.Background(), d)

	assert.True(t, d.acked.Load())
	assert.False(t, d.nakked.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropQueueFull)))
}

func TestHandleDelivery_OverflowBlock(t *testing.T) {
	svc, _ := saturated(t, config.OverflowBlock)
	d := &fakeDelivery{data: []byte(`{"sensorId":"c","value":1}`)}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	svc.handleDelivery(ctx, d)

	assert.True(t, d.nakked.Load(), "an interrupted wait hands the message back")
	assert.False(t, d.acked.Load())
}
