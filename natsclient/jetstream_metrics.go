package natsclient

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cepbridge/metric"
)

// jetstreamMetrics mirrors the state of the sensor work queue, its durable
// consumer and the alert stream. The server reports cumulative values, so
// everything but the error counter is a gauge.
type jetstreamMetrics struct {
	streamMessages *prometheus.GaugeVec // stream
	streamBytes    *prometheus.GaugeVec // stream
	streamState    *prometheus.GaugeVec // stream; 1 while Info succeeds

	backlog     *prometheus.GaugeVec // stream, consumer; not yet delivered
	ackPending  *prometheus.GaugeVec // stream, consumer
	delivered   *prometheus.GaugeVec // stream, consumer; last stream sequence
	redelivered *prometheus.GaugeVec // stream, consumer

	errors *prometheus.CounterVec // operation

	mu        sync.RWMutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer
}

// newJetStreamMetrics registers the series of one named connection. The
// name is a constant label, so each client on a registry needs its own.
func newJetStreamMetrics(registry *metric.MetricsRegistry, connection string) (*jetstreamMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &jetstreamMetrics{
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
	}
	constLabels := prometheus.Labels{"connection": connection}
	streamLabels := []string{"stream"}
	consumerLabels := []string{"stream", "consumer"}

	gauges := []struct {
		key, name, help string
		labels          []string
		dst             **prometheus.GaugeVec
	}{
		{"stream_messages", "stream_messages", "Messages currently stored in the stream", streamLabels, &m.streamMessages},
		{"stream_bytes", "stream_bytes", "Storage bytes used by the stream", streamLabels, &m.streamBytes},
		{"stream_state", "stream_state", "Stream reachability (1=ok, 0=unavailable)", streamLabels, &m.streamState},
		{"consumer_pending", "consumer_pending_messages", "Readings queued but not yet delivered to the bridge", consumerLabels, &m.backlog},
		{"consumer_ack_pending", "consumer_ack_pending_messages", "Readings delivered but not yet acknowledged", consumerLabels, &m.ackPending},
		{"consumer_delivered", "consumer_delivered_sequence", "Last stream sequence delivered to the consumer", consumerLabels, &m.delivered},
		{"consumer_redelivered", "consumer_redelivered_messages", "Readings redelivered after a nak or ack timeout", consumerLabels, &m.redelivered},
	}

	service := "jetstream." + connection
	for _, g := range gauges {
		*g.dst = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "cepbridge",
			Subsystem:   "jetstream",
			Name:        g.name,
			Help:        g.help,
			ConstLabels: constLabels,
		}, g.labels)
		if err := registry.RegisterGaugeVec(service, g.key, *g.dst); err != nil {
			return nil, err
		}
	}

	m.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "cepbridge",
		Subsystem:   "jetstream",
		Name:        "operation_errors_total",
		Help:        "JetStream operation errors",
		ConstLabels: constLabels,
	}, []string{"operation"})
	if err := registry.RegisterCounterVec(service, "errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *jetstreamMetrics) trackStream(name string, stream jetstream.Stream) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.streams[name] = stream
	m.mu.Unlock()
	m.streamState.WithLabelValues(name).Set(1)
}

func (m *jetstreamMetrics) trackConsumer(stream, durable string, consumer jetstream.Consumer) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.consumers[stream+":"+durable] = consumer
	m.mu.Unlock()
}

func (m *jetstreamMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

// updateStats refreshes every tracked stream and consumer. A stream whose
// Info fails is marked unavailable; a failing consumer keeps its last values.
func (m *jetstreamMetrics) updateStats(ctx context.Context) {
	if m == nil {
		return
	}

	m.mu.RLock()
	streams := make(map[string]jetstream.Stream, len(m.streams))
	for name, s := range m.streams {
		streams[name] = s
	}
	consumers := make([]jetstream.Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.mu.RUnlock()

	for name, s := range streams {
		info, err := s.Info(ctx)
		if err != nil {
			m.streamState.WithLabelValues(name).Set(0)
			continue
		}
		m.streamMessages.WithLabelValues(name).Set(float64(info.State.Msgs))
		m.streamBytes.WithLabelValues(name).Set(float64(info.State.Bytes))
		m.streamState.WithLabelValues(name).Set(1)
	}

	for _, c := range consumers {
		info, err := c.Info(ctx)
		if err != nil {
			continue
		}
		labels := []string{info.Stream, info.Name}
		m.backlog.WithLabelValues(labels...).Set(float64(info.NumPending))
		m.ackPending.WithLabelValues(labels...).Set(float64(info.NumAckPending))
		m.delivered.WithLabelValues(labels...).Set(float64(info.Delivered.Stream))
		m.redelivered.WithLabelValues(labels...).Set(float64(info.NumRedelivered))
	}
}

// startPoller calls updateStats every interval until the returned function
// is called.
func (m *jetstreamMetrics) startPoller(ctx context.Context, interval time.Duration) context.CancelFunc {
	if m == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.updateStats(ctx)
			}
		}
	}()
	return cancel
}
