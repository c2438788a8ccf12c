package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cepbridge"

// Metrics contains the bridge pipeline metrics: what the consumer received,
// what the identity gate refused, what reached the engine and what left as
// alerts.
type Metrics struct {
	// Ingress
	MessagesReceived prometheus.Counter
	MessagesRejected *prometheus.CounterVec // by gate reason
	MessagesDropped  *prometheus.CounterVec // by drop reason
	EventsInjected   prometheus.Counter
	GateDuration     prometheus.Histogram

	// Deployment
	StatementsDeployed *prometheus.GaugeVec   // by tenant
	RulesSkipped       *prometheus.CounterVec // by tenant, reason
	TenantsSkipped     prometheus.Counter

	// Egress
	AlertsPublished prometheus.Counter
	AlertsFailed    prometheus.Counter
	AlertsDropped   prometheus.Counter
	PublishDuration prometheus.Histogram

	// Broker
	NATSConnected  *prometheus.GaugeVec   // by connection name
	NATSReconnects *prometheus.CounterVec // by connection name
}

// NewMetrics creates the bridge metrics. They are not registered.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Wire messages delivered by the consumer",
		}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "rejected_total",
			Help:      "Readings refused by the identity gate",
		}, []string{"reason"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Messages discarded before evaluation (malformed, overflow)",
		}, []string{"reason"}),
		EventsInjected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "events_injected_total",
			Help:      "Authenticated readings handed to the engine",
		}),
		GateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "authenticate_duration_seconds",
			Help:      "Time spent in identity checks",
			Buckets:   prometheus.DefBuckets,
		}),

		StatementsDeployed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tenants",
			Name:      "statements_deployed",
			Help:      "Statements deployed per tenant",
		}, []string{"tenant"}),
		RulesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenants",
			Name:      "rules_skipped_total",
			Help:      "Rules that failed validation, compilation or deployment",
		}, []string{"tenant", "reason"}),
		TenantsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenants",
			Name:      "skipped_total",
			Help:      "Tenants skipped because their rule file could not be loaded",
		}),

		AlertsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "published_total",
			Help:      "Alerts acknowledged by the broker",
		}),
		AlertsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "failed_total",
			Help:      "Alerts whose publish failed",
		}),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "dropped_total",
			Help:      "Alerts discarded because the publish queue was full",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "publish_duration_seconds",
			Help:      "Alert publish latency including broker acknowledgement",
			Buckets:   prometheus.DefBuckets,
		}),

		NATSConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "Broker connection status (0=disconnected, 1=connected)",
		}, []string{"connection"}),
		NATSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Broker reconnections",
		}, []string{"connection"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived, m.MessagesRejected, m.MessagesDropped, m.EventsInjected, m.GateDuration,
		m.StatementsDeployed, m.RulesSkipped, m.TenantsSkipped,
		m.AlertsPublished, m.AlertsFailed, m.AlertsDropped, m.PublishDuration,
		m.NATSConnected, m.NATSReconnects,
	}
}

// RecordRejected counts a reading refused by the gate.
func (m *Metrics) RecordRejected(reason string) {
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordDropped counts a message discarded before evaluation.
func (m *Metrics) RecordDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordGateDuration observes one identity check.
func (m *Metrics) RecordGateDuration(d time.Duration) {
	m.GateDuration.Observe(d.Seconds())
}

// RecordStatements sets the deployed statement count for a tenant.
func (m *Metrics) RecordStatements(tenant string, n int) {
	m.StatementsDeployed.WithLabelValues(tenant).Set(float64(n))
}

// RecordRuleSkipped counts a rule that did not deploy.
func (m *Metrics) RecordRuleSkipped(tenant, reason string) {
	m.RulesSkipped.WithLabelValues(tenant, reason).Inc()
}

// RecordPublish records the outcome of one alert publish.
func (m *Metrics) RecordPublish(d time.Duration, err error) {
	m.PublishDuration.Observe(d.Seconds())
	if err != nil {
		m.AlertsFailed.Inc()
		return
	}
	m.AlertsPublished.Inc()
}

// RecordNATSStatus updates the connection gauge for a named connection.
func (m *Metrics) RecordNATSStatus(connection string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.WithLabelValues(connection).Set(value)
}

// RecordNATSReconnect increments the reconnection counter
func (m *Metrics) RecordNATSReconnect(connection string) {
	m.NATSReconnects.WithLabelValues(connection).Inc()
}
