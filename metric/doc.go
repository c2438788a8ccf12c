// Package metric provides the Prometheus registry and operations HTTP server
// for the bridge.
//
// The registry is created once per process and carries the bridge pipeline
// metrics (Metrics) plus Go runtime collectors. Components that own extra
// collectors, such as the worker pool or the JetStream poller, register them
// through the Registrar interface so duplicate names are caught at
// startup rather than at scrape time.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", registry,
//	    metric.WithHealthCheck("broker", consumer.Healthy),
//	    metric.WithTenants(func() any { return tenants.Summaries() }),
//	)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	defer server.Stop(context.Background())
//
//	m := registry.CoreMetrics()
//	m.MessagesReceived.Inc()
//	m.RecordRejected("not_registered")
//
// # Endpoints
//
//   - /metrics  Prometheus exposition (OpenMetrics enabled)
//   - /healthz  health.Status rolled up over every check; 503 when unhealthy
//   - /tenants  JSON summary of deployed tenants and statement counts
//
// Metric names are prefixed cepbridge_, for example
// cepbridge_messages_rejected_total{reason="certificate_mismatch"}.
package metric
