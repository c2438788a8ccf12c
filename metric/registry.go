package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/cepbridge/errors"
)

// Registrar is the registration surface handed to components that own
// their own collectors, such as the broker clients.
type Registrar interface {
	RegisterCounter(service, name string, counter prometheus.Counter) error
	RegisterGauge(service, name string, gauge prometheus.Gauge) error
	RegisterHistogram(service, name string, histogram prometheus.Histogram) error
	RegisterCounterVec(service, name string, vec *prometheus.CounterVec) error
	RegisterGaugeVec(service, name string, vec *prometheus.GaugeVec) error
	RegisterHistogramVec(service, name string, vec *prometheus.HistogramVec) error
	Unregister(service, name string) bool
}

type collectorKey struct {
	service string
	name    string
}

func (k collectorKey) String() string { return k.service + "." + k.name }

// MetricsRegistry owns the Prometheus registry of one bridge process. Each
// component collector is filed under a service and a short name so that a
// second registration of the same pair fails before Prometheus sees it.
type MetricsRegistry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu    sync.Mutex
	owned map[collectorKey]prometheus.Collector
}

// NewMetricsRegistry creates a registry holding the pipeline metrics and
// the Go runtime and process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:    prometheus.NewRegistry(),
		Metrics: NewMetrics(),
		owned:   make(map[collectorKey]prometheus.Collector),
	}
	r.prom.MustRegister(r.Metrics.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying registry for gathering.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry { return r.prom }

// CoreMetrics returns the pipeline metrics.
func (r *MetricsRegistry) CoreMetrics() *Metrics { return r.Metrics }

// RegisterCounter files counter under service and name. The other Register
// methods do the same for their collector kinds.
func (r *MetricsRegistry) RegisterCounter(service, name string, counter prometheus.Counter) error {
	return r.add(collectorKey{service, name}, counter)
}

func (r *MetricsRegistry) RegisterGauge(service, name string, gauge prometheus.Gauge) error {
	return r.add(collectorKey{service, name}, gauge)
}

func (r *MetricsRegistry) RegisterHistogram(service, name string, histogram prometheus.Histogram) error {
	return r.add(collectorKey{service, name}, histogram)
}

func (r *MetricsRegistry) RegisterCounterVec(service, name string, vec *prometheus.CounterVec) error {
	return r.add(collectorKey{service, name}, vec)
}

func (r *MetricsRegistry) RegisterGaugeVec(service, name string, vec *prometheus.GaugeVec) error {
	return r.add(collectorKey{service, name}, vec)
}

func (r *MetricsRegistry) RegisterHistogramVec(service, name string, vec *prometheus.HistogramVec) error {
	return r.add(collectorKey{service, name}, vec)
}

// add files c under key. Both a repeated key and a Prometheus descriptor
// clash are invalid input; any other registry failure is fatal.
func (r *MetricsRegistry) add(key collectorKey, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.owned[key]; taken {
		return errors.WrapInvalid(fmt.Errorf("collector %s already registered", key),
			"MetricsRegistry", "Register", "check collector key")
	}

	if err := r.prom.Register(c); err != nil {
		var clash prometheus.AlreadyRegisteredError
		if stderrors.As(err, &clash) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register",
				fmt.Sprintf("descriptor clash for %s", key))
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register collector")
	}
	r.owned[key] = c
	return nil
}

// Unregister removes the collector filed under service and name. It
// reports whether anything was removed.
func (r *MetricsRegistry) Unregister(service, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := collectorKey{service, name}
	c, ok := r.owned[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned, key)
	return true
}
