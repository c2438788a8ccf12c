// Package worker provides the bounded work queue that sits between the
// broker consumer and the identity gate.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cepbridge/metric"
)

// Pool runs a fixed number of workers over a bounded queue of T.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	quit     chan struct{}
	metrics  *Metrics
	wg       sync.WaitGroup

	// Submitters hold the read lock while sending so Stop never closes
	// workChan under a pending send.
	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool
	quitOnce    sync.Once

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	utilization    prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers the pool metrics as cepbridge_<prefix>_*.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 4 workers and a
// queue of 1024.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		if err := pool.initializeMetrics(); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

func (p *Pool[T]) initializeMetrics() error {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "cepbridge", Subsystem: p.metricsPrefix, Name: name, Help: help}
	}

	m := &Metrics{
		queueDepth:  prometheus.NewGauge(prometheus.GaugeOpts(opts("queue_depth", "Items waiting in the queue"))),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts(opts("utilization", "Queue depth over queue size (0-1)"))),
		submitted:   prometheus.NewCounter(prometheus.CounterOpts(opts("submitted_total", "Items accepted by the queue"))),
		processed:   prometheus.NewCounter(prometheus.CounterOpts(opts("processed_total", "Items processed"))),
		failed:      prometheus.NewCounter(prometheus.CounterOpts(opts("failed_total", "Items whose processing returned an error"))),
		dropped:     prometheus.NewCounter(prometheus.CounterOpts(opts("dropped_total", "Items refused because the queue was full"))),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cepbridge",
			Subsystem: p.metricsPrefix,
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing one item",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"status"}),
	}

	service := "worker." + p.metricsPrefix
	for _, reg := range []func() error{
		func() error { return p.metricsRegistry.RegisterGauge(service, "queue_depth", m.queueDepth) },
		func() error { return p.metricsRegistry.RegisterGauge(service, "utilization", m.utilization) },
		func() error { return p.metricsRegistry.RegisterCounter(service, "submitted", m.submitted) },
		func() error { return p.metricsRegistry.RegisterCounter(service, "processed", m.processed) },
		func() error { return p.metricsRegistry.RegisterCounter(service, "failed", m.failed) },
		func() error { return p.metricsRegistry.RegisterCounter(service, "dropped", m.dropped) },
		func() error {
			return p.metricsRegistry.RegisterHistogramVec(service, "processing_duration", m.processingTime)
		},
	} {
		if err := reg(); err != nil {
			return err
		}
	}
	p.metrics = m
	return nil
}

func (p *Pool[T]) accepted() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

func (p *Pool[T]) checkState() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

// Submit queues work without blocking. A full queue returns ErrQueueFull and
// counts the item as dropped.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.checkState(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait queues work, blocking while the queue is full until ctx is
// done or the pool stops.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.checkState(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolStopped
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop
// drains the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	if p.metrics != nil {
		p.wg.Add(1)
		go p.metricsUpdater(ctx)
	}

	p.started = true
	return nil
}

// Stop refuses new work, lets the workers drain what is queued and waits up
// to timeout for them. It is safe to call more than once.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	// Release blocked SubmitWait callers before taking the write lock.
	p.quitOnce.Do(func() { close(p.quit) })

	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			start := time.Now()
			err := p.processor(ctx, work)
			duration := time.Since(start)

			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}

			if p.metrics != nil {
				p.metrics.processed.Inc()
				status := "success"
				if err != nil {
					p.metrics.failed.Inc()
					status = "error"
				}
				p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
			}
		}
	}
}

func (p *Pool[T]) metricsUpdater(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case <-ticker.C:
			depth := float64(len(p.workChan))
			p.metrics.queueDepth.Set(depth)
			p.metrics.utilization.Set(depth / float64(p.queueSize))
		}
	}
}
