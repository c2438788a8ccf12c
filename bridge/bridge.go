// Package bridge wires the alerting pipeline together and owns its lifecycle.
//
// Start brings the pieces up in dependency order: the engine and router, the
// tenant deployment pass, the consumer connection and identity store, the
// alert dispatcher, the ingest worker pool and finally the queue consumer.
// Nothing is consumed until every tenant's statements are deployed. Stop
// tears the pipeline down in the reverse direction so queued readings and
// alerts drain before their connections close.
package bridge

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/cepbridge/alert"
	"github.com/c360/cepbridge/cep"
	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/health"
	"github.com/c360/cepbridge/identity"
	"github.com/c360/cepbridge/metric"
	"github.com/c360/cepbridge/natsclient"
	"github.com/c360/cepbridge/pkg/retry"
	"github.com/c360/cepbridge/pkg/worker"
	"github.com/c360/cepbridge/router"
	"github.com/c360/cepbridge/tenant"
)

// Drop reasons recorded on MessagesDropped
const (
	DropMalformed = "malformed"
	DropQueueFull = "queue_full"
	DropRequeued  = "requeued"
)

// Service is one running bridge.
type Service struct {
	cfg      *config.Config
	dial     Dialer
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	engine   *cep.Engine
	store    identity.Store

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	consumer   natsclient.Conn
	router     *router.Router
	tenants    *tenant.Registry
	dispatcher *alert.Dispatcher
	pool       *worker.Pool[router.Reading]
	gate       *identity.Gate
	server     *metric.Server
	closers    []func()
	watchDone  chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithDialer replaces the NATS dialer, typically with an in-memory broker.
func WithDialer(dial Dialer) Option {
	return func(s *Service) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry sets the metrics registry shared by every component.
func WithRegistry(registry *metric.MetricsRegistry) Option {
	return func(s *Service) {
		if registry != nil {
			s.registry = registry
		}
	}
}

// WithEngine supplies the evaluation engine.
func WithEngine(engine *cep.Engine) Option {
	return func(s *Service) {
		if engine != nil {
			s.engine = engine
		}
	}
}

// WithStore bypasses the configured identity backend.
func WithStore(store identity.Store) Option {
	return func(s *Service) { s.store = store }
}

// New creates a service for cfg. cfg must already be validated.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil config"), "Service", "New", "validate config")
	}

	s := &Service{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = metric.NewMetricsRegistry()
	}
	s.metrics = s.registry.CoreMetrics()
	if s.engine == nil {
		s.engine = cep.NewEngine(cep.WithLogger(s.logger))
	}
	if s.dial == nil {
		s.dial = NATSDialer(cfg, s.logger, s.registry)
	}
	return s, nil
}

// Engine returns the evaluation engine.
func (s *Service) Engine() *cep.Engine {
	return s.engine
}

// Registry returns the metrics registry.
func (s *Service) Registry() *metric.MetricsRegistry {
	return s.registry
}

// Tenants returns the deployed tenants, nil before Start.
func (s *Service) Tenants() *tenant.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenants
}

// Dispatcher returns the alert dispatcher, nil before Start.
func (s *Service) Dispatcher() *alert.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher
}

// Healthy reports whether the consumer connection is usable.
func (s *Service) Healthy() error {
	s.mu.Lock()
	consumer := s.consumer
	s.mu.Unlock()
	if consumer == nil {
		return errors.Kind(errors.ErrTransport, natsclient.ErrNotConnected)
	}
	return consumer.Healthy()
}

// Start deploys every tenant and begins consuming. A tenant list that cannot
// be read and a consumer that cannot connect are fatal; everything else is
// logged and skipped.
func (s *Service) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A service runs once; its statements stay deployed on the engine.
	if s.cancel != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Service", "Start", "start bridge")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	defer func() {
		if err != nil {
			_ = s.teardown(5 * time.Second)
		}
	}()

	if err := s.deploy(ctx); err != nil {
		return err
	}
	if err := s.connectConsumer(ctx); err != nil {
		return err
	}
	if err := s.openStore(ctx, runCtx); err != nil {
		return err
	}
	s.gate = identity.NewGate(s.store,
		identity.WithBindingMode(identity.BindingMode(s.cfg.Identity.BindingMode)),
		identity.WithLogger(s.logger),
		identity.WithMetrics(s.metrics))

	if err := s.dispatcher.Start(runCtx); err != nil {
		return err
	}

	pool, err := worker.NewPool(s.cfg.Pipeline.Workers, s.cfg.Pipeline.QueueSize, s.process,
		worker.WithMetricsRegistry[router.Reading](s.registry, "ingest_queue"))
	if err != nil {
		return err
	}
	if err := pool.Start(context.WithoutCancel(runCtx)); err != nil {
		return err
	}
	s.pool = pool

	if err := s.startServer(); err != nil {
		return err
	}

	if err := s.consumer.Consume(runCtx, s.cfg.Broker.Queue, s.cfg.Broker.Durable, s.handleDelivery); err != nil {
		return errors.Kind(errors.ErrTransport, errors.WrapFatal(err, "Service", "Start", "consume queue"))
	}

	s.started = true
	s.logger.Info("Bridge started",
		"queue", s.cfg.Broker.Queue,
		"exchange", s.cfg.Broker.Exchange,
		"tenants", len(s.tenants.Tenants()),
		"statements", s.tenants.StatementCount(),
		"workers", s.cfg.Pipeline.Workers,
		"overflow", s.cfg.Pipeline.Overflow,
		"alert_mode", s.cfg.Alerts.Mode)
	return nil
}

// deploy registers the event type, builds the dispatcher and runs the tenant
// deployment pass. The dispatcher is not started yet, so no statement can
// publish before the consumer exists.
func (s *Service) deploy(ctx context.Context) error {
	rt, err := router.New(s.engine, s.cfg.Tenants.EventType,
		router.WithLogger(s.logger), router.WithMetrics(s.metrics))
	if err != nil {
		return err
	}
	s.router = rt

	d, err := alert.NewDispatcher(alert.Config{
		Exchange:       s.cfg.Broker.Exchange,
		Mode:           alert.Mode(s.cfg.Alerts.Mode),
		QueueSize:      s.cfg.Alerts.QueueSize,
		PublishTimeout: s.cfg.Alerts.PublishTimeout.Std(),
	}, s.publisherDialer(),
		alert.WithLogger(s.logger),
		alert.WithMetrics(s.metrics),
		alert.WithRegistry(s.registry))
	if err != nil {
		return err
	}
	s.dispatcher = d

	reg, err := tenant.Deploy(ctx, s.engine, s.cfg.Tenants, d,
		tenant.WithLogger(s.logger), tenant.WithMetrics(s.metrics))
	if err != nil {
		return errors.Kind(errors.ErrConfig, errors.WrapFatal(err, "Service", "deploy", "deploy tenants"))
	}
	s.tenants = reg
	return nil
}

// connectConsumer opens the queue connection, retrying the connect with
// backoff.
func (s *Service) connectConsumer(ctx context.Context) error {
	rc := retry.Connect(s.cfg.Broker.ConnectAttempts)
	rc.OnRetry = func(attempt int, err error, next time.Duration) {
		s.logger.Warn("Consumer connection failed, retrying",
			"attempt", attempt, "next_in", next, "error", err)
	}

	conn, err := s.dial(ctx, RoleConsumer)
	if err != nil {
		return errors.Kind(errors.ErrTransport, errors.WrapFatal(err, "Service", "connectConsumer", "create consumer"))
	}
	if err := retry.Do(ctx, rc, func() error { return conn.Connect(ctx) }); err != nil {
		_ = conn.Close(ctx)
		return errors.Kind(errors.ErrTransport, errors.WrapFatal(err, "Service", "connectConsumer", "connect consumer"))
	}
	s.consumer = conn
	return nil
}

// publisherDialer adapts the service dialer to the dispatcher.
func (s *Service) publisherDialer() alert.Dialer {
	return func(ctx context.Context) (alert.Conn, error) {
		c, err := s.dial(ctx, RolePublisher)
		if err != nil {
			return nil, err
		}
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// openStore opens the configured identity backend and, when asked, the
// wallet watcher. runCtx bounds the watcher.
func (s *Service) openStore(ctx, runCtx context.Context) error {
	if s.store != nil {
		return nil
	}

	store, closeFn, err := OpenStore(ctx, s.cfg.Identity, s.consumer)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, closeFn)
	s.store = store

	if fs, ok := store.(*identity.FileStore); ok && s.cfg.Identity.Watch {
		ws := identity.NewWatchedStore(fs, s.logger)
		ready := make(chan struct{})
		watchErr := make(chan error, 1)
		done := make(chan struct{})
		s.watchDone = done
		go func() {
			defer close(done)
			if err := ws.Watch(runCtx, ready); err != nil {
				watchErr <- err
			}
		}()
		select {
		case <-ready:
		case err := <-watchErr:
			return err
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "Service", "openStore", "wait for wallet watcher")
		}
		s.store = ws
	}

	s.logger.Info("Identity store ready",
		"backend", s.cfg.Identity.Backend,
		"binding_mode", s.cfg.Identity.BindingMode,
		"watch", s.cfg.Identity.Watch)
	return nil
}

func (s *Service) startServer() error {
	if !s.cfg.Metrics.Enabled {
		return nil
	}
	reg := s.tenants
	srv := metric.NewServer(s.cfg.Metrics.Addr, s.registry,
		metric.WithName(s.cfg.Broker.Name),
		metric.WithHealthCheck("broker", s.consumer.Healthy),
		metric.WithHealthCheck("publisher", func() error { return health.Degraded(s.dispatcher.Healthy()) }),
		metric.WithTenants(func() any { return reg.Summaries() }))
	if err := srv.Start(); err != nil {
		return err
	}
	s.server = srv
	s.logger.Info("Ops server listening", "addr", srv.Address())
	return nil
}

// handleDelivery takes one message off the queue. Malformed messages are
// acknowledged and dropped; valid readings are handed to the pool and
// acknowledged once accepted there.
func (s *Service) handleDelivery(ctx context.Context, d natsclient.Delivery) {
	s.metrics.MessagesReceived.Inc()

	reading, err := router.ParseReading(d.Data())
	if err != nil {
		_ = d.Ack()
		s.metrics.RecordDropped(DropMalformed)
		s.logger.Warn("Dropping malformed reading", "subject", d.Subject(), "error", err)
		return
	}

	switch s.cfg.Pipeline.Overflow {
	case config.OverflowDrop:
		_ = d.Ack()
		if err := s.pool.Submit(reading); err != nil {
			s.metrics.RecordDropped(DropQueueFull)
			s.logger.Warn("Ingest queue full, dropping reading", "sensor_id", reading.SensorID, "error", err)
		}

	case config.OverflowNak:
		if err := s.pool.Submit(reading); err != nil {
			_ = d.Nak()
			s.metrics.RecordDropped(DropRequeued)
			s.logger.Debug("Ingest queue full, returning reading to broker", "sensor_id", reading.SensorID)
			return
		}
		_ = d.Ack()

	default:
		if err := s.pool.SubmitWait(ctx, reading); err != nil {
			// Only shutdown interrupts a blocking submit; let the broker redeliver.
			_ = d.Nak()
			return
		}
		_ = d.Ack()
	}
}

// process is the pool processor: identity gate, then the router.
func (s *Service) process(ctx context.Context, r router.Reading) error {
	if decision := s.gate.Authenticate(ctx, r.SensorID); !decision.Accepted {
		return nil
	}
	return s.router.Route(r)
}

// Stop closes the consumer, drains the ingest pool and then the dispatcher.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	err := s.teardown(timeout)
	s.logger.Info("Bridge stopped", "alerts", s.dispatcher.Emitted())
	return err
}

// teardown releases whatever Start managed to bring up. Caller holds s.mu.
func (s *Service) teardown(timeout time.Duration) error {
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.consumer != nil {
		if err := s.consumer.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		s.consumer = nil
	}
	if s.pool != nil {
		if err := s.pool.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
		s.pool = nil
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		s.server = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.watchDone != nil {
		<-s.watchDone
		s.watchDone = nil
	}
	for _, closeFn := range s.closers {
		closeFn()
	}
	s.closers = nil
	return stderrors.Join(errs...)
}

// Run starts the service and blocks until ctx is cancelled, then stops it.
func (s *Service) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.logger.Info("Shutting down bridge", "timeout", shutdownTimeout)
	return s.Stop(shutdownTimeout)
}
