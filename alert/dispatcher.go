package alert

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/cepbridge/cep"
	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/metric"
	"github.com/c360/cepbridge/pkg/worker"
)

// Conn is a connected publisher. *natsclient.Client satisfies it.
type Conn interface {
	DeclareExchange(ctx context.Context, subject string) error
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
	Close(ctx context.Context) error
}

// Dialer opens and connects a publisher connection.
type Dialer func(ctx context.Context) (Conn, error)

// Mode selects how alerts reach the broker.
type Mode string

// Publishing modes
const (
	// ModePooled publishes from one goroutine owning a long-lived connection,
	// fed by a bounded queue. Match callbacks never wait on the network.
	ModePooled Mode = config.AlertModePooled
	// ModePerAlert opens, declares, publishes and closes a connection inside
	// every match callback.
	ModePerAlert Mode = config.AlertModePerAlert
)

// Config configures a Dispatcher.
type Config struct {
	Exchange       string
	Mode           Mode
	QueueSize      int
	PublishTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records publish outcomes.
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRegistry registers the publish queue metrics.
func WithRegistry(registry *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) { d.registry = registry }
}

// WithClock sets the time source for alert timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.clock = now
		}
	}
}

// Dispatcher builds one alert per statement match and publishes it.
// Publish failures are logged and never reach the engine.
type Dispatcher struct {
	cfg      Config
	dial     Dialer
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
	clock    func() time.Time

	pool *worker.Pool[Alert]

	connMu sync.Mutex
	conn   Conn

	emitted atomic.Int64
	started atomic.Bool
	lastErr atomic.Pointer[error]
}

// NewDispatcher creates a dispatcher. Nothing is dialled until Start.
func NewDispatcher(cfg Config, dial Dialer, opts ...Option) (*Dispatcher, error) {
	if dial == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil dialer"), "Dispatcher", "NewDispatcher", "validate config")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "alerts"
	}
	if cfg.Mode != ModePerAlert {
		cfg.Mode = ModePooled
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	d := &Dispatcher{
		cfg:    cfg,
		dial:   dial,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "alert", "mode", string(cfg.Mode))

	if cfg.Mode == ModePooled {
		var poolOpts []worker.Option[Alert]
		if d.registry != nil {
			poolOpts = append(poolOpts, worker.WithMetricsRegistry[Alert](d.registry, "alert_queue"))
		}
		pool, err := worker.NewPool(1, cfg.QueueSize, d.publish, poolOpts...)
		if err != nil {
			return nil, err
		}
		d.pool = pool
	}
	return d, nil
}

// Mode returns the publishing mode in effect.
func (d *Dispatcher) Mode() Mode {
	return d.cfg.Mode
}

// Emitted returns the number of alerts built so far.
func (d *Dispatcher) Emitted() int64 {
	return d.emitted.Load()
}

// Healthy returns the error of the most recent publish, or nil once a later
// publish succeeds.
func (d *Dispatcher) Healthy() error {
	if p := d.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (d *Dispatcher) record(err error) {
	if err != nil {
		d.lastErr.Store(&err)
		return
	}
	d.lastErr.Store(nil)
}

// Start opens the long-lived publisher connection and the publish queue. A
// failed connection is logged and retried on the next alert.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Dispatcher", "Start", "start dispatcher")
	}
	if d.cfg.Mode != ModePooled {
		return nil
	}

	if _, err := d.connection(ctx); err != nil {
		d.logger.Warn("Alert publisher not connected, will retry on first alert", "error", err)
	}
	// Stop drains the queue, so workers must outlive ctx.
	return d.pool.Start(context.WithoutCancel(ctx))
}

// Stop drains queued alerts for up to timeout and closes the connection.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	var errs []error
	if d.pool != nil {
		if err := d.pool.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	d.connMu.Lock()
	conn := d.conn
	d.conn = nil
	d.connMu.Unlock()
	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := conn.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Listener returns a statement listener bound to mc.
func (d *Dispatcher) Listener(mc MatchContext) cep.Listener {
	return func(newRows, oldRows []cep.Row) {
		d.Dispatch(mc, newRows, oldRows)
	}
}

// Dispatch handles one match callback: exactly one alert built from the
// first new row. Callbacks without new rows produce nothing.
func (d *Dispatcher) Dispatch(mc MatchContext, newRows, _ []cep.Row) {
	if len(newRows) == 0 {
		return
	}

	now := d.clock()
	a := Alert{
		ID:        uuid.NewString(),
		TenantID:  mc.TenantID,
		RuleID:    mc.RuleID,
		Payload:   FormatPayload(newRows[0], mc, now),
		EmittedAt: now,
	}
	d.emitted.Add(1)
	d.logger.Info("Alert", "tenant", mc.TenantID, "rule", mc.RuleID, "alert_id", a.ID, "payload", a.Payload)

	if d.cfg.Mode == ModePerAlert {
		d.publishOnce(a)
		return
	}

	if err := d.pool.Submit(a); err != nil {
		if d.metrics != nil {
			d.metrics.AlertsDropped.Inc()
		}
		d.logger.Error("Alert dropped", "alert_id", a.ID, "rule", mc.RuleID, "error", err)
	}
}

// connection returns the pooled connection, dialling and declaring the
// exchange when there is none.
func (d *Dispatcher) connection(ctx context.Context) (Conn, error) {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	if d.conn != nil {
		return d.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()

	conn, err := d.dial(dialCtx)
	if err != nil {
		return nil, errors.Kind(errors.ErrTransport,
			errors.WrapTransient(err, "Dispatcher", "connection", "dial publisher"))
	}
	if err := conn.DeclareExchange(dialCtx, d.cfg.Exchange); err != nil {
		_ = conn.Close(dialCtx)
		return nil, err
	}
	d.conn = conn
	return conn, nil
}

// publish is the pool processor for the pooled mode.
func (d *Dispatcher) publish(ctx context.Context, a Alert) error {
	start := time.Now()
	err := d.send(ctx, a)
	d.record(err)
	if d.metrics != nil {
		d.metrics.RecordPublish(time.Since(start), err)
	}
	if err != nil {
		d.logger.Error("Failed to publish alert", "alert_id", a.ID, "rule", a.RuleID, "error", err)
	}
	return err
}

func (d *Dispatcher) send(ctx context.Context, a Alert) error {
	conn, err := d.connection(ctx)
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	return conn.Publish(pubCtx, d.cfg.Exchange, []byte(a.Payload), a.ID)
}

// publishOnce runs the per-alert mode: a fresh connection for every alert.
func (d *Dispatcher) publishOnce(a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	err := func() error {
		conn, err := d.dial(ctx)
		if err != nil {
			return errors.Kind(errors.ErrTransport,
				errors.WrapTransient(err, "Dispatcher", "publishOnce", "dial publisher"))
		}
		defer func() { _ = conn.Close(ctx) }()

		if err := conn.DeclareExchange(ctx, d.cfg.Exchange); err != nil {
			return err
		}
		return conn.Publish(ctx, d.cfg.Exchange, []byte(a.Payload), a.ID)
	}()
	d.record(err)

	if d.metrics != nil {
		d.metrics.RecordPublish(time.Since(start), err)
	}
	if err != nil {
		d.logger.Error("Failed to publish alert", "alert_id", a.ID, "rule", a.RuleID, "error", err)
	}
}
