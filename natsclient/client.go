// Package natsclient manages authenticated NATS connections for the bridge:
// the long-lived consumer connection reading the durable sensor queue and the
// publisher connection feeding the alert exchange.
package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
	ErrClosed       = stderrors.New("client is closed")
)

// Delivery is one message handed to a queue consumer. The handler decides
// when to acknowledge.
type Delivery interface {
	Data() []byte
	Subject() string
	Ack() error
	Nak() error
}

// DeliveryHandler processes one queue delivery.
type DeliveryHandler func(ctx context.Context, d Delivery)

// Client manages one NATS connection with circuit breaker protection.
type Client struct {
	url      string
	status   atomic.Value // stores ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	// Circuit breaker
	backoff          atomic.Value // stores time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	tlsConfig     *tls.Config
	clientName    string

	// Metrics
	registry        *metric.MetricsRegistry
	jsMetrics       *jetstreamMetrics
	metricsCancel   context.CancelFunc
	metricsInterval time.Duration

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client for url. Nothing is dialled until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		metricsInterval:  30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient", "client", c.name())
	if c.tlsConfig != nil && c.tlsConfig.InsecureSkipVerify {
		c.logger.Warn("TLS verification disabled", "url", url)
	}

	if c.registry != nil {
		m, err := newJetStreamMetrics(c.registry, c.name())
		if err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "register JetStream metrics")
		}
		c.jsMetrics = m
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)

	c.logger.Debug("Created NATS client", "url", url)
	return c, nil
}

func (c *Client) name() string {
	if c.clientName != "" {
		return c.clientName
	}
	return "default"
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.registry != nil {
		c.registry.CoreMetrics().RecordNATSStatus(c.name(), status == StatusConnected)
	}
}

// IsHealthy returns true if the connection is healthy
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Healthy reports the connection state as an error, suitable for health
// endpoints.
func (c *Client) Healthy() error {
	if status := c.Status(); status != StatusConnected {
		return fmt.Errorf("nats %s: %s", c.name(), status)
	}
	return nil
}

// Failures returns the current failure count
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// recordFailure counts a failed operation and opens the circuit once the
// threshold is reached in the current round.
func (c *Client) recordFailure() {
	total := c.failures.Add(1)
	round := c.circuitFailures.Add(1)
	c.logger.Debug("Recorded failure", "total", total, "circuit_failures", round)

	if round < c.circuitThreshold {
		return
	}

	current := c.Status()
	if current == StatusCircuitOpen || !c.status.CompareAndSwap(current, StatusCircuitOpen) {
		return
	}

	wait := c.backoff.Load().(time.Duration)
	next := wait * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(next)
	c.circuitFailures.Store(0)

	c.logger.Warn("Circuit breaker opened", "failures", round, "backoff", wait)
	time.AfterFunc(wait, c.halfOpen)
}

// halfOpen lets the next attempt through after the backoff elapsed.
func (c *Client) halfOpen() {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debug("Circuit breaker half-open")
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect dials the server and initialises JetStream. Failures are transient
// so callers may retry; once the circuit opens ErrCircuitOpen is returned
// until the backoff elapses.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(ErrClosed, "Client", "Connect", "check client state")
	}
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(ErrCircuitOpen, "Client", "Connect", "check circuit breaker")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url, "tls", c.tlsConfig != nil)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- result{conn: conn, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
		res.err = ctx.Err()
	}

	if res.err != nil {
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.Kind(errors.ErrTransport,
			errors.WrapTransient(res.err, "Client", "Connect", fmt.Sprintf("connect to %s", c.url)))
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		res.conn.Close()
		c.recordFailure()
		c.setStatus(StatusDisconnected)
		return errors.Kind(errors.ErrTransport,
			errors.WrapTransient(err, "Client", "Connect", "initialise JetStream"))
	}

	c.mu.Lock()
	c.conn = res.conn
	c.js = js
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS", "url", res.conn.ConnectedUrlRedacted())

	if c.jsMetrics != nil && c.metricsInterval > 0 {
		c.metricsCancel = c.jsMetrics.startPoller(context.Background(), c.metricsInterval)
	}
	return nil
}

// Close stops consumers, drains the connection and releases it. It is safe
// to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Swap(true) {
		return nil
	}

	if c.metricsCancel != nil {
		c.metricsCancel()
	}

	c.consumersMu.Lock()
	for key, cc := range c.consumers {
		cc.Stop()
		c.logger.Debug("Stopped consumer", "consumer", key)
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drained := make(chan error, 1)
		conn := c.conn
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
		}

		conn.Close()
		c.conn = nil
		c.js = nil
	}

	c.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the NATS server
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.Kind(errors.ErrTransport, errors.WrapTransient(
			ErrNotConnected, "Client", "JetStream", "get JetStream context"))
	}
	return c.js, nil
}

func (c *Client) ready(method string) (jetstream.JetStream, error) {
	if c.closed.Load() {
		return nil, errors.WrapInvalid(ErrClosed, "Client", method, "check client state")
	}
	if c.Status() == StatusCircuitOpen {
		return nil, errors.WrapTransient(ErrCircuitOpen, "Client", method, "check circuit breaker")
	}
	return c.JetStream()
}

// StreamName maps a subject to the JetStream stream backing it. Stream names
// may not contain dots, so sensor.data becomes SENSOR_DATA.
func StreamName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return strings.ToUpper(r.Replace(subject))
}

// DeclareQueue makes sure the durable work queue for subject exists together
// with the named durable consumer. Messages stay in the stream until a
// consumer acknowledges them. Declaring an existing queue is a no-op.
func (c *Client) DeclareQueue(ctx context.Context, subject, durable string) (jetstream.Consumer, error) {
	js, err := c.ready("DeclareQueue")
	if err != nil {
		return nil, err
	}

	streamName := StreamName(subject)
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		c.recordFailure()
		c.jsMetrics.recordError("declare_queue")
		return nil, errors.Kind(errors.ErrTransport,
			errors.WrapTransient(err, "Client", "DeclareQueue", fmt.Sprintf("declare stream %s", streamName)))
	}
	c.jsMetrics.trackStream(streamName, stream)

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		c.recordFailure()
		c.jsMetrics.recordError("declare_consumer")
		return nil, errors.Kind(errors.ErrTransport,
			errors.WrapTransient(err, "Client", "DeclareQueue", fmt.Sprintf("declare consumer %s", durable)))
	}
	c.jsMetrics.trackConsumer(streamName, durable, consumer)

	c.resetCircuit()
	return consumer, nil
}

// DeclareExchange makes sure the alert stream bound to subject exists. The
// stream keeps a duplicate window so alerts published twice with the same
// message id are stored once. Core subscribers on subject each receive every
// alert regardless of the stream. Safe to call repeatedly.
func (c *Client) DeclareExchange(ctx context.Context, subject string) error {
	js, err := c.ready("DeclareExchange")
	if err != nil {
		return err
	}

	streamName := StreamName(subject)
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
		MaxAge:     24 * time.Hour,
	})
	if err != nil {
		c.recordFailure()
		c.jsMetrics.recordError("declare_exchange")
		return errors.Kind(errors.ErrTransport,
			errors.WrapTransient(err, "Client", "DeclareExchange", fmt.Sprintf("declare stream %s", streamName)))
	}
	c.jsMetrics.trackStream(streamName, stream)

	c.resetCircuit()
	return nil
}

// Consume delivers messages from the durable consumer on the queue to
// handler until ctx is cancelled or the client closes. The handler owns
// acknowledgement.
func (c *Client) Consume(ctx context.Context, subject, durable string, handler DeliveryHandler) error {
	consumer, err := c.DeclareQueue(ctx, subject, durable)
	if err != nil {
		return err
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(ctx, msg)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		c.logger.Error("Consumer error", "durable", durable, "error", err)
		c.jsMetrics.recordError("consume")
	}))
	if err != nil {
		c.recordFailure()
		return errors.Kind(errors.ErrTransport,
			errors.WrapTransient(err, "Client", "Consume", fmt.Sprintf("start consumer %s", durable)))
	}

	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	if c.closed.Load() {
		cc.Stop()
		return errors.WrapInvalid(ErrClosed, "Client", "Consume", "register consumer")
	}
	if c.consumers == nil {
		c.consumers = make(map[string]jetstream.ConsumeContext)
	}
	key := subject + ":" + durable
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
		c.logger.Debug("Replaced existing consumer", "consumer", key)
	}
	c.consumers[key] = cc

	go func() {
		select {
		case <-ctx.Done():
			cc.Stop()
		case <-cc.Closed():
		}
	}()
	return nil
}

// Publish stores data on the stream bound to subject and waits for the
// broker acknowledgement. A non-empty msgID is sent as Nats-Msg-Id so the
// broker drops redelivered duplicates.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	js, err := c.ready("Publish")
	if err != nil {
		return err
	}

	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := js.Publish(ctx, subject, data, opts...); err != nil {
		c.jsMetrics.recordError("publish")
		return errors.Kind(errors.ErrTransport,
			errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish to %s", subject)))
	}
	return nil
}

// Subscribe receives every message published on subject. Each handler call
// gets a context derived from ctx with a 30-second timeout.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return errors.Kind(errors.ErrTransport,
			errors.WrapTransient(ErrNotConnected, "Client", "Subscribe", "check connection"))
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.Kind(errors.ErrTransport,
			errors.WrapTransient(err, "Client", "Subscribe", fmt.Sprintf("subscribe to %s", subject)))
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Flush waits until the server has processed everything sent so far.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

// CreateKeyValueBucket opens the bucket, creating it when missing.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.ready("CreateKeyValueBucket")
	if err != nil {
		return nil, err
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
			fmt.Sprintf("create bucket %s", cfg.Bucket))
	}
	c.resetCircuit()
	return bucket, nil
}

// KeyValue opens an existing bucket.
func (c *Client) KeyValue(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	js, err := c.ready("KeyValue")
	if err != nil {
		return nil, err
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, errors.Kind(errors.ErrConfig,
				errors.WrapInvalid(err, "Client", "KeyValue", fmt.Sprintf("open bucket %s", bucket)))
		}
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "KeyValue", fmt.Sprintf("open bucket %s", bucket))
	}
	c.resetCircuit()
	return kv, nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Error("Disconnected from NATS", "error", err)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Reconnected to NATS", "url", conn.ConnectedUrlRedacted())
	if c.registry != nil {
		c.registry.CoreMetrics().RecordNATSReconnect(c.name())
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS error", "error", err)
}
