package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c360/cepbridge/errors"
)

// Conn is the broker surface the bridge depends on. *Client talks to a NATS
// server; *MemoryConn talks to an in-process MemoryBroker.
type Conn interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Healthy() error
	DeclareExchange(ctx context.Context, subject string) error
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
	Consume(ctx context.Context, subject, durable string, handler DeliveryHandler) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

var (
	_ Conn = (*Client)(nil)
	_ Conn = (*MemoryConn)(nil)
)

// ErrNoStream is returned when publishing to a subject no stream captures.
var ErrNoStream = stderrors.New("no stream for subject")

// MemoryBroker is an in-process stand-in for a JetStream server. Queues keep
// messages until a consumer acknowledges them, exchanges keep everything and
// deduplicate on message id, and every subscriber of a subject sees every
// message published on it.
type MemoryBroker struct {
	mu       sync.Mutex
	streams  map[string]*memStream
	subs     map[string][]*memSub
	declares map[string]int
	failNext error

	opened atomic.Int64
	closed atomic.Int64
}

type memStream struct {
	queue bool
	seen  map[string]struct{}
	all   [][]byte

	// queue state
	mu      sync.Mutex
	pending []*memDelivery
	notify  chan struct{}
	durable string
}

type memSub struct {
	ch chan []byte
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		streams:  make(map[string]*memStream),
		subs:     make(map[string][]*memSub),
		declares: make(map[string]int),
	}
}

// Conn returns a new connection to the broker. It must be connected before use.
func (b *MemoryBroker) Conn(name string) *MemoryConn {
	return &MemoryConn{broker: b, name: name}
}

// FailNextPublish makes the next publish on any connection return err.
func (b *MemoryBroker) FailNextPublish(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

// DeclareQueue creates the work queue for subject if it does not exist.
func (b *MemoryBroker) DeclareQueue(subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareLocked(subject, true)
}

func (b *MemoryBroker) declareLocked(subject string, queue bool) *memStream {
	b.declares[subject]++
	s, ok := b.streams[subject]
	if !ok {
		s = &memStream{queue: queue, seen: make(map[string]struct{}), notify: make(chan struct{}, 1)}
		b.streams[subject] = s
	}
	return s
}

// Streams returns the number of distinct streams.
func (b *MemoryBroker) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// Declarations returns how often subject was declared.
func (b *MemoryBroker) Declarations(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declares[subject]
}

// Messages returns every message stored on subject's stream.
func (b *MemoryBroker) Messages(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[subject]
	if !ok {
		return nil
	}
	return append([][]byte(nil), s.all...)
}

// Pending returns the number of unacknowledged messages on a queue.
func (b *MemoryBroker) Pending(subject string) int {
	b.mu.Lock()
	s, ok := b.streams[subject]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Connections returns how many connections were opened and closed.
func (b *MemoryBroker) Connections() (opened, closed int64) {
	return b.opened.Load(), b.closed.Load()
}

func (b *MemoryBroker) publish(subject string, data []byte, msgID string) error {
	b.mu.Lock()
	if err := b.failNext; err != nil {
		b.failNext = nil
		b.mu.Unlock()
		return err
	}
	s, ok := b.streams[subject]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w %s", ErrNoStream, subject)
	}
	if msgID != "" {
		if _, dup := s.seen[msgID]; dup {
			b.mu.Unlock()
			return nil
		}
		s.seen[msgID] = struct{}{}
	}
	msg := append([]byte(nil), data...)
	s.all = append(s.all, msg)
	subs := append([]*memSub(nil), b.subs[subject]...)
	b.mu.Unlock()

	if s.queue {
		s.mu.Lock()
		s.pending = append(s.pending, &memDelivery{stream: s, subject: subject, data: msg})
		s.mu.Unlock()
		s.wake()
	}
	for _, sub := range subs {
		// slow subscribers lose messages, as with core NATS
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

func (s *memStream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next returns the oldest message not currently handed out.
func (s *memStream) next() *memDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.pending {
		if !d.inflight {
			d.inflight = true
			return d
		}
	}
	return nil
}

func (s *memStream) settle(d *memDelivery, ack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p != d {
			continue
		}
		if ack {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
		} else {
			p.inflight = false
		}
		return
	}
}

type memDelivery struct {
	stream   *memStream
	subject  string
	data     []byte
	inflight bool
	done     atomic.Bool
}

func (d *memDelivery) Data() []byte    { return d.data }
func (d *memDelivery) Subject() string { return d.subject }

func (d *memDelivery) Ack() error {
	if !d.done.CompareAndSwap(false, true) {
		return nil
	}
	d.stream.settle(d, true)
	return nil
}

func (d *memDelivery) Nak() error {
	if d.done.Load() {
		return nil
	}
	d.stream.settle(d, false)
	d.stream.wake()
	return nil
}

// MemoryConn is one connection to a MemoryBroker.
type MemoryConn struct {
	broker *MemoryBroker
	name   string

	mu        sync.Mutex
	connected bool
	cancel    []context.CancelFunc
	wg        sync.WaitGroup
}

// Connect marks the connection usable.
func (c *MemoryConn) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		c.connected = true
		c.broker.opened.Add(1)
	}
	return nil
}

// Close stops consumers and subscriptions started on this connection.
func (c *MemoryConn) Close(_ context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	cancels := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.wg.Wait()
	c.broker.closed.Add(1)
	return nil
}

// Healthy reports whether the connection is open.
func (c *MemoryConn) Healthy() error {
	return c.check("Healthy")
}

func (c *MemoryConn) check(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.Kind(errors.ErrTransport,
			errors.WrapTransient(ErrNotConnected, "MemoryConn", method, "check connection"))
	}
	return nil
}

// DeclareExchange creates the alert stream for subject. Repeating it is a no-op.
func (c *MemoryConn) DeclareExchange(_ context.Context, subject string) error {
	if err := c.check("DeclareExchange"); err != nil {
		return err
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.declareLocked(subject, false)
	return nil
}

// Publish stores data on subject's stream and fans it out to subscribers.
func (c *MemoryConn) Publish(_ context.Context, subject string, data []byte, msgID string) error {
	if err := c.check("Publish"); err != nil {
		return err
	}
	if err := c.broker.publish(subject, data, msgID); err != nil {
		return errors.Kind(errors.ErrTransport,
			errors.WrapTransient(err, "MemoryConn", "Publish", fmt.Sprintf("publish to %s", subject)))
	}
	return nil
}

// Consume declares the queue for subject and delivers its messages to
// handler one at a time until ctx ends or the connection closes.
func (c *MemoryConn) Consume(ctx context.Context, subject, durable string, handler DeliveryHandler) error {
	if err := c.check("Consume"); err != nil {
		return err
	}

	c.broker.mu.Lock()
	s := c.broker.declareLocked(subject, true)
	c.broker.mu.Unlock()
	s.durable = durable

	ctx, cancel := context.WithCancel(ctx)
	c.track(cancel)

	go func() {
		defer c.wg.Done()
		for {
			for d := s.next(); d != nil; d = s.next() {
				handler(ctx, d)
				if ctx.Err() != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
			}
		}
	}()
	return nil
}

// Subscribe calls handler for every message published on subject from now on.
func (c *MemoryConn) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	if err := c.check("Subscribe"); err != nil {
		return err
	}

	sub := &memSub{ch: make(chan []byte, 1024)}
	c.broker.mu.Lock()
	c.broker.subs[subject] = append(c.broker.subs[subject], sub)
	c.broker.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.track(cancel)

	go func() {
		defer c.wg.Done()
		defer c.broker.unsubscribe(subject, sub)
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-sub.ch:
				handler(ctx, data)
			}
		}
	}()
	return nil
}

func (c *MemoryConn) track(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = append(c.cancel, cancel)
	c.wg.Add(1)
	c.mu.Unlock()
}

func (b *MemoryBroker) unsubscribe(subject string, sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[subject]
	for i, s := range subs {
		if s == sub {
			b.subs[subject] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
