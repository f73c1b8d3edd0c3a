package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/transport"
)

// ConnectionStatus is the state of a Client's connection.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = [...]string{"disconnected", "connecting", "connected", "reconnecting", "circuit_open"}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = errors.ErrCircuitOpen
)

// Status is a point-in-time view of a Client.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client is one NATS connection. It implements transport.Conn.
type Client struct {
	url     string
	opts    options
	breaker *breaker
	state   atomic.Int32
	closed  atomic.Bool

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription
}

var _ transport.Conn = (*Client)(nil)

// NewClient creates a disconnected client for url.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	return &Client{
		url:     url,
		opts:    o,
		breaker: newBreaker(o.threshold, o.maxBackoff),
	}, nil
}

func (c *Client) URL() string { return c.url }

// Status reports StatusCircuitOpen while the breaker refuses attempts.
func (c *Client) Status() ConnectionStatus {
	s := ConnectionStatus(c.state.Load())
	if s != StatusConnected && c.breaker.isOpen() {
		return StatusCircuitOpen
	}
	return s
}

func (c *Client) setState(s ConnectionStatus) { c.state.Store(int32(s)) }

func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Failures counts failed attempts since the last successful connection.
func (c *Client) Failures() int32 {
	n, _, _ := c.breaker.snapshot()
	return n
}

// Backoff is how long the circuit stays open the next time it opens.
func (c *Client) Backoff() time.Duration {
	_, d, _ := c.breaker.snapshot()
	return d
}

func (c *Client) GetStatus() *Status {
	n, _, last := c.breaker.snapshot()
	st := &Status{Status: c.Status(), FailureCount: n, LastFailureTime: last}
	if rtt, err := c.RTT(); err == nil {
		st.RTT = rtt
	}
	return st
}

// GetConnection returns the underlying connection, nil before Connect.
func (c *Client) GetConnection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// ConnectionOptions returns what Connect passes to nats.Connect.
func (c *Client) ConnectionOptions() []nats.Option {
	return c.opts.natsOptions(c)
}

func (c *Client) recordFailure() {
	if opened, wait := c.breaker.fail(); opened {
		c.opts.logger.Printf("Circuit breaker opened, backing off for %v", wait)
	}
}

func (c *Client) resetCircuit() { c.breaker.reset() }

// Connect dials the server. It fails fast with ErrCircuitOpen while the
// breaker is open, and with errors.ErrClosed after Close.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.ErrClosed
	}
	if c.breaker.isOpen() {
		return ErrCircuitOpen
	}

	c.setState(StatusConnecting)
	c.opts.logger.Printf("Connecting to NATS at %s", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.ConnectionOptions()...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// A late connection is closed once it arrives.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		res.err = ctx.Err()
	}
	if res.err != nil {
		c.recordFailure()
		c.setState(StatusDisconnected)
		if c.breaker.isOpen() {
			return ErrCircuitOpen
		}
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	c.mu.Lock()
	c.conn = res.conn
	if js, err := jetstream.New(res.conn); err == nil {
		c.js = js
	}
	c.mu.Unlock()

	c.resetCircuit()
	c.setState(StatusConnected)
	c.opts.metrics.RecordNATSConnection(true)
	c.opts.logger.Printf("Connected to NATS at %s", c.url)
	return nil
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !c.IsHealthy() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-tick.C:
		}
	}
	return nil
}

// Close unsubscribes everything and drains the connection, waiting at most
// the drain timeout or the ctx deadline, whichever is sooner. A closed
// client cannot reconnect.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if conn := c.conn; conn != nil {
		wait := c.opts.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			wait = min(wait, max(time.Until(deadline), 0))
		}
		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(wait):
			c.opts.logger.Errorf("Drain timeout after %v, force closing", wait)
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
		}
		conn.Close()
		c.conn, c.js = nil, nil
	}

	c.opts.forgetSecrets()
	c.breaker.reset()
	c.setState(StatusDisconnected)
	c.opts.metrics.RecordNATSConnection(false)
	return stderrors.Join(errs...)
}

func (c *Client) RTT() (time.Duration, error) {
	conn := c.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

func (c *Client) live() (*nats.Conn, error) {
	if c.closed.Load() {
		return nil, errors.ErrClosed
	}
	conn := c.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "live", "check connection")
	}
	return conn, nil
}

// Publish implements transport.Conn.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return conn.Publish(subject, data)
}

// Subscribe implements transport.Conn. NATS delivers each subscription's
// messages on its own goroutine, one at a time.
func (c *Client) Subscribe(ctx context.Context, subject string, handler transport.Handler) (transport.Subscription, error) {
	return c.subscribe(subject, func(msg *nats.Msg) { handler(ctx, msg.Data) })
}

// Serve implements transport.Conn. A handler error leaves the request
// unanswered.
func (c *Client) Serve(ctx context.Context, subject string, handler transport.RequestHandler) (transport.Subscription, error) {
	return c.subscribe(subject, func(msg *nats.Msg) {
		reply, err := handler(ctx, msg.Data)
		if err != nil {
			c.opts.logger.Errorf("request on %s not answered: %v", subject, err)
			return
		}
		if err := msg.Respond(reply); err != nil {
			c.opts.logger.Errorf("respond on %s: %v", subject, err)
		}
	})
}

func (c *Client) subscribe(subject string, cb nats.MsgHandler) (transport.Subscription, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sub, err := conn.Subscribe(subject, cb)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrSubscriptionFailed, "Client", "Subscribe", fmt.Sprintf("%s: %v", subject, err))
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// Request implements transport.Conn. Timeouts and missing responders both
// surface as transport.ErrTimeout.
func (c *Client) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := conn.RequestWithContext(reqCtx, subject, data)
	switch {
	case err == nil:
		return msg.Data, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case stderrors.Is(err, nats.ErrTimeout),
		stderrors.Is(err, context.DeadlineExceeded),
		stderrors.Is(err, nats.ErrNoResponders):
		return nil, transport.ErrTimeout
	default:
		return nil, errors.WrapTransient(err, "Client", "Request", "request "+subject)
	}
}

func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// CreateKeyValueBucket opens cfg.Bucket, creating it if it does not exist.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if c.Status() != StatusConnected {
		return nil, ErrNotConnected
	}
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	if kv, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return kv, nil
	}
	kv, err := js.CreateKeyValue(ctx, cfg)
	if err != nil && bucketExists(err) {
		// Lost a creation race with another process.
		kv, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "open bucket "+cfg.Bucket)
	}
	c.opts.logger.Printf("Using KV bucket %s", cfg.Bucket)
	return kv, nil
}

func bucketExists(err error) bool {
	if stderrors.Is(err, jetstream.ErrBucketExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already in use")
}

func (c *Client) onDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setState(StatusReconnecting)
	c.opts.metrics.RecordNATSConnection(false)
	if err != nil {
		c.opts.logger.Printf("Disconnected from NATS: %v", err)
	}
}

func (c *Client) onReconnect(_ *nats.Conn) {
	c.resetCircuit()
	c.setState(StatusConnected)
	c.opts.metrics.RecordNATSConnection(true)
	c.opts.metrics.RecordNATSReconnect()
	c.opts.logger.Printf("Reconnected to NATS at %s", c.url)
}

func (c *Client) onClosed(_ *nats.Conn) {
	c.setState(StatusDisconnected)
}

func (c *Client) onAsyncError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.opts.logger.Errorf("NATS error: %v", err)
}
