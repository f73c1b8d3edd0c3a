package natsclient

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/afspm/metric"
)

// options collects everything a ClientOption can set.
type options struct {
	name          string
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	compression   bool

	username, password, token string

	tls                    bool
	certFile, keyFile, ca string

	threshold  int32
	maxBackoff time.Duration

	logger  Logger
	metrics *metric.Metrics
}

func defaultOptions() options {
	return options{
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  10 * time.Second,
		threshold:     5,
		maxBackoff:    time.Minute,
		logger:        NewSlogLogger(nil),
	}
}

// natsOptions translates o into options for nats.Connect. Connection events
// go to c.
func (o *options) natsOptions(c *Client) []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(o.maxReconnects),
		nats.ReconnectWait(o.reconnectWait),
		nats.PingInterval(o.pingInterval),
		nats.Timeout(o.timeout),
		nats.DrainTimeout(o.drainTimeout),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(c.onAsyncError),
	}
	if o.name != "" {
		opts = append(opts, nats.Name(o.name))
	}
	if o.username != "" && o.password != "" {
		opts = append(opts, nats.UserInfo(o.username, o.password))
	}
	if o.token != "" {
		opts = append(opts, nats.Token(o.token))
	}
	if o.tls {
		if o.certFile != "" && o.keyFile != "" {
			opts = append(opts, nats.ClientCert(o.certFile, o.keyFile))
		}
		if o.ca != "" {
			opts = append(opts, nats.RootCAs(o.ca))
		}
	}
	if o.compression {
		opts = append(opts, nats.Compression(true))
	}
	return opts
}

// forgetSecrets drops credentials once they are no longer needed.
func (o *options) forgetSecrets() {
	o.username, o.password, o.token = "", "", ""
}

// ClientOption configures a Client.
type ClientOption func(*options) error

// WithName sets the connection name shown by the server.
func WithName(name string) ClientOption {
	return func(o *options) error {
		o.name = name
		return nil
	}
}

// WithMaxReconnects bounds reconnection attempts; -1 retries forever.
func WithMaxReconnects(n int) ClientOption {
	return func(o *options) error {
		o.maxReconnects = n
		return nil
	}
}

func WithReconnectWait(d time.Duration) ClientOption {
	return func(o *options) error {
		o.reconnectWait = d
		return nil
	}
}

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		o.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight messages.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("drain timeout must be positive, got %v", d)
		}
		o.drainTimeout = d
		return nil
	}
}

func WithCompression(enabled bool) ClientOption {
	return func(o *options) error {
		o.compression = enabled
		return nil
	}
}

func WithCredentials(username, password string) ClientOption {
	return func(o *options) error {
		o.username, o.password = username, password
		return nil
	}
}

func WithToken(token string) ClientOption {
	return func(o *options) error {
		o.token = token
		return nil
	}
}

// WithTLS enables TLS. Empty paths fall back to the system configuration.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(o *options) error {
		o.tls = true
		o.certFile, o.keyFile, o.ca = certFile, keyFile, caFile
		return nil
	}
}

// WithCircuitBreakerThreshold sets how many failed attempts open the
// circuit. Values below one keep the default of 5.
func WithCircuitBreakerThreshold(n int32) ClientOption {
	return func(o *options) error {
		if n >= 1 {
			o.threshold = n
		}
		return nil
	}
}

// WithMaxBackoff caps the circuit backoff. Values under a second keep the
// default of one minute.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(o *options) error {
		if d >= time.Second {
			o.maxBackoff = d
		}
		return nil
	}
}

// WithLogger routes connection events to logger; nil uses slog.Default.
func WithLogger(logger Logger) ClientOption {
	return func(o *options) error {
		if logger == nil {
			logger = NewSlogLogger(nil)
		}
		o.logger = logger
		return nil
	}
}

// WithMetrics records connection state and reconnects. Nil disables it.
func WithMetrics(metrics *metric.Metrics) ClientOption {
	return func(o *options) error {
		o.metrics = metrics
		return nil
	}
}
