package natsclient

import (
	"context"

	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/pkg/retry"
	"github.com/c360/afspm/transport"
)

// Factory dials connected Clients. Every component gets its own connection
// so a component can reset it without disturbing the others.
type Factory struct {
	url     string
	options []ClientOption
	retry   retry.Config
}

var _ transport.Factory = (*Factory)(nil)

// NewFactory returns a factory for url. Connection attempts are retried
// with retry.Quick unless WithDialRetry overrides it.
func NewFactory(url string, opts ...ClientOption) *Factory {
	return &Factory{url: url, options: opts, retry: retry.Quick()}
}

// WithDialRetry sets the retry policy for connection attempts.
func (f *Factory) WithDialRetry(cfg retry.Config) *Factory {
	f.retry = cfg
	return f
}

// URL returns the server URL.
func (f *Factory) URL() string {
	return f.url
}

// Dial implements transport.Factory.
func (f *Factory) Dial(ctx context.Context) (transport.Conn, error) {
	return f.DialClient(ctx)
}

// DialClient is Dial with the concrete type, for callers that need
// JetStream.
func (f *Factory) DialClient(ctx context.Context) (*Client, error) {
	client, err := NewClient(f.url, f.options...)
	if err != nil {
		return nil, err
	}

	err = retry.Do(ctx, f.retry, func(_ int) error {
		err := client.Connect(ctx)
		if errors.IsInvalid(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		_ = client.Close(context.Background())
		return nil, errors.WrapTransient(err, "Factory", "Dial", "connect to "+f.url)
	}
	return client, nil
}
