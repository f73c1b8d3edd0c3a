// Package transport abstracts the message bus afspm components talk over.
//
// Components never reach for a global connection; they are handed a Factory
// and dial their own Conn, so a control client can drop a wedged connection
// and re-dial. Two implementations exist: natsclient for deployments and
// transport/memory for tests and single-process runs.
package transport

import (
	"context"
	"time"

	"github.com/c360/afspm/errors"
)

// ErrTimeout is returned by Request when no reply arrived in time.
var ErrTimeout = errors.ErrRequestTimeout

// Handler receives published data. Handlers must not block for long; they
// hand data to the owning loop.
type Handler func(ctx context.Context, data []byte)

// RequestHandler answers a request. Returning an error sends no reply, which
// the requester observes as a timeout.
type RequestHandler func(ctx context.Context, data []byte) ([]byte, error)

// Subscription is an active subscription or request server.
type Subscription interface {
	Unsubscribe() error
}

// Conn is one connection to the bus.
type Conn interface {
	// Publish broadcasts data on subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers every message on subject to handler, in order.
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)

	// Request sends data to the server of subject and waits up to timeout
	// for its reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Serve answers requests on subject.
	Serve(ctx context.Context, subject string, handler RequestHandler) (Subscription, error)

	// Close releases the connection and all its subscriptions.
	Close(ctx context.Context) error
}

// Factory dials connections.
type Factory interface {
	Dial(ctx context.Context) (Conn, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Conn, error)

// Dial implements Factory.
func (f FactoryFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
