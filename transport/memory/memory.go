// Package memory is an in-process transport. Publish delivers synchronously
// to every subscriber of the exact subject, so ordering per publisher is
// preserved and tests are deterministic. Requests go to the most recently
// registered server of a subject.
package memory

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/transport"
)

// Bus connects every Conn dialed from it.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscription
	servers map[string][]*subscription
	dials   atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string][]*subscription),
		servers: make(map[string][]*subscription),
	}
}

// Dial implements transport.Factory.
func (b *Bus) Dial(_ context.Context) (transport.Conn, error) {
	b.dials.Add(1)
	return &Conn{bus: b}, nil
}

// Dials returns how many connections were dialed.
func (b *Bus) Dials() int {
	return int(b.dials.Load())
}

// Subscribers returns how many subscriptions are active on subject.
func (b *Bus) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

type subscription struct {
	bus     *Bus
	conn    *Conn
	subject string
	handler transport.Handler
	server  transport.RequestHandler
	active  atomic.Bool
}

func (s *subscription) Unsubscribe() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.server != nil {
		s.bus.servers[s.subject] = remove(s.bus.servers[s.subject], s)
	} else {
		s.bus.subs[s.subject] = remove(s.bus.subs[s.subject], s)
	}
	return nil
}

func remove(list []*subscription, s *subscription) []*subscription {
	return slices.DeleteFunc(slices.Clone(list), func(x *subscription) bool { return x == s })
}

// Conn is one connection to a Bus.
type Conn struct {
	bus    *Bus
	mu     sync.Mutex
	owned  []*subscription
	closed atomic.Bool
}

// Publish implements transport.Conn.
func (c *Conn) Publish(ctx context.Context, subject string, data []byte) error {
	if c.closed.Load() {
		return errors.ErrClosed
	}
	c.bus.mu.RLock()
	targets := slices.Clone(c.bus.subs[subject])
	c.bus.mu.RUnlock()

	for _, s := range targets {
		if s.active.Load() {
			s.handler(ctx, slices.Clone(data))
		}
	}
	return nil
}

// Subscribe implements transport.Conn.
func (c *Conn) Subscribe(_ context.Context, subject string, handler transport.Handler) (transport.Subscription, error) {
	if c.closed.Load() {
		return nil, errors.ErrClosed
	}
	s := &subscription{bus: c.bus, conn: c, subject: subject, handler: handler}
	s.active.Store(true)

	c.bus.mu.Lock()
	c.bus.subs[subject] = append(c.bus.subs[subject], s)
	c.bus.mu.Unlock()
	c.track(s)
	return s, nil
}

// Serve implements transport.Conn.
func (c *Conn) Serve(_ context.Context, subject string, handler transport.RequestHandler) (transport.Subscription, error) {
	if c.closed.Load() {
		return nil, errors.ErrClosed
	}
	s := &subscription{bus: c.bus, conn: c, subject: subject, server: handler}
	s.active.Store(true)

	c.bus.mu.Lock()
	c.bus.servers[subject] = append(c.bus.servers[subject], s)
	c.bus.mu.Unlock()
	c.track(s)
	return s, nil
}

func (c *Conn) track(s *subscription) {
	c.mu.Lock()
	c.owned = append(c.owned, s)
	c.mu.Unlock()
}

// Request implements transport.Conn.
func (c *Conn) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, errors.ErrClosed
	}
	c.bus.mu.RLock()
	servers := c.bus.servers[subject]
	var server *subscription
	if len(servers) > 0 {
		server = servers[len(servers)-1]
	}
	c.bus.mu.RUnlock()
	if server == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "memory.Conn", "Request", "responder lookup for "+subject)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := server.server(reqCtx, slices.Clone(data))
		done <- result{reply, err}
	}()

	select {
	case r := <-done:
		if reqCtx.Err() != nil {
			return nil, c.timeoutOr(ctx)
		}
		if r.err != nil {
			// No reply is sent; wait out the deadline like a real requester.
			<-reqCtx.Done()
			return nil, c.timeoutOr(ctx)
		}
		return r.data, nil
	case <-reqCtx.Done():
		return nil, c.timeoutOr(ctx)
	}
}

func (c *Conn) timeoutOr(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return transport.ErrTimeout
}

// Close implements transport.Conn.
func (c *Conn) Close(_ context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	owned := c.owned
	c.owned = nil
	c.mu.Unlock()
	for _, s := range owned {
		_ = s.Unsubscribe()
	}
	return nil
}
