// Package cache keeps a bounded history of messages per envelope.
//
// The relay and every subscriber hold one. Capacity per envelope comes from
// the envelope registry (exact or closest registered key), so a registry
// entry like "Scan2d_Z_" with history 5 bounds every Scan2d_Z_* stream.
// Envelopes are remembered in the order they were first cached; Match
// replays them in that order.
package cache

import (
	"strings"
	"sync"

	"github.com/c360/afspm/envelope"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/pkg/buffer"
)

// Entry is one cached message. Payload is the exact bytes received so a
// replay is byte-identical to the original broadcast.
type Entry struct {
	Envelope string
	Payload  []byte
	Message  message.Payload
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics reports history metrics, one "buffer" label per envelope.
func WithMetrics(m *buffer.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// Cache maps envelopes to bounded histories. It is safe for concurrent use.
type Cache struct {
	mu        sync.RWMutex
	registry  *envelope.Registry
	histories map[string]*buffer.History[Entry]
	order     []string
	metrics   *buffer.Metrics
}

// New returns an empty cache sized by registry.
func New(registry *envelope.Registry, opts ...Option) *Cache {
	c := &Cache{
		registry:  registry,
		histories: make(map[string]*buffer.History[Entry]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add appends e to the history of e.Envelope, evicting the oldest entry if
// the history is full. It fails only when the envelope cannot be resolved.
func (c *Cache) Add(e Entry) error {
	h, err := c.history(e.Envelope)
	if err != nil {
		return err
	}
	h.Append(e)
	return nil
}

func (c *Cache) history(env string) (*buffer.History[Entry], error) {
	c.mu.RLock()
	h, ok := c.histories[env]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}

	capacity, err := c.registry.History(env)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.histories[env]; ok {
		return h, nil
	}
	h = buffer.NewHistory(capacity, buffer.WithMetrics[Entry](c.metrics, env))
	c.histories[env] = h
	c.order = append(c.order, env)
	return h, nil
}

// Get returns the history of env, oldest first.
func (c *Cache) Get(env string) []Entry {
	c.mu.RLock()
	h, ok := c.histories[env]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return h.Items()
}

// Latest returns the newest entry of env.
func (c *Cache) Latest(env string) (Entry, bool) {
	c.mu.RLock()
	h, ok := c.histories[env]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	return h.Last()
}

// Envelopes returns the cached envelopes in first-cached order.
func (c *Cache) Envelopes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Match returns every entry whose envelope matches one of topics. Each
// envelope contributes its whole history, oldest first, and envelopes appear
// in first-cached order.
func (c *Cache) Match(topics []string) []Entry {
	var out []Entry
	for _, env := range c.Envelopes() {
		if Matches(env, topics) {
			out = append(out, c.Get(env)...)
		}
	}
	return out
}

// Len returns the total number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, h := range c.histories {
		n += h.Len()
	}
	return n
}

// Matches reports whether env starts with any of topics. The empty topic
// (envelope.All) matches everything; no topics matches nothing.
func Matches(env string, topics []string) bool {
	for _, t := range topics {
		if t == envelope.All || strings.HasPrefix(env, t) {
			return true
		}
	}
	return false
}
