package envelope

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/wire"
)

// DefaultHistory is the cache depth of an envelope registered without one.
const DefaultHistory = 1

type entry struct {
	env     string
	key     Key
	history int
	factory func() message.Payload
}

// Registry holds the known envelopes in registration order, together with
// their cache depth and how to decode them. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	byEnv   map[string]*entry
	codec   wire.Codec
}

// NewRegistry returns a registry seeded with every message type from
// message.Defaults at DefaultHistory. A nil codec selects JSON.
func NewRegistry(codec wire.Codec) *Registry {
	if codec == nil {
		codec = wire.JSON{}
	}
	r := &Registry{
		byEnv: make(map[string]*entry),
		codec: codec,
	}
	for _, sample := range message.Defaults() {
		r.Register(sample, DefaultHistory)
	}
	return r
}

// Codec returns the payload codec.
func (r *Registry) Codec() wire.Codec {
	return r.codec
}

// Register adds the envelope of sample with the given history depth. Registering
// an existing envelope updates its depth and keeps its position.
func (r *Registry) Register(sample message.Payload, history int) {
	if history < 1 {
		history = DefaultHistory
	}
	env := For(sample)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byEnv[env]; ok {
		e.history = history
		return
	}
	e := &entry{
		env:     env,
		key:     Parse(env),
		history: history,
		factory: factoryFor(sample),
	}
	r.entries = append(r.entries, e)
	r.byEnv[env] = e
}

// SetHistory registers env by string, for envelopes named in configuration.
// Its type must already be registered.
func (r *Registry) SetHistory(env string, history int) error {
	if history < 1 {
		history = DefaultHistory
	}
	key := Parse(env)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byEnv[env]; ok {
		e.history = history
		return nil
	}
	var factory func() message.Payload
	for _, e := range r.entries {
		if e.key.Type == key.Type {
			factory = e.factory
			break
		}
	}
	if factory == nil {
		return errors.WrapInvalid(errors.ErrUnknownEnvelope, "envelope.Registry", "SetHistory",
			fmt.Sprintf("type lookup for %q", env))
	}
	e := &entry{env: env, key: key, history: history, factory: factory}
	r.entries = append(r.entries, e)
	r.byEnv[env] = e
	return nil
}

// Envelopes returns the registered envelopes in registration order.
func (r *Registry) Envelopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.env
	}
	return out
}

// Resolve returns the registered key for env: the exact entry if present,
// otherwise the highest scoring entry of the same type. Ties go to the entry
// registered first.
func (r *Registry) Resolve(env string) (Key, error) {
	e, err := r.resolve(env)
	if err != nil {
		return Key{}, err
	}
	return e.key, nil
}

func (r *Registry) resolve(env string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.byEnv[env]; ok {
		return e, nil
	}

	target := Parse(env)
	var best *entry
	bestScore := 0
	for _, e := range r.entries {
		if score := target.Score(e.key); score > bestScore {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return nil, errors.WrapFatal(errors.ErrUnknownEnvelope, "envelope.Registry", "Resolve",
			fmt.Sprintf("match for %q", env))
	}
	return best, nil
}

// History returns the cache depth for env or an ErrUnknownEnvelope error.
func (r *Registry) History(env string) (int, error) {
	e, err := r.resolve(env)
	if err != nil {
		return 0, err
	}
	return e.history, nil
}

// Encode returns the envelope and payload bytes of msg.
func (r *Registry) Encode(msg message.Payload) (string, []byte, error) {
	if msg == nil {
		return "", nil, errors.WrapInvalid(errors.ErrInvalidData, "envelope.Registry", "Encode", "nil message")
	}
	payload, err := r.codec.Marshal(msg)
	if err != nil {
		return "", nil, errors.WrapInvalid(err, "envelope.Registry", "Encode", "marshal "+msg.MessageType())
	}
	return For(msg), payload, nil
}

// Extract decodes payload with the factory of the key env resolves to.
// Unknown envelopes are fatal; undecodable or inconsistent payloads are
// invalid.
func (r *Registry) Extract(env string, payload []byte) (message.Payload, error) {
	e, err := r.resolve(env)
	if err != nil {
		return nil, err
	}

	msg := e.factory()
	if err := r.codec.Unmarshal(payload, msg); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "envelope.Registry", "Extract",
			fmt.Sprintf("decode %q: %v", env, err))
	}
	if err := msg.Validate(); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "envelope.Registry", "Extract",
			fmt.Sprintf("validate %q: %v", env, err))
	}
	return msg, nil
}

func factoryFor(sample message.Payload) func() message.Payload {
	if message.Factory(sample.MessageType()) != nil {
		name := sample.MessageType()
		return func() message.Payload { return message.Factory(name) }
	}
	t := reflect.TypeOf(sample)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return func() message.Payload {
		return reflect.New(t).Interface().(message.Payload)
	}
}
