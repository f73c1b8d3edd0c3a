package natsclient

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
)

// ControlStateKey is the KV key the mirror writes.
const ControlStateKey = "control_state"

// StateMirror copies the router's ControlState into a JetStream KV bucket,
// so tools can read the current arbitration state without subscribing.
// The bucket lives in memory and keeps one revision.
type StateMirror struct {
	kv jetstream.KeyValue
}

// NewStateMirror creates or opens bucket on client.
func NewStateMirror(ctx context.Context, client *Client, bucket string) (*StateMirror, error) {
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "afspm control state",
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "StateMirror", "NewStateMirror", "open bucket "+bucket)
	}
	return &StateMirror{kv: kv}, nil
}

// Put stores state.
func (m *StateMirror) Put(ctx context.Context, state *message.ControlState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.WrapInvalid(err, "StateMirror", "Put", "marshal control state")
	}
	if _, err := m.kv.Put(ctx, ControlStateKey, data); err != nil {
		return errors.WrapTransient(err, "StateMirror", "Put", "kv put")
	}
	return nil
}

// Get returns the stored state, or nil if none was written yet.
func (m *StateMirror) Get(ctx context.Context) (*message.ControlState, error) {
	entry, err := m.kv.Get(ctx, ControlStateKey)
	if stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "StateMirror", "Get", "kv get")
	}

	var state message.ControlState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "StateMirror", "Get", err.Error())
	}
	return &state, nil
}
