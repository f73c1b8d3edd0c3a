package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
	assert.Equal(t, "unknown", ErrorClass(-1).String())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"request timeout", ErrRequestTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped timeout", fmt.Errorf("send: %w", ErrRequestTimeout), true},
		{"message pattern", errors.New("nats: connection closed"), true},
		{"plain error", errors.New("bad tile index"), false},
		{"unknown envelope", ErrUnknownEnvelope, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: ErrRequestTimeout}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsFatalAndInvalid(t *testing.T) {
	assert.True(t, IsFatal(ErrUnknownEnvelope))
	assert.True(t, IsFatal(WrapFatal(errors.New("x"), "Relay", "ingest", "resolve")))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(errors.New("connection refused")))

	assert.True(t, IsInvalid(ErrMalformedMessage))
	assert.True(t, IsInvalid(WrapInvalid(errors.New("x"), "Registry", "Extract", "decode")))
	assert.False(t, IsInvalid(ErrRequestTimeout))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"transient sentinel", ErrConnectionTimeout, ErrorTransient},
		{"fatal sentinel", ErrMissingCapability, ErrorFatal},
		{"invalid sentinel", ErrInvalidData, ErrorInvalid},
		{"explicit class wins", WrapInvalid(ErrRequestTimeout, "A", "b", "c"), ErrorInvalid},
		{"unknown defaults to transient", errors.New("something odd"), ErrorTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))

	err := Wrap(ErrUnknownEnvelope, "Registry", "Resolve", "closest match")
	assert.EqualError(t, err, "Registry.Resolve: closest match failed: unknown envelope")
	assert.ErrorIs(t, err, ErrUnknownEnvelope)

	wrapped := WrapTransient(ErrRequestTimeout, "Client", "Send", "request")
	var ce *ClassifiedError
	require.ErrorAs(t, wrapped, &ce)
	assert.Equal(t, "Client", ce.Component)
	assert.Equal(t, "Send", ce.Operation)
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.ErrorIs(t, wrapped, ErrRequestTimeout)
	assert.Equal(t, "Client.Send: request failed: request timeout", wrapped.Error())
}
