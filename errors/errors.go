package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass says how a caller should react to an error.
type ErrorClass int

const (
	// ErrorTransient errors may succeed on retry.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid errors come from bad input; drop it and carry on.
	ErrorInvalid
	// ErrorFatal errors stop the loop that hit them.
	ErrorFatal
)

var classNames = [...]string{"transient", "invalid", "fatal"}

func (c ErrorClass) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return "unknown"
	}
	return classNames[c]
}

// Lifecycle
var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrClosed         = errors.New("component closed")
	ErrShuttingDown   = errors.New("component is shutting down")
)

// Transport
var (
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrRequestTimeout     = errors.New("request timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrCircuitOpen        = errors.New("circuit breaker open")
)

// Payloads and configuration
var (
	ErrUnknownEnvelope   = errors.New("unknown envelope")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrInvalidData       = errors.New("invalid data format")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrMissingCapability = errors.New("missing required capability")
)

// sentinels maps well-known errors onto their class. The first match wins.
var sentinels = []struct {
	err   error
	class ErrorClass
}{
	{ErrConnectionTimeout, ErrorTransient},
	{ErrConnectionLost, ErrorTransient},
	{ErrRequestTimeout, ErrorTransient},
	{ErrNoConnection, ErrorTransient},
	{ErrCircuitOpen, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},
	{ErrInvalidConfig, ErrorFatal},
	{ErrMissingConfig, ErrorFatal},
	{ErrMissingCapability, ErrorFatal},
	{ErrUnknownEnvelope, ErrorFatal},
	{ErrInvalidData, ErrorInvalid},
	{ErrMalformedMessage, ErrorInvalid},
}

// transientWords catch driver errors that carry no sentinel.
var transientWords = []string{"timeout", "connection", "temporary", "unavailable"}

// ClassifiedError carries an explicit class and where the error happened.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// lookup resolves the class of err. ok is false when nothing in the chain
// identifies it.
func lookup(err error) (class ErrorClass, ok bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.class, true
		}
	}
	return ErrorTransient, false
}

// Classify returns the class of err. Unrecognized errors and nil are
// transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	class, _ := lookup(err)
	return class
}

// IsTransient reports whether err is worth retrying. Errors nothing
// identifies count as transient only if their text looks like a network
// failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := lookup(err); ok {
		return class == ErrorTransient
	}
	msg := strings.ToLower(err.Error())
	for _, w := range transientWords {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	class, ok := lookup(err)
	return ok && class == ErrorFatal
}

func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	class, ok := lookup(err)
	return ok && class == ErrorInvalid
}

// Wrap adds context as "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient is Wrap with the error marked transient.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapInvalid is Wrap with the error marked invalid.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// WrapFatal is Wrap with the error marked fatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}
