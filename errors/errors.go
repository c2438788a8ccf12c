// Package errors classifies cepbridge failures. Every error the pipeline
// returns either carries an explicit class (transient, invalid, fatal) or
// wraps a sentinel whose class is known, and context is added in the form
// "Component.Method: action failed: cause".
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides how a caller reacts to an error: retry it, drop the
// input that caused it, or stop.
type ErrorClass int

const (
	// ErrorTransient may succeed on retry.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid is caused by the input or configuration and will not
	// succeed on retry.
	ErrorInvalid
	// ErrorFatal stops the process.
	ErrorFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	}
	return "unknown"
}

// Failure taxonomy. Callers pick the scope of a failure with errors.Is.
var (
	// ErrConfig: a tenant list, rule file or process setting is missing or
	// malformed. The affected rule or tenant is skipped.
	ErrConfig = errors.New("configuration error")

	// ErrCompile: a rule produced query text the engine would not build.
	// The rule is skipped.
	ErrCompile = errors.New("compile error")

	// ErrAuthRejected: the identity gate refused a reading. The message is
	// dropped and never retried.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrTransport: a broker connection or TLS failure. Fatal for the
	// consumer at startup, logged and swallowed for alert publishing.
	ErrTransport = errors.New("transport error")

	// ErrDispatch: an inbound message could not be decoded. It is dropped.
	ErrDispatch = errors.New("dispatch error")
)

// Conditions shared by several packages.
var (
	ErrAlreadyStarted    = errors.New("component already started")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrInvalidData       = errors.New("invalid data format")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrQueueFull         = errors.New("queue full")
)

// sentinelClasses classifies errors that were never wrapped with a class.
// The first match wins.
var sentinelClasses = []struct {
	err   error
	class ErrorClass
}{
	{ErrInvalidConfig, ErrorFatal},
	{ErrInvalidData, ErrorInvalid},
	{ErrCompile, ErrorInvalid},
	{ErrDispatch, ErrorInvalid},
	{ErrConfig, ErrorInvalid},
	{ErrTransport, ErrorTransient},
	{ErrConnectionTimeout, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},
}

var transientHints = []string{"timeout", "connection", "temporary", "unavailable"}

// ClassifiedError is an error with an explicit class and the component
// and operation that produced it.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

func classOf(err error) (ErrorClass, bool) {
	if err == nil {
		return 0, false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	for _, s := range sentinelClasses {
		if errors.Is(err, s.err) {
			return s.class, true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return ErrorTransient, true
		}
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorTransient
}

// IsInvalid reports whether err was caused by bad input.
func IsInvalid(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorInvalid
}

// IsFatal reports whether err should stop the process.
func IsFatal(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorFatal
}

// Classify returns the class of err. Unrecognised errors are transient.
func Classify(err error) ErrorClass {
	c, _ := classOf(err)
	return c
}

// Wrap adds "component.method: action failed" context to err.
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

// WrapTransient wraps err with context and marks it transient.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps err with context and marks it invalid.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps err with context and marks it fatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// Kind attaches a taxonomy sentinel to err so that errors.Is(result, kind)
// holds while err stays reachable through errors.As.
func Kind(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (k *kindError) Error() string { return k.kind.Error() + ": " + k.err.Error() }

func (k *kindError) Unwrap() []error { return []error{k.kind, k.err} }
