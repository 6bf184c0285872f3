// Package errors provides standardized error handling patterns for media driver
// components. It includes error classification, standard error variables, and
// helper functions for consistent error wrapping across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Data-path status conditions. These are returned as-is from the hot
	// path (never wrapped or allocated per call) so callers can compare
	// with errors.Is without cost.

	// ErrBackPressured indicates the requested write would exceed the
	// current flow-control limit. The caller should retry after backoff.
	ErrBackPressured = errors.New("back pressured")
	// ErrAdminAction indicates a control-plane operation such as a term
	// rotation is in progress. The caller should retry immediately.
	ErrAdminAction = errors.New("admin action in progress")
	// ErrNotConnected indicates no receiver has yet responded with a
	// setup or status message.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is terminal for a publication or image; the caller must
	// re-create the resource.
	ErrClosed = errors.New("closed")
	// ErrTimeout indicates a peer or client is presumed dead and its
	// resources have been reclaimed.
	ErrTimeout = errors.New("timed out")

	// Control-plane and lifecycle errors
	ErrAlreadyStarted   = errors.New("component already started")
	ErrNotStarted       = errors.New("component not started")
	ErrAlreadyStopped   = errors.New("component already stopped")
	ErrShuttingDown     = errors.New("component is shutting down")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrUnknownClient    = errors.New("unknown client")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrInvalidChannel   = errors.New("invalid channel URI")
	ErrDuplicateStream  = errors.New("duplicate session and stream")
	ErrCommandQueueFull = errors.New("command queue full")

	// Storage and framing errors
	ErrInvalidFrame      = errors.New("invalid frame")
	ErrFrameTooLarge     = errors.New("frame exceeds maximum message length")
	ErrBufferCorrupted   = errors.New("term buffer corrupted")
	ErrInsufficientSpace = errors.New("insufficient buffer space")

	// Configuration and resource errors
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrResourceExhausted = errors.New("resource exhausted")

	// Connection errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	// Data-path status codes that resolve with retry
	if errors.Is(err, ErrBackPressured) ||
		errors.Is(err, ErrAdminAction) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrCommandQueueFull) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing.
// A fatal condition aborts only the affected publication or image,
// never the whole driver.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	if errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrBufferCorrupted) ||
		errors.Is(err, ErrResourceExhausted) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	fatalPatterns := []string{
		"fatal",
		"panic",
		"corrupted",
		"invalid config",
		"missing config",
	}
	for _, pattern := range fatalPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrInvalidChannel) ||
		errors.Is(err, ErrDuplicateStream)
}

// IsTerminal reports whether the error is terminal for the resource it
// came from. Closed and timed-out resources must be re-created.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrTimeout)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient // Default for nil
	}

	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error
// This is an internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}
