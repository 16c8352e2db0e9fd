// Package apperrors classifies the failures of the bridge so callers can
// decide between retrying, rejecting and aborting.
package apperrors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents malformed input that is dropped
	ErrorInvalid
	// ErrorUnauthorized represents requests outside the caller's topic scope
	ErrorUnauthorized
	// ErrorFatal represents configuration errors that stop the process at startup
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorUnauthorized:
		return "unauthorized"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// Broker errors
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrPublishFailed     = errors.New("publish failed")

	// Authorization errors
	ErrTopicNotAllowed = errors.New("Topic not allowed")
	ErrNoPrefixes      = errors.New("no allowed topic prefixes")
	ErrInvalidToken    = errors.New("invalid token")
	ErrSessionLimit    = errors.New("active session limit reached")

	// Input errors
	ErrInvalidPayload = errors.New("invalid payload")
	ErrInvalidTopic   = errors.New("unrecognized topic shape")

	// Configuration errors
	ErrMissingDefaultBroker = errors.New("missing default broker profile")
	ErrMissingBrokerHost    = errors.New("broker profile has no host")
	ErrInvalidConfig        = errors.New("invalid configuration")

	// Notification errors
	ErrMailNotConfigured = errors.New("mail transport not configured")
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

// ClassOf returns the class of err. Unclassified errors map through the
// sentinels; anything else is transient.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, ErrTopicNotAllowed), errors.Is(err, ErrNoPrefixes),
		errors.Is(err, ErrInvalidToken), errors.Is(err, ErrSessionLimit):
		return ErrorUnauthorized
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrInvalidTopic):
		return ErrorInvalid
	case errors.Is(err, ErrMissingDefaultBroker), errors.Is(err, ErrMissingBrokerHost),
		errors.Is(err, ErrInvalidConfig):
		return ErrorFatal
	}
	return ErrorTransient
}

// IsTransient checks if an error is transient and may be retried
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorTransient
}

// IsUnauthorized checks if an error is an authorization rejection
func IsUnauthorized(err error) bool {
	return err != nil && ClassOf(err) == ErrorUnauthorized
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	return err != nil && ClassOf(err) == ErrorInvalid
}

// IsFatal checks if an error must stop the process
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ErrorFatal
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
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
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}
