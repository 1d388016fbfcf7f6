package eventflow

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors for event validation and handler classification.
// Wrap them with fmt.Errorf("...: %w", ...) and check with errors.Is.
var (
	// ErrInvalidEvent indicates a malformed event envelope.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrRetryable marks a failure as transient. Wrap downstream
	// network/unavailability errors with it when the automatic detection
	// in Classify is not enough.
	ErrRetryable = errors.New("retryable failure")

	// ErrPermanent marks a failure as permanent: validation errors,
	// business-rule violations, undecodable payloads. Permanent failures
	// are still returned to the transport (the consumer base never
	// swallows them); the classification changes only how they are logged
	// and whether the transport should bother redelivering.
	ErrPermanent = errors.New("permanent failure")

	// ErrHandlerTimeout is returned when a handler exceeds its configured
	// timeout. Timeouts are treated as retryable.
	ErrHandlerTimeout = errors.New("handler timed out")
)

// ErrorClass is the coarse failure taxonomy used for logging and
// alerting decisions. The transport owns the actual retry mechanics; the
// class never changes whether an error propagates.
type ErrorClass int

const (
	// ClassRetryable covers network errors, timeouts, and downstream
	// unavailability. Redelivery may succeed.
	ClassRetryable ErrorClass = iota

	// ClassPermanent covers validation and business-rule failures.
	// Redelivery will fail the same way.
	ClassPermanent
)

// String returns "retryable" or "permanent".
func (c ErrorClass) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "retryable"
}

// Classify maps an error to its ErrorClass.
//
// Explicit markers win: errors wrapping ErrPermanent are permanent, errors
// wrapping ErrRetryable are retryable. Otherwise timeouts, context deadline
// expiry, and net.Error values are retryable. Unknown errors default to
// retryable so that a redelivery gets the chance to succeed.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassRetryable
	}
	if errors.Is(err, ErrPermanent) {
		return ClassPermanent
	}
	if errors.Is(err, ErrRetryable) || errors.Is(err, ErrHandlerTimeout) {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}
	return ClassRetryable
}

// Retryable reports whether the error is classified as transient.
func Retryable(err error) bool {
	return Classify(err) == ClassRetryable
}
