// Package dispatch wraps every outbound connector call in retry-with-backoff,
// three-way error classification, idempotent replay, and audit recording.
package dispatch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/ringops/ringway/internal/connector"
)

// Class is the three-way error taxonomy governing retry and escalation.
type Class string

const (
	// ClassTransient errors may succeed on retry (rate limits, timeouts,
	// temporary backend unavailability).
	ClassTransient Class = "transient"
	// ClassPermanent errors will not succeed on retry (malformed input,
	// missing resource); surfaced to the caller without retry.
	ClassPermanent Class = "permanent"
	// ClassPolicyViolation is a governance rejection: never retried, always
	// audited and routed to the governance notification path.
	ClassPolicyViolation Class = "policy_violation"
)

// ClassifiedError wraps a failure with its class so callers branch on
// taxonomy instead of string matching.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewPolicyViolation wraps err as a policy violation.
func NewPolicyViolation(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassPolicyViolation, Err: err}
}

// NewPermanent wraps err as a permanent failure.
func NewPermanent(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassPermanent, Err: err}
}

// Classify maps a failure to its class:
//   - HTTP 429/5xx, timeouts, connection resets -> transient
//   - 403 carrying a policy/compliance signal -> policy_violation
//   - 400/401/plain 403/404/409 and other request errors -> permanent
//
// A 409 flagged as duplicate never reaches the classifier; the dispatcher
// converts it to success first.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	var be *connector.BackendError
	if errors.As(err, &be) {
		switch {
		case be.StatusCode == http.StatusTooManyRequests:
			return ClassTransient
		case be.StatusCode >= 500:
			return ClassTransient
		case be.StatusCode == http.StatusForbidden && be.PolicySignal:
			return ClassPolicyViolation
		default:
			return ClassPermanent
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return ClassTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}

	return ClassPermanent
}

// IsDuplicate reports whether err is a backend duplicate rejection, which the
// caller treats as success rather than failure.
func IsDuplicate(err error) bool {
	var be *connector.BackendError
	return errors.As(err, &be) && be.Duplicate
}
