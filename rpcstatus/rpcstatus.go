// Package rpcstatus classifies the error kinds named in the cache's
// error-handling design onto gRPC's status/codes vocabulary, so the
// rest of metacache can dispatch on a Go error kind instead of string
// matching.
package rpcstatus

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Wrap attaches an RPC description to err for diagnostics, the way a
// deadline or corruption status is surfaced to the caller.
func Wrap(desc string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s failed: %w", desc, err)
}

// Transient reports whether err is a retryable network or
// service-unavailable condition.
func Transient(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.Aborted, codes.ResourceExhausted:
		return true
	}
	return false
}

// Redirect reports whether err indicates the contacted server is not
// the master leader and the request should be retried against a
// re-resolved leader.
func Redirect(err error) bool {
	s, ok := status.FromError(err)
	return ok && s.Code() == codes.FailedPrecondition
}

// NotFound reports whether err is the cache's non-retryable "lookup key
// falls in a non-covered range" condition.
func NotFound(err error) bool {
	s, ok := status.FromError(err)
	return ok && s.Code() == codes.NotFound
}

// Corruption reports whether err is a non-retryable malformed-response
// condition (interned index out of range, schema mismatch).
func Corruption(err error) bool {
	s, ok := status.FromError(err)
	return ok && s.Code() == codes.DataLoss
}

// DeadlineExceeded reports whether err is a deadline timeout.
func DeadlineExceeded(err error) bool {
	s, ok := status.FromError(err)
	if ok {
		return s.Code() == codes.DeadlineExceeded
	}
	return false
}

// NewCorruption builds the non-retryable error returned when a merge
// detects an interned index out of range or another schema mismatch.
func NewCorruption(format string, args ...interface{}) error {
	return status.Errorf(codes.DataLoss, format, args...)
}

// NewNotFound builds the non-retryable error returned when a lookup key
// falls in a non-covered range.
func NewNotFound(format string, args ...interface{}) error {
	return status.Errorf(codes.NotFound, format, args...)
}

// NewTimedOut builds the retryable-by-caller error used for permit
// exhaustion and scheduled retries.
func NewTimedOut(format string, args ...interface{}) error {
	return status.Errorf(codes.DeadlineExceeded, format, args...)
}

// NewUnavailable builds the error for a master-reported
// service-unavailable response, retried the same as a transport-level
// Unavailable status (see Transient).
func NewUnavailable(format string, args ...interface{}) error {
	return status.Errorf(codes.Unavailable, format, args...)
}

// NewRedirect builds the error for a master-reported not-the-leader
// response: the contacted master is stale and the request should be
// retried once the leader is re-resolved (see Redirect).
func NewRedirect(format string, args ...interface{}) error {
	return status.Errorf(codes.FailedPrecondition, format, args...)
}

// NewResolutionFailure wraps a DNS/address resolution error with the
// server UUID that failed to resolve.
func NewResolutionFailure(serverUUID string, cause error) error {
	return fmt.Errorf("Failed to resolve address for TS %s: %w", serverUUID, cause)
}
