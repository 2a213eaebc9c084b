package transport

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Retryable reports whether err is a transient failure the Connection
// should reconnect after (spec §4.4): transient server errors, network
// resets, internal errors, unavailable, deadline exceeded, resource
// exhausted, cancelled.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded,
		codes.ResourceExhausted, codes.Canceled, codes.Aborted, codes.Unknown:
		return true
	default:
		return false
	}
}

// Fatal reports whether err is a non-retryable failure that should fail
// the Connection, and ultimately the Supervisor: invalid argument, not
// found, permission denied, unauthenticated, failed-precondition.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
		codes.Unauthenticated, codes.FailedPrecondition:
		return true
	default:
		return false
	}
}

// Classifier lets callers override the retryable/fatal split (spec §6,
// retryableStatuses configuration option) without changing the default
// grpc status-code mapping above.
type Classifier struct {
	IsRetryable func(error) bool
	IsFatal     func(error) bool
}

// Default returns the Classifier backed by Retryable and Fatal.
func Default() Classifier {
	return Classifier{IsRetryable: Retryable, IsFatal: Fatal}
}
