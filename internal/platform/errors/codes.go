// Package errors provides structured error handling for the event log service.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Storage errors
	CodeNotFound             Code = "NOT_FOUND"
	CodeStreamNotFound       Code = "STREAM_NOT_FOUND"
	CodeAlreadyExists        Code = "ALREADY_EXISTS"
	CodeConcurrencyViolation Code = "CONCURRENCY_VIOLATION"
	CodeCorruptedJournal     Code = "CORRUPTED_JOURNAL"

	// Event errors
	CodeEventTypeNotRegistered Code = "EVENT_TYPE_NOT_REGISTERED"
	CodeEventInvalid           Code = "EVENT_INVALID"

	// Notification errors
	CodeTransportFailure Code = "TRANSPORT_FAILURE"
	CodeNotificationLog  Code = "NOTIFICATION_LOG_INVALID"

	// Process errors
	CodeProcessInvalid   Code = "PROCESS_INVALID"
	CodeRetriesExhausted Code = "RETRIES_EXHAUSTED"

	// Configuration errors
	CodeConfiguration Code = "CONFIGURATION"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeEventInvalid,
		CodeProcessInvalid,
		CodeNotificationLog:
		return codes.InvalidArgument

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeStreamNotFound:
		return codes.NotFound

	// AlreadyExists - create collided with an existing record
	case CodeAlreadyExists:
		return codes.AlreadyExists

	// Aborted - optimistic concurrency lost, caller re-reads and retries
	case CodeConcurrencyViolation:
		return codes.Aborted

	// FailedPrecondition - state doesn't allow operation
	case CodeRetriesExhausted,
		CodeEventTypeNotRegistered,
		CodeConfiguration:
		return codes.FailedPrecondition

	// Unavailable - downstream dependency failed, retry later
	case CodeTransportFailure:
		return codes.Unavailable

	// DataLoss - journal had to be repaired
	case CodeCorruptedJournal:
		return codes.DataLoss

	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes for the feed endpoints.
func (c Code) HTTPStatus() int {
	switch c.GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
