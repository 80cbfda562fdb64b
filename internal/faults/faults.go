// Package faults defines the error taxonomy shared by the coordinator and the
// worker protocol. Every internal boundary returns kind-tagged errors so REST
// handlers can translate them to HTTP statuses without string matching.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for policy decisions (HTTP status, retry, health).
type Kind string

const (
	// KindValidation is bad client input: missing field, bad path. 4xx, no retry.
	KindValidation Kind = "validation"
	// KindNotFound is a missing session or unregistered agent. 404.
	KindNotFound Kind = "not_found"
	// KindTransport is a timeout, refused connection, or unparsable worker
	// reply. 5xx; the workflow stage does not advance.
	KindTransport Kind = "transport"
	// KindWorker means a worker returned {status:"error"} or the pipeline
	// could not hand a session to one. The worker owns any clarification
	// state it wrote; the coordinator propagates. 500.
	KindWorker Kind = "worker"
	// KindStorage is a cache or filesystem failure in the context store.
	KindStorage Kind = "storage"
	// KindConfig is missing or invalid configuration. Startup aborts.
	KindConfig Kind = "config"
	// KindInternal is an invariant violation inside the coordinator, such as
	// a completed session with missing results. 500.
	KindInternal Kind = "internal"
)

// Error is a kind-tagged error. Message is safe to surface to callers;
// the wrapped cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New creates a kind-tagged error with a caller-safe message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a kind-tagged error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the Kind from an error chain. Untagged errors map to
// KindTransport when they cross a process boundary, so the zero answer
// here is the empty Kind and callers decide.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the REST status code per the error policy.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTransport:
		return http.StatusBadGateway
	case KindWorker:
		return http.StatusInternalServerError
	case KindStorage:
		return http.StatusServiceUnavailable
	case KindConfig, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the caller-safe message for an error chain. Untagged
// errors collapse to a generic message so implementation details never
// leak to clients.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "internal error"
}
