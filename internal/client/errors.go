package client

import (
	"fmt"
	"net/http"
)

// Kind categorizes a queue API failure for the caller.
type Kind string

const (
	// KindPrecondition means the call was never sent, e.g. no bearer token.
	KindPrecondition Kind = "precondition"
	// KindAuthentication means the session is invalid; the user must log in again.
	KindAuthentication Kind = "authentication"
	// KindAuthorization means the caller lacks permission.
	KindAuthorization Kind = "authorization"
	// KindNotFound means the item is absent, possibly already pruned. Treated
	// by the monitor as a stale-snapshot signal.
	KindNotFound Kind = "not_found"
	// KindConflict means an invalid state transition, e.g. cancel on a
	// terminal item or retry on a non-failed one.
	KindConflict Kind = "conflict"
	// KindValidation means the request was malformed.
	KindValidation Kind = "validation"
	// KindApplication means the server returned success=false in the envelope.
	KindApplication Kind = "application"
	// KindTransient covers 5xx, network, and timeout failures. The only kind
	// safe to retry manually; never retried silently by the client.
	KindTransient Kind = "transient"
)

// APIError is the typed failure result of every queue client operation.
type APIError struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("queue api: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("queue api: %s", e.Kind)
}

// Retryable reports whether the caller may safely retry the operation.
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransient
}

// classify maps an HTTP status to an error kind. Nothing below 5xx implies
// retryability.
func classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusBadRequest:
		return KindValidation
	case status >= 500:
		return KindTransient
	default:
		return KindApplication
	}
}
